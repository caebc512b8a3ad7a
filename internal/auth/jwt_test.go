package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndAuthenticate(t *testing.T) {
	a := NewJWTAuthenticator("test-secret", "d8-chat")

	token, err := a.Sign(Identity{UserID: "u-alice", Username: "alice"}, time.Minute)
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-alice", id.UserID)
	assert.Equal(t, "alice", id.Username)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTAuthenticator("secret-a", "d8-chat")
	verifier := NewJWTAuthenticator("secret-b", "d8-chat")

	token, err := issuer.Sign(Identity{UserID: "u-alice", Username: "alice"}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator("test-secret", "d8-chat")

	token, err := a.Sign(Identity{UserID: "u-alice", Username: "alice"}, -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthenticateRejectsWrongIssuer(t *testing.T) {
	issuer := NewJWTAuthenticator("test-secret", "other-app")
	verifier := NewJWTAuthenticator("test-secret", "d8-chat")

	token, err := issuer.Sign(Identity{UserID: "u-alice", Username: "alice"}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	a := NewJWTAuthenticator("test-secret", "d8-chat")

	_, err := a.Authenticate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()
	a.Add("tok-alice", Identity{UserID: "u-alice", Username: "alice"})

	id, err := a.Authenticate(context.Background(), "tok-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)

	_, err = a.Authenticate(context.Background(), "tok-unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
