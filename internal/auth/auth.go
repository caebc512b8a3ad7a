package auth

import (
	"context"
	"errors"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Identity is the authenticated principal behind a websocket connection.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator verifies the credential a client presents when opening
// a websocket.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
