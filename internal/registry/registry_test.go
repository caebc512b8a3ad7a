package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevOcho/d8-chat/internal/hub"
)

func TestUserIDFromKey(t *testing.T) {
	cases := map[string]string{
		"d8chat:subs:conv:conv-1:user:u-alice:inst:inst-1": "u-alice",
		"d8chat:subs:conv:conv-1:user:u-bob:inst:inst-2":   "u-bob",
		"garbage":                               "",
		"d8chat:subs:conv:conv-1:user:":         "",
		"prefix:conv:c:user:u-carol:inst:inst3": "u-carol",
	}
	for key, want := range cases {
		assert.Equal(t, want, userIDFromKey(key), "key %q", key)
	}
}

func TestLocalRegistryAnswersFromHub(t *testing.T) {
	h := hub.NewHub()
	reg := NewLocalRegistry(h)

	c := hub.NewClient("conn-1", "u-alice", "alice", h, nil, hub.PumpConfig{SendBuffer: 4})
	h.Register(c)
	h.Subscribe("conn-1", "conv-1")

	require.NoError(t, reg.AddSubscriber(context.Background(), "conv-1", "u-alice"))
	subs, err := reg.Subscribers(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-alice"}, subs)

	subs, err = reg.Subscribers(context.Background(), "conv-other")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
