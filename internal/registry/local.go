package registry

import (
	"context"

	"github.com/DevOcho/d8-chat/internal/hub"
)

// LocalRegistry answers from the local hub. Correct for single-process
// deployments and a sane fallback when no shared registry is configured.
type LocalRegistry struct {
	hub *hub.Hub
}

func NewLocalRegistry(h *hub.Hub) *LocalRegistry {
	return &LocalRegistry{hub: h}
}

func (r *LocalRegistry) AddSubscriber(context.Context, string, string) error    { return nil }
func (r *LocalRegistry) RemoveSubscriber(context.Context, string, string) error { return nil }

func (r *LocalRegistry) Subscribers(_ context.Context, conversationID string) ([]string, error) {
	return r.hub.SubscriberUserIDs(conversationID), nil
}

func (r *LocalRegistry) StartHeartbeat(context.Context) error { return nil }
func (r *LocalRegistry) StopHeartbeat()                       {}
func (r *LocalRegistry) Close() error                         { return nil }
