package notify

import (
	"context"
	"encoding/json"

	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/hub"
	"github.com/DevOcho/d8-chat/internal/metrics"
)

// Notification is one user-facing alert for a message the target is not
// currently viewing.
type Notification struct {
	Title string
	Body  string
	Tag   string
}

// Provider delivers alerts to a user. The hub-backed implementation
// pushes frames to the user's live connections; an external push
// transport can replace it without touching the dispatch pipeline.
type Provider interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// HubProvider pushes notification frames to the user's connections on
// this process.
type HubProvider struct {
	hub *hub.Hub
}

func NewHubProvider(h *hub.Hub) *HubProvider {
	return &HubProvider{hub: h}
}

func (p *HubProvider) Notify(_ context.Context, userID string, n Notification) error {
	data, err := json.Marshal(&domain.NotificationFrame{
		Type:  domain.FrameNotification,
		Title: n.Title,
		Body:  n.Body,
		Tag:   n.Tag,
	})
	if err != nil {
		return err
	}
	if delivered := p.hub.DeliverToUser(userID, data); delivered > 0 {
		metrics.NotificationsSent.Inc()
	}
	return nil
}
