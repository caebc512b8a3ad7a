package service

import (
	"context"

	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/hub"
)

// ChatService handles every frame arriving on a websocket connection and
// runs the cluster consumer loops that apply remote traffic locally.
type ChatService interface {
	HandleConnect(ctx context.Context, c *hub.Client)
	HandleDisconnect(ctx context.Context, c *hub.Client)

	HandleSubscribe(ctx context.Context, c *hub.Client, frame domain.SubscribeFrame) error
	HandleMessageSend(ctx context.Context, c *hub.Client, frame domain.MessageSendFrame) error
	HandleMessageEdit(ctx context.Context, c *hub.Client, frame domain.MessageEditFrame) error
	HandleMessageDelete(ctx context.Context, c *hub.Client, frame domain.MessageDeleteFrame) error
	HandleTypingStart(ctx context.Context, c *hub.Client, frame domain.TypingFrame) error
	HandleTypingStop(ctx context.Context, c *hub.Client, frame domain.TypingFrame) error
	HandlePing(ctx context.Context, c *hub.Client) error

	Start(ctx context.Context) error
	Stop() error
}
