package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DevOcho/d8-chat/internal/audit"
	"github.com/DevOcho/d8-chat/internal/auth"
	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/hub"
	"github.com/DevOcho/d8-chat/internal/service"
	"github.com/DevOcho/d8-chat/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.ChatService
	auth    auth.Authenticator
	pumpCfg hub.PumpConfig
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, authn auth.Authenticator, pumpCfg hub.PumpConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		auth:    authn,
		pumpCfg: pumpCfg,
	}
}

// HandleWebSocket upgrades the connection and authenticates it from the
// token query parameter (or the Sec-WebSocket-Protocol fallback some
// browsers need). Auth failure closes with policy violation.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Sec-WebSocket-Protocol")
	}

	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		audit.Log(r.Context(), audit.ActionAuthFailed, "", "websocket authentication rejected")
		log.L().Warn().Err(err).Msg("websocket auth failed")
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(time.Second),
		)
		conn.Close()
		return
	}

	client := hub.NewClient(uuid.NewString(), identity.UserID, identity.Username, h.hub, conn, h.pumpCfg)
	h.service.HandleConnect(context.Background(), client)

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleFrame)
		h.service.HandleDisconnect(context.Background(), client)
		audit.Log(context.Background(), audit.ActionDisconnect, client.UserID, "websocket disconnected")
	}()
}

func (h *WSHandler) handleFrame(client *hub.Client, message []byte) {
	var base domain.BaseFrame
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "invalid frame"))
		return
	}

	ctx := context.Background()

	switch base.Type {
	case domain.FrameSubscribe:
		var frame domain.SubscribeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "invalid subscribe frame"))
			return
		}
		if err := h.service.HandleSubscribe(ctx, client, frame); err != nil {
			h.logFrameError(client, base.Type, err)
		}

	case domain.FrameMessageSend:
		var frame domain.MessageSendFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "invalid message_send frame"))
			return
		}
		if err := h.service.HandleMessageSend(ctx, client, frame); err != nil {
			h.logFrameError(client, base.Type, err)
		}

	case domain.FrameMessageEdit:
		var frame domain.MessageEditFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "invalid message_edit frame"))
			return
		}
		if err := h.service.HandleMessageEdit(ctx, client, frame); err != nil {
			h.logFrameError(client, base.Type, err)
		}

	case domain.FrameMessageDel:
		var frame domain.MessageDeleteFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "invalid message_delete frame"))
			return
		}
		if err := h.service.HandleMessageDelete(ctx, client, frame); err != nil {
			h.logFrameError(client, base.Type, err)
		}

	case domain.FrameTypingStart:
		var frame domain.TypingFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			return
		}
		h.service.HandleTypingStart(ctx, client, frame)

	case domain.FrameTypingStop:
		var frame domain.TypingFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			return
		}
		h.service.HandleTypingStop(ctx, client, frame)

	case domain.FramePing:
		h.service.HandlePing(ctx, client)

	default:
		client.SendFrame(domain.NewErrorFrame(domain.CodeValidation, "unknown frame type"))
	}
}

func (h *WSHandler) logFrameError(client *hub.Client, frameType string, err error) {
	log.L().Debug().
		Str(log.FieldConnectionID, client.ID).
		Str("frame_type", frameType).
		Str("code", string(domain.CodeOf(err))).
		Err(err).
		Msg("frame handling failed")
}
