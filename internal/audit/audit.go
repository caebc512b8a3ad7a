package audit

import (
	"context"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// Audit actions for the realtime core.
const (
	ActionAuthFailed    = "chat.auth_failed"
	ActionSubscribe     = "chat.subscribe"
	ActionSendMessage   = "chat.send_message"
	ActionEditMessage   = "chat.edit_message"
	ActionDeleteMessage = "chat.delete_message"
	ActionDisconnect    = "chat.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit entry via the context logger.
func Log(ctx context.Context, action, userID, msg string) {
	log.Ctx(ctx).Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogWithDetail emits an audit entry with an extra detail field.
func LogWithDetail(ctx context.Context, action, userID, detail, msg string) {
	log.Ctx(ctx).Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
