package domain

// WebSocket frame types from client.
const (
	FrameMessageSend = "message_send"
	FrameMessageEdit = "message_edit"
	FrameMessageDel  = "message_delete"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameSubscribe   = "subscribe"
	FramePing        = "ping"
)

// WebSocket frame types to client.
const (
	FrameMessage          = "message"
	FrameMessageEdited    = "message_edited"
	FrameMessageDeleted   = "message_deleted"
	FrameTypingUpdate     = "typing_update"
	FramePresenceUpdate   = "presence_update"
	FrameNotification     = "notification"
	FrameSound            = "sound"
	FrameConnectionStatus = "connection_status"
	FrameSubscribed       = "subscribed"
	FrameError            = "error"
	FramePong             = "pong"
)

// BaseFrame is decoded first to dispatch on the type tag.
type BaseFrame struct {
	Type string `json:"type"`
}

// Client -> Server frames

type MessageSendFrame struct {
	Type            string   `json:"type"`
	ConversationID  string   `json:"conversation_id"`
	BodyRef         string   `json:"body_ref"`
	ParentMessageID string   `json:"parent_message_id,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids,omitempty"`
}

type MessageEditFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	BodyRef        string `json:"body_ref"`
}

type MessageDeleteFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type TypingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SubscribeFrame switches the connection's active conversation. LastSeq
// is the highest sequence the client has already seen; the missed delta
// is replayed before live traffic (zero replays the full history).
type SubscribeFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	LastSeq        uint64 `json:"last_seq,omitempty"`
}

// Server -> Client frames

// MessageFrame carries the full rendered event envelope so recipients
// need no follow-up fetch. It is used for created, edited, and deleted
// events alike, distinguished by Type.
type MessageFrame struct {
	Type            string   `json:"type"`
	ConversationID  string   `json:"conversation_id"`
	Sequence        uint64   `json:"sequence"`
	MessageID       string   `json:"message_id"`
	AuthorID        string   `json:"author_id"`
	AuthorName      string   `json:"author_name"`
	BodyRef         string   `json:"body_ref,omitempty"`
	ParentMessageID string   `json:"parent_message_id,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids,omitempty"`
	RefID           string   `json:"ref_id,omitempty"`
	TimestampMs     int64    `json:"timestamp_ms"`
}

// FrameForEvent renders the outbound frame for a persisted event.
func FrameForEvent(ev Event) *MessageFrame {
	frameType := FrameMessage
	switch ev.Kind {
	case EventMessageEdited:
		frameType = FrameMessageEdited
	case EventMessageDeleted:
		frameType = FrameMessageDeleted
	}
	return &MessageFrame{
		Type:            frameType,
		ConversationID:  ev.ConversationID,
		Sequence:        ev.Sequence,
		MessageID:       ev.ID,
		AuthorID:        ev.AuthorID,
		AuthorName:      ev.AuthorName,
		BodyRef:         ev.BodyRef,
		ParentMessageID: ev.ParentMessageID,
		AttachmentIDs:   ev.AttachmentIDs,
		RefID:           ev.RefID,
		TimestampMs:     ev.CreatedAt.UnixMilli(),
	}
}

type TypingUpdateFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	Typists        []string `json:"typists"`
}

type PresenceUpdateFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

type NotificationFrame struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

type SoundFrame struct {
	Type string `json:"type"`
}

// ConnectionStatusFrame tells the client whether cross-process fan-out
// is degraded. Not a message failure; the client shows a banner and
// relies on resync after the broker recovers.
type ConnectionStatusFrame struct {
	Type     string `json:"type"`
	Degraded bool   `json:"degraded"`
}

type SubscribedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	LastSeq        uint64 `json:"last_seq"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorFrame(code Code, message string) *ErrorFrame {
	return &ErrorFrame{
		Type:    FrameError,
		Code:    string(code),
		Message: message,
	}
}
