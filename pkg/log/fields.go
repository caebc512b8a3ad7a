package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"

	// Actor
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Realtime core
	FieldConnectionID   = "connection_id"
	FieldConversationID = "conversation_id"
	FieldSequence       = "sequence"
	FieldMessageID      = "message_id"
	FieldStage          = "stage"
	FieldChannel        = "channel"

	// Service
	FieldService = "service"

	// Log classification
	FieldLogType = "log_type"
)

const LogTypeAudit = "audit"
