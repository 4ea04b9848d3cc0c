package chat

// Server-to-client event payloads. Every payload carries its own "type"
// discriminator so the transport can write it as a single JSON frame.

// MessageReceivedEvent echoes a user message back with an assigned id.
type MessageReceivedEvent struct {
	Type      string `json:"type"` // "message_received"
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"` // always "user"
	Timestamp int64  `json:"timestamp"`
}

// AIBlockEvent is one pacer emission.
type AIBlockEvent struct {
	Type      string `json:"type"` // "ai_block"
	Text      string `json:"text"`
	Group     int    `json:"group"`
	Timestamp int64  `json:"timestamp"`
}

// AICompleteEvent signals that the buffer drained or a stop was acknowledged.
type AICompleteEvent struct {
	Type string `json:"type"` // "ai_complete"
}

// ErrorEvent reports a user-visible failure.
type ErrorEvent struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ChatModeSetEvent acknowledges a set_chat_mode request.
type ChatModeSetEvent struct {
	Type string `json:"type"` // "chat_mode_set"
	Mode string `json:"mode"`
}

const (
	eventMessageReceived = "message_received"
	eventAIBlock         = "ai_block"
	eventAIComplete      = "ai_complete"
	eventError           = "error"
	eventChatModeSet     = "chat_mode_set"
)
