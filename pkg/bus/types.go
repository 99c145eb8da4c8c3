package bus

// InboundMessage is a user message delivered to a captured channel.
type InboundMessage struct {
	Source    string `json:"source"`
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content"`
}

// OutboundMessage is a message the bot posted into a channel.
type OutboundMessage struct {
	Source    string `json:"source"`
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	Content   string `json:"content"`
}

// SystemEvent is a typed event flowing through the bus for observability.
// Used for capture lifecycle, release pipeline and service lifecycle.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "capture.started", "survey.ingested"
	Source string      `json:"source"` // e.g. "capture", "release"
	Data   interface{} `json:"data"`
}
