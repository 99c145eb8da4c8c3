// Package events defines the typed event contracts of the capture service.
// Every event flowing through the message bus or the WebSocket stream uses
// one of these types.
package events

import "time"

// --- Event Envelope ---

// Event is the universal envelope for all system events.
type Event struct {
	// Type identifies the event (e.g., "capture.started")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// --- Event Type Constants ---

const (
	// Capture lifecycle events
	CaptureStarted  = "capture.started"
	CaptureTurn     = "capture.turn"
	CaptureReleased = "capture.released"
	CaptureFailed   = "capture.failed"
	CaptureIgnored  = "capture.ignored"

	// Release pipeline events
	SurveyIngested = "survey.ingested"
	SurveySkipped  = "survey.skipped"

	// Message flow events
	MessageInbound  = "message.inbound"
	MessageOutbound = "message.outbound"

	// System events
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
)

// All lists every event type, for status counters.
func All() []string {
	return []string{
		CaptureStarted, CaptureTurn, CaptureReleased, CaptureFailed, CaptureIgnored,
		SurveyIngested, SurveySkipped,
		MessageInbound, MessageOutbound,
		SystemStarted, SystemStopping,
	}
}

// --- Typed Payloads ---

// CaptureEventData is the payload for capture lifecycle events.
type CaptureEventData struct {
	ChannelID   string `json:"channel_id"`
	Source      string `json:"source,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
	ReleaseType string `json:"release_type,omitempty"`
	Bot         string `json:"bot,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	DialogState string `json:"dialog_state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SurveyEventData is the payload for release pipeline events.
type SurveyEventData struct {
	ChannelID         string `json:"channel_id"`
	TaskID            string `json:"task_id"`
	DefinitionVersion string `json:"definition_version,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// MessageEventData is the payload for message flow events.
type MessageEventData struct {
	MessageID string    `json:"message_id,omitempty"`
	Channel   string    `json:"channel"`
	From      string    `json:"from,omitempty"`
	Preview   string    `json:"preview"` // truncated content
	Timestamp time.Time `json:"timestamp"`
}

// SystemEventData is the payload for system events.
type SystemEventData struct {
	Uptime  int64  `json:"uptime_seconds,omitempty"`
	Message string `json:"message,omitempty"`
}

// Preview truncates s to n runes for message previews.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
