// Package messaging abstracts the two chat surfaces a captured channel can
// live on (programmable chat channels and conversations). Both expose the
// same operations: attribute read/write, messages and per-channel webhooks.
package messaging

import (
	"context"
	"fmt"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

// Error is a messaging backend error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNotFound means the channel or webhook does not exist.
	ErrNotFound Error = "messaging: not found"
	// ErrRevisionMismatch means the channel attributes changed since they
	// were read. Callers re-read and retry.
	ErrRevisionMismatch Error = "messaging: revision mismatch"
)

// WebhookType is the kind of per-channel webhook.
type WebhookType string

const (
	WebhookTypeWebhook WebhookType = "webhook"
	WebhookTypeStudio  WebhookType = "studio"
)

// Event names that carry user messages.
const (
	EventMessageSent  = "onMessageSent"
	EventMessageAdded = "onMessageAdded"
)

// Channel is a chat channel or conversation with its raw JSON attributes.
type Channel struct {
	ID         string
	Attributes string
	// Revision is an opaque concurrency token. Backends without one
	// return "".
	Revision string
}

// Webhook is a per-channel webhook.
type Webhook struct {
	ID      string      `json:"id"`
	Type    WebhookType `json:"type"`
	URL     string      `json:"url,omitempty"`
	Method  string      `json:"method,omitempty"`
	Filters []string    `json:"filters,omitempty"`
	FlowSID string      `json:"flowSid,omitempty"`
}

// Backend is one messaging surface.
type Backend interface {
	Source() domain.EventSource
	FetchChannel(ctx context.Context, channelID string) (*Channel, error)
	// UpdateAttributes replaces the attribute blob. A non-empty revision
	// must match the stored one or ErrRevisionMismatch is returned.
	UpdateAttributes(ctx context.Context, channelID, attributes, revision string) (*Channel, error)
	SendMessage(ctx context.Context, channelID, from, body string) error
	ListWebhooks(ctx context.Context, channelID string) ([]Webhook, error)
	CreateWebhook(ctx context.Context, channelID string, hook Webhook) (*Webhook, error)
	RemoveWebhook(ctx context.Context, channelID, webhookID string) error
}

// Router picks the backend for an event source.
type Router struct {
	Channels      Backend
	Conversations Backend
}

// For returns the backend serving source.
func (r Router) For(source domain.EventSource) (Backend, error) {
	switch source {
	case domain.SourceChannel, "":
		if r.Channels == nil {
			return nil, fmt.Errorf("no backend for source %q", domain.SourceChannel)
		}
		return r.Channels, nil
	case domain.SourceConversation:
		if r.Conversations == nil {
			return nil, fmt.Errorf("no backend for source %q", source)
		}
		return r.Conversations, nil
	default:
		return nil, fmt.Errorf("unknown event source %q", source)
	}
}

// TurnLoopFilter is the webhook filter that carries user messages on source.
func TurnLoopFilter(source domain.EventSource) string {
	if source == domain.SourceConversation {
		return EventMessageAdded
	}
	return EventMessageSent
}

// IsMessageEvent reports whether eventType carries a user message.
func IsMessageEvent(eventType string) bool {
	return eventType == EventMessageSent || eventType == EventMessageAdded
}
