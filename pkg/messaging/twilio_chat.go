package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go/client"
	chat "github.com/twilio/twilio-go/rest/chat/v2"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

type chatAPI interface {
	FetchChannel(ServiceSid string, Sid string) (*chat.ChatV2Channel, error)
	UpdateChannel(ServiceSid string, Sid string, params *chat.UpdateChannelParams) (*chat.ChatV2Channel, error)
	CreateMessage(ServiceSid string, ChannelSid string, params *chat.CreateMessageParams) (*chat.ChatV2Message, error)
	ListChannelWebhook(ServiceSid string, ChannelSid string, params *chat.ListChannelWebhookParams) ([]chat.ChatV2ChannelWebhook, error)
	CreateChannelWebhook(ServiceSid string, ChannelSid string, params *chat.CreateChannelWebhookParams) (*chat.ChatV2ChannelWebhook, error)
	DeleteChannelWebhook(ServiceSid string, ChannelSid string, Sid string) error
}

// ChatBackend serves programmable chat channels of one chat service.
// The chat API has no revision token, so UpdateAttributes ignores revision.
type ChatBackend struct {
	api        chatAPI
	serviceSID string
}

// NewChatBackend wraps the chat v2 API of a twilio rest client.
func NewChatBackend(api chatAPI, serviceSID string) *ChatBackend {
	return &ChatBackend{api: api, serviceSID: serviceSID}
}

func (b *ChatBackend) Source() domain.EventSource { return domain.SourceChannel }

func (b *ChatBackend) FetchChannel(_ context.Context, channelID string) (*Channel, error) {
	ch, err := b.api.FetchChannel(b.serviceSID, channelID)
	if err != nil {
		return nil, wrapTwilio("fetch channel", channelID, err)
	}
	return &Channel{ID: channelID, Attributes: attributesOrEmpty(ch.Attributes)}, nil
}

func (b *ChatBackend) UpdateAttributes(_ context.Context, channelID, attributes, _ string) (*Channel, error) {
	params := &chat.UpdateChannelParams{}
	params.SetAttributes(attributes)
	ch, err := b.api.UpdateChannel(b.serviceSID, channelID, params)
	if err != nil {
		return nil, wrapTwilio("update channel", channelID, err)
	}
	return &Channel{ID: channelID, Attributes: attributesOrEmpty(ch.Attributes)}, nil
}

func (b *ChatBackend) SendMessage(_ context.Context, channelID, from, body string) error {
	params := &chat.CreateMessageParams{}
	params.SetFrom(from)
	params.SetBody(body)
	params.SetXTwilioWebhookEnabled("true")
	if _, err := b.api.CreateMessage(b.serviceSID, channelID, params); err != nil {
		return wrapTwilio("send message", channelID, err)
	}
	return nil
}

func (b *ChatBackend) ListWebhooks(_ context.Context, channelID string) ([]Webhook, error) {
	list, err := b.api.ListChannelWebhook(b.serviceSID, channelID, &chat.ListChannelWebhookParams{})
	if err != nil {
		return nil, wrapTwilio("list webhooks", channelID, err)
	}
	hooks := make([]Webhook, 0, len(list))
	for _, w := range list {
		hook, err := decodeWebhook(w.Sid, w.Type, w.Configuration)
		if err != nil {
			return nil, fmt.Errorf("decode webhook on %s: %w", channelID, err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

func (b *ChatBackend) CreateWebhook(_ context.Context, channelID string, hook Webhook) (*Webhook, error) {
	params := &chat.CreateChannelWebhookParams{}
	params.SetType(string(hook.Type))
	switch hook.Type {
	case WebhookTypeStudio:
		params.SetConfigurationFlowSid(hook.FlowSID)
	default:
		params.SetConfigurationUrl(hook.URL)
		params.SetConfigurationMethod(methodOrPost(hook.Method))
		params.SetConfigurationFilters(hook.Filters)
	}

	created, err := b.api.CreateChannelWebhook(b.serviceSID, channelID, params)
	if err != nil {
		return nil, wrapTwilio("create webhook", channelID, err)
	}
	out := hook
	if created.Sid != nil {
		out.ID = *created.Sid
	}
	return &out, nil
}

func (b *ChatBackend) RemoveWebhook(_ context.Context, channelID, webhookID string) error {
	if err := b.api.DeleteChannelWebhook(b.serviceSID, channelID, webhookID); err != nil {
		return wrapTwilio("remove webhook", channelID, err)
	}
	return nil
}

var _ Backend = (*ChatBackend)(nil)

// ---------------------------------------------------------------------------
// Shared twilio helpers
// ---------------------------------------------------------------------------

type webhookConfiguration struct {
	URL     string   `json:"url"`
	Method  string   `json:"method"`
	Filters []string `json:"filters"`
	FlowSID string   `json:"flow_sid"`
}

// decodeWebhook maps a twilio webhook resource. The configuration is an
// untyped JSON object in the API models.
func decodeWebhook(sid, kind *string, configuration interface{}) (Webhook, error) {
	hook := Webhook{}
	if sid != nil {
		hook.ID = *sid
	}
	if kind != nil {
		hook.Type = WebhookType(*kind)
	}
	if configuration == nil {
		return hook, nil
	}
	raw, err := json.Marshal(configuration)
	if err != nil {
		return hook, err
	}
	var cfg webhookConfiguration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return hook, err
	}
	hook.URL = cfg.URL
	hook.Method = cfg.Method
	hook.Filters = cfg.Filters
	hook.FlowSID = cfg.FlowSID
	return hook, nil
}

func wrapTwilio(op, channelID string, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", op, channelID, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, channelID, err)
}

func attributesOrEmpty(attrs *string) string {
	if attrs == nil || *attrs == "" {
		return "{}"
	}
	return *attrs
}

func methodOrPost(method string) string {
	if method == "" {
		return http.MethodPost
	}
	return method
}
