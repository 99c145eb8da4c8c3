package messaging

import (
	"context"

	conversations "github.com/twilio/twilio-go/rest/conversations/v1"

	"github.com/techmatters/serverless-sub000/pkg/domain"
)

type conversationsAPI interface {
	FetchConversation(Sid string) (*conversations.ConversationsV1Conversation, error)
	UpdateConversation(Sid string, params *conversations.UpdateConversationParams) (*conversations.ConversationsV1Conversation, error)
	CreateConversationMessage(ConversationSid string, params *conversations.CreateConversationMessageParams) (*conversations.ConversationsV1ConversationMessage, error)
	ListConversationScopedWebhook(ConversationSid string, params *conversations.ListConversationScopedWebhookParams) ([]conversations.ConversationsV1ConversationScopedWebhook, error)
	CreateConversationScopedWebhook(ConversationSid string, params *conversations.CreateConversationScopedWebhookParams) (*conversations.ConversationsV1ConversationScopedWebhook, error)
	DeleteConversationScopedWebhook(ConversationSid string, Sid string) error
}

// ConversationsBackend serves conversations. Conversation sids are the
// channel sids of the interoperable chat service. Webhooks use "target"
// where chat channels use "type".
type ConversationsBackend struct {
	api conversationsAPI
}

// NewConversationsBackend wraps the conversations v1 API of a twilio rest
// client.
func NewConversationsBackend(api conversationsAPI) *ConversationsBackend {
	return &ConversationsBackend{api: api}
}

func (b *ConversationsBackend) Source() domain.EventSource { return domain.SourceConversation }

func (b *ConversationsBackend) FetchChannel(_ context.Context, channelID string) (*Channel, error) {
	conv, err := b.api.FetchConversation(channelID)
	if err != nil {
		return nil, wrapTwilio("fetch conversation", channelID, err)
	}
	return &Channel{ID: channelID, Attributes: attributesOrEmpty(conv.Attributes)}, nil
}

func (b *ConversationsBackend) UpdateAttributes(_ context.Context, channelID, attributes, _ string) (*Channel, error) {
	params := &conversations.UpdateConversationParams{}
	params.SetAttributes(attributes)
	conv, err := b.api.UpdateConversation(channelID, params)
	if err != nil {
		return nil, wrapTwilio("update conversation", channelID, err)
	}
	return &Channel{ID: channelID, Attributes: attributesOrEmpty(conv.Attributes)}, nil
}

func (b *ConversationsBackend) SendMessage(_ context.Context, channelID, from, body string) error {
	params := &conversations.CreateConversationMessageParams{}
	params.SetAuthor(from)
	params.SetBody(body)
	params.SetXTwilioWebhookEnabled("true")
	if _, err := b.api.CreateConversationMessage(channelID, params); err != nil {
		return wrapTwilio("send conversation message", channelID, err)
	}
	return nil
}

func (b *ConversationsBackend) ListWebhooks(_ context.Context, channelID string) ([]Webhook, error) {
	list, err := b.api.ListConversationScopedWebhook(channelID, &conversations.ListConversationScopedWebhookParams{})
	if err != nil {
		return nil, wrapTwilio("list conversation webhooks", channelID, err)
	}
	hooks := make([]Webhook, 0, len(list))
	for _, w := range list {
		hook, err := decodeWebhook(w.Sid, w.Target, w.Configuration)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

func (b *ConversationsBackend) CreateWebhook(_ context.Context, channelID string, hook Webhook) (*Webhook, error) {
	params := &conversations.CreateConversationScopedWebhookParams{}
	params.SetTarget(string(hook.Type))
	switch hook.Type {
	case WebhookTypeStudio:
		params.SetConfigurationFlowSid(hook.FlowSID)
	default:
		params.SetConfigurationUrl(hook.URL)
		params.SetConfigurationMethod(methodOrPost(hook.Method))
		params.SetConfigurationFilters(hook.Filters)
	}

	created, err := b.api.CreateConversationScopedWebhook(channelID, params)
	if err != nil {
		return nil, wrapTwilio("create conversation webhook", channelID, err)
	}
	out := hook
	if created.Sid != nil {
		out.ID = *created.Sid
	}
	return &out, nil
}

func (b *ConversationsBackend) RemoveWebhook(_ context.Context, channelID, webhookID string) error {
	if err := b.api.DeleteConversationScopedWebhook(channelID, webhookID); err != nil {
		return wrapTwilio("remove conversation webhook", channelID, err)
	}
	return nil
}

var _ Backend = (*ConversationsBackend)(nil)
