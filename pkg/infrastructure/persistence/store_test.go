package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelAttributesCompareAndSwap(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	backend := s.Channels()

	created, err := s.PutChannel(ctx, "CH1", `{"serviceUserIdentity":"u1"}`)
	require.NoError(t, err)
	assert.Equal(t, "1", created.Revision)

	ch, err := backend.FetchChannel(ctx, "CH1")
	require.NoError(t, err)

	updated, err := backend.UpdateAttributes(ctx, "CH1", `{"a":1}`, ch.Revision)
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Revision)
	assert.Equal(t, `{"a":1}`, updated.Attributes)

	// A writer still holding revision 1 loses.
	_, err = backend.UpdateAttributes(ctx, "CH1", `{"b":2}`, ch.Revision)
	assert.True(t, errors.Is(err, messaging.ErrRevisionMismatch), "err = %v", err)

	// No revision means last write wins.
	_, err = backend.UpdateAttributes(ctx, "CH1", `{"b":2}`, "")
	require.NoError(t, err)

	_, err = backend.UpdateAttributes(ctx, "CH404", `{}`, "1")
	assert.True(t, errors.Is(err, messaging.ErrNotFound), "err = %v", err)

	_, err = backend.UpdateAttributes(ctx, "CH1", `{not json`, "")
	assert.Error(t, err)
}

func TestWebhooksAreScopedBySource(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.PutChannel(ctx, "CH1", "")
	require.NoError(t, err)

	chat := s.Channels()
	conv := s.Conversations()

	hook, err := chat.CreateWebhook(ctx, "CH1", messaging.Webhook{
		Type:    messaging.WebhookTypeWebhook,
		URL:     "https://x/webhooks/chatbotCallback",
		Method:  "POST",
		Filters: []string{messaging.EventMessageSent},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, hook.ID)

	_, err = conv.CreateWebhook(ctx, "CH1", messaging.Webhook{Type: messaging.WebhookTypeStudio, FlowSID: "FW1"})
	require.NoError(t, err)

	chatHooks, err := chat.ListWebhooks(ctx, "CH1")
	require.NoError(t, err)
	require.Len(t, chatHooks, 1)
	assert.Equal(t, []string{"onMessageSent"}, chatHooks[0].Filters)

	convHooks, err := conv.ListWebhooks(ctx, "CH1")
	require.NoError(t, err)
	require.Len(t, convHooks, 1)
	assert.Equal(t, messaging.WebhookTypeStudio, convHooks[0].Type)
	assert.Equal(t, "FW1", convHooks[0].FlowSID)

	require.NoError(t, chat.RemoveWebhook(ctx, "CH1", hook.ID))
	err = chat.RemoveWebhook(ctx, "CH1", hook.ID)
	assert.True(t, errors.Is(err, messaging.ErrNotFound))

	_, err = chat.CreateWebhook(ctx, "CH404", messaging.Webhook{Type: messaging.WebhookTypeStudio})
	assert.True(t, errors.Is(err, messaging.ErrNotFound))
}

func TestMessages(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.PutChannel(ctx, "CH1", "")
	require.NoError(t, err)

	require.NoError(t, s.Channels().SendMessage(ctx, "CH1", "Bot", "How old are you?"))
	require.NoError(t, s.Conversations().SendMessage(ctx, "CH1", "Bot", "Thanks"))

	msgs, err := s.ListMessages(ctx, "CH1")
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Source: domain.SourceChannel, Author: "Bot", Body: "How old are you?"},
		{Source: domain.SourceConversation, Author: "Bot", Body: "Thanks"},
	}, msgs)
}

func TestSendMessageToUnknownChannel(t *testing.T) {
	s := openStore(t)
	err := s.Channels().SendMessage(context.Background(), "CH404", "user-1", "hi")
	require.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestHealth(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	require.NoError(t, s.Health())
	require.NoError(t, s.Close())
	assert.Error(t, s.Health())
}

func TestTaskLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	svc := s.Tasks()

	task, err := svc.CreateTask(ctx, tasks.CreateRequest{
		Attributes:     `{"isChatCaptureControl":true}`,
		TaskChannel:    "survey",
		TimeoutSeconds: 60,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^WT[0-9A-Z]{26}$`, task.ID)

	_, err = svc.UpdateAttributes(ctx, task.ID, `{"isChatCaptureControl":true,"customers":{}}`)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, task.ID, "survey complete"))
	fetched, err := svc.FetchTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.AssignmentCanceled, fetched.AssignmentStatus)
	assert.JSONEq(t, `{"isChatCaptureControl":true,"customers":{}}`, fetched.Attributes)

	require.NoError(t, svc.Remove(ctx, task.ID))
	_, err = svc.FetchTask(ctx, task.ID)
	assert.True(t, errors.Is(err, tasks.ErrNotFound))
	assert.True(t, errors.Is(svc.Remove(ctx, task.ID), tasks.ErrNotFound))
}

func TestDeliveryLedger(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first, err := s.RecordDelivery(ctx, "CH1", "IM1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordDelivery(ctx, "CH1", "IM1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.RecordDelivery(ctx, "CH2", "IM1")
	require.NoError(t, err)
	assert.True(t, other)

	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	removed, err := s.PruneDeliveries(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
