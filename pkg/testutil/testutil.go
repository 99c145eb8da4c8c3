// Package testutil provides in-memory fakes of the capture collaborators:
// messaging backends, the task service and the bot adapter. All fakes are
// safe for concurrent use and record their calls in a shared CallLog so tests
// can assert on ordering across collaborators.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

// CallLog is an ordered, concurrency-safe record of calls.
type CallLog struct {
	mu      sync.Mutex
	entries []string
}

// Add records a call.
func (l *CallLog) Add(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the recorded calls.
func (l *CallLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Count returns how many times entry was recorded.
func (l *CallLog) Count(entry string) int {
	n := 0
	for _, e := range l.Entries() {
		if e == entry {
			n++
		}
	}
	return n
}

// Index returns the position of the first entry, or -1.
func (l *CallLog) Index(entry string) int {
	for i, e := range l.Entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// SentMessage is a message posted through a FakeBackend.
type SentMessage struct {
	ChannelID string
	From      string
	Body      string
}

type fakeChannel struct {
	attributes string
	revision   int
}

// FakeBackend is an in-memory messaging.Backend. Errors set in Fail are
// returned by the method of that name ("FetchChannel", "SendMessage", ...).
type FakeBackend struct {
	mu       sync.Mutex
	source   domain.EventSource
	channels map[string]*fakeChannel
	webhooks map[string][]messaging.Webhook
	messages []SentMessage
	nextHook int
	// Revisions enables revision checks on UpdateAttributes.
	Revisions bool
	Fail      map[string]error
	Log       *CallLog
}

// NewFakeBackend creates an empty backend for source.
func NewFakeBackend(source domain.EventSource, log *CallLog) *FakeBackend {
	return &FakeBackend{
		source:   source,
		channels: map[string]*fakeChannel{},
		webhooks: map[string][]messaging.Webhook{},
		Fail:     map[string]error{},
		Log:      log,
	}
}

func (b *FakeBackend) call(method, channelID string) error {
	b.Log.Add(fmt.Sprintf("%s.%s %s", b.source, method, channelID))
	return b.Fail[method]
}

// PutChannel seeds a channel.
func (b *FakeBackend) PutChannel(channelID, attributes string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channelID] = &fakeChannel{attributes: attributes, revision: 1}
}

// AddWebhook seeds a webhook.
func (b *FakeBackend) AddWebhook(channelID string, hook messaging.Webhook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webhooks[channelID] = append(b.webhooks[channelID], hook)
}

// Attributes returns the current attributes of a channel.
func (b *FakeBackend) Attributes(channelID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channelID]; ok {
		return ch.attributes
	}
	return ""
}

// Webhooks returns the webhooks of a channel.
func (b *FakeBackend) Webhooks(channelID string) []messaging.Webhook {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Webhook(nil), b.webhooks[channelID]...)
}

// Messages returns every posted message.
func (b *FakeBackend) Messages() []SentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SentMessage(nil), b.messages...)
}

// Mutations counts attribute writes, message posts and webhook changes.
func (b *FakeBackend) Mutations() int {
	n := 0
	for _, m := range []string{"UpdateAttributes", "SendMessage", "CreateWebhook", "RemoveWebhook"} {
		n += b.countMethod(m)
	}
	return n
}

func (b *FakeBackend) countMethod(method string) int {
	if b.Log == nil {
		return 0
	}
	prefix := fmt.Sprintf("%s.%s ", b.source, method)
	n := 0
	for _, e := range b.Log.Entries() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (b *FakeBackend) Source() domain.EventSource { return b.source }

func (b *FakeBackend) FetchChannel(_ context.Context, channelID string) (*messaging.Channel, error) {
	if err := b.call("FetchChannel", channelID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, messaging.ErrNotFound)
	}
	return b.snapshot(channelID, ch), nil
}

func (b *FakeBackend) UpdateAttributes(_ context.Context, channelID, attributes, revision string) (*messaging.Channel, error) {
	if err := b.call("UpdateAttributes", channelID); err != nil {
		return nil, err
	}
	if !json.Valid([]byte(attributes)) {
		return nil, fmt.Errorf("update channel %s: invalid JSON", channelID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("update channel %s: %w", channelID, messaging.ErrNotFound)
	}
	if b.Revisions && revision != "" && revision != strconv.Itoa(ch.revision) {
		return nil, fmt.Errorf("update channel %s: %w", channelID, messaging.ErrRevisionMismatch)
	}
	ch.attributes = attributes
	ch.revision++
	return b.snapshot(channelID, ch), nil
}

func (b *FakeBackend) snapshot(channelID string, ch *fakeChannel) *messaging.Channel {
	out := &messaging.Channel{ID: channelID, Attributes: ch.attributes}
	if b.Revisions {
		out.Revision = strconv.Itoa(ch.revision)
	}
	return out
}

// BumpRevision simulates a concurrent writer.
func (b *FakeBackend) BumpRevision(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channelID]; ok {
		ch.revision++
	}
}

func (b *FakeBackend) SendMessage(_ context.Context, channelID, from, body string) error {
	if err := b.call("SendMessage", channelID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, SentMessage{ChannelID: channelID, From: from, Body: body})
	return nil
}

func (b *FakeBackend) ListWebhooks(_ context.Context, channelID string) ([]messaging.Webhook, error) {
	if err := b.call("ListWebhooks", channelID); err != nil {
		return nil, err
	}
	return b.Webhooks(channelID), nil
}

func (b *FakeBackend) CreateWebhook(_ context.Context, channelID string, hook messaging.Webhook) (*messaging.Webhook, error) {
	if err := b.call("CreateWebhook", channelID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHook++
	hook.ID = fmt.Sprintf("WH-%s-%d", b.source, b.nextHook)
	b.webhooks[channelID] = append(b.webhooks[channelID], hook)
	return &hook, nil
}

func (b *FakeBackend) RemoveWebhook(_ context.Context, channelID, webhookID string) error {
	if err := b.call("RemoveWebhook", channelID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hooks := b.webhooks[channelID]
	for i, h := range hooks {
		if h.ID == webhookID {
			b.webhooks[channelID] = append(hooks[:i:i], hooks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove webhook %s: %w", webhookID, messaging.ErrNotFound)
}

var _ messaging.Backend = (*FakeBackend)(nil)

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// FakeTasks is an in-memory tasks.Service.
type FakeTasks struct {
	mu      sync.Mutex
	tasks   map[string]*tasks.Task
	created []tasks.CreateRequest
	next    int
	Fail    map[string]error
	Log     *CallLog
}

// NewFakeTasks creates an empty task service.
func NewFakeTasks(log *CallLog) *FakeTasks {
	return &FakeTasks{tasks: map[string]*tasks.Task{}, Fail: map[string]error{}, Log: log}
}

func (f *FakeTasks) call(method, id string) error {
	f.Log.Add(fmt.Sprintf("tasks.%s %s", method, id))
	return f.Fail[method]
}

// Put seeds a task.
func (f *FakeTasks) Put(task tasks.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := task
	f.tasks[task.ID] = &t
}

// Get returns a task, or nil when it does not exist.
func (f *FakeTasks) Get(id string) *tasks.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Created returns every create request.
func (f *FakeTasks) Created() []tasks.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tasks.CreateRequest(nil), f.created...)
}

func (f *FakeTasks) CreateTask(_ context.Context, req tasks.CreateRequest) (*tasks.Task, error) {
	if err := f.call("CreateTask", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	t := &tasks.Task{ID: fmt.Sprintf("WT%d", f.next), Attributes: req.Attributes, AssignmentStatus: "pending"}
	f.tasks[t.ID] = t
	f.created = append(f.created, req)
	cp := *t
	return &cp, nil
}

func (f *FakeTasks) FetchTask(_ context.Context, id string) (*tasks.Task, error) {
	if err := f.call("FetchTask", id); err != nil {
		return nil, err
	}
	if t := f.Get(id); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("fetch task %s: %w", id, tasks.ErrNotFound)
}

func (f *FakeTasks) UpdateAttributes(_ context.Context, id, attributes string) (*tasks.Task, error) {
	if err := f.call("UpdateAttributes", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, tasks.ErrNotFound)
	}
	t.Attributes = attributes
	cp := *t
	return &cp, nil
}

func (f *FakeTasks) Cancel(_ context.Context, id, _ string) error {
	if err := f.call("Cancel", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("cancel task %s: %w", id, tasks.ErrNotFound)
	}
	t.AssignmentStatus = tasks.AssignmentCanceled
	return nil
}

func (f *FakeTasks) Remove(_ context.Context, id string) error {
	if err := f.call("Remove", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return fmt.Errorf("remove task %s: %w", id, tasks.ErrNotFound)
	}
	delete(f.tasks, id)
	return nil
}

var _ tasks.Service = (*FakeTasks)(nil)

// ---------------------------------------------------------------------------
// Bot
// ---------------------------------------------------------------------------

// FakeBot is a scripted bot.Adapter. Each SendText returns the next queued
// turn; when the queue is empty it returns an empty, unfinished turn.
type FakeBot struct {
	mu       sync.Mutex
	runtime  domain.BotRuntime
	identity bot.Identity
	turns    []bot.Turn
	sent     []string
	deleted  []bot.Session

	SendErr     error
	IdentityErr error
	Log         *CallLog
}

// NewFakeBot creates a V1 fake bot named name.
func NewFakeBot(name string, log *CallLog) *FakeBot {
	return &FakeBot{
		runtime:  domain.RuntimeLexV1,
		identity: bot.Identity{Runtime: domain.RuntimeLexV1, BotName: name, BotAlias: "latest"},
		Log:      log,
	}
}

// Queue appends scripted turns.
func (f *FakeBot) Queue(turns ...bot.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turns...)
}

// Sent returns the texts sent to the bot.
func (f *FakeBot) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Deleted returns the deleted sessions.
func (f *FakeBot) Deleted() []bot.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bot.Session(nil), f.deleted...)
}

func (f *FakeBot) Runtime() domain.BotRuntime { return f.runtime }

func (f *FakeBot) ResolveIdentity(_ context.Context, req bot.IdentityRequest) (bot.Identity, error) {
	f.Log.Add("bot.ResolveIdentity " + req.Language)
	if f.IdentityErr != nil {
		return bot.Identity{}, f.IdentityErr
	}
	return f.identity, nil
}

func (f *FakeBot) SendText(_ context.Context, session bot.Session, text string) (*bot.Turn, error) {
	f.Log.Add("bot.SendText " + session.UserID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if f.SendErr != nil {
		return nil, &bot.AdapterError{Runtime: f.runtime, Op: "send text", Err: f.SendErr}
	}
	if len(f.turns) == 0 {
		return &bot.Turn{Memory: bot.Memory{}}, nil
	}
	t := f.turns[0]
	f.turns = f.turns[1:]
	return &t, nil
}

// IsEndOfDialog follows V1 semantics.
func (f *FakeBot) IsEndOfDialog(state string) bool {
	return state == "Fulfilled" || state == "Failed"
}

func (f *FakeBot) DeleteSession(_ context.Context, session bot.Session) error {
	f.Log.Add("bot.DeleteSession " + session.UserID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, session)
	return nil
}

var _ bot.Adapter = (*FakeBot)(nil)
