// Package persistence provides the sqlite-backed local backend: channels,
// conversations and guard tasks for running without a messaging account,
// plus the callback delivery ledger used in every mode.
package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/techmatters/serverless-sub000/pkg/domain"
	"github.com/techmatters/serverless-sub000/pkg/logger"
	"github.com/techmatters/serverless-sub000/pkg/messaging"
	"github.com/techmatters/serverless-sub000/pkg/tasks"
)

// Store is a sqlite database holding local channels, webhooks, messages,
// tasks and the delivery ledger.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	now    func() time.Time
	sidsMu sync.Mutex
	sids   *ulid.MonotonicEntropy
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Writes are serialized by sqlite anyway; one connection keeps
	// in-memory databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:   db,
		path: path,
		now:  time.Now,
		sids: ulid.Monotonic(rand.Reader, 0),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.InfoCF("persistence", "Store opened", map[string]interface{}{
		"db_path": path,
	})
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health() error {
	return s.db.Ping()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		attributes TEXT NOT NULL DEFAULT '{}',
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT DEFAULT '',
		method TEXT DEFAULT '',
		filters TEXT DEFAULT '[]',
		flow_sid TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_webhooks_channel ON webhooks(channel_id, source);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		source TEXT NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		attributes TEXT NOT NULL DEFAULT '{}',
		task_channel TEXT DEFAULT '',
		assignment_status TEXT NOT NULL DEFAULT 'pending',
		reason TEXT DEFAULT '',
		timeout_seconds INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (channel_id, message_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) newSID(prefix string) string {
	s.sidsMu.Lock()
	defer s.sidsMu.Unlock()
	return prefix + ulid.MustNew(ulid.Timestamp(s.now()), s.sids).String()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// PutChannel creates or replaces a channel with the given attributes. It is
// how channels enter the local backend (the upstream flow owns creation).
func (s *Store) PutChannel(ctx context.Context, channelID, attributes string) (*messaging.Channel, error) {
	if attributes == "" {
		attributes = "{}"
	}
	if !json.Valid([]byte(attributes)) {
		return nil, fmt.Errorf("channel %s: attributes are not valid JSON", channelID)
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, attributes, revision, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attributes = excluded.attributes,
			revision = channels.revision + 1,
			updated_at = excluded.updated_at`,
		channelID, attributes, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("put channel %s: %w", channelID, err)
	}
	return s.fetchChannel(ctx, channelID)
}

func (s *Store) fetchChannel(ctx context.Context, channelID string) (*messaging.Channel, error) {
	var attrs string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes, revision FROM channels WHERE id = ?`, channelID,
	).Scan(&attrs, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, messaging.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return &messaging.Channel{
		ID:         channelID,
		Attributes: attrs,
		Revision:   strconv.FormatInt(revision, 10),
	}, nil
}

func (s *Store) updateAttributes(ctx context.Context, channelID, attributes, revision string) (*messaging.Channel, error) {
	if !json.Valid([]byte(attributes)) {
		return nil, fmt.Errorf("update channel %s: attributes are not valid JSON", channelID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE channels SET attributes = ?, revision = revision + 1, updated_at = ? WHERE id = ?`
	args := []interface{}{attributes, s.timestamp(), channelID}
	if revision != "" {
		rev, err := strconv.ParseInt(revision, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("update channel %s: bad revision %q", channelID, revision)
		}
		query += ` AND revision = ?`
		args = append(args, rev)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update channel %s: %w", channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update channel %s: %w", channelID, err)
	}
	if n == 0 {
		// Either the channel is gone or the revision moved on.
		if _, err := s.fetchChannel(ctx, channelID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("update channel %s: %w", channelID, messaging.ErrRevisionMismatch)
	}
	return s.fetchChannel(ctx, channelID)
}

func (s *Store) sendMessage(ctx context.Context, source domain.EventSource, channelID, from, body string) error {
	if _, err := s.fetchChannel(ctx, channelID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, source, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		channelID, string(source), from, body, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("send message %s: %w", channelID, err)
	}
	return nil
}

// Message is a message posted to a local channel.
type Message struct {
	Source domain.EventSource `json:"source"`
	Author string             `json:"author"`
	Body   string             `json:"body"`
}

// ListMessages returns the messages posted to channelID, oldest first.
func (s *Store) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, author, body FROM messages WHERE channel_id = ? ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var source string
		if err := rows.Scan(&source, &m.Author, &m.Body); err != nil {
			return nil, err
		}
		m.Source = domain.EventSource(source)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) listWebhooks(ctx context.Context, source domain.EventSource, channelID string) ([]messaging.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, url, method, filters, flow_sid
		FROM webhooks WHERE channel_id = ? AND source = ? ORDER BY created_at, id`,
		channelID, string(source))
	if err != nil {
		return nil, fmt.Errorf("list webhooks %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []messaging.Webhook
	for rows.Next() {
		var h messaging.Webhook
		var kind, filters string
		if err := rows.Scan(&h.ID, &kind, &h.URL, &h.Method, &filters, &h.FlowSID); err != nil {
			return nil, err
		}
		h.Type = messaging.WebhookType(kind)
		if filters != "" && filters != "[]" {
			if err := json.Unmarshal([]byte(filters), &h.Filters); err != nil {
				return nil, fmt.Errorf("decode webhook %s filters: %w", h.ID, err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) createWebhook(ctx context.Context, source domain.EventSource, channelID string, hook messaging.Webhook) (*messaging.Webhook, error) {
	if _, err := s.fetchChannel(ctx, channelID); err != nil {
		return nil, err
	}
	filters, err := json.Marshal(hook.Filters)
	if err != nil {
		return nil, err
	}
	if hook.Filters == nil {
		filters = []byte("[]")
	}
	hook.ID = s.newSID("WH")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, channel_id, source, type, url, method, filters, flow_sid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hook.ID, channelID, string(source), string(hook.Type), hook.URL, hook.Method,
		string(filters), hook.FlowSID, s.timestamp(),
	)
	if err != nil {
		return nil, fmt.Errorf("create webhook %s: %w", channelID, err)
	}
	return &hook, nil
}

func (s *Store) removeWebhook(ctx context.Context, source domain.EventSource, channelID, webhookID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ? AND channel_id = ? AND source = ?`,
		webhookID, channelID, string(source))
	if err != nil {
		return fmt.Errorf("remove webhook %s: %w", webhookID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove webhook %s: %w", webhookID, messaging.ErrNotFound)
	}
	return nil
}

// Channels returns the backend serving the channel source.
func (s *Store) Channels() messaging.Backend {
	return &localBackend{store: s, source: domain.SourceChannel}
}

// Conversations returns the backend serving the conversation source. It
// shares channel rows with Channels; webhooks and messages are kept apart.
func (s *Store) Conversations() messaging.Backend {
	return &localBackend{store: s, source: domain.SourceConversation}
}

// Router returns a messaging router over both local sources.
func (s *Store) Router() messaging.Router {
	return messaging.Router{Channels: s.Channels(), Conversations: s.Conversations()}
}

type localBackend struct {
	store  *Store
	source domain.EventSource
}

func (b *localBackend) Source() domain.EventSource { return b.source }

func (b *localBackend) FetchChannel(ctx context.Context, channelID string) (*messaging.Channel, error) {
	return b.store.fetchChannel(ctx, channelID)
}

func (b *localBackend) UpdateAttributes(ctx context.Context, channelID, attributes, revision string) (*messaging.Channel, error) {
	return b.store.updateAttributes(ctx, channelID, attributes, revision)
}

func (b *localBackend) SendMessage(ctx context.Context, channelID, from, body string) error {
	return b.store.sendMessage(ctx, b.source, channelID, from, body)
}

func (b *localBackend) ListWebhooks(ctx context.Context, channelID string) ([]messaging.Webhook, error) {
	return b.store.listWebhooks(ctx, b.source, channelID)
}

func (b *localBackend) CreateWebhook(ctx context.Context, channelID string, hook messaging.Webhook) (*messaging.Webhook, error) {
	return b.store.createWebhook(ctx, b.source, channelID, hook)
}

func (b *localBackend) RemoveWebhook(ctx context.Context, channelID, webhookID string) error {
	return b.store.removeWebhook(ctx, b.source, channelID, webhookID)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Tasks returns the local task service.
func (s *Store) Tasks() tasks.Service {
	return &localTasks{store: s}
}

type localTasks struct {
	store *Store
}

func (t *localTasks) CreateTask(ctx context.Context, req tasks.CreateRequest) (*tasks.Task, error) {
	attrs := req.Attributes
	if attrs == "" {
		attrs = "{}"
	}
	if !json.Valid([]byte(attrs)) {
		return nil, fmt.Errorf("create task: attributes are not valid JSON")
	}
	id := t.store.newSID("WT")
	now := t.store.timestamp()
	_, err := t.store.db.ExecContext(ctx, `
		INSERT INTO tasks (id, attributes, task_channel, assignment_status, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		id, attrs, req.TaskChannel, req.TimeoutSeconds, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &tasks.Task{ID: id, Attributes: attrs, AssignmentStatus: "pending"}, nil
}

func (t *localTasks) FetchTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	task := &tasks.Task{ID: taskID}
	err := t.store.db.QueryRowContext(ctx,
		`SELECT attributes, assignment_status FROM tasks WHERE id = ?`, taskID,
	).Scan(&task.Attributes, &task.AssignmentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, tasks.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, err)
	}
	return task, nil
}

func (t *localTasks) UpdateAttributes(ctx context.Context, taskID, attributes string) (*tasks.Task, error) {
	if !json.Valid([]byte(attributes)) {
		return nil, fmt.Errorf("update task %s: attributes are not valid JSON", taskID)
	}
	if err := t.exec(ctx, "update task", taskID,
		`UPDATE tasks SET attributes = ?, updated_at = ? WHERE id = ?`,
		attributes, t.store.timestamp(), taskID); err != nil {
		return nil, err
	}
	return t.FetchTask(ctx, taskID)
}

func (t *localTasks) Cancel(ctx context.Context, taskID, reason string) error {
	return t.exec(ctx, "cancel task", taskID,
		`UPDATE tasks SET assignment_status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		tasks.AssignmentCanceled, reason, t.store.timestamp(), taskID)
}

func (t *localTasks) Remove(ctx context.Context, taskID string) error {
	return t.exec(ctx, "remove task", taskID, `DELETE FROM tasks WHERE id = ?`, taskID)
}

func (t *localTasks) exec(ctx context.Context, op, taskID, query string, args ...interface{}) error {
	res, err := t.store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, taskID, tasks.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Delivery ledger
// ---------------------------------------------------------------------------

// RecordDelivery stores (channelID, messageID) and reports whether it was
// seen for the first time.
func (s *Store) RecordDelivery(ctx context.Context, channelID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (channel_id, message_id, received_at) VALUES (?, ?, ?)`,
		channelID, messageID, s.timestamp())
	if err != nil {
		return false, fmt.Errorf("record delivery %s/%s: %w", channelID, messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneDeliveries drops ledger rows older than maxAge.
func (s *Store) PruneDeliveries(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.DebugCF("persistence", "Pruned deliveries", map[string]interface{}{
			"removed": n,
		})
	}
	return n, nil
}
