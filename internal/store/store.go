// Package store persists the gateway's durable state: archived
// conversation summaries, the audit log, critical events and memory
// notes. SQLite is the default; Postgres serves multi-node setups.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/bus"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore is the shared implementation over database/sql. It satisfies
// access.Sink and bus.Sink.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// AppendAudit implements access.Sink.
func (s *SQLStore) AppendAudit(ctx context.Context, e access.Entry) error {
	return s.exec(ctx,
		`INSERT INTO audit_log (ts, client_ip, method, path, required_level, granted, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.ClientIP, e.Method, e.Path, int(e.RequiredLevel), e.Granted, e.Detail)
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *SQLStore) RecentAudit(ctx context.Context, limit int) ([]access.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT ts, client_ip, method, path, required_level, granted, detail
		 FROM audit_log ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Entry
	for rows.Next() {
		var e access.Entry
		var level int
		if err := rows.Scan(&e.Timestamp, &e.ClientIP, &e.Method, &e.Path, &level, &e.Granted, &e.Detail); err != nil {
			return nil, err
		}
		e.RequiredLevel = access.Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendEvent implements bus.Sink for critical events.
func (s *SQLStore) AppendEvent(ctx context.Context, e bus.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(e.Payload)))
	}
	return s.exec(ctx,
		`INSERT INTO critical_events (ts, name, payload) VALUES (?, ?, ?)`,
		e.Time, e.Name, string(payload))
}

// RecentEvents returns persisted critical events, newest first.
func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]bus.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, ts, name, payload FROM critical_events ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var e bus.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.Time, &e.Name, &payload); err != nil {
			return nil, err
		}
		var v any
		if json.Unmarshal([]byte(payload), &v) == nil {
			e.Payload = v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArchiveConversation upserts the summary of an evicted conversation.
func (s *SQLStore) ArchiveConversation(ctx context.Context, key, summary string) error {
	return s.exec(ctx,
		`INSERT INTO conversations (key, summary, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		key, summary, time.Now().UTC())
}

// ConversationSummary returns the archived summary for a key, or "" when
// none exists.
func (s *SQLStore) ConversationSummary(ctx context.Context, key string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT summary FROM conversations WHERE key = ?`), key).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return summary, err
}

// ArchivedConversation is one row of the archive listing.
type ArchivedConversation struct {
	Key     string    `json:"key"`
	Summary string    `json:"summary"`
	Updated time.Time `json:"updated"`
}

// ListConversations returns archived conversations, newest first.
func (s *SQLStore) ListConversations(ctx context.Context, limit int) ([]ArchivedConversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT key, summary, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedConversation
	for rows.Next() {
		var c ArchivedConversation
		if err := rows.Scan(&c.Key, &c.Summary, &c.Updated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes an archived conversation.
func (s *SQLStore) DeleteConversation(ctx context.Context, key string) error {
	return s.exec(ctx, `DELETE FROM conversations WHERE key = ?`, key)
}

// ConversationMessage is one row of the append-only message log.
type ConversationMessage struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	ClientIP  string    `json:"clientIP,omitempty"`
	AgentID   string    `json:"agentID,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendMessage writes one turn to the message log. The log is append
// only; nothing updates or deletes individual rows.
func (s *SQLStore) AppendMessage(ctx context.Context, m ConversationMessage) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.exec(ctx,
		`INSERT INTO conversation_messages (key, role, content, model, client_ip, agent_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Key, m.Role, m.Content, m.Model, m.ClientIP, m.AgentID, ts)
}

// ConversationMessages returns the logged turns for a key, oldest
// first. Offset skips the most recent turns, so limit/offset pairs
// walk the log backwards page by page.
func (s *SQLStore) ConversationMessages(ctx context.Context, key string, limit, offset int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, key, role, content, model, client_ip, agent_id, ts
		 FROM conversation_messages WHERE key = ? ORDER BY id DESC LIMIT ? OFFSET ?`), key, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.Key, &m.Role, &m.Content, &m.Model, &m.ClientIP, &m.AgentID, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query walks newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteConversationMessages drops every logged turn for a key.
func (s *SQLStore) DeleteConversationMessages(ctx context.Context, key string) error {
	return s.exec(ctx, `DELETE FROM conversation_messages WHERE key = ?`, key)
}

// SaveMemory appends a long-term memory note for an agent.
func (s *SQLStore) SaveMemory(ctx context.Context, agentID, content string) error {
	return s.exec(ctx,
		`INSERT INTO memory_notes (agent_id, content, created_at) VALUES (?, ?, ?)`,
		agentID, content, time.Now().UTC())
}

// MemoryNote is one stored note.
type MemoryNote struct {
	ID      int64     `json:"id"`
	AgentID string    `json:"agentId"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// ListMemory returns an agent's notes, newest first.
func (s *SQLStore) ListMemory(ctx context.Context, agentID string, limit int) ([]MemoryNote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, agent_id, content, created_at FROM memory_notes
		 WHERE agent_id = ? ORDER BY id DESC LIMIT ?`), agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryNote
	for rows.Next() {
		var n MemoryNote
		if err := rows.Scan(&n.ID, &n.AgentID, &n.Content, &n.Created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteMemory removes a note by ID.
func (s *SQLStore) DeleteMemory(ctx context.Context, id int64) error {
	return s.exec(ctx, `DELETE FROM memory_notes WHERE id = ?`, id)
}
