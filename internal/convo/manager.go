// Package convo keeps per-conversation rolling context for the chat
// pipeline: a bounded message window with overflow summarization, and idle
// eviction that archives what the conversation was about.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/torbolabs/torbo/internal/openai"
)

const (
	maxMessageBytes  = 32 << 10
	overflowCount    = 10
	summaryMaxLen    = 2000
	sweepInterval    = time.Minute
	summarizeTimeout = 30 * time.Second
)

// SummarizeFunc condenses a slice of messages into a short plain-text
// summary. Usually backed by the cheapest configured model.
type SummarizeFunc func(ctx context.Context, msgs []openai.Message) (string, error)

// ArchiveFunc receives the final summary of an evicted conversation.
type ArchiveFunc func(ctx context.Context, key, summary string)

// Conversation is one rolling context window.
type Conversation struct {
	Key      string
	Messages []openai.Message
	Summary  string
	Created  time.Time
	Updated  time.Time

	// resuming marks a conversation restored after eviction; the next
	// history build notes the gap to the model.
	resuming bool
}

// Manager owns all live conversations.
type Manager struct {
	mu        sync.Mutex
	convos    map[string]*Conversation
	maxWindow int
	idle      time.Duration

	summarize SummarizeFunc
	archive   ArchiveFunc

	lastSweep time.Time
	now       func() time.Time
}

func NewManager(maxWindow int, idle time.Duration, summarize SummarizeFunc, archive ArchiveFunc) *Manager {
	if maxWindow <= 0 {
		maxWindow = 20
	}
	return &Manager{
		convos:    make(map[string]*Conversation),
		maxWindow: maxWindow,
		idle:      idle,
		summarize: summarize,
		archive:   archive,
		now:       time.Now,
	}
}

// Key builds the canonical conversation key for an agent and caller scope.
func Key(agentID, scope string) string {
	if scope == "" {
		scope = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, scope)
}

// Append adds a message to the window, compacting the oldest messages into
// the summary once the window overflows. Compaction runs in the background;
// Append never waits on the summarizer. A user message arriving after an
// idle gap marks the conversation resuming for the next history build.
// Oversized message bodies are clipped before buffering.
func (m *Manager) Append(ctx context.Context, key string, msg openai.Message) {
	msg = clipMessage(msg)

	m.mu.Lock()
	now := m.now()
	c, ok := m.convos[key]
	if !ok {
		c = &Conversation{Key: key, Created: now, Updated: now}
		m.convos[key] = c
	}
	if ok && msg.Role == "user" && m.idle > 0 && now.Sub(c.Updated) > m.idle {
		c.resuming = true
	}
	c.Messages = append(c.Messages, msg)
	c.Updated = now

	var overflow []openai.Message
	if len(c.Messages) > m.maxWindow {
		n := overflowCount
		if n > len(c.Messages) {
			n = len(c.Messages)
		}
		overflow = make([]openai.Message, n)
		copy(overflow, c.Messages[:n])
		c.Messages = append([]openai.Message(nil), c.Messages[n:]...)
	}
	m.mu.Unlock()

	if overflow == nil {
		return
	}

	go m.condenseAndStore(key, overflow)
}

// condenseAndStore summarizes compacted-out messages and merges the result
// into the conversation's rollup. Runs detached from the request that
// triggered the overflow.
func (m *Manager) condenseAndStore(key string, overflow []openai.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()
	summary := m.condense(ctx, overflow)

	m.mu.Lock()
	if c, ok := m.convos[key]; ok {
		c.Summary = mergeSummary(c.Summary, summary)
	}
	m.mu.Unlock()
}

func (m *Manager) condense(ctx context.Context, msgs []openai.Message) string {
	if m.summarize != nil {
		s, err := m.summarize(ctx, msgs)
		if err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		if err != nil {
			slog.Warn("conversation summarization failed, using fallback", "error", err)
		}
	}
	return fallbackSummary(msgs)
}

// fallbackSummary produces a crude topic line when no summarizer is wired
// or the model call failed.
func fallbackSummary(msgs []openai.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		text := strings.TrimSpace(msg.Content.Text())
		if text == "" || msg.Role == "tool" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" / ")
		}
		if len(text) > 120 {
			text = text[:120]
		}
		sb.WriteString(msg.Role + ": " + text)
		if sb.Len() > summaryMaxLen {
			break
		}
	}
	return sb.String()
}

// mergeSummary chains summaries and keeps the most recent tail when the
// chain outgrows the budget.
func mergeSummary(prev, next string) string {
	merged := next
	if prev != "" {
		merged = prev + " Then: " + next
	}
	if len(merged) > summaryMaxLen {
		merged = merged[len(merged)-summaryMaxLen:]
	}
	return merged
}

func clipMessage(msg openai.Message) openai.Message {
	text := msg.Content.Text()
	if len(text) <= maxMessageBytes {
		return msg
	}
	msg.Content = openai.Text(text[:maxMessageBytes] + "\n[message truncated]")
	return msg
}

// History returns the model-facing view of a conversation: a synthesized
// context message when a summary exists, followed by the window with any
// orphaned tool results dropped.
func (m *Manager) History(key string) []openai.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convos[key]
	if !ok {
		return nil
	}

	out := make([]openai.Message, 0, len(c.Messages)+1)
	if c.Summary != "" {
		text := "[Previous conversation context: " + c.Summary + "]"
		if c.resuming {
			text = "[Context: This conversation is resuming after a break. Previous context: " + c.Summary + "]"
		}
		out = append(out, openai.Message{Role: "system", Content: openai.Text(text)})
	}
	c.resuming = false
	out = append(out, filterOrphans(c.Messages)...)
	return out
}

// filterOrphans drops tool results whose originating assistant tool call
// was compacted out of the window. Providers reject results that answer
// nothing.
func filterOrphans(msgs []openai.Message) []openai.Message {
	known := make(map[string]bool)
	out := make([]openai.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == "assistant" {
			for _, tc := range msg.ToolCalls {
				known[tc.ID] = true
			}
		}
		if msg.Role == "tool" && !known[msg.ToolCallID] {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Clear wipes a conversation's window and summary.
func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convos[key]; ok {
		c.Messages = nil
		c.Summary = ""
		c.Updated = m.now()
	}
}

// Len returns the buffered message count for a conversation.
func (m *Manager) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convos[key]; ok {
		return len(c.Messages)
	}
	return 0
}

// Summary returns the current rollup for a conversation.
func (m *Manager) Summary(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convos[key]; ok {
		return c.Summary
	}
	return ""
}

// Info is a lightweight descriptor for admin listings.
type Info struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Summary      string    `json:"summary,omitempty"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// List returns descriptors for every live conversation.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.convos))
	for _, c := range m.convos {
		out = append(out, Info{
			Key:          c.Key,
			MessageCount: len(c.Messages),
			Summary:      c.Summary,
			Created:      c.Created,
			Updated:      c.Updated,
		})
	}
	return out
}

// Delete removes a conversation without archiving it.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convos, key)
}

// EvictIdle archives and drops conversations idle past the timeout. Sweeps
// are rate limited to one per minute so callers can invoke it on every
// request.
func (m *Manager) EvictIdle(ctx context.Context) int {
	if m.idle <= 0 {
		return 0
	}

	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastSweep) < sweepInterval {
		m.mu.Unlock()
		return 0
	}
	m.lastSweep = now

	var evicted []*Conversation
	for key, c := range m.convos {
		if now.Sub(c.Updated) > m.idle {
			evicted = append(evicted, c)
			delete(m.convos, key)
		}
	}
	m.mu.Unlock()

	for _, c := range evicted {
		summary := c.Summary
		if tail := fallbackSummary(c.Messages); tail != "" {
			summary = mergeSummary(summary, tail)
		}
		if m.archive != nil && summary != "" {
			m.archive(ctx, c.Key, summary)
		}
		slog.Info("conversation evicted", "key", c.Key, "messages", len(c.Messages))
	}
	return len(evicted)
}
