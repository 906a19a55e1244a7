// Package memory gives agents long-term recall across conversations.
// Notes are extracted from chat turns, enriched into later prompts, and
// summaries of evicted conversations are archived as notes too.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/torbolabs/torbo/internal/store"
)

const (
	maxEnrichNotes = 5
	maxNoteLen     = 500
)

// Service is the memory contract the chat pipeline depends on.
type Service interface {
	// Enrich returns notes worth injecting for the given user text.
	Enrich(ctx context.Context, agentID, userText string) []string
	// Extract scans a finished turn for facts worth keeping.
	Extract(ctx context.Context, agentID, userText, assistantText string)
	// ArchiveSummary stores the rollup of an evicted conversation.
	ArchiveSummary(ctx context.Context, key, summary string)
}

// Noop disables memory entirely.
type Noop struct{}

func (Noop) Enrich(context.Context, string, string) []string { return nil }
func (Noop) Extract(context.Context, string, string, string) {}
func (Noop) ArchiveSummary(context.Context, string, string)  {}

// StoreMemory persists notes through the SQL store.
type StoreMemory struct {
	store *store.SQLStore
}

func NewStoreMemory(s *store.SQLStore) *StoreMemory {
	return &StoreMemory{store: s}
}

// Enrich returns recent notes that share words with the user text, newest
// first, bounded at maxEnrichNotes. With nothing relevant it returns the
// most recent notes so the agent keeps baseline context.
func (m *StoreMemory) Enrich(ctx context.Context, agentID, userText string) []string {
	notes, err := m.store.ListMemory(ctx, agentID, 50)
	if err != nil {
		slog.Warn("memory enrich failed", "agent", agentID, "error", err)
		return nil
	}
	if len(notes) == 0 {
		return nil
	}

	words := significantWords(userText)
	var relevant, fallback []string
	for _, n := range notes {
		if len(fallback) < maxEnrichNotes {
			fallback = append(fallback, n.Content)
		}
		if overlaps(n.Content, words) && len(relevant) < maxEnrichNotes {
			relevant = append(relevant, n.Content)
		}
	}
	if len(relevant) > 0 {
		return relevant
	}
	return fallback
}

var rememberRe = regexp.MustCompile(`(?i)\b(?:remember|don't forget|note)\s+(?:that\s+)?(.{3,200}?)(?:[.!?]|$)`)

// Extract keeps explicit "remember ..." requests from the user turn.
func (m *StoreMemory) Extract(ctx context.Context, agentID, userText, assistantText string) {
	for _, match := range rememberRe.FindAllStringSubmatch(userText, -1) {
		note := strings.TrimSpace(match[1])
		if note == "" {
			continue
		}
		if len(note) > maxNoteLen {
			note = note[:maxNoteLen]
		}
		if err := m.store.SaveMemory(ctx, agentID, note); err != nil {
			slog.Warn("memory extract failed", "agent", agentID, "error", err)
		}
	}
}

// ArchiveSummary records what an evicted conversation was about.
func (m *StoreMemory) ArchiveSummary(ctx context.Context, key, summary string) {
	note := fmt.Sprintf("Bridge conversation (%s): %s", key, summary)
	if len(note) > maxNoteLen*4 {
		note = note[:maxNoteLen*4]
	}
	if err := m.store.SaveMemory(ctx, agentFromKey(key), note); err != nil {
		slog.Warn("memory archive failed", "key", key, "error", err)
	}
}

// agentFromKey extracts the agent ID from "agent:{id}:{scope}".
func agentFromKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) >= 2 && parts[0] == "agent" {
		return parts[1]
	}
	return key
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "what": true, "when": true, "where": true, "have": true,
	"you": true, "your": true, "about": true, "can": true, "are": true,
}

func significantWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func overlaps(content string, words map[string]bool) bool {
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if words[w] {
			return true
		}
	}
	return false
}
