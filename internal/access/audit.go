package access

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one authorization decision. Append-only.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"clientIP"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	RequiredLevel Level     `json:"requiredLevel"`
	Granted       bool      `json:"granted"`
	Detail        string    `json:"detail,omitempty"`
}

// Sink receives every entry for durable storage. Implementations must not
// block; failures are logged and dropped.
type Sink interface {
	AppendAudit(ctx context.Context, e Entry) error
}

const defaultAuditCapacity = 2048

// AuditLog keeps a bounded in-memory window of authorization decisions and
// forwards each one to an optional durable sink.
type AuditLog struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	sink    Sink
}

func NewAuditLog(sink Sink) *AuditLog {
	return &AuditLog{
		entries: make([]Entry, defaultAuditCapacity),
		sink:    sink,
	}
}

// Record appends one entry. The durable write happens on the caller's
// goroutine but never fails the request.
func (a *AuditLog) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	if a.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.sink.AppendAudit(ctx, e); err != nil {
			slog.Warn("audit sink write failed", "error", err)
		}
	}
}

// Recent returns up to limit entries, newest first, skipping offset.
func (a *AuditLog) Recent(limit, offset int) []Entry {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	size := a.next
	if a.full {
		size = len(a.entries)
	}

	out := make([]Entry, 0, limit)
	for i := offset; i < size && len(out) < limit; i++ {
		// Walk backwards from the most recently written slot.
		idx := (a.next - 1 - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}

// Len reports how many entries are currently retained in memory.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.full {
		return len(a.entries)
	}
	return a.next
}
