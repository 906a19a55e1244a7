// Package bus is the gateway's internal event fabric. Components publish
// named events; SSE clients subscribe with glob patterns; a bounded ring
// keeps recent history for late joiners; critical events are persisted.
package bus

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	ringCapacity      = 1000
	heartbeatInterval = 30 * time.Second
	persistTimeout    = 5 * time.Second
)

// Event is one named occurrence. Names are dotted paths such as
// "chat.completion" or "system.gateway.start".
type Event struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Critical reports whether the event must survive a restart.
func (e Event) Critical() bool {
	return strings.HasPrefix(e.Name, "system.gateway.") ||
		strings.HasPrefix(e.Name, "security.") ||
		e.Name == "system.agent.error"
}

// Sink persists critical events.
type Sink interface {
	AppendEvent(ctx context.Context, e Event) error
}

// Match reports whether a dotted event name matches a glob pattern.
// "*" matches everything; "system.gateway.*" matches that prefix.
func Match(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus fans events out to subscribers and keeps the recent ring.
type Bus struct {
	mu     sync.Mutex
	ring   []Event
	start  int
	nextID int64
	subs   map[int]*subscriber
	subSeq int
	sink   Sink
	now    func() time.Time
}

func New(sink Sink) *Bus {
	return &Bus{
		ring: make([]Event, 0, ringCapacity),
		subs: make(map[int]*subscriber),
		sink: sink,
		now:  time.Now,
	}
}

// Publish records an event and delivers it to matching subscribers. Slow
// subscribers drop events rather than stall the publisher.
func (b *Bus) Publish(name string, payload any) Event {
	b.mu.Lock()
	b.nextID++
	e := Event{ID: b.nextID, Name: name, Time: b.now(), Payload: payload}

	if len(b.ring) < ringCapacity {
		b.ring = append(b.ring, e)
	} else {
		b.ring[b.start] = e
		b.start = (b.start + 1) % ringCapacity
	}

	var targets []chan Event
	for _, s := range b.subs {
		if Match(s.pattern, name) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default:
		}
	}

	if e.Critical() && b.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := b.sink.AppendEvent(ctx, e); err != nil {
				slog.Warn("critical event not persisted", "event", e.Name, "error", err)
			}
		}()
	}
	return e
}

// Subscribe registers a glob-pattern subscriber. The returned cancel func
// must be called to release it; the channel closes afterwards.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{pattern: pattern, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subSeq++
	id := b.subSeq
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Recent returns up to limit ring events matching the pattern, oldest
// first.
func (b *Bus) Recent(pattern string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.ring))
	for i := 0; i < len(b.ring); i++ {
		e := b.ring[(b.start+i)%len(b.ring)]
		if Match(pattern, e.Name) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribers returns the live subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run emits heartbeat events until the context ends. SSE handlers forward
// them so proxies do not reap quiet connections.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish("system.heartbeat", map[string]any{"subscribers": b.Subscribers()})
		}
	}
}
