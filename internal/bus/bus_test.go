package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMatchPatterns(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "chat.completion", true},
		{"", "anything", true},
		{"system.gateway.*", "system.gateway.start", true},
		{"system.gateway.*", "system.agent.error", false},
		{"chat.completion", "chat.completion", true},
		{"chat.completion", "chat.error", false},
		{"security.*", "security.auth.denied", true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestSubscribeReceivesMatchingOnly(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("chat.*", 8)
	defer cancel()

	b.Publish("chat.completion", nil)
	b.Publish("system.heartbeat", nil)
	b.Publish("chat.error", nil)

	got := []string{(<-ch).Name, (<-ch).Name}
	if got[0] != "chat.completion" || got[1] != "chat.error" {
		t.Errorf("received %v", got)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %q", e.Name)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("*", 1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d after cancel", b.Subscribers())
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe("*", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("flood", i)
		}
		close(done)
	}()
	<-done

	if e := <-ch; e.Payload != 0 {
		t.Errorf("first buffered event payload = %v, want 0", e.Payload)
	}
}

func TestRingKeepsLastThousand(t *testing.T) {
	b := New(nil)
	for i := 0; i < ringCapacity+50; i++ {
		b.Publish("tick", i)
	}

	recent := b.Recent("*", 0)
	if len(recent) != ringCapacity {
		t.Fatalf("ring holds %d, want %d", len(recent), ringCapacity)
	}
	if recent[0].Payload != 50 {
		t.Errorf("oldest retained payload = %v, want 50", recent[0].Payload)
	}
	if recent[len(recent)-1].Payload != ringCapacity+49 {
		t.Errorf("newest payload = %v", recent[len(recent)-1].Payload)
	}

	limited := b.Recent("*", 10)
	if len(limited) != 10 || limited[9].Payload != ringCapacity+49 {
		t.Errorf("limited tail wrong: %v", limited[len(limited)-1].Payload)
	}
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) AppendEvent(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Name
	}
	return out
}

func TestCriticalEventsPersisted(t *testing.T) {
	sink := &memorySink{}
	b := New(sink)

	// Observe delivery to know the publish completed before checking the
	// sink, which is written asynchronously.
	ch, cancel := b.Subscribe("*", 8)
	defer cancel()

	b.Publish("system.gateway.start", nil)
	b.Publish("chat.completion", nil)
	b.Publish("security.auth.denied", nil)
	b.Publish("system.agent.error", fmt.Errorf("boom").Error())
	for i := 0; i < 4; i++ {
		<-ch
	}

	want := map[string]bool{
		"system.gateway.start": true,
		"security.auth.denied": true,
		"system.agent.error":   true,
	}
	persisted := make(map[string]bool)
	for i := 0; i < 200; i++ {
		persisted = map[string]bool{}
		for _, n := range sink.names() {
			persisted[n] = true
		}
		if len(persisted) == len(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for n := range want {
		if !persisted[n] {
			t.Errorf("critical event %q not persisted", n)
		}
	}
	if persisted["chat.completion"] {
		t.Error("non-critical event persisted")
	}
}
