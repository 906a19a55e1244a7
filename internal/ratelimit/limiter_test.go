package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func fixedLimit(n int) func() int { return func() int { return n } }

func TestSlidingWindowBoundary(t *testing.T) {
	s := NewSlidingWindow(fixedLimit(3))

	for i := 0; i < 3; i++ {
		if !s.Allow("192.0.2.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if s.Allow("192.0.2.1") {
		t.Fatal("request 4 within the window should be rejected")
	}
}

func TestSlidingWindowPerIP(t *testing.T) {
	s := NewSlidingWindow(fixedLimit(1))

	if !s.Allow("192.0.2.1") {
		t.Fatal("first request from A should pass")
	}
	if !s.Allow("192.0.2.2") {
		t.Fatal("B must not be throttled by A's traffic")
	}
	if s.Allow("192.0.2.1") {
		t.Fatal("second request from A should be rejected")
	}
}

func TestSlidingWindowExpiry(t *testing.T) {
	now := time.Now()
	s := NewSlidingWindow(fixedLimit(2))
	s.now = func() time.Time { return now }

	s.Allow("10.0.0.1")
	s.Allow("10.0.0.1")
	if s.Allow("10.0.0.1") {
		t.Fatal("third request should be rejected")
	}

	// Advance past the window; old hits fall out.
	now = now.Add(61 * time.Second)
	if !s.Allow("10.0.0.1") {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestSlidingWindowZeroLimitDisables(t *testing.T) {
	s := NewSlidingWindow(fixedLimit(0))
	for i := 0; i < 100; i++ {
		if !s.Allow("10.0.0.9") {
			t.Fatal("zero limit should disable rate limiting")
		}
	}
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	now := time.Now()
	s := NewSlidingWindow(fixedLimit(1))
	s.now = func() time.Time { return now }

	s.Allow("10.0.0.2")
	wait := s.RetryAfter("10.0.0.2")
	if wait <= 0 || wait > window {
		t.Errorf("RetryAfter = %v, want within (0, %v]", wait, window)
	}
	if got := s.RetryAfter("10.9.9.9"); got != 0 {
		t.Errorf("unknown IP RetryAfter = %v, want 0", got)
	}
}

func TestSlidingWindowTrackedKeyBound(t *testing.T) {
	s := NewSlidingWindow(fixedLimit(1000))
	for i := 0; i < maxTrackedKeys+100; i++ {
		s.Allow(fmt.Sprintf("10.1.%d.%d", i/256, i%256))
	}
	s.mu.Lock()
	n := len(s.hits)
	s.mu.Unlock()
	if n > maxTrackedKeys {
		t.Errorf("tracked IPs = %d, want <= %d", n, maxTrackedKeys)
	}
}

func TestPairingLimiter(t *testing.T) {
	p := NewPairingLimiter(3)
	allowed := 0
	for i := 0; i < 10; i++ {
		if p.Allow("198.51.100.7") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("burst allowed = %d, want 3", allowed)
	}
	if !p.Allow("198.51.100.8") {
		t.Error("fresh IP should have its own bucket")
	}
}
