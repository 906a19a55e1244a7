// Package ratelimit provides the per-client limiters used by the gateway:
// a sliding-window counter for authenticated traffic and a token-bucket
// limiter for the unauthenticated pairing endpoints.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	window        = 60 * time.Second
	pruneInterval = 5 * time.Minute

	// Bound on tracked client IPs so a scan cannot grow the map forever.
	maxTrackedKeys = 4096
)

// SlidingWindow counts requests per client IP over the trailing 60 seconds.
// The read-modify-write on a single IP's timestamp list is serialized under
// the limiter mutex.
type SlidingWindow struct {
	mu        sync.Mutex
	limit     func() int
	hits      map[string][]time.Time
	lastPrune time.Time
	now       func() time.Time
}

// NewSlidingWindow builds a limiter whose per-minute limit is re-read on
// every request, so config hot reload takes effect immediately.
func NewSlidingWindow(limit func() int) *SlidingWindow {
	return &SlidingWindow{
		limit:     limit,
		hits:      make(map[string][]time.Time),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// Allow records one request from ip and reports whether it fits the window.
// A client issuing exactly limit requests in 60s sees only successes; the
// next one inside the same window is rejected.
func (s *SlidingWindow) Allow(ip string) bool {
	limit := s.limit()
	if limit <= 0 {
		return true
	}

	now := s.now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) >= pruneInterval {
		s.pruneLocked(cutoff)
		s.lastPrune = now
	}

	recent := s.hits[ip][:0]
	for _, t := range s.hits[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		s.hits[ip] = recent
		return false
	}

	if _, tracked := s.hits[ip]; !tracked && len(s.hits) >= maxTrackedKeys {
		s.pruneLocked(cutoff)
		if len(s.hits) >= maxTrackedKeys {
			s.evictOldestLocked()
		}
	}

	s.hits[ip] = append(recent, now)
	return true
}

// RetryAfter estimates how long ip must wait before its oldest in-window
// request falls out. Zero when the client is not currently limited.
func (s *SlidingWindow) RetryAfter(ip string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hits[ip]
	if len(hits) < s.limit() || len(hits) == 0 {
		return 0
	}
	wait := window - s.now().Sub(hits[0])
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *SlidingWindow) pruneLocked(cutoff time.Time) {
	for ip, hits := range s.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(s.hits, ip)
		}
	}
}

func (s *SlidingWindow) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, hits := range s.hits {
		last := hits[len(hits)-1]
		if oldestIP == "" || last.Before(oldest) {
			oldestIP, oldest = ip, last
		}
	}
	if oldestIP != "" {
		delete(s.hits, oldestIP)
	}
}

// PairingLimiter throttles the open pairing endpoints per client IP,
// independently of the main window.
type PairingLimiter struct {
	mu       sync.Mutex
	limiters map[string]*pairingEntry
	r        rate.Limit
	burst    int
}

type pairingEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewPairingLimiter allows perMinute attempts with a burst of the same size.
func NewPairingLimiter(perMinute int) *PairingLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &PairingLimiter{
		limiters: make(map[string]*pairingEntry),
		r:        rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (p *PairingLimiter) Allow(ip string) bool {
	p.mu.Lock()
	e, ok := p.limiters[ip]
	if !ok {
		if len(p.limiters) >= maxTrackedKeys {
			p.pruneLocked()
		}
		e = &pairingEntry{lim: rate.NewLimiter(p.r, p.burst)}
		p.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()

	return e.lim.Allow()
}

func (p *PairingLimiter) pruneLocked() {
	cutoff := time.Now().Add(-pruneInterval)
	for ip, e := range p.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(p.limiters, ip)
		}
	}
}
