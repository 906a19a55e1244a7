package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/auth"
	"github.com/torbolabs/torbo/internal/netguard"
)

type ctxKey int

const (
	ctxKeyLevel ctxKey = iota
	ctxKeyIdentity
)

// sensitivePrefixes never receive CORS headers, so browsers cannot reach
// them cross-origin at all.
var sensitivePrefixes = []string{"/control/", "/pair/devices"}

func effectiveLevelFrom(ctx context.Context) access.Level {
	if l, ok := ctx.Value(ctxKeyLevel).(access.Level); ok {
		return l
	}
	return access.LevelOff
}

func identityFrom(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(ctxKeyIdentity).(auth.Identity); ok {
		return id
	}
	return auth.Identity{Kind: auth.KindAnonymous}
}

// open wraps handlers reachable without credentials. They still pass the
// transport checks and the per-IP window so a scan cannot hammer them.
func (s *Server) open(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.transport(w, r) {
			return
		}
		ip := netguard.NormalizeRemoteAddr(r.RemoteAddr)
		if !s.rateCheck(w, ip) {
			return
		}
		// Identity is optional here; some open handlers enrich their
		// response for authenticated callers.
		id := s.auth.Authenticate(r)
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		next(w, r.WithContext(ctx))
	}
}

// protected wraps handlers behind the full spine: transport checks, auth,
// rate limit, then the access guard with its audit entry.
func (s *Server) protected(required access.Level, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.transport(w, r) {
			return
		}

		ip := netguard.NormalizeRemoteAddr(r.RemoteAddr)

		id := s.auth.Authenticate(r)
		if !id.Authenticated() {
			// Reasons are audited, never returned.
			s.audit.Record(access.Entry{
				ClientIP: ip, Method: r.Method, Path: r.URL.Path,
				RequiredLevel: required, Granted: false, Detail: "unauthenticated",
			})
			writeErr(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if !s.rateCheck(w, ip) {
			return
		}

		effective := effectiveLevel(s.guard.GlobalLevel(), id, r)
		agentID := r.Header.Get("x-torbo-agent-id")

		d := s.guard.CheckRequest(r, ip, agentID, required, effective, id.Kind == auth.KindCloud)
		if !d.Granted {
			writeErr(w, d.Status, "%s", d.Message)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyLevel, effective)
		ctx = context.WithValue(ctx, ctxKeyIdentity, id)
		next(w, r.WithContext(ctx))
	}
}

// pairLimited throttles the unauthenticated pairing endpoints with their
// own token bucket, independent of the main window.
func (s *Server) pairLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := netguard.NormalizeRemoteAddr(r.RemoteAddr)
		if !s.pairLim.Allow(ip) {
			s.bus.Publish("security.pairing.ratelimited", map[string]any{"ip": ip})
			writeErr(w, http.StatusTooManyRequests, "too many pairing attempts")
			return
		}
		next(w, r)
	}
}

// transport applies the pre-routing checks shared by every handler:
// security headers, CORS, chunked-body rejection and the body cap.
func (s *Server) transport(w http.ResponseWriter, r *http.Request) bool {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")

	s.applyCORS(w, r)

	// A single Content-Length is the completeness contract; chunked
	// uploads are refused outright.
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			writeErr(w, http.StatusLengthRequired, "chunked transfer encoding is not supported")
			return false
		}
	}

	maxBody := s.cfg.Gateway.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	return true
}

func (s *Server) rateCheck(w http.ResponseWriter, ip string) bool {
	if netguard.IsLoopback(ip) {
		return true
	}
	if s.limiter.Allow(ip) {
		return true
	}
	if wait := s.limiter.RetryAfter(ip); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// applyCORS echoes the Origin back iff it is allowed, except on
// sensitive paths which never take part in CORS.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || isSensitivePath(r.URL.Path) {
		return
	}
	if !s.originAllowed(origin) {
		slog.Warn("security.cors_rejected", "origin", origin, "path", r.URL.Path)
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Vary", "Origin")
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.Origins()
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func isSensitivePath(path string) bool {
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// handlePreflight answers OPTIONS for every route.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if !isSensitivePath(r.URL.Path) {
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, x-torbo-token, x-torbo-agent-id, x-torbo-platform, x-torbo-access-level, x-torbo-conversation")
		h.Set("Access-Control-Max-Age", "86400")
		s.applyCORS(w, r)
	}
	w.WriteHeader(http.StatusNoContent)
}

// effectiveLevel computes what the request may do: the gateway-wide level,
// capped by the credential, capped again by the x-torbo-access-level
// header. The header only ever lowers.
func effectiveLevel(global access.Level, id auth.Identity, r *http.Request) access.Level {
	l := access.Cap(global, id.MaxLevel)
	if raw := r.Header.Get("x-torbo-access-level"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			requested := access.Level(n)
			if requested.Valid() && requested < l {
				l = requested
			}
		}
	}
	return l
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, format string, a ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, a...)})
}
