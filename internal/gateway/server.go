// Package gateway is the HTTP surface of torbo: route registration, the
// middleware spine (CORS, auth, rate limit, access guard) and the
// control endpoints around the chat core.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/auth"
	"github.com/torbolabs/torbo/internal/bus"
	"github.com/torbolabs/torbo/internal/chat"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/convo"
	"github.com/torbolabs/torbo/internal/netguard"
	"github.com/torbolabs/torbo/internal/ratelimit"
	"github.com/torbolabs/torbo/internal/store"
)

// Version is stamped by the build; the default marks source builds.
var Version = "dev"

const (
	shutdownTimeout     = 5 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// Server owns the HTTP listener and every request-path dependency.
type Server struct {
	cfg      *config.Config
	guard    *access.Guard
	auth     *auth.Authenticator
	sessions *auth.SessionSet
	pairing  *auth.PairingService
	devices  *auth.DeviceStore
	limiter  *ratelimit.SlidingWindow
	pairLim  *ratelimit.PairingLimiter
	bus      *bus.Bus
	pipeline *chat.Pipeline
	convos   *convo.Manager
	agents   *store.AgentStore
	audit    *access.AuditLog
	history  HistoryStore

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps bundles the collaborators the server routes to.
type Deps struct {
	Config   *config.Config
	Guard    *access.Guard
	Auth     *auth.Authenticator
	Sessions *auth.SessionSet
	Pairing  *auth.PairingService
	Devices  *auth.DeviceStore
	Bus      *bus.Bus
	Pipeline *chat.Pipeline
	Convos   *convo.Manager
	Agents   *store.AgentStore
	Audit    *access.AuditLog
	History  HistoryStore
}

// HistoryStore pages through and purges the persisted conversation
// log. The SQL store implements it; nil hides the archived section of
// the conversation surface.
type HistoryStore interface {
	ConversationMessages(ctx context.Context, key string, limit, offset int) ([]store.ConversationMessage, error)
	DeleteConversationMessages(ctx context.Context, key string) error
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		guard:    d.Guard,
		auth:     d.Auth,
		sessions: d.Sessions,
		pairing:  d.Pairing,
		devices:  d.Devices,
		bus:      d.Bus,
		pipeline: d.Pipeline,
		convos:   d.Convos,
		agents:   d.Agents,
		audit:    d.Audit,
		history:  d.History,
	}
	// Limits re-read config on every request so hot reload applies.
	s.limiter = ratelimit.NewSlidingWindow(d.Config.RateLimitRPM)
	s.pairLim = ratelimit.NewPairingLimiter(d.Config.Gateway.PairRatePerMin)
	return s
}

// BuildMux registers every route behind the middleware spine. Call before
// Start when the mux is needed for an extra listener (e.g. tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("OPTIONS /", s.handlePreflight)

	// Open routes: reachable without credentials. Pairing additionally
	// sits behind its own per-IP limiter.
	mux.HandleFunc("GET /health", s.open(s.handleHealth))
	mux.HandleFunc("GET /{$}", s.open(s.handleHealth))
	mux.HandleFunc("GET /level", s.open(s.handleLevelActive))
	mux.HandleFunc("POST /pair", s.open(s.pairLimited(s.handlePair)))
	mux.HandleFunc("POST /pair/verify", s.open(s.pairLimited(s.handlePairVerify)))
	mux.HandleFunc("POST /pair/auto", s.open(s.pairLimited(s.handlePairAuto)))
	mux.HandleFunc("POST /session", s.open(s.pairLimited(s.handleSessionIssue)))

	// Chat core.
	chatHandler := chat.NewHandler(s.pipeline, s.requestContext)
	mux.HandleFunc("POST /v1/chat/completions", s.protected(access.LevelChat, chatHandler.Completions))
	mux.HandleFunc("GET /v1/models", s.protected(access.LevelChat, chatHandler.Models))

	// Control surface.
	mux.HandleFunc("POST /control/level", s.protected(access.LevelFull, s.handleSetLevel))

	// Observability surface.
	mux.HandleFunc("GET /audit/log", s.protected(access.LevelRead, s.handleAuditLog))
	mux.HandleFunc("GET /events", s.protected(access.LevelRead, s.handleEvents))
	mux.HandleFunc("GET /events/recent", s.protected(access.LevelRead, s.handleEventsRecent))

	// Agent admin.
	mux.HandleFunc("GET /v1/agents", s.protected(access.LevelRead, s.handleAgentList))
	mux.HandleFunc("POST /v1/agents", s.protected(access.LevelWrite, s.handleAgentUpsert))
	mux.HandleFunc("GET /v1/agents/{id}", s.protected(access.LevelRead, s.handleAgentGet))
	mux.HandleFunc("PUT /v1/agents/{id}", s.protected(access.LevelWrite, s.handleAgentUpsert))
	mux.HandleFunc("DELETE /v1/agents/{id}", s.protected(access.LevelWrite, s.handleAgentDelete))

	// Conversation admin.
	mux.HandleFunc("GET /v1/conversations", s.protected(access.LevelRead, s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{key}", s.protected(access.LevelRead, s.handleConversationGet))
	mux.HandleFunc("DELETE /v1/conversations/{key}", s.protected(access.LevelWrite, s.handleConversationDelete))

	// Device admin.
	mux.HandleFunc("GET /pair/devices", s.protected(access.LevelRead, s.handleDeviceList))
	mux.HandleFunc("DELETE /pair/devices/{id}", s.protected(access.LevelFull, s.handleDeviceRemove))

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprintf("%d", s.cfg.Gateway.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr, "level", s.guard.GlobalLevel().String())
	s.bus.Publish("system.gateway.start", map[string]any{"addr": addr})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
		s.bus.Publish("system.gateway.stop", nil)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// requestContext builds the chat routing facts from an authenticated
// request. The middleware stored the effective level before the handler
// ran.
func (s *Server) requestContext(r *http.Request) chat.RequestContext {
	return chat.RequestContext{
		Level:           effectiveLevelFrom(r.Context()),
		AgentID:         r.Header.Get("x-torbo-agent-id"),
		ConversationKey: conversationKey(r),
		ClientIP:        netguard.NormalizeRemoteAddr(r.RemoteAddr),
	}
}

// conversationKey derives the server-side context key. Clients opt in
// with x-torbo-conversation; without it every request is stateless.
func conversationKey(r *http.Request) string {
	scope := r.Header.Get("x-torbo-conversation")
	if scope == "" {
		return ""
	}
	agentID := r.Header.Get("x-torbo-agent-id")
	if agentID == "" {
		agentID = config.DefaultAgentID
	}
	return convo.Key(agentID, scope)
}
