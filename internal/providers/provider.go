// Package providers adapts the gateway's OpenAI-shaped chat surface onto the
// native protocols of the configured LLM backends, with retry and fallback.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/torbolabs/torbo/internal/openai"
)

// Provider is one backend. Both variants accept an OpenAI-shaped request;
// Chat yields an OpenAI-shaped response and ChatStream yields OpenAI chunks.
type Provider interface {
	Name() string
	DefaultModel() string
	// Available reports whether the provider has credentials (or, for the
	// local runner, a reachable endpoint configured).
	Available() bool
	Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error)
	ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error
	// Models lists the model IDs this provider advertises on /v1/models.
	Models() []string
}

// ErrNoProvider means no configured backend could serve the request.
var ErrNoProvider = errors.New("no provider available for request")

// Registry routes models to providers and owns the fallback chain.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  []string
	local     string
	retry     RetryConfig
}

func NewRegistry(fallbackOrder []string, localName string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  fallbackOrder,
		local:     localName,
		retry:     DefaultRetryConfig(),
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// RouteModel maps a model name to a provider name by prefix. Anything
// unrecognized goes to the local runner.
func (r *Registry) RouteModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case strings.HasPrefix(m, "grok"):
		return "xai"
	default:
		return r.local
	}
}

// Resolve picks the provider for a request model ("" routes to local).
func (r *Registry) Resolve(model string) (Provider, error) {
	name := r.RouteModel(model)
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: no %q provider registered", ErrNoProvider, name)
	}
	return p, nil
}

// Chat runs the full retry-then-fallback policy. The primary gets up to
// three attempts (429/5xx only); on exhaustion, or when the primary has no
// key, each fallback provider is tried once with its own default model.
// Upstream auth failures short-circuit the whole chain.
func (r *Registry) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	primary, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	if primary.Available() {
		resp, err := RetryDo(ctx, r.retry, func() (*openai.ChatResponse, error) {
			return primary.Chat(ctx, req)
		})
		if err == nil {
			return resp, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.AuthFailure() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		slog.Warn("primary provider failed, trying fallbacks",
			"provider", primary.Name(), "model", req.Model, "error", err)
	} else {
		lastErr = fmt.Errorf("provider %s has no key configured", primary.Name())
	}

	for _, name := range r.fallback {
		if name == primary.Name() {
			continue
		}
		p, ok := r.Get(name)
		if !ok || !p.Available() {
			continue
		}
		fbReq := *req
		fbReq.Model = p.DefaultModel()
		resp, err := p.Chat(ctx, &fbReq)
		if err == nil {
			slog.Info("fallback provider served request",
				"provider", name, "model", fbReq.Model)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	return nil, lastErr
}

// ChatStream opens a streaming connection to the routed provider. Fallback
// applies only before the first chunk; once data flows, errors belong to the
// stream-interruption path upstairs.
func (r *Registry) ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error {
	primary, err := r.Resolve(req.Model)
	if err != nil {
		return err
	}
	if !primary.Available() {
		for _, name := range r.fallback {
			if name == primary.Name() {
				continue
			}
			if p, ok := r.Get(name); ok && p.Available() {
				fbReq := *req
				fbReq.Model = p.DefaultModel()
				return p.ChatStream(ctx, &fbReq, emit)
			}
		}
		return fmt.Errorf("%w: provider %s has no key configured", ErrNoProvider, primary.Name())
	}
	return primary.ChatStream(ctx, req, emit)
}

// ModelList aggregates /v1/models entries across every available provider.
func (r *Registry) ModelList() openai.ModelList {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().Unix()
	list := openai.ModelList{Object: "list"}
	for name, p := range r.providers {
		if !p.Available() {
			continue
		}
		for _, id := range p.Models() {
			list.Data = append(list.Data, openai.Model{
				ID:      id,
				Object:  "model",
				Created: now,
				OwnedBy: name,
			})
		}
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	return list
}
