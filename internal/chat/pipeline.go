// Package chat implements the OpenAI-compatible chat surface: the request
// pipeline, the bounded tool loop and the SSE stream writer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/bus"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/convo"
	"github.com/torbolabs/torbo/internal/memory"
	"github.com/torbolabs/torbo/internal/notify"
	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/providers"
	"github.com/torbolabs/torbo/internal/store"
	"github.com/torbolabs/torbo/internal/telemetry"
	"github.com/torbolabs/torbo/internal/tools"
)

// RequestContext carries per-request routing facts resolved by the
// gateway layer.
type RequestContext struct {
	// Level is the caller's effective access level.
	Level access.Level
	// AgentID selects the persona; empty means the default agent.
	AgentID string
	// ConversationKey enables server-side context when non-empty.
	ConversationKey string
	// ClientIP is used for logging only.
	ClientIP string
}

// ErrInvalidRequest marks failures caused by the request itself rather
// than by a provider or the gateway.
var ErrInvalidRequest = errors.New("invalid request")

// MessageLog receives every logged conversation turn. The SQL store
// implements it; a nil log disables persistence.
type MessageLog interface {
	AppendMessage(ctx context.Context, m store.ConversationMessage) error
}

// Pipeline runs chat completions end to end.
type Pipeline struct {
	cfg      *config.Config
	registry *providers.Registry
	tools    *tools.Registry
	convos   *convo.Manager
	memory   memory.Service
	agents   *store.AgentStore
	bus      *bus.Bus
	notifier notify.Notifier
	log      MessageLog
}

func NewPipeline(cfg *config.Config, registry *providers.Registry, toolReg *tools.Registry,
	convos *convo.Manager, mem memory.Service, agents *store.AgentStore,
	b *bus.Bus, notifier notify.Notifier, log MessageLog) *Pipeline {
	if mem == nil {
		mem = memory.Noop{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		tools:    toolReg,
		convos:   convos,
		memory:   mem,
		agents:   agents,
		bus:      b,
		notifier: notifier,
		log:      log,
	}
}

// Models lists every model reachable through the configured providers.
func (p *Pipeline) Models() openai.ModelList {
	return p.registry.ModelList()
}

// prepared is the request after enrichment and tool injection.
type prepared struct {
	req         *openai.ChatRequest
	agent       *store.Agent
	level       access.Level
	clientTools bool
	injected    bool
	userText    string
}

// prepare runs the request-shaping stages: agent resolution, model
// defaulting, conversation context, identity and memory enrichment, and
// tool injection.
func (p *Pipeline) prepare(ctx context.Context, req *openai.ChatRequest, rc RequestContext) (*prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	agentID := rc.AgentID
	if agentID == "" {
		agentID = p.cfg.Chat.DefaultAgent
	}
	agent, ok := p.agents.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidRequest, agentID)
	}

	// The agent ceiling can only lower the caller's level.
	level := access.Cap(rc.Level, agent.MaxLevel)

	if req.Model == "" {
		req.Model = agent.Model
	}

	pr := &prepared{req: req, agent: agent, level: level, userText: req.LastUserText()}

	// Server-side context: fold the buffered window in ahead of the new
	// client turns.
	if rc.ConversationKey != "" && p.convos != nil {
		for _, msg := range req.Messages {
			p.convos.Append(ctx, rc.ConversationKey, msg)
		}
		req.Messages = p.convos.History(rc.ConversationKey)
	}

	// Clients that send their own system prompt drive the persona
	// themselves; identity and memory stay out of the way.
	if !req.HasSystemMessage() {
		if sys := p.systemPrompt(ctx, agent, pr.userText); sys != "" {
			req.Messages = append([]openai.Message{
				{Role: "system", Content: openai.Text(sys)},
			}, req.Messages...)
		}
	}

	downscaleImages(req.Messages)

	switch {
	case len(req.Tools) > 0:
		// Client brought its own tools; they execute client-side.
		pr.clientTools = true
	case p.tools != nil:
		if specs := p.tools.Specs(level); len(specs) > 0 {
			req.Tools = specs
			if req.ToolChoice == nil {
				req.ToolChoice = "auto"
			}
			pr.injected = true
		}
	}

	return pr, nil
}

func (p *Pipeline) systemPrompt(ctx context.Context, agent *store.Agent, userText string) string {
	var parts []string
	if agent.SystemPrompt != "" {
		parts = append(parts, agent.SystemPrompt)
	}
	if p.cfg.Chat.SettingsPromptEnabled && p.cfg.Chat.SettingsPrompt != "" {
		parts = append(parts, p.cfg.Chat.SettingsPrompt)
	}
	if notes := p.memory.Enrich(ctx, agent.ID, userText); len(notes) > 0 {
		parts = append(parts, "Things you remember about this user:\n- "+strings.Join(notes, "\n- "))
	}
	return strings.Join(parts, "\n\n")
}

// Complete handles a non-streaming chat completion.
func (p *Pipeline) Complete(ctx context.Context, req *openai.ChatRequest, rc RequestContext) (*openai.ChatResponse, error) {
	ctx, span := telemetry.StartChatSpan(ctx, req.Model, false)
	defer span.End()

	pr, err := p.prepare(ctx, req, rc)
	if err != nil {
		return nil, err
	}

	slog.Info("chat request", "agent", pr.agent.ID, "model", req.Model,
		"level", pr.level.String(), "stream", false, "ip", rc.ClientIP)

	var resp *openai.ChatResponse
	if pr.injected {
		resp, err = p.runToolLoop(ctx, pr, nil)
	} else {
		resp, err = p.chatOnce(ctx, pr)
	}
	if err != nil {
		p.bus.Publish("chat.error", map[string]any{"agent": pr.agent.ID, "error": err.Error()})
		return nil, err
	}

	p.finish(ctx, pr, rc, resp)
	return resp, nil
}

// chatOnce performs a single provider call, retrying once without tools
// when a provider rejects the tool block outright.
func (p *Pipeline) chatOnce(ctx context.Context, pr *prepared) (*openai.ChatResponse, error) {
	resp, err := p.registry.Chat(ctx, pr.req)
	if err != nil && pr.injected && isBadRequest(err) {
		slog.Warn("provider rejected tools, retrying without", "error", err)
		stripped := *pr.req
		stripped.Tools = nil
		stripped.ToolChoice = nil
		return p.registry.Chat(ctx, &stripped)
	}
	return resp, err
}

func isBadRequest(err error) bool {
	var he *providers.HTTPError
	if errors.As(err, &he) {
		return he.Status == 400 || he.Status == 422
	}
	return false
}

// finish runs the post-response stages: conversation recording, usage
// events, memory extraction, commitment notification and idle eviction.
func (p *Pipeline) finish(ctx context.Context, pr *prepared, rc RequestContext, resp *openai.ChatResponse) {
	assistantText := ""
	if len(resp.Choices) > 0 {
		assistantText = resp.Choices[0].Message.Content.Text()
	}

	if rc.ConversationKey != "" && p.convos != nil && len(resp.Choices) > 0 {
		p.convos.Append(ctx, rc.ConversationKey, resp.Choices[0].Message)
	}

	payload := map[string]any{"agent": pr.agent.ID, "model": resp.Model}
	if resp.Usage != nil {
		payload["promptTokens"] = resp.Usage.PromptTokens
		payload["completionTokens"] = resp.Usage.CompletionTokens
	} else {
		payload["completionTokens"] = openai.EstimateTokens(assistantText)
		payload["estimated"] = true
	}
	p.bus.Publish("chat.completion", payload)

	// Fire and forget: neither persistence, memory nor notifications may
	// delay the response path.
	userText, agentID := pr.userText, pr.agent.ID
	go func() {
		bg := context.Background()
		if p.log != nil && rc.ConversationKey != "" {
			turns := []store.ConversationMessage{
				{Key: rc.ConversationKey, Role: "user", Content: userText},
				{Key: rc.ConversationKey, Role: "assistant", Content: assistantText, Model: resp.Model},
			}
			for _, m := range turns {
				m.ClientIP, m.AgentID = rc.ClientIP, agentID
				if err := p.log.AppendMessage(bg, m); err != nil {
					slog.Debug("message log append failed", "error", err)
				}
			}
		}
		p.memory.Extract(bg, agentID, userText, assistantText)
		if c := sniffCommitment(assistantText); c != "" {
			if err := p.notifier.Notify(bg, c); err != nil {
				slog.Debug("commitment notification failed", "error", err)
			}
		}
		if p.convos != nil {
			p.convos.EvictIdle(bg)
		}
	}()
}

// sniffCommitment picks out promises the assistant made so the operator
// hears about them even with the chat window closed.
func sniffCommitment(text string) string {
	lower := strings.ToLower(text)
	for _, marker := range []string{"i'll remind you", "i will remind you", "reminder set"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			end := idx + 200
			if end > len(text) {
				end = len(text)
			}
			return "Assistant commitment: " + strings.TrimSpace(text[idx:end])
		}
	}
	return ""
}
