package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/telemetry"
)

const interruptedNotice = "[Stream interrupted - please try again]"

// StreamWriter frames OpenAI chunks as server-sent events. It degrades
// gracefully when the response writer cannot flush.
type StreamWriter struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	headersSent bool
	doneSent    bool
}

func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: flusher}
}

// HeadersSent reports whether the SSE preamble is already on the wire.
func (s *StreamWriter) HeadersSent() bool { return s.headersSent }

// SendHeaders writes the SSE response preamble.
func (s *StreamWriter) SendHeaders() {
	if s.headersSent {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.headersSent = true
	s.flush()
}

// SendChunk writes one data frame.
func (s *StreamWriter) SendChunk(chunk openai.Chunk) error {
	s.SendHeaders()
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// SendDone terminates the stream.
func (s *StreamWriter) SendDone() {
	if s.doneSent {
		return
	}
	s.SendHeaders()
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
	s.doneSent = true
}

// Interrupt salvages a failed stream after headers went out: clients get
// a visible notice and a well-formed termination instead of a dead
// connection.
func (s *StreamWriter) Interrupt(id, model string) {
	if !s.headersSent || s.doneSent {
		return
	}
	_ = s.SendChunk(openai.NewChunk(id, model,
		openai.Delta{Content: interruptedNotice}, openai.FinishReasonPtr("stop")))
	s.SendDone()
}

func (s *StreamWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Stream handles a streaming chat completion. Requests without built-in
// tools pass the provider stream through untouched; requests with
// injected tools run the loop and synthesize a stream, with progress
// lines while tools execute and the final answer as one content frame.
func (p *Pipeline) Stream(ctx context.Context, req *openai.ChatRequest, rc RequestContext, sw *StreamWriter) error {
	ctx, span := telemetry.StartChatSpan(ctx, req.Model, true)
	defer span.End()

	pr, err := p.prepare(ctx, req, rc)
	if err != nil {
		return err
	}

	slog.Info("chat request", "agent", pr.agent.ID, "model", req.Model,
		"level", pr.level.String(), "stream", true, "ip", rc.ClientIP)

	if pr.injected {
		return p.streamSynthesized(ctx, pr, rc, sw)
	}
	return p.streamPassthrough(ctx, pr, rc, sw)
}

// streamPassthrough forwards provider chunks as they arrive, recording
// the assembled assistant text for the post-response stages.
func (p *Pipeline) streamPassthrough(ctx context.Context, pr *prepared, rc RequestContext, sw *StreamWriter) error {
	var (
		text  string
		usage *openai.Usage
		model = pr.req.Model
	)
	err := p.registry.ChatStream(ctx, pr.req, func(chunk openai.Chunk) error {
		if len(chunk.Choices) > 0 {
			text += chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		return sw.SendChunk(chunk)
	})
	if err != nil {
		if sw.HeadersSent() {
			slog.Warn("stream interrupted", "error", err)
			sw.Interrupt(openai.NewCompletionID(), model)
			return nil
		}
		p.bus.Publish("chat.error", map[string]any{"agent": pr.agent.ID, "error": err.Error()})
		return err
	}
	sw.SendDone()

	resp := openai.NewResponse(model,
		openai.Message{Role: "assistant", Content: openai.Text(text)}, "stop", usage)
	p.finish(ctx, pr, rc, resp)
	return nil
}

// streamSynthesized runs the tool loop to completion and emits the final
// text as a single frame. Partial tool JSON never reaches the client.
func (p *Pipeline) streamSynthesized(ctx context.Context, pr *prepared, rc RequestContext, sw *StreamWriter) error {
	id := openai.NewCompletionID()
	model := pr.req.Model

	sw.SendHeaders()
	// Opening frame sets the assistant role while the loop works.
	if err := sw.SendChunk(openai.NewChunk(id, model, openai.Delta{Role: "assistant"}, nil)); err != nil {
		return nil
	}

	progress := func(line string) {
		_ = sw.SendChunk(openai.NewChunk(id, model, openai.Delta{Content: line + "\n"}, nil))
	}

	resp, err := p.runToolLoop(ctx, pr, progress)
	if err != nil {
		slog.Warn("synthesized stream failed", "error", err)
		p.bus.Publish("chat.error", map[string]any{"agent": pr.agent.ID, "error": err.Error()})
		sw.Interrupt(id, model)
		return nil
	}

	finish := "stop"
	if len(resp.Choices) > 0 {
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
		if text := resp.Choices[0].Message.Content.Text(); text != "" {
			if err := sw.SendChunk(openai.NewChunk(id, resp.Model, openai.Delta{Content: text}, nil)); err != nil {
				return nil
			}
		}
		// Client-owned tool calls pass through for client execution.
		if calls := resp.Choices[0].Message.ToolCalls; len(calls) > 0 && finish == "tool_calls" {
			delta := openai.Delta{ToolCalls: deltaCalls(calls)}
			if err := sw.SendChunk(openai.NewChunk(id, resp.Model, delta, nil)); err != nil {
				return nil
			}
		}
	}

	final := openai.NewChunk(id, resp.Model, openai.Delta{}, openai.FinishReasonPtr(finish))
	final.Usage = resp.Usage
	if err := sw.SendChunk(final); err != nil {
		return nil
	}
	sw.SendDone()

	p.finish(ctx, pr, rc, resp)
	return nil
}

func deltaCalls(calls []openai.ToolCall) []openai.DeltaToolCall {
	out := make([]openai.DeltaToolCall, len(calls))
	for i, c := range calls {
		out[i] = openai.DeltaToolCall{
			Index: i,
			ID:    c.ID,
			Type:  c.Type,
			Function: &openai.DeltaFunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		}
	}
	return out
}
