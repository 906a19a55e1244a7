package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/openai"
)

const toolConcurrency = 4

// runToolLoop drives the think-act-observe cycle: call the model, execute
// any requested built-in tools, feed the results back, and repeat up to
// the configured round cap. progress, when non-nil, receives short status
// lines while tools run.
//
// Tool calls naming tools the registry does not know belong to the
// client; the response is returned untouched so the client can execute
// them.
func (p *Pipeline) runToolLoop(ctx context.Context, pr *prepared, progress func(string)) (*openai.ChatResponse, error) {
	maxRounds := p.cfg.Chat.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	req := pr.req
	for round := 0; ; round++ {
		resp, err := p.chatOnce(ctx, pr)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return resp, nil
		}

		choice := resp.Choices[0]
		calls := choice.Message.ToolCalls
		if choice.FinishReason != "tool_calls" || len(calls) == 0 {
			return resp, nil
		}
		unknown := false
		for _, call := range calls {
			if !p.tools.Has(call.Function.Name) {
				unknown = true
				break
			}
		}
		if unknown {
			if pr.clientTools || choice.Message.Content.Text() != "" {
				// The client owns these calls; it completes the round.
				return resp, nil
			}
			// The model invented a tool and said nothing else. One plain
			// retry without tools forces a text answer.
			slog.Warn("unknown tool requested, retrying without tools", "round", round)
			final := *req
			final.Tools = nil
			final.ToolChoice = nil
			return p.registry.Chat(ctx, &final)
		}

		if round >= maxRounds-1 {
			// Round cap hit: force a text answer.
			slog.Warn("tool loop cap reached, forcing final answer", "rounds", maxRounds)
			final := *req
			final.Tools = nil
			final.ToolChoice = nil
			final.Messages = append(cloneMessages(req.Messages), openai.Message{
				Role:    "system",
				Content: openai.Text("Tool budget exhausted. Answer with what you have."),
			})
			return p.registry.Chat(ctx, &final)
		}

		results := p.executeCalls(ctx, calls, pr.level, progress)

		req.Messages = append(req.Messages, choice.Message)
		req.Messages = append(req.Messages, results...)
	}
}

// executeCalls runs one round of tool calls. Read-only tools run
// concurrently; as soon as a mutating tool is present the whole round
// runs sequentially in request order.
func (p *Pipeline) executeCalls(ctx context.Context, calls []openai.ToolCall, level access.Level, progress func(string)) []openai.Message {
	sequential := false
	for _, call := range calls {
		if min, ok := p.tools.MinLevel(call.Function.Name); ok && min >= access.LevelWrite {
			sequential = true
			break
		}
	}

	results := make([]openai.Message, len(calls))
	runOne := func(i int, call openai.ToolCall) {
		if progress != nil {
			progress(progressLine(call))
		}
		text := p.executeCall(ctx, call, level)
		results[i] = openai.Message{
			Role:       "tool",
			Content:    openai.Text(text),
			ToolCallID: call.ID,
		}
	}

	if sequential {
		for i, call := range calls {
			runOne(i, call)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(toolConcurrency)
	var progressMu sync.Mutex
	guarded := progress
	if progress != nil {
		guarded = func(s string) {
			progressMu.Lock()
			progress(s)
			progressMu.Unlock()
		}
	}
	for i, call := range calls {
		g.Go(func() error {
			if guarded != nil {
				guarded(progressLine(call))
			}
			results[i] = openai.Message{
				Role:       "tool",
				Content:    openai.Text(p.executeCall(gctx, call, level)),
				ToolCallID: call.ID,
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (p *Pipeline) executeCall(ctx context.Context, call openai.ToolCall, level access.Level) string {
	res, err := p.tools.Execute(ctx, call.Function.Name, call.Function.Arguments, level)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err)
	}
	if res.IsError {
		slog.Warn("tool failed", "tool", call.Function.Name, "message", res.ForLLM)
	}
	return res.ForLLM
}

// progressLine renders the status hint streamed while a tool runs.
func progressLine(call openai.ToolCall) string {
	args := parseArgs(call.Function.Arguments)
	switch call.Function.Name {
	case "web_search":
		if q, ok := args["query"].(string); ok {
			return fmt.Sprintf("[searching: %q]", q)
		}
		return "[searching]"
	case "web_fetch":
		if u, ok := args["url"].(string); ok {
			return fmt.Sprintf("[fetching: %s]", u)
		}
		return "[fetching]"
	case "read_file", "list_files":
		if path, ok := args["path"].(string); ok {
			return fmt.Sprintf("[reading: %s]", path)
		}
		return "[reading]"
	case "write_file":
		if path, ok := args["path"].(string); ok {
			return fmt.Sprintf("[writing: %s]", path)
		}
		return "[writing]"
	default:
		return fmt.Sprintf("[running: %s]", call.Function.Name)
	}
}

func parseArgs(argsJSON string) map[string]any {
	out := map[string]any{}
	if argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &out)
	}
	return out
}

func cloneMessages(msgs []openai.Message) []openai.Message {
	out := make([]openai.Message, len(msgs))
	copy(out, msgs)
	return out
}
