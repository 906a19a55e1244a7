package providers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"encoding/json"

	"github.com/torbolabs/torbo/internal/openai"
)

// Anthropic SSE event payloads. Only the fields the translator consumes.

type anthropicMessageStartEvent struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatStream translates the Anthropic event stream into OpenAI chunks.
//
// Tool arguments arrive as input_json_delta fragments. Partial JSON cannot
// be re-serialized reliably by intermediate layers, so fragments are
// accumulated and the arguments emitted exactly once, at content_block_stop.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	// Retry covers only the connection phase; once streaming starts there is
	// no way back.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body, true)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	streamID := openai.NewCompletionID()
	sawToolUse := false
	finishSent := false

	// OpenAI tool index for the current tool_use block, -1 when none active.
	toolIdx := -1
	nextToolIdx := 0
	var argAccum strings.Builder

	var usage *openai.Usage

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message.Usage.InputTokens > 0 {
				usage = &openai.Usage{PromptTokens: ev.Message.Usage.InputTokens}
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.ContentBlock.Type == "tool_use" {
				sawToolUse = true
				toolIdx = nextToolIdx
				nextToolIdx++
				argAccum.Reset()
				chunk := openai.NewChunk(streamID, model, openai.Delta{
					ToolCalls: []openai.DeltaToolCall{{
						Index: toolIdx,
						ID:    ev.ContentBlock.ID,
						Type:  "function",
						Function: &openai.DeltaFunctionCall{
							Name:      strings.TrimSpace(ev.ContentBlock.Name),
							Arguments: "",
						},
					}},
				}, nil)
				if err := emit(chunk); err != nil {
					return err
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text == "" {
					continue
				}
				chunk := openai.NewChunk(streamID, model, openai.Delta{Content: ev.Delta.Text}, nil)
				if err := emit(chunk); err != nil {
					return err
				}
			case "input_json_delta":
				// Accumulate only. Never forward partial JSON.
				if toolIdx >= 0 {
					argAccum.WriteString(ev.Delta.PartialJSON)
				}
			case "thinking_delta", "signature_delta":
				// Not forwarded on the OpenAI surface.
			}

		case "content_block_stop":
			if toolIdx >= 0 {
				args := argAccum.String()
				if args == "" {
					args = "{}"
				}
				chunk := openai.NewChunk(streamID, model, openai.Delta{
					ToolCalls: []openai.DeltaToolCall{{
						Index:    toolIdx,
						Function: &openai.DeltaFunctionCall{Arguments: args},
					}},
				}, nil)
				if err := emit(chunk); err != nil {
					return err
				}
				toolIdx = -1
				argAccum.Reset()
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Usage.OutputTokens > 0 {
				if usage == nil {
					usage = &openai.Usage{}
				}
				usage.CompletionTokens = ev.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			if ev.Delta.StopReason != "" {
				finish := "stop"
				switch ev.Delta.StopReason {
				case "tool_use":
					finish = "tool_calls"
				case "max_tokens":
					finish = "length"
				}
				chunk := openai.NewChunk(streamID, model, openai.Delta{}, openai.FinishReasonPtr(finish))
				chunk.Usage = usage
				if err := emit(chunk); err != nil {
					return err
				}
				finishSent = true
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return fmt.Errorf("anthropic stream error: %s", data)

		case "message_stop":
			if !finishSent {
				finish := "stop"
				if sawToolUse {
					finish = "tool_calls"
				}
				chunk := openai.NewChunk(streamID, model, openai.Delta{}, openai.FinishReasonPtr(finish))
				chunk.Usage = usage
				if err := emit(chunk); err != nil {
					return err
				}
				finishSent = true
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic stream read: %w", err)
	}
	if !finishSent {
		return fmt.Errorf("anthropic stream ended without message_stop")
	}
	return nil
}
