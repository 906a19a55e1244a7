package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/torbolabs/torbo/internal/openai"
)

// ChatStream runs streamGenerateContent and re-emits OpenAI chunks. Each SSE
// frame is a full geminiResponse carrying incremental text parts; function
// calls arrive whole, so their arguments are emitted in one chunk.
func (p *GeminiProvider) ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.do(ctx, url, body, true)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	// A cancelled request force-closes the body so the scanner unblocks.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			respBody.Close()
		case <-streamDone:
		}
	}()

	streamID := openai.NewCompletionID()
	sawFunctionCall := false
	toolIdx := 0
	var usage *openai.Usage

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil || len(gr.Candidates) == 0 {
			continue
		}

		if gr.UsageMetadata != nil {
			usage = &openai.Usage{
				PromptTokens:     gr.UsageMetadata.PromptTokenCount,
				CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      gr.UsageMetadata.TotalTokenCount,
			}
		}

		for _, part := range gr.Candidates[0].Content.Parts {
			if part.Text != "" {
				chunk := openai.NewChunk(streamID, model, openai.Delta{Content: part.Text}, nil)
				if err := emit(chunk); err != nil {
					return err
				}
			}
			if part.FunctionCall != nil {
				sawFunctionCall = true
				chunk := openai.NewChunk(streamID, model, openai.Delta{
					ToolCalls: []openai.DeltaToolCall{{
						Index: toolIdx,
						ID:    fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolIdx),
						Type:  "function",
						Function: &openai.DeltaFunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: openai.MarshalArguments(part.FunctionCall.Args),
						},
					}},
				}, nil)
				toolIdx++
				if err := emit(chunk); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gemini stream read: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	finish := "stop"
	if sawFunctionCall {
		finish = "tool_calls"
	}
	final := openai.NewChunk(streamID, model, openai.Delta{}, openai.FinishReasonPtr(finish))
	final.Usage = usage
	return emit(final)
}
