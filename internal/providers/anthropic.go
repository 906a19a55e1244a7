package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/torbolabs/torbo/internal/openai"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-5-20250929"
	anthropicMaxTokens      = 8192
)

// AnthropicProvider speaks the Anthropic Messages API and translates both
// directions to the OpenAI shape.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	models       []string
	client       *http.Client
	retry        RetryConfig
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicDefaultBaseURL,
		defaultModel: anthropicDefaultModel,
		maxTokens:    anthropicMaxTokens,
		models: []string{
			"claude-sonnet-4-5-20250929",
			"claude-opus-4-1-20250805",
			"claude-haiku-4-5-20251001",
		},
		client: &http.Client{Timeout: 300 * time.Second},
		retry:  DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }
func (p *AnthropicProvider) Available() bool      { return p.apiKey != "" }
func (p *AnthropicProvider) Models() []string     { return p.models }

// Chat translates request and response for the non-streaming path.
func (p *AnthropicProvider) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, false)

	respBody, err := p.doRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	raw, err := io.ReadAll(respBody)
	if err != nil {
		return nil, fmt.Errorf("read anthropic response: %w", err)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	msg := openai.Message{Role: "assistant"}
	var text strings.Builder
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      strings.TrimSpace(block.Name),
					Arguments: openai.MarshalArguments(block.Input),
				},
			})
		}
	}
	msg.Content = openai.Text(text.String())

	finish := "stop"
	switch ar.StopReason {
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}

	usage := &openai.Usage{
		PromptTokens:     ar.Usage.InputTokens,
		CompletionTokens: ar.Usage.OutputTokens,
		TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
	}

	resp := openai.NewResponse(model, msg, finish, usage)
	if ar.ID != "" {
		resp.ID = ar.ID
	}
	return resp, nil
}

// --- wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  map[string]string  `json:"tool_choice,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// --- request translation ---

func (p *AnthropicProvider) buildRequestBody(model string, req *openai.ChatRequest, stream bool) *anthropicRequest {
	out := &anthropicRequest{
		Model:       model,
		MaxTokens:   p.maxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}

	msgs := req.Messages
	// A leading system message becomes the system field.
	if len(msgs) > 0 && msgs[0].Role == "system" {
		out.System = msgs[0].Content.Text()
		msgs = msgs[1:]
	}

	for _, m := range msgs {
		switch m.Role {
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content.Text(),
				}},
			})

		case "assistant":
			var blocks []anthropicBlock
			if text := m.Content.Text(); text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		default: // user, plus any stray mid-conversation system turns
			var blocks []anthropicBlock
			if m.Content.IsParts() {
				for _, part := range m.Content.PartList() {
					switch part.Type {
					case "text":
						if part.Text != "" {
							blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
						}
					case "image_url":
						if part.ImageURL != nil {
							blocks = append(blocks, imageBlock(part.ImageURL.URL))
						}
					}
				}
			} else if text := m.Content.Text(); text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
			}
			if len(blocks) == 0 {
				blocks = []anthropicBlock{{Type: "text", Text: " "}}
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = translateToolChoice(req.ToolChoice, len(out.Tools) > 0)

	return out
}

func imageBlock(url string) anthropicBlock {
	if mediaType, data, ok := parseDataURL(url); ok {
		return anthropicBlock{Type: "image", Source: &anthropicImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		}}
	}
	return anthropicBlock{Type: "image", Source: &anthropicImageSource{Type: "url", URL: url}}
}

func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func translateToolChoice(choice any, haveTools bool) map[string]string {
	if !haveTools {
		return nil
	}
	switch v := choice.(type) {
	case string:
		switch v {
		case "required":
			return map[string]string{"type": "any"}
		case "none":
			return nil
		default:
			return map[string]string{"type": "auto"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return map[string]string{"type": "tool", "name": name}
			}
		}
	}
	return map[string]string{"type": "auto"}
}

// --- transport ---

func (p *AnthropicProvider) doRequest(ctx context.Context, body any, stream bool) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
