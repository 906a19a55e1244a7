// Package openai holds the wire types for the OpenAI chat-completions
// protocol that the gateway speaks to its clients, plus helpers for the
// string-or-parts content shape that protocol drags along.
package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatRequest is the inbound body of POST /v1/chat/completions.
type ChatRequest struct {
	Model         string         `json:"model,omitempty"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    any            `json:"tool_choice,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	User          string         `json:"user,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is one conversation turn. Content is a discriminated union:
// either a plain string or a list of typed parts (text, image_url).
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Tool is an OpenAI function-tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall carries function arguments as a raw JSON string, as the wire
// format demands.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one streaming frame of a chat completion.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
}

// DeltaToolCall addresses a tool call by stream index; ID/type/name appear
// only on the first frame for that index.
type DeltaToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *DeltaFunctionCall `json:"function,omitempty"`
}

type DeltaFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorBody is the structured error envelope clients expect.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewCompletionID mints a chatcmpl-style identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewResponse builds a single-choice response envelope.
func NewResponse(model string, msg Message, finishReason string, usage *Usage) *ChatResponse {
	return &ChatResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Message: msg, FinishReason: finishReason}},
		Usage:   usage,
	}
}

// NewChunk builds a single-choice streaming frame sharing id across a stream.
func NewChunk(id, model string, delta Delta, finishReason *string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finishReason}},
	}
}

// FinishReasonPtr is a convenience for the pointer-valued finish_reason.
func FinishReasonPtr(r string) *string { return &r }

// EstimateTokens approximates a token count as chars/4, used when the
// upstream omits usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// Validate applies the structural checks the handler runs before dispatch.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required and must be non-empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	for i, tl := range r.Tools {
		if tl.Type != "function" {
			return fmt.Errorf("tools[%d]: unsupported type %q", i, tl.Type)
		}
		if tl.Function.Name == "" {
			return fmt.Errorf("tools[%d]: function name is required", i)
		}
	}
	return nil
}

// HasSystemMessage reports whether the client supplied its own leading
// system message, which suppresses identity injection.
func (r *ChatRequest) HasSystemMessage() bool {
	return len(r.Messages) > 0 && r.Messages[0].Role == "system"
}

// LastUserText returns the text of the most recent user message, or "".
func (r *ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content.Text()
		}
	}
	return ""
}

// MarshalArguments re-serializes a decoded argument map to the wire string.
func MarshalArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
