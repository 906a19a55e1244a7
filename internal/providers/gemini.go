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
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiDefaultModel   = "gemini-2.5-flash"
)

// GeminiProvider speaks the native Gemini generateContent API.
type GeminiProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	models       []string
	client       *http.Client
	retry        RetryConfig
}

func NewGeminiProvider(apiKey, baseURL, defaultModel string) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		models:       []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"},
		client:       &http.Client{Timeout: 300 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }
func (p *GeminiProvider) Available() bool      { return p.apiKey != "" }
func (p *GeminiProvider) Models() []string     { return p.models }

// --- wire types ---

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string             `json:"text,omitempty"`
	InlineData       *geminiInlineData  `json:"inline_data,omitempty"`
	FunctionCall     *geminiFnCall      `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResponse  `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFnResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations"`
}

type geminiFnDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// --- translation ---

func (p *GeminiProvider) buildRequest(req *openai.ChatRequest) *geminiRequest {
	out := &geminiRequest{}

	if req.Temperature != nil || req.MaxTokens > 0 || req.TopP != nil {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
		}
	}

	// Tool call IDs are an OpenAI notion; Gemini keys tool results by
	// function name, so remember which name each ID belongs to.
	callNames := make(map[string]string)

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: m.Content.Text()}},
			}

		case "assistant":
			content := geminiContent{Role: "model"}
			if text := m.Content.Text(); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFnCall{Name: tc.Function.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}

		case "tool":
			// Tool results ride as functionResponse parts in a user turn.
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFnResponse{
						Name:     callNames[m.ToolCallID],
						Response: map[string]any{"output": m.Content.Text()},
					},
				}},
			})

		default: // user
			content := geminiContent{Role: "user"}
			if m.Content.IsParts() {
				for _, part := range m.Content.PartList() {
					switch part.Type {
					case "text":
						if part.Text != "" {
							content.Parts = append(content.Parts, geminiPart{Text: part.Text})
						}
					case "image_url":
						if part.ImageURL == nil {
							continue
						}
						if mime, data, ok := parseDataURL(part.ImageURL.URL); ok {
							content.Parts = append(content.Parts, geminiPart{
								InlineData: &geminiInlineData{MimeType: mime, Data: data},
							})
						}
					}
				}
			} else {
				content.Parts = []geminiPart{{Text: m.Content.Text()}}
			}
			if len(content.Parts) == 0 {
				content.Parts = []geminiPart{{Text: " "}}
			}
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFnDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFnDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  CleanSchemaForGemini(t.Function.Parameters),
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return out
}

// Chat runs a non-streaming generateContent call.
func (p *GeminiProvider) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	raw, err := p.do(ctx, url, body, false)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	respBody, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("empty gemini response: no candidates")
	}

	msg := openai.Message{Role: "assistant"}
	var text strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(msg.ToolCalls)),
				Type: "function",
				Function: openai.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: openai.MarshalArguments(part.FunctionCall.Args),
				},
			})
		}
	}
	msg.Content = openai.Text(text.String())

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	} else if gr.Candidates[0].FinishReason == "MAX_TOKENS" {
		finish = "length"
	}

	var usage *openai.Usage
	if gr.UsageMetadata != nil {
		usage = &openai.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}

	return openai.NewResponse(model, msg, finish, usage), nil
}

func (p *GeminiProvider) do(ctx context.Context, url string, body []byte, stream bool) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
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
