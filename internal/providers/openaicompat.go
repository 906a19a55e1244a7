package providers

import (
	"bufio"
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

// OpenAICompatProvider covers every backend that already speaks the OpenAI
// protocol: OpenAI itself, xAI, and the local model runner. Requests and
// chunks pass through with only the model field resolved.
type OpenAICompatProvider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	models       []string
	// The local runner needs no key; it is available whenever configured.
	keyless bool
	client  *http.Client
	retry   RetryConfig
}

func NewOpenAIProvider(apiKey, defaultModel string) *OpenAICompatProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return newCompat("openai", "https://api.openai.com/v1", apiKey, defaultModel,
		[]string{"gpt-4o", "gpt-4o-mini", "o3-mini"}, false)
}

func NewXAIProvider(apiKey, defaultModel string) *OpenAICompatProvider {
	if defaultModel == "" {
		defaultModel = "grok-3"
	}
	return newCompat("xai", "https://api.x.ai/v1", apiKey, defaultModel,
		[]string{"grok-3", "grok-3-mini"}, false)
}

// NewLocalProvider wraps an OpenAI-compatible local runner (llama.cpp,
// Ollama's /v1, LM Studio and friends).
func NewLocalProvider(baseURL, defaultModel string) *OpenAICompatProvider {
	p := newCompat("local", baseURL, "", defaultModel, nil, true)
	if defaultModel != "" {
		p.models = []string{defaultModel}
	}
	return p
}

func newCompat(name, baseURL, apiKey, defaultModel string, models []string, keyless bool) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		models:       models,
		keyless:      keyless,
		client:       &http.Client{Timeout: 300 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

func (p *OpenAICompatProvider) Name() string         { return p.name }
func (p *OpenAICompatProvider) DefaultModel() string { return p.defaultModel }
func (p *OpenAICompatProvider) Models() []string     { return p.models }

func (p *OpenAICompatProvider) Available() bool {
	if p.keyless {
		return p.baseURL != ""
	}
	return p.apiKey != ""
}

func (p *OpenAICompatProvider) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	out := *req
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	out.Stream = false
	out.StreamOptions = nil

	respBody, err := p.doRequest(ctx, &out, false)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	raw, err := io.ReadAll(respBody)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}
	var resp openai.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}
	return &resp, nil
}

func (p *OpenAICompatProvider) ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error {
	out := *req
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	out.Stream = true
	out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, &out, true)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openai.Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s stream read: %w", p.name, err)
	}
	return nil
}

func (p *OpenAICompatProvider) doRequest(ctx context.Context, body *openai.ChatRequest, stream bool) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.name, err)
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
