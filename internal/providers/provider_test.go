package providers

import (
	"context"
	"testing"
	"time"

	"github.com/torbolabs/torbo/internal/openai"
)

type stubProvider struct {
	name     string
	model    string
	avail    bool
	calls    int
	err      error
	response *openai.ChatResponse
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) DefaultModel() string { return s.model }
func (s *stubProvider) Available() bool      { return s.avail }
func (s *stubProvider) Models() []string     { return []string{s.model} }

func (s *stubProvider) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.response
	resp.Model = req.Model
	return &resp, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req *openai.ChatRequest, emit func(openai.Chunk) error) error {
	s.calls++
	return s.err
}

func okResponse(text string) *openai.ChatResponse {
	return openai.NewResponse("", openai.Message{Role: "assistant", Content: openai.Text(text)}, "stop", nil)
}

func testRegistry() *Registry {
	r := NewRegistry([]string{"anthropic", "openai", "local"}, "local")
	r.retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: 0}
	return r
}

func TestRouteModel(t *testing.T) {
	r := testRegistry()
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5-20250929", "anthropic"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"gemini-2.5-flash", "gemini"},
		{"grok-3", "xai"},
		{"qwen2.5-7b", "local"},
		{"", "local"},
	}
	for _, tt := range tests {
		if got := r.RouteModel(tt.model); got != tt.want {
			t.Errorf("RouteModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestChatFallbackAfterRetries(t *testing.T) {
	r := testRegistry()
	primary := &stubProvider{name: "anthropic", model: "claude-x", avail: true,
		err: &HTTPError{Status: 503, Body: "overloaded"}}
	fallback := &stubProvider{name: "openai", model: "gpt-4o", avail: true,
		response: okResponse("from fallback")}
	r.Register(primary)
	r.Register(fallback)

	resp, err := r.Chat(context.Background(), &openai.ChatRequest{
		Model:    "claude-x",
		Messages: []openai.Message{{Role: "user", Content: openai.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if primary.calls != 3 {
		t.Errorf("primary attempts = %d, want 3", primary.calls)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback attempts = %d, want 1", fallback.calls)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("fallback must use its own default model, got %q", resp.Model)
	}
	if got := resp.Choices[0].Message.Content.Text(); got != "from fallback" {
		t.Errorf("content = %q", got)
	}
}

func TestChatAuthErrorShortCircuits(t *testing.T) {
	r := testRegistry()
	primary := &stubProvider{name: "anthropic", model: "claude-x", avail: true,
		err: &HTTPError{Status: 401, Body: "bad key"}}
	fallback := &stubProvider{name: "openai", model: "gpt-4o", avail: true,
		response: okResponse("nope")}
	r.Register(primary)
	r.Register(fallback)

	_, err := r.Chat(context.Background(), &openai.ChatRequest{Model: "claude-x"})
	if err == nil {
		t.Fatal("expected auth error")
	}
	if primary.calls != 1 {
		t.Errorf("primary attempts = %d, want 1", primary.calls)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback attempts = %d, want 0 (auth failures never fall back)", fallback.calls)
	}
}

func TestChatUnavailablePrimarySkipsToFallback(t *testing.T) {
	r := testRegistry()
	primary := &stubProvider{name: "anthropic", model: "claude-x", avail: false}
	fallback := &stubProvider{name: "local", model: "qwen2.5-7b", avail: true,
		response: okResponse("local answer")}
	r.Register(primary)
	r.Register(fallback)

	resp, err := r.Chat(context.Background(), &openai.ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if primary.calls != 0 {
		t.Errorf("keyless primary must not be called, got %d", primary.calls)
	}
	if resp.Model != "qwen2.5-7b" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestChatNoProviders(t *testing.T) {
	r := testRegistry()
	_, err := r.Chat(context.Background(), &openai.ChatRequest{Model: "claude-x"})
	if err == nil {
		t.Fatal("expected error with empty registry")
	}
}

func TestModelListSkipsUnavailable(t *testing.T) {
	r := testRegistry()
	r.Register(&stubProvider{name: "anthropic", model: "claude-x", avail: true})
	r.Register(&stubProvider{name: "openai", model: "gpt-4o", avail: false})

	list := r.ModelList()
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "claude-x" {
		t.Errorf("ModelList = %+v", list)
	}
}
