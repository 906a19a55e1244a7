package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/providers"
)

type captureProvider struct {
	last *openai.ChatRequest
}

func (p *captureProvider) Name() string         { return "local" }
func (p *captureProvider) DefaultModel() string { return "small" }
func (p *captureProvider) Available() bool      { return true }
func (p *captureProvider) Models() []string     { return []string{"small"} }

func (p *captureProvider) Chat(_ context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	p.last = req
	return openai.NewResponse("small", openai.Message{
		Role: "assistant", Content: openai.Text("a short rollup"),
	}, "stop", nil), nil
}

func (p *captureProvider) ChatStream(_ context.Context, _ *openai.ChatRequest, _ func(openai.Chunk) error) error {
	return nil
}

func TestSummarizerClipsTranscriptMessages(t *testing.T) {
	stub := &captureProvider{}
	reg := providers.NewRegistry(nil, "local")
	reg.Register(stub)

	cfg := config.Default()
	cfg.Convo.SummaryModel = "small"

	fn := summarizer(reg, cfg)
	long := strings.Repeat("a", 3*summaryClipChars)
	got, err := fn(context.Background(), []openai.Message{
		{Role: "user", Content: openai.Text(long)},
		{Role: "assistant", Content: openai.Text("short answer")},
		{Role: "tool", Content: openai.Text("")},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "a short rollup" {
		t.Errorf("summary = %q", got)
	}
	if stub.last == nil {
		t.Fatal("provider never called")
	}
	if stub.last.Model != "small" {
		t.Errorf("model = %q, want the configured summary model", stub.last.Model)
	}

	transcript := stub.last.Messages[1].Content.Text()
	lines := strings.Split(strings.TrimRight(transcript, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("transcript has %d lines, want 2 (empty message skipped): %q", len(lines), transcript)
	}
	if want := len("user: ") + summaryClipChars; len(lines[0]) != want {
		t.Errorf("long message line = %d chars, want clipped to %d", len(lines[0]), want)
	}
	if lines[1] != "assistant: short answer" {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestSummarizerEmptyTranscriptSkipsModel(t *testing.T) {
	stub := &captureProvider{}
	reg := providers.NewRegistry(nil, "local")
	reg.Register(stub)

	fn := summarizer(reg, config.Default())
	got, err := fn(context.Background(), []openai.Message{
		{Role: "tool", Content: openai.Text("")},
	})
	if err != nil || got != "" {
		t.Errorf("got %q, %v; want empty summary without error", got, err)
	}
	if stub.last != nil {
		t.Error("provider called for an empty transcript")
	}
}
