package chat

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/openai"
)

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestStreamPassthrough(t *testing.T) {
	fx := newFixture(t, nil, false)
	fx.stub.chunks = []openai.Chunk{
		openai.NewChunk("c1", "stub-default", openai.Delta{Role: "assistant"}, nil),
		openai.NewChunk("c1", "stub-default", openai.Delta{Content: "hello "}, nil),
		openai.NewChunk("c1", "stub-default", openai.Delta{Content: "world"}, openai.FinishReasonPtr("stop")),
	}

	rec := httptest.NewRecorder()
	req := userRequest("hi")
	req.Stream = true
	err := fx.pipeline.Stream(context.Background(), req,
		RequestContext{Level: access.LevelChat}, NewStreamWriter(rec))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ab := rec.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Errorf("X-Accel-Buffering = %q", ab)
	}

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 3 chunks + DONE:\n%s", len(frames), rec.Body.String())
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[len(frames)-1])
	}
	if !strings.Contains(frames[1], `"hello "`) {
		t.Errorf("frame[1] = %q", frames[1])
	}
}

func TestStreamSynthesizedToolLoop(t *testing.T) {
	fx := newFixture(t, []*openai.ChatResponse{
		toolCallResponse("echo", `{"text":"ping"}`),
		textResponse("the echo said ping"),
	}, true)

	rec := httptest.NewRecorder()
	req := userRequest("echo ping")
	req.Stream = true
	err := fx.pipeline.Stream(context.Background(), req,
		RequestContext{Level: access.LevelRead}, NewStreamWriter(rec))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	body := rec.Body.String()
	frames := sseFrames(t, body)
	if frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("last frame = %q, want [DONE]:\n%s", frames[len(frames)-1], body)
	}
	if !strings.Contains(body, "[running: echo]") {
		t.Errorf("no progress line in stream:\n%s", body)
	}
	if !strings.Contains(body, "the echo said ping") {
		t.Errorf("final text missing from stream:\n%s", body)
	}
	// Raw tool-call JSON from the loop must never leak to the client.
	if strings.Contains(body, `"call_1"`) {
		t.Errorf("tool call leaked into stream:\n%s", body)
	}

	// Finish frame precedes DONE and carries a finish_reason.
	finishFrame := frames[len(frames)-2]
	if !strings.Contains(finishFrame, `"finish_reason":"stop"`) {
		t.Errorf("penultimate frame = %q, want finish_reason stop", finishFrame)
	}
}

func TestStreamInterruptedMidway(t *testing.T) {
	fx := newFixture(t, nil, false)
	fx.stub.streamFn = func(emit func(openai.Chunk) error) error {
		if err := emit(openai.NewChunk("c1", "stub-default", openai.Delta{Content: "partial"}, nil)); err != nil {
			return err
		}
		return fmt.Errorf("connection reset")
	}

	rec := httptest.NewRecorder()
	req := userRequest("hi")
	req.Stream = true
	err := fx.pipeline.Stream(context.Background(), req,
		RequestContext{Level: access.LevelChat}, NewStreamWriter(rec))
	if err != nil {
		t.Fatalf("Stream should salvage mid-stream failures, got %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, interruptedNotice) {
		t.Errorf("no interruption notice:\n%s", body)
	}
	frames := sseFrames(t, body)
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("stream not terminated with [DONE]")
	}
}

func TestStreamErrorBeforeHeaders(t *testing.T) {
	fx := newFixture(t, nil, false)
	fx.stub.streamFn = func(func(openai.Chunk) error) error {
		return fmt.Errorf("refused")
	}

	rec := httptest.NewRecorder()
	req := userRequest("hi")
	req.Stream = true
	sw := NewStreamWriter(rec)
	err := fx.pipeline.Stream(context.Background(), req,
		RequestContext{Level: access.LevelChat}, sw)
	if err == nil {
		t.Fatal("want error when the stream fails before any output")
	}
	if sw.HeadersSent() {
		t.Error("headers sent despite immediate failure")
	}
}

func TestStreamWriterIdempotentDone(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	sw.SendDone()
	sw.SendDone()
	if got := strings.Count(rec.Body.String(), "[DONE]"); got != 1 {
		t.Errorf("DONE frames = %d, want 1", got)
	}
}
