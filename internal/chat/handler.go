package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/providers"
)

// Handler serves the OpenAI-compatible endpoints. The gateway resolves
// the caller's identity first and hands it over through Resolve.
type Handler struct {
	pipeline *Pipeline
	resolve  func(*http.Request) RequestContext
}

func NewHandler(p *Pipeline, resolve func(*http.Request) RequestContext) *Handler {
	return &Handler{pipeline: p, resolve: resolve}
}

// Completions handles POST /v1/chat/completions.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "read body: "+err.Error())
		return
	}

	var req openai.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("malformed chat request", "error", err, "preview", bodyPreview(body))
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}

	rc := h.resolve(r)

	if req.Stream {
		sw := NewStreamWriter(w)
		if err := h.pipeline.Stream(r.Context(), &req, rc, sw); err != nil {
			if sw.HeadersSent() {
				// Mid-stream failures were already salvaged in-band.
				return
			}
			writeChatError(w, err)
		}
		return
	}

	resp, err := h.pipeline.Complete(r.Context(), &req, rc)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Models handles GET /v1/models.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Models())
}

// writeChatError maps pipeline failures onto the OpenAI error envelope.
// Upstream status codes pass through; everything else is a 500.
func writeChatError(w http.ResponseWriter, err error) {
	var he *providers.HTTPError
	if errors.As(err, &he) {
		status := he.Status
		kind := "api_error"
		if status >= 400 && status < 500 {
			kind = "invalid_request_error"
		}
		WriteError(w, status, kind, he.Error())
		return
	}
	if errors.Is(err, providers.ErrNoProvider) {
		WriteError(w, http.StatusNotFound, "invalid_request_error", err.Error())
		return
	}
	if errors.Is(err, ErrInvalidRequest) {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	slog.Error("chat completion failed", "error", err)
	WriteError(w, http.StatusInternalServerError, "api_error", err.Error())
}

// WriteError emits the OpenAI error envelope.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, openai.ErrorBody{Error: openai.ErrorDetail{
		Message: message,
		Type:    kind,
	}})
}

// bodyPreview truncates a request body for diagnostics and strips
// non-printable bytes so binary garbage stays out of the log.
func bodyPreview(b []byte) string {
	const max = 120
	if len(b) > max {
		b = b[:max]
	}
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return '.'
		}
		return r
	}, string(b))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
