package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/auth"
	"github.com/torbolabs/torbo/internal/bus"
	"github.com/torbolabs/torbo/internal/chat"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/convo"
	"github.com/torbolabs/torbo/internal/openai"
	"github.com/torbolabs/torbo/internal/providers"
	"github.com/torbolabs/torbo/internal/store"
	"github.com/torbolabs/torbo/internal/tools"
)

const testMasterToken = "test-master-token"

type fixture struct {
	server *Server
	mux    *http.ServeMux
	cfg    *config.Config
	stub   *testProvider
}

type testProvider struct{}

func (testProvider) Name() string         { return "local" }
func (testProvider) DefaultModel() string { return "stub" }
func (testProvider) Available() bool      { return true }
func (testProvider) Models() []string     { return []string{"stub"} }
func (testProvider) Chat(_ context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	return openai.NewResponse("stub", openai.Message{
		Role: "assistant", Content: openai.Text("stub answer"),
	}, "stop", nil), nil
}
func (testProvider) ChatStream(_ context.Context, _ *openai.ChatRequest, emit func(openai.Chunk) error) error {
	if err := emit(openai.NewChunk("c1", "stub", openai.Delta{Content: "stub answer"}, openai.FinishReasonPtr("stop"))); err != nil {
		return err
	}
	return nil
}

func newServer(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.StateDir = t.TempDir()
	cfg.Gateway.MasterToken = testMasterToken
	cfg.Gateway.AccessLevel = int(access.LevelFull)
	cfg.Gateway.RateLimitRPM = 0

	audit := access.NewAuditLog(nil)
	guard := access.NewGuard(cfg.GlobalLevel, audit, nil)

	devices, err := auth.NewDeviceStore(filepath.Join(cfg.Gateway.StateDir, "devices.json"))
	if err != nil {
		t.Fatalf("device store: %v", err)
	}
	sessions := auth.NewSessionSet()
	pairing := auth.NewPairingService(devices)
	authn := auth.NewAuthenticator(
		func() string { return cfg.Gateway.MasterToken },
		sessions, devices, nil)

	agents, err := store.NewAgentStore(filepath.Join(cfg.Gateway.StateDir, "agents.json"), config.DefaultAgentID)
	if err != nil {
		t.Fatalf("agent store: %v", err)
	}

	stub := &testProvider{}
	registry := providers.NewRegistry(nil, "local")
	registry.Register(stub)

	b := bus.New(nil)
	convos := convo.NewManager(20, time.Hour, nil, nil)
	pipeline := chat.NewPipeline(cfg, registry, tools.NewRegistry(), convos, nil, agents, b, nil, nil)

	s := NewServer(Deps{
		Config:   cfg,
		Guard:    guard,
		Auth:     authn,
		Sessions: sessions,
		Pairing:  pairing,
		Devices:  devices,
		Bus:      b,
		Pipeline: pipeline,
		Convos:   convos,
		Agents:   agents,
		Audit:    audit,
	})
	return &fixture{server: s, mux: s.BuildMux(), cfg: cfg, stub: stub}
}

// do issues a request from a non-loopback address unless overridden.
func (f *fixture) do(method, path, bearer, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "203.0.113.9:44210"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealthUnauthenticatedHidesNetworkIdentity(t *testing.T) {
	f := newServer(t)

	rec := f.do("GET", "/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["service"] != "torbo-base" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["version"]; !ok {
		t.Error("version missing")
	}
	for _, key := range []string{"tailscaleIP", "tailscaleHostname"} {
		if _, ok := body[key]; ok {
			t.Errorf("unauthenticated health leaks %s", key)
		}
	}
}

func TestHealthAuthenticatedAddsIdentity(t *testing.T) {
	f := newServer(t)

	rec := f.do("GET", "/health", testMasterToken, "", nil)
	body := decodeBody(t, rec)
	if _, ok := body["tailscaleHostname"]; !ok {
		t.Error("authenticated health missing hostname")
	}
}

func TestLevelEndpointHidesNumericLevel(t *testing.T) {
	f := newServer(t)

	rec := f.do("GET", "/level", "", "", nil)
	body := decodeBody(t, rec)
	if body["active"] != true {
		t.Errorf("active = %v", body["active"])
	}
	if _, ok := body["level"]; ok {
		t.Error("numeric level leaked")
	}

	f.cfg.SetGlobalLevel(access.LevelOff)
	rec = f.do("GET", "/level", "", "", nil)
	if body := decodeBody(t, rec); body["active"] != false {
		t.Errorf("active = %v after OFF", body["active"])
	}
}

func TestRateLimitSlidingWindow(t *testing.T) {
	f := newServer(t)
	f.cfg.Gateway.RateLimitRPM = 3

	for i := 1; i <= 3; i++ {
		if rec := f.do("GET", "/health", testMasterToken, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := f.do("GET", "/health", testMasterToken, "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 4: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestRateLimitExemptsLoopback(t *testing.T) {
	f := newServer(t)
	f.cfg.Gateway.RateLimitRPM = 1

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("loopback request %d: status = %d", i, rec.Code)
		}
	}
}

func TestUnauthenticatedProtectedRoute(t *testing.T) {
	f := newServer(t)

	rec := f.do("GET", "/v1/models", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	// No reason detail in the body.
	if s := rec.Body.String(); strings.Contains(s, "token") || strings.Contains(s, "device") {
		t.Errorf("401 body leaks detail: %s", s)
	}
}

func TestAccessLevelHeaderCapsDown(t *testing.T) {
	f := newServer(t)

	// A FULL credential asking for CHAT cannot reach a FULL route.
	rec := f.do("POST", "/control/level", testMasterToken, `{"level":2}`,
		map[string]string{"x-torbo-access-level": "1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Access level 5 (FULL) required" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAccessLevelHeaderCannotRaise(t *testing.T) {
	f := newServer(t)
	f.cfg.SetGlobalLevel(access.LevelChat)

	rec := f.do("GET", "/audit/log", testMasterToken, "",
		map[string]string{"x-torbo-access-level": "5"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (header cannot raise)", rec.Code)
	}
}

func TestGatewayOffShortCircuits(t *testing.T) {
	f := newServer(t)
	f.cfg.SetGlobalLevel(access.LevelOff)

	rec := f.do("GET", "/v1/models", testMasterToken, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Gateway is OFF" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestControlLevelRoundTrip(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/control/level", testMasterToken, `{"level":2}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["name"] != "READ" {
		t.Errorf("name = %v", body["name"])
	}
	if got := f.cfg.GlobalLevel(); got != access.LevelRead {
		t.Errorf("global level = %v", got)
	}
}

func TestPairingHandshakeOverHTTP(t *testing.T) {
	f := newServer(t)

	code, err := f.server.pairing.Begin("")
	if err != nil {
		t.Fatal(err)
	}

	rec := f.do("POST", "/pair", "", fmt.Sprintf(`{"code":%q,"deviceName":"my phone"}`, code), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	if len(token) < 32 {
		t.Fatalf("token = %q, too short", token)
	}

	rec = f.do("POST", "/pair/verify", "", fmt.Sprintf(`{"token":%q}`, token), nil)
	if body := decodeBody(t, rec); body["valid"] != true {
		t.Errorf("verify = %v", body)
	}

	// The minted token is a usable credential.
	rec = f.do("GET", "/v1/models", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("models with device token: status = %d", rec.Code)
	}
}

func TestPairRejectsBadCode(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/pair", "", `{"code":"000000","deviceName":"x"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAutoPairTrustedNetworkOnly(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/pair/auto", "", `{"deviceName":"laptop"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untrusted: status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest("POST", "/pair/auto", strings.NewReader(`{"deviceName":"laptop"}`))
	req.RemoteAddr = "100.64.1.2:5000"
	out := httptest.NewRecorder()
	f.mux.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("trusted: status = %d: %s", out.Code, out.Body.String())
	}
	body := decodeBody(t, out)
	if body["status"] != "new" {
		t.Errorf("status = %v", body["status"])
	}

	// Same name pairs idempotently.
	req = httptest.NewRequest("POST", "/pair/auto", strings.NewReader(`{"deviceName":"laptop"}`))
	req.RemoteAddr = "100.64.1.2:5000"
	out = httptest.NewRecorder()
	f.mux.ServeHTTP(out, req)
	if body := decodeBody(t, out); body["status"] != "existing" {
		t.Errorf("repeat status = %v", body["status"])
	}
}

func TestChunkedTransferRejected(t *testing.T) {
	f := newServer(t)

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.9:44210"
	req.Header.Set("Authorization", "Bearer "+testMasterToken)
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusLengthRequired {
		t.Fatalf("status = %d, want 411", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newServer(t)
	f.cfg.Gateway.AllowedOrigins = []string{"https://app.example.com"}

	rec := f.do("OPTIONS", "/v1/chat/completions", "", "",
		map[string]string{"Origin": "https://app.example.com"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "x-torbo-access-level") {
		t.Error("custom headers missing from preflight")
	}

	// Disallowed origin gets no CORS grant.
	rec = f.do("OPTIONS", "/v1/chat/completions", "", "",
		map[string]string{"Origin": "https://evil.example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin = %q for rejected origin", got)
	}
}

func TestCORSNeverOnSensitivePaths(t *testing.T) {
	f := newServer(t)

	rec := f.do("OPTIONS", "/control/level", "", "",
		map[string]string{"Origin": "https://app.example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("sensitive path got CORS grant %q", got)
	}
}

func TestAuditEntryPerDecision(t *testing.T) {
	f := newServer(t)

	before := f.server.audit.Len()
	f.do("GET", "/v1/models", testMasterToken, "", nil)
	if got := f.server.audit.Len() - before; got != 1 {
		t.Errorf("audit entries for one request = %d, want 1", got)
	}

	f.cfg.SetGlobalLevel(access.LevelOff)
	before = f.server.audit.Len()
	f.do("GET", "/v1/models", testMasterToken, "", nil)
	entries := f.server.audit.Recent(1, 0)
	if got := f.server.audit.Len() - before; got != 1 {
		t.Errorf("audit entries for denied request = %d, want 1", got)
	}
	if len(entries) == 0 || entries[0].Granted {
		t.Error("denied request not audited as denied")
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/v1/chat/completions", testMasterToken,
		`{"model":"stub","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp openai.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.Choices[0].Message.Content.Text(); got != "stub answer" {
		t.Errorf("content = %q", got)
	}
}

func TestSessionGrantsChatOnly(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/session", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session issue: status = %d", rec.Code)
	}
	token := decodeBody(t, rec)["token"].(string)

	if rec := f.do("GET", "/v1/models", token, "", nil); rec.Code != http.StatusOK {
		t.Errorf("CHAT route with session: status = %d", rec.Code)
	}
	if rec := f.do("GET", "/audit/log", token, "", nil); rec.Code != http.StatusForbidden {
		t.Errorf("READ route with session: status = %d, want 403", rec.Code)
	}
}

func TestAgentCRUDOverHTTP(t *testing.T) {
	f := newServer(t)

	rec := f.do("POST", "/v1/agents", testMasterToken,
		`{"id":"helper","name":"Helper","maxLevel":3}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do("GET", "/v1/agents/helper", testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var a store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.Name != "Helper" || a.MaxLevel != access.LevelWrite {
		t.Errorf("agent = %+v", a)
	}

	rec = f.do("DELETE", "/v1/agents/helper", testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := f.do("GET", "/v1/agents/helper", testMasterToken, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("after delete: status = %d", rec.Code)
	}
}

func TestAgentLevelCappedAtGlobal(t *testing.T) {
	f := newServer(t)
	f.cfg.SetGlobalLevel(access.LevelWrite)

	rec := f.do("POST", "/v1/agents", testMasterToken,
		`{"id":"greedy","name":"Greedy","maxLevel":5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var a store.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.MaxLevel != access.LevelWrite {
		t.Errorf("maxLevel = %v, want silently capped to WRITE", a.MaxLevel)
	}
}

func TestDeviceAdminRequiresFull(t *testing.T) {
	f := newServer(t)

	d, err := f.server.devices.Add("stale phone")
	if err != nil {
		t.Fatal(err)
	}

	// A session credential cannot remove devices.
	rec := f.do("POST", "/session", "", "", nil)
	token := decodeBody(t, rec)["token"].(string)
	rec = f.do("DELETE", "/pair/devices/"+d.ID, token, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("session delete: status = %d, want 403", rec.Code)
	}

	rec = f.do("DELETE", "/pair/devices/"+d.ID, testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("master delete: status = %d", rec.Code)
	}
	if len(f.server.devices.List()) != 0 {
		t.Error("device not removed")
	}
}

func TestEventsRecentFiltersByPattern(t *testing.T) {
	f := newServer(t)

	f.server.bus.Publish("system.gateway.start", nil)
	f.server.bus.Publish("chat.completion", nil)

	rec := f.do("GET", "/events/recent?pattern=system.gateway.*", testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "system.gateway.start") {
		t.Error("matching event missing")
	}
	if strings.Contains(body, "chat.completion") {
		t.Error("non-matching event leaked through pattern filter")
	}
}

type fakeHistory struct {
	msgs       map[string][]store.ConversationMessage
	lastLimit  int
	lastOffset int
}

func (f *fakeHistory) ConversationMessages(_ context.Context, key string, limit, offset int) ([]store.ConversationMessage, error) {
	f.lastLimit, f.lastOffset = limit, offset
	return f.msgs[key], nil
}

func (f *fakeHistory) DeleteConversationMessages(_ context.Context, key string) error {
	delete(f.msgs, key)
	return nil
}

func TestConversationSurfacePagesAndPurgesLog(t *testing.T) {
	f := newServer(t)
	key := "agent:main:web"
	hist := &fakeHistory{msgs: map[string][]store.ConversationMessage{
		key: {
			{Key: key, Role: "user", Content: "hello"},
			{Key: key, Role: "assistant", Content: "hi there"},
		},
	}}
	f.server.history = hist

	rec := f.do("GET", "/v1/conversations/"+key+"?limit=2&offset=1", testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if hist.lastLimit != 2 || hist.lastOffset != 1 {
		t.Errorf("paging = limit %d offset %d, want 2/1", hist.lastLimit, hist.lastOffset)
	}
	body := decodeBody(t, rec)
	archived, ok := body["archived"].([]any)
	if !ok || len(archived) != 2 {
		t.Fatalf("archived = %v", body["archived"])
	}

	rec = f.do("DELETE", "/v1/conversations/"+key, testMasterToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, remains := hist.msgs[key]; remains {
		t.Error("logged turns not purged")
	}
}
