package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/auth"
	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/netguard"
	"github.com/torbolabs/torbo/internal/store"
)

const serviceName = "torbo-base"

var identRe = regexp.MustCompile(`^[A-Za-z0-9_:-]{1,128}$`)

// handleHealth answers liveness probes. Network identity is only
// revealed to authenticated callers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": Version,
	}
	if identityFrom(r.Context()).Authenticated() {
		hostname := s.cfg.Tailscale.Hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}
		body["tailscaleHostname"] = hostname
		if ip := localIP(); ip != "" {
			body["tailscaleIP"] = ip
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
			return n.IP.String()
		}
	}
	return ""
}

// handleLevelActive reports only whether the gateway accepts requests.
// The numeric level stays private.
func (s *Server) handleLevelActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"active": s.guard.GlobalLevel() > access.LevelOff,
	})
}

// handleSetLevel changes the gateway-wide access level at runtime.
func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	l := access.Level(body.Level)
	if !l.Valid() {
		writeErr(w, http.StatusBadRequest, "level must be 0..5")
		return
	}

	s.cfg.SetGlobalLevel(l)
	s.bus.Publish("system.gateway.level", map[string]any{
		"level": int(l), "name": l.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok", "level": int(l), "name": l.String(),
	})
}

// handlePair completes the code handshake and mints a device token.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code       string `json:"code"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := s.pairing.Complete(body.Code, body.DeviceName)
	if err != nil {
		if errors.Is(err, auth.ErrCodeInvalid) {
			ip := netguard.NormalizeRemoteAddr(r.RemoteAddr)
			s.bus.Publish("security.pairing.rejected", map[string]any{"ip": ip})
			writeErr(w, http.StatusForbidden, "pairing code invalid or expired")
			return
		}
		writeErr(w, http.StatusInternalServerError, "pairing failed")
		return
	}

	s.bus.Publish("system.device.paired", map[string]any{"deviceId": d.ID, "name": d.Name})
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    d.Token,
		"deviceId": d.ID,
	})
}

// handlePairVerify lets a device check a stored token without using it.
func (s *Server) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"valid": s.pairing.VerifyToken(body.Token),
	})
}

// handlePairAuto pairs without a code for clients on a trusted network.
func (s *Server) handlePairAuto(w http.ResponseWriter, r *http.Request) {
	ip := netguard.NormalizeRemoteAddr(r.RemoteAddr)
	trusted := netguard.NewTrustedNetwork(s.cfg.TrustedCIDRs())
	if trusted.Empty() || !trusted.Contains(ip) {
		s.bus.Publish("security.pairing.untrusted", map[string]any{"ip": ip})
		writeErr(w, http.StatusForbidden, "not on a trusted network")
		return
	}

	var body struct {
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, existing, err := s.pairing.AutoPair(body.DeviceName)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	status := "new"
	if existing {
		status = "existing"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    d.Token,
		"deviceId": d.ID,
		"status":   status,
	})
}

// handleSessionIssue mints an ephemeral webchat token. Sessions grant
// CHAT only and vanish at restart.
func (s *Server) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	if s.guard.GlobalLevel() == access.LevelOff {
		writeErr(w, http.StatusForbidden, "Gateway is OFF")
		return
	}
	token, err := s.sessions.Issue()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "session issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleAuditLog pages through recent authorization decisions.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.audit.Recent(limit, offset),
	})
}

// handleEvents streams bus events matching a glob pattern over SSE.
// Comment frames every 30s keep idle connections open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.bus.Subscribe(pattern, 64)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleEventsRecent returns the ring buffer, oldest first.
func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	limit := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.bus.Recent(pattern, limit),
	})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !identRe.MatchString(id) {
		writeErr(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	a, ok := s.agents.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown agent %q", id)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAgentUpsert creates or replaces an agent. A requested access
// level above the gateway-wide level is silently capped.
func (s *Server) handleAgentUpsert(w http.ResponseWriter, r *http.Request) {
	var a store.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if id := r.PathValue("id"); id != "" {
		a.ID = id
	}
	if !identRe.MatchString(a.ID) {
		writeErr(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	a.MaxLevel = access.Cap(a.MaxLevel, s.guard.GlobalLevel())

	if err := s.agents.Upsert(a); err != nil {
		writeErr(w, http.StatusInternalServerError, "save agent: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !identRe.MatchString(id) {
		writeErr(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if err := s.agents.Delete(id, config.DefaultAgentID); err != nil {
		writeErr(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.convos.List()})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !identRe.MatchString(key) {
		writeErr(w, http.StatusBadRequest, "invalid conversation key")
		return
	}
	body := map[string]any{
		"key":      key,
		"length":   s.convos.Len(key),
		"summary":  s.convos.Summary(key),
		"messages": s.convos.History(key),
	}
	if s.history != nil {
		limit := queryInt(r, "limit", 100)
		offset := queryInt(r, "offset", 0)
		logged, err := s.history.ConversationMessages(r.Context(), key, limit, offset)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "read conversation log: %v", err)
			return
		}
		body["archived"] = logged
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !identRe.MatchString(key) {
		writeErr(w, http.StatusBadRequest, "invalid conversation key")
		return
	}
	s.convos.Delete(key)
	if s.history != nil {
		if err := s.history.DeleteConversationMessages(r.Context(), key); err != nil {
			writeErr(w, http.StatusInternalServerError, "purge conversation log: %v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.devices.List()})
}

func (s *Server) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !identRe.MatchString(id) {
		writeErr(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := s.devices.Remove(id); err != nil {
		writeErr(w, http.StatusNotFound, "%v", err)
		return
	}
	s.bus.Publish("security.device.removed", map[string]any{"deviceId": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
