package access

import (
	"net/http/httptest"
	"testing"
)

func TestGuardCapDenial(t *testing.T) {
	audit := NewAuditLog(nil)
	guard := NewGuard(func() Level { return LevelFull }, audit, nil)

	// Agent configured at WRITE; a header asking for 5 cannot raise it.
	effective := Cap(LevelWrite, LevelFull)

	r := httptest.NewRequest("POST", "/exec/shell", nil)
	d := guard.CheckRequest(r, "203.0.113.9", "agent-x", LevelFull, effective, false)

	if d.Granted {
		t.Fatal("expected denial for WRITE caller on FULL route")
	}
	if d.Status != 403 {
		t.Errorf("status = %d, want 403", d.Status)
	}
	if d.Message != "Access level 5 (FULL) required" {
		t.Errorf("message = %q", d.Message)
	}
}

func TestGuardOffShortCircuits(t *testing.T) {
	audit := NewAuditLog(nil)
	guard := NewGuard(func() Level { return LevelOff }, audit, nil)

	r := httptest.NewRequest("GET", "/v1/models", nil)
	d := guard.CheckRequest(r, "127.0.0.1", "", LevelChat, LevelFull, false)

	if d.Granted {
		t.Fatal("OFF gateway must deny everything")
	}
	if d.Message != "Gateway is OFF" {
		t.Errorf("message = %q", d.Message)
	}
}

func TestGuardAuditsEveryDecision(t *testing.T) {
	audit := NewAuditLog(nil)
	guard := NewGuard(func() Level { return LevelFull }, audit, nil)

	r := httptest.NewRequest("GET", "/v1/models", nil)
	guard.CheckRequest(r, "198.51.100.4", "", LevelChat, LevelChat, false)
	guard.CheckRequest(r, "198.51.100.4", "", LevelFull, LevelChat, false)

	if got := audit.Len(); got != 2 {
		t.Fatalf("audit entries = %d, want 2", got)
	}
	recent := audit.Recent(2, 0)
	if recent[0].Granted {
		t.Error("newest entry should record the denial")
	}
	if !recent[1].Granted {
		t.Error("older entry should record the grant")
	}
}

func TestGuardTierHook(t *testing.T) {
	tests := []struct {
		name       string
		verdict    TierVerdict
		cloud      bool
		wantStatus int
		wantGrant  bool
	}{
		{"cloud denied", TierDenied, true, 403, false},
		{"cloud rate limited", TierRateLimited, true, 429, false},
		{"cloud allowed", TierAllowed, true, 0, true},
		{"local bypasses hook", TierDenied, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewGuard(func() Level { return LevelFull }, NewAuditLog(nil),
				func(path, agentID string, level Level) TierVerdict { return tt.verdict })

			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			d := guard.CheckRequest(r, "192.0.2.1", "main", LevelChat, LevelChat, tt.cloud)
			if d.Granted != tt.wantGrant {
				t.Fatalf("granted = %v, want %v", d.Granted, tt.wantGrant)
			}
			if !tt.wantGrant && d.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", d.Status, tt.wantStatus)
			}
		})
	}
}

func TestAuditRingWraps(t *testing.T) {
	a := NewAuditLog(nil)
	for i := 0; i < defaultAuditCapacity+10; i++ {
		a.Record(Entry{ClientIP: "10.0.0.1", Method: "GET", Path: "/health"})
	}
	if got := a.Len(); got != defaultAuditCapacity {
		t.Errorf("Len() = %d, want %d", got, defaultAuditCapacity)
	}
}
