package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/torbolabs/torbo/internal/access"
)

func newTestAuthenticator(t *testing.T, secret string) (*Authenticator, *SessionSet, *DeviceStore) {
	t.Helper()
	sessions := NewSessionSet()
	devices := newTestStore(t)
	a := NewAuthenticator(
		func() string { return "master-token" },
		sessions, devices, NewCloudVerifier(secret),
	)
	return a, sessions, devices
}

func signCloudToken(t *testing.T, secret, subject string, tier string, exp time.Time) string {
	t.Helper()
	claims := CloudClaims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuthenticateLoopbackNeedsNoToken(t *testing.T) {
	a, _, _ := newTestAuthenticator(t, "")
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "127.0.0.1:54321"

	id := a.Authenticate(r)
	if id.Kind != KindLoopback || id.MaxLevel != access.LevelFull {
		t.Errorf("identity = %+v, want loopback/FULL", id)
	}
}

func TestAuthenticateMasterToken(t *testing.T) {
	a, _, _ := newTestAuthenticator(t, "")
	r := httptest.NewRequest("GET", "/v1/models", nil)
	r.RemoteAddr = "192.168.1.50:1234"
	r.Header.Set("Authorization", "Bearer master-token")

	id := a.Authenticate(r)
	if id.Kind != KindMaster {
		t.Errorf("kind = %q, want master", id.Kind)
	}
}

func TestAuthenticateSessionCapsAtChat(t *testing.T) {
	a, sessions, _ := newTestAuthenticator(t, "")
	token, err := sessions.Issue()
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "192.168.1.50:1234"
	r.Header.Set("Authorization", "Bearer "+token)

	id := a.Authenticate(r)
	if id.Kind != KindSession {
		t.Fatalf("kind = %q, want session", id.Kind)
	}
	if id.MaxLevel != access.LevelChat {
		t.Errorf("MaxLevel = %v, want CHAT", id.MaxLevel)
	}
}

func TestAuthenticateDeviceTouchesLastSeen(t *testing.T) {
	a, _, devices := newTestAuthenticator(t, "")
	d, err := devices.Add("laptop")
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.1.2.3:999"
	r.Header.Set("x-torbo-token", d.Token)

	id := a.Authenticate(r)
	if id.Kind != KindDevice || id.DeviceName != "laptop" {
		t.Fatalf("identity = %+v, want device laptop", id)
	}

	devices.mu.RLock()
	seen := devices.devices[d.Token].LastSeen
	devices.mu.RUnlock()
	if seen == nil {
		t.Error("device auth did not update lastSeen")
	}
}

func TestAuthenticateCloudJWT(t *testing.T) {
	const secret = "cloud-secret"
	a, _, _ := newTestAuthenticator(t, secret)

	good := signCloudToken(t, secret, "user-42", "pro", time.Now().Add(time.Hour))
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "203.0.113.7:5000"
	r.Header.Set("Authorization", "Bearer "+good)

	id := a.Authenticate(r)
	if id.Kind != KindCloud || id.UserID != "user-42" || id.Tier != "pro" {
		t.Errorf("identity = %+v, want cloud user-42/pro", id)
	}

	for name, token := range map[string]string{
		"expired":      signCloudToken(t, secret, "user-42", "pro", time.Now().Add(-time.Hour)),
		"wrong secret": signCloudToken(t, "other", "user-42", "pro", time.Now().Add(time.Hour)),
	} {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.RemoteAddr = "203.0.113.7:5000"
		r.Header.Set("Authorization", "Bearer "+token)
		if id := a.Authenticate(r); id.Kind != KindAnonymous {
			t.Errorf("%s token accepted as %q", name, id.Kind)
		}
	}
}

func TestAuthenticateAnonymous(t *testing.T) {
	a, _, _ := newTestAuthenticator(t, "")
	r := httptest.NewRequest("GET", "/v1/models", nil)
	r.RemoteAddr = "203.0.113.7:5000"

	id := a.Authenticate(r)
	if id.Kind != KindAnonymous || id.Authenticated() {
		t.Errorf("identity = %+v, want anonymous", id)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSessionSet()
	token, err := s.Issue()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Valid(token) {
		t.Fatal("fresh session invalid")
	}

	s.now = func() time.Time { return time.Now().Add(sessionTTL + time.Minute) }
	if s.Valid(token) {
		t.Error("lapsed session still valid")
	}

	s.now = time.Now
	token2, _ := s.Issue()
	s.Revoke(token2)
	if s.Valid(token2) {
		t.Error("revoked session still valid")
	}
}
