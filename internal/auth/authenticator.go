package auth

import (
	"net/http"
	"strings"

	"github.com/torbolabs/torbo/internal/access"
	"github.com/torbolabs/torbo/internal/netguard"
)

// Kind identifies how a request authenticated.
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindLoopback  Kind = "loopback"
	KindMaster    Kind = "master"
	KindSession   Kind = "session"
	KindDevice    Kind = "device"
	KindCloud     Kind = "cloud"
)

// Identity describes the authenticated caller.
type Identity struct {
	Kind       Kind
	DeviceID   string
	DeviceName string
	UserID     string
	Tier       string

	// MaxLevel caps what this credential may reach regardless of the
	// configured gateway level.
	MaxLevel access.Level
}

func (id Identity) Authenticated() bool { return id.Kind != KindAnonymous }

// Authenticator resolves requests to identities. Credentials are tried in
// a fixed order; the first match wins.
type Authenticator struct {
	masterToken func() string
	sessions    *SessionSet
	devices     *DeviceStore
	cloud       *CloudVerifier
}

func NewAuthenticator(masterToken func() string, sessions *SessionSet, devices *DeviceStore, cloud *CloudVerifier) *Authenticator {
	return &Authenticator{
		masterToken: masterToken,
		sessions:    sessions,
		devices:     devices,
		cloud:       cloud,
	}
}

// BearerToken extracts the bearer credential from a request, falling back
// to the x-torbo-token header for clients that cannot set Authorization.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-torbo-token"))
}

// Authenticate resolves the request credential. Order: loopback callers
// need no token, then the master token, then a webchat session, then a
// paired device, then a cloud token. Device auth updates lastSeen.
func (a *Authenticator) Authenticate(r *http.Request) Identity {
	if host := netguard.NormalizeRemoteAddr(r.RemoteAddr); netguard.IsLoopback(host) {
		return Identity{Kind: KindLoopback, MaxLevel: access.LevelFull}
	}

	token := BearerToken(r)
	if token == "" {
		return Identity{Kind: KindAnonymous}
	}

	if master := a.masterToken(); master != "" && token == master {
		return Identity{Kind: KindMaster, MaxLevel: access.LevelFull}
	}

	if a.sessions != nil && a.sessions.Valid(token) {
		// Webchat sessions are conversation-only credentials.
		return Identity{Kind: KindSession, MaxLevel: access.LevelChat}
	}

	if a.devices != nil {
		if d, ok := a.devices.Authenticate(token); ok {
			return Identity{
				Kind:       KindDevice,
				DeviceID:   d.ID,
				DeviceName: d.Name,
				MaxLevel:   access.LevelFull,
			}
		}
	}

	if a.cloud != nil && a.cloud.Enabled() {
		if claims, err := a.cloud.Verify(token); err == nil {
			return Identity{
				Kind:     KindCloud,
				UserID:   claims.Subject,
				Tier:     claims.Tier,
				MaxLevel: access.LevelFull,
			}
		}
	}

	return Identity{Kind: KindAnonymous}
}
