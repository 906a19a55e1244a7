package access

import (
	"fmt"
	"net/http"
)

// TierVerdict is the outcome of the cloud plan-enforcement hook.
type TierVerdict int

const (
	TierAllowed TierVerdict = iota
	TierDenied
	TierRateLimited
)

// TierHook maps (path, agentID, level) to a plan decision for cloud users.
// Local identities never pass through it.
type TierHook func(path, agentID string, level Level) TierVerdict

// Decision is what the guard hands back to the middleware.
type Decision struct {
	Granted bool
	Status  int
	Message string
}

// Guard computes per-request authorization and emits exactly one audit entry
// per decision.
type Guard struct {
	globalLevel func() Level
	audit       *AuditLog
	tier        TierHook
}

func NewGuard(globalLevel func() Level, audit *AuditLog, tier TierHook) *Guard {
	return &Guard{globalLevel: globalLevel, audit: audit, tier: tier}
}

// GlobalLevel returns the gateway-wide level at this instant.
func (g *Guard) GlobalLevel() Level {
	return g.globalLevel()
}

// CheckRequest evaluates a request whose effective level has already been
// computed (agent level capped by the x-torbo-access-level header).
// cloudUser marks identities resolved from a cloud JWT.
func (g *Guard) CheckRequest(r *http.Request, clientIP, agentID string, required, effective Level, cloudUser bool) Decision {
	d := g.check(r.URL.Path, agentID, required, effective, cloudUser)

	g.audit.Record(Entry{
		ClientIP:      clientIP,
		Method:        r.Method,
		Path:          r.URL.Path,
		RequiredLevel: required,
		Granted:       d.Granted,
		Detail:        d.Message,
	})
	return d
}

func (g *Guard) check(path, agentID string, required, effective Level, cloudUser bool) Decision {
	if g.globalLevel() == LevelOff {
		return Decision{Status: http.StatusForbidden, Message: "Gateway is OFF"}
	}

	if !effective.Allows(required) {
		return Decision{
			Status:  http.StatusForbidden,
			Message: fmt.Sprintf("Access level %d (%s) required", int(required), required),
		}
	}

	if cloudUser && g.tier != nil {
		switch g.tier(path, agentID, effective) {
		case TierDenied:
			return Decision{Status: http.StatusForbidden, Message: "not available on current plan"}
		case TierRateLimited:
			return Decision{Status: http.StatusTooManyRequests, Message: "plan rate limit exceeded"}
		}
	}

	return Decision{Granted: true}
}
