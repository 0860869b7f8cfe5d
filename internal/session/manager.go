// Package session owns the per-request authentication decision: it decodes
// the session cookie, applies the absolute-expiry ceiling and the
// anti-forgery result, and creates or destroys sessions on state-changing
// requests.
package session

import (
	"errors"
	"net/http"
	"time"

	"authgate/gateway-service/internal/csrf"

	"github.com/google/uuid"
)

// Decision is the outcome of validating one request.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// ErrNotStateChanging is returned when session creation or destruction is
// attempted on a request whose method cannot change state. The contract
// requires such transitions to only occur on state-changing requests.
var ErrNotStateChanging = errors.New("session create/destroy requires a state-changing request method")

// stateChanging mirrors the unsafe-method set used for anti-forgery
// enforcement.
var stateChanging = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Manager validates, creates and destroys sessions. Validation is a
// read-only, stateless, per-request computation; no locking is needed.
type Manager struct {
	codec       *Codec
	absoluteTTL time.Duration
	// enforceCSRF gates whether the anti-forgery result participates in the
	// decision. When enforcement is on, anything but csrf.Valid denies.
	enforceCSRF bool
	nowFunc     func() time.Time // for tests
}

func NewManager(codec *Codec, absoluteTTL time.Duration, enforceCSRF bool) *Manager {
	return &Manager{
		codec:       codec,
		absoluteTTL: absoluteTTL,
		enforceCSRF: enforceCSRF,
		nowFunc:     time.Now,
	}
}

func (m *Manager) Codec() *Codec { return m.codec }

// Validate decides allow/deny for one request. Allow requires a present
// record, a valid anti-forgery result (when enforcement is on), and an
// absolute expiry that has not passed. The absolute expiry is a hard
// ceiling: even a record the codec still considers fresh is denied once the
// timestamp has passed.
func (m *Manager) Validate(rec *Record, now time.Time, fr csrf.Result) Decision {
	if rec == nil {
		return Deny
	}
	if m.enforceCSRF && fr != csrf.Valid {
		return Deny
	}
	if rec.ExpiresAbsolutelyAt.IsZero() || now.After(rec.ExpiresAbsolutelyAt) {
		return Deny
	}
	return Allow
}

// Create starts a fresh session, replacing any prior fields. It fails
// without side effects unless method is state-changing. The new record gets
// a random correlation id and an absolute expiry of now + absolute TTL.
func (m *Manager) Create(method string, data map[string]any) (*Record, error) {
	if !stateChanging[method] {
		return nil, ErrNotStateChanging
	}
	now := m.nowFunc()
	return &Record{
		CorrelationID:       uuid.NewString(),
		Authenticated:       true,
		ExpiresAbsolutelyAt: now.Add(m.absoluteTTL),
		Data:                data,
	}, nil
}

// Destroy clears a session. The same method restriction as Create applies;
// the caller expires the cookie on success.
func (m *Manager) Destroy(method string) error {
	if !stateChanging[method] {
		return ErrNotStateChanging
	}
	return nil
}
