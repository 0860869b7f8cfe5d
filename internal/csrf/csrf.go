// Package csrf implements the double-submit anti-forgery token scheme: a
// server-issued unguessable value must be echoed back identically in both a
// cookie and a custom request header. An attacker who can set cookies
// cross-site cannot also set custom headers cross-site.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
)

// Result classifies a token comparison.
type Result int

const (
	// Valid means both values were present and byte-equal.
	Valid Result = iota
	// Missing means the cookie, the header, or both were absent.
	Missing
	// Mismatch means both values were present but differed.
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Missing:
		return "missing"
	default:
		return "mismatch"
	}
}

const tokenBytes = 32

// Manager issues and validates double-submit tokens. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	cookieName string
	headerName string
	cookiePath string
	secure     bool
}

func NewManager(cookieName, headerName, cookiePath string, secure bool) *Manager {
	if cookiePath == "" {
		cookiePath = "/"
	}
	return &Manager{
		cookieName: cookieName,
		headerName: headerName,
		cookiePath: cookiePath,
		secure:     secure,
	}
}

func (m *Manager) CookieName() string { return m.cookieName }
func (m *Manager) HeaderName() string { return m.headerName }

// Issue mints a fresh unguessable token.
func (m *Manager) Issue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Attach sets the token cookie on the response. The cookie is deliberately
// not HttpOnly so browser frameworks can read it and echo it in the header.
func (m *Manager) Attach(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     m.cookiePath,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenFromRequest returns the cookie and header values as presented by the
// client. Either may be empty.
func (m *Manager) TokenFromRequest(r *http.Request) (cookieVal, headerVal string) {
	if c, err := r.Cookie(m.cookieName); err == nil {
		cookieVal = c.Value
	}
	headerVal = r.Header.Get(m.headerName)
	return cookieVal, headerVal
}

// Validate compares the cookie and header values. Validity requires presence
// in both locations and exact equality; absence or mismatch is always a hard
// failure, never a soft pass. The comparison is constant-time.
func (m *Manager) Validate(cookieVal, headerVal string) Result {
	if cookieVal == "" || headerVal == "" {
		return Missing
	}
	if subtle.ConstantTimeCompare([]byte(cookieVal), []byte(headerVal)) != 1 {
		return Mismatch
	}
	return Valid
}

// safeMethods never mutate state and are exempt from the comparison. The
// token cookie is still issued on them so a later unsafe request can pass.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// Enforced reports whether requests with the given method must present a
// matching token pair.
func Enforced(method string) bool {
	return !safeMethods[method]
}
