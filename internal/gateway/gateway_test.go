package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"authgate/gateway-service/internal/config"
	"authgate/gateway-service/internal/csp"
	"authgate/gateway-service/internal/httputil"
	"authgate/gateway-service/internal/session"
)

const testSecret = "aaaaaaaaaaa bbbbbbbbbb"

type testEnv struct {
	g        *Gateway
	handler  http.Handler
	dir      string
	denied   *int
	liveFile string
}

// newTestEnv builds a gateway around a sample app: /login creates a session,
// /logout destroys it, everything under /api answers JSON, and "public" is
// excluded from authentication.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "csp.json"),
		[]byte(`{"default-src": "'self'"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgYAML := fmt.Sprintf(`
project_dir: %q
key_path: unused-in-tests
session:
  insecure_cookie: true
auth:
  excluded_routes: ["public", "login"]
`, dir)
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	denied := 0
	g, err := New(Options{
		Config: cfg,
		Secret: testSecret,
		FailedAuth: func(w http.ResponseWriter, r *http.Request) {
			denied++
			http.Error(w, "auth required", http.StatusUnauthorized)
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)

	app := http.NewServeMux()
	app.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if _, err := g.NewSession(w, r, map[string]any{"user": "alice"}); err != nil {
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	app.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		if err := g.DestroySession(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	app.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[1,2,3]}`))
	})
	app.HandleFunc("/public/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>public</html>"))
	})
	app.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>shell</html>"))
	})

	return &testEnv{
		g:        g,
		handler:  g.Handler(app),
		dir:      dir,
		denied:   &denied,
		liveFile: filepath.Join(dir, "newcsp.json"),
	}
}

// tokenPair fetches a fresh anti-forgery cookie from a safe request.
func (e *testEnv) tokenPair(t *testing.T) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	for _, c := range w.Result().Cookies() {
		if c.Name == "XSRF-TOKEN" {
			return c
		}
	}
	t.Fatal("no anti-forgery cookie issued")
	return nil
}

// login runs the full POST /login flow and returns the session cookie.
func (e *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	tok := e.tokenPair(t)
	r := httptest.NewRequest("POST", "/login", nil)
	r.AddCookie(tok)
	r.Header.Set("X-XSRF-TOKEN", tok.Value)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %q", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "csession" {
			return c
		}
	}
	t.Fatal("no session cookie after login")
	return nil
}

func TestExemptPathsSkipAuth(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/", "/public/page"} {
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
	if *e.denied != 0 {
		t.Errorf("failed-auth handler invoked %d times on exempt paths", *e.denied)
	}
}

func TestProtectedPathWithoutSessionDenied(t *testing.T) {
	e := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/data", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 from failed-auth handler", w.Code)
	}
	if *e.denied != 1 {
		t.Errorf("failed-auth handler invoked %d times, want 1", *e.denied)
	}
}

func TestRootRequiresAuthWhenConfigured(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.RequireRootAuth = true
	})
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestLoginThenAuthenticatedRequest(t *testing.T) {
	e := newTestEnv(t, nil)
	sess := e.login(t)

	r := httptest.NewRequest("GET", "/api/data", nil)
	r.AddCookie(sess)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), JSONPrefix) {
		t.Errorf("authenticated JSON response should carry the prefix, got %q", w.Body.String())
	}
}

func TestJSONPrefixingDisabled(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		f := false
		cfg.Session.JSONPrefixing = &f
	})
	sess := e.login(t)
	r := httptest.NewRequest("GET", "/api/data", nil)
	r.AddCookie(sess)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if strings.HasPrefix(w.Body.String(), JSONPrefix) {
		t.Error("prefix applied although disabled")
	}
}

func TestForgedPOSTRejected(t *testing.T) {
	e := newTestEnv(t, nil)

	// No token at all
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("POST", "/login", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("missing pair: status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), forgedMessage) {
		t.Errorf("missing fixed rejection message, got %q", w.Body.String())
	}

	// Cookie present, header differs
	tok := e.tokenPair(t)
	r := httptest.NewRequest("POST", "/login", nil)
	r.AddCookie(tok)
	r.Header.Set("X-XSRF-TOKEN", "attacker-supplied")
	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("mismatched pair: status = %d, want 403", w.Code)
	}

	// Header present, cookie missing
	r = httptest.NewRequest("POST", "/login", nil)
	r.Header.Set("X-XSRF-TOKEN", tok.Value)
	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing cookie: status = %d, want 403", w.Code)
	}
}

func TestSafeMethodsNotEnforced(t *testing.T) {
	e := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/public/page", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET without token pair = %d, want 200", w.Code)
	}
	// but a token cookie is issued for later unsafe requests
	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "XSRF-TOKEN" {
			found = true
		}
	}
	if !found {
		t.Error("safe request should still receive a token cookie")
	}
}

func TestAbsolutelyExpiredSessionDenied(t *testing.T) {
	e := newTestEnv(t, nil)
	// Seal a record whose absolute expiry has passed but whose idle window
	// is fresh: the hard ceiling must still deny.
	sealed, err := e.g.sessions.Codec().Encode(&session.Record{
		CorrelationID:       "test",
		Authenticated:       true,
		ExpiresAbsolutelyAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest("GET", "/api/data", nil)
	r.AddCookie(&http.Cookie{Name: "csession", Value: sealed})
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for absolutely expired session", w.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	e := newTestEnv(t, nil)
	sess := e.login(t)

	tok := e.tokenPair(t)
	r := httptest.NewRequest("POST", "/logout", nil)
	r.AddCookie(sess)
	r.AddCookie(tok)
	r.Header.Set("X-XSRF-TOKEN", tok.Value)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "csession" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("logout should expire the session cookie")
	}
}

func TestSessionCreateOnGETFails(t *testing.T) {
	e := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/login", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /login = %d, want 405 from the sample app", w.Code)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == "csession" {
			t.Error("no session cookie may be set on a non-state-changing request")
		}
	}
}

func TestSecurityAndCSPHeaders(t *testing.T) {
	e := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	h := w.Result().Header

	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if h.Get("X-Frame-Options") != "DENY" {
		t.Error("missing frameguard header")
	}
	cspVal := h.Get("Content-Security-Policy")
	if !strings.Contains(cspVal, "default-src 'self'") {
		t.Errorf("CSP header = %q", cspVal)
	}
	if !strings.Contains(cspVal, "report-uri /reporting") {
		t.Errorf("CSP header missing report-uri: %q", cspVal)
	}
}

func TestReportOnlyHeader(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.CSP.ReportOnly = true
	})
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	h := w.Result().Header
	if h.Get("Content-Security-Policy-Report-Only") == "" {
		t.Error("expected report-only CSP header")
	}
	if h.Get("Content-Security-Policy") != "" {
		t.Error("enforcing CSP header should be absent in report-only mode")
	}
}

func TestReportEndpointMergesOrigin(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"csp-report": {
		"blocked-uri": "https://cdn.example.com/lib.js",
		"effective-directive": "script-src"
	}}`
	r := httptest.NewRequest("POST", "/reporting", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/csp-report")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d, want 200", w.Code)
	}

	e.g.Close() // drain the queue
	p, err := csp.FileStore{Path: e.liveFile}.Load()
	if err != nil {
		t.Fatalf("load live policy: %v", err)
	}
	if !p.Has("script-src", "https://cdn.example.com") {
		t.Errorf("reported origin not merged: %v", p.Sources("script-src"))
	}
}

func TestReportEndpointAlwaysAnswers200(t *testing.T) {
	e := newTestEnv(t, nil)
	bodies := []string{
		"not json",
		`{}`,
		`{"csp-report": {"blocked-uri": "inline", "effective-directive": "script-src"}}`,
		`{"csp-report": {"blocked-uri": "https://x.example/x.js"}}`,
	}
	for _, body := range bodies {
		r := httptest.NewRequest("POST", "/reporting", strings.NewReader(body))
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("report body %q: status = %d, want 200", body, w.Code)
		}
	}
}

func TestWeakSecretRefused(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := New(Options{
		Config:     e.g.cfg,
		Secret:     "short",
		FailedAuth: func(w http.ResponseWriter, r *http.Request) {},
		Logger:     zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("weak secret must refuse gateway construction")
	}
}

func TestMissingFailedAuthRefused(t *testing.T) {
	e := newTestEnv(t, nil)
	if _, err := New(Options{Config: e.g.cfg, Secret: testSecret, Logger: zerolog.Nop()}); err == nil {
		t.Fatal("missing failed-auth handler must refuse construction")
	}
}

func TestOversizedSessionCookieAudited(t *testing.T) {
	e := newTestEnv(t, nil)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := httptest.NewRequest("POST", "/login", nil)
	r = r.WithContext(httputil.WithLogger(r.Context(), &logger))
	w := httptest.NewRecorder()

	if _, err := e.g.NewSession(w, r, map[string]any{"blob": strings.Repeat("x", 5000)}); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if !strings.Contains(buf.String(), "sizewarning") {
		t.Errorf("expected a sizewarning audit event, log was %q", buf.String())
	}

	// A small session must not trigger the warning.
	buf.Reset()
	w = httptest.NewRecorder()
	if _, err := e.g.NewSession(w, r, map[string]any{"user": "alice"}); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if strings.Contains(buf.String(), "sizewarning") {
		t.Error("small cookie should not emit a sizewarning")
	}
}

func TestExistingLivePolicyFileSurvivesStartup(t *testing.T) {
	// Origins merged in an earlier run must not be wiped by re-seeding.
	e := newTestEnv(t, func(cfg *config.Config) {
		learned := []byte(`{"script-src": "https://keep.example.com"}`)
		if err := os.WriteFile(filepath.Join(cfg.ProjectDir, "newcsp.json"), learned, 0o600); err != nil {
			t.Fatal(err)
		}
	})

	p, err := csp.FileStore{Path: e.liveFile}.Load()
	if err != nil {
		t.Fatalf("load live policy: %v", err)
	}
	if !p.Has("script-src", "https://keep.example.com") {
		t.Errorf("learned origin lost at startup: %v", p.Sources("script-src"))
	}
	if p.Has("default-src", "'self'") {
		t.Error("existing live file was overwritten with the seed policy")
	}
}

func TestReportThrottleNotEvadedByForwardedFor(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.CSP.ReportRPS = 1
	})

	// One peer rotating X-Forwarded-For values. Without a trusted-proxy
	// match the header is ignored, so the throttle keys on the peer.
	const n = 50
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"csp-report": {
			"blocked-uri": "https://h%02d.example.com/x.js",
			"effective-directive": "img-src"
		}}`, i)
		r := httptest.NewRequest("POST", "/reporting", strings.NewReader(body))
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("report %d: status = %d, want 200 even when throttled", i, w.Code)
		}
	}

	e.g.Close()
	p, err := csp.FileStore{Path: e.liveFile}.Load()
	if err != nil {
		t.Fatalf("load live policy: %v", err)
	}
	if merged := len(p.Sources("img-src")); merged > 3 {
		t.Errorf("throttle evaded: %d of %d reports merged", merged, n)
	}
}

func TestReportThrottleUsesForwardedForBehindTrustedProxy(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.CSP.ReportRPS = 1
		cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	})

	// httptest requests arrive from 192.0.2.1, inside the trusted range,
	// so each distinct XFF client gets its own throttle key.
	const n = 5
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"csp-report": {
			"blocked-uri": "https://t%02d.example.com/x.js",
			"effective-directive": "font-src"
		}}`, i)
		r := httptest.NewRequest("POST", "/reporting", strings.NewReader(body))
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		w := httptest.NewRecorder()
		e.handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("report %d: status = %d", i, w.Code)
		}
	}

	e.g.Close()
	p, err := csp.FileStore{Path: e.liveFile}.Load()
	if err != nil {
		t.Fatalf("load live policy: %v", err)
	}
	if merged := len(p.Sources("font-src")); merged != n {
		t.Errorf("distinct clients behind a trusted proxy merged %d of %d reports", merged, n)
	}
}

func TestBadTrustedProxyRefused(t *testing.T) {
	e := newTestEnv(t, nil)
	cfg := *e.g.cfg
	cfg.Server.TrustedProxies = []string{"not-a-cidr"}
	_, err := New(Options{
		Config:     &cfg,
		Secret:     testSecret,
		FailedAuth: func(w http.ResponseWriter, r *http.Request) {},
		Logger:     zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("unparseable trusted_proxies entry must refuse construction")
	}
}
