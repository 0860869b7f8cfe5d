// Package gateway assembles the request-authentication and content-policy
// middleware chain: route exclusion, double-submit anti-forgery enforcement,
// session validation, CSP header emission, and the violation-report endpoint
// feeding the policy merge queue.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"authgate/gateway-service/internal/config"
	"authgate/gateway-service/internal/csp"
	"authgate/gateway-service/internal/csrf"
	"authgate/gateway-service/internal/httputil"
	"authgate/gateway-service/internal/metrics"
	"authgate/gateway-service/internal/rate"
	"authgate/gateway-service/internal/routes"
	"authgate/gateway-service/internal/secret"
	"authgate/gateway-service/internal/session"
)

// Options carries the code-level configuration that cannot live in the YAML
// file.
type Options struct {
	Config *config.Config
	// Secret signs session cookies. Checked against the minimum-strength
	// policy; a weak secret fails construction.
	Secret string
	// FailedAuth is invoked for every denied request. The gateway decides
	// allow/deny and records the decision; the response is entirely the
	// handler's.
	FailedAuth http.HandlerFunc
	Logger     zerolog.Logger
}

// Gateway is the configured middleware chain plus the merge queue it owns.
// Construct once with New; the queue instance is explicit, not a package
// global.
type Gateway struct {
	cfg        *config.Config
	logger     zerolog.Logger
	matcher    *routes.Matcher
	tokens     *csrf.Manager
	sessions   *session.Manager
	queue      *csp.Queue
	cspHeader  string // rendered once at startup
	liveFile   string
	reportRPS  *rate.SlidingRPS
	trustedPxy []*net.IPNet
	failedAuth http.HandlerFunc
	frameguard bool
	jsonPrefix bool
}

var (
	ErrNoConfig     = errors.New("gateway: Config is required")
	ErrNoFailedAuth = errors.New("gateway: FailedAuth handler is required")
)

func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, ErrNoConfig
	}
	if opts.FailedAuth == nil {
		return nil, ErrNoFailedAuth
	}
	cfg := opts.Config
	if err := secret.Check(opts.Secret); err != nil {
		return nil, err
	}

	// The report route is always exempt from authentication: browsers post
	// violation reports without a session.
	excluded := append([]string{}, cfg.Auth.ExcludedRoutes...)
	excluded = append(excluded, cfg.CSP.ReportRoute)
	matcher := routes.Compile(!cfg.Auth.RequireRootAuth, excluded)

	codec, err := session.NewCodec(opts.Secret, cfg.IdleTimeout())
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(codec, cfg.AbsoluteExpiry(), !cfg.CSRF.Disabled)
	tokens := csrf.NewManager(cfg.CSRF.CookieName, cfg.CSRF.HeaderName,
		cfg.Session.CookiePath, !cfg.Session.InsecureCookie)

	// Seed policy: the configured file is the operator's baseline; the live
	// file is the merge target. The live file is only seeded when absent so
	// learned origins survive a restart.
	seedStore := csp.FileStore{Path: filepath.Join(cfg.ProjectDir, cfg.CSP.File)}
	policy := seedStore.LoadOrDefault(opts.Logger)
	liveFile := filepath.Join(cfg.ProjectDir, cfg.CSP.LiveFile)
	if _, err := os.Stat(liveFile); os.IsNotExist(err) {
		if err := (csp.FileStore{Path: liveFile}).Save(policy); err != nil {
			return nil, err
		}
	}

	trustedPxy, err := httputil.ParseCIDRs(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     opts.Logger,
		matcher:    matcher,
		tokens:     tokens,
		sessions:   sessions,
		queue:      csp.NewQueue(cfg.CSP.QueueSize, opts.Logger),
		cspHeader:  policy.Header(cfg.ReportURI()),
		liveFile:   liveFile,
		trustedPxy: trustedPxy,
		failedAuth: opts.FailedAuth,
		// Frameguard stays on unless disabled or the policy already
		// constrains framing itself.
		frameguard: !cfg.Headers.DisableFrameguard && policy.Sources("frame-src") == nil,
		jsonPrefix: cfg.Session.JSONPrefixing == nil || *cfg.Session.JSONPrefixing,
	}
	if cfg.CSP.ReportRPS > 0 {
		g.reportRPS = rate.NewSlidingRPS(10)
	}
	return g, nil
}

// Matcher exposes the compiled route classifier, mainly for callers that
// want to mirror the exemption logic.
func (g *Gateway) Matcher() *routes.Matcher { return g.matcher }

// Close stops the merge queue after draining pending tasks.
func (g *Gateway) Close() { g.queue.Close() }

// Handler wraps next with the full middleware chain. Order matters: the
// report endpoint answers before anti-forgery enforcement (browsers do not
// echo tokens on reports), and anti-forgery runs before session validation.
func (g *Gateway) Handler(next http.Handler) http.Handler {
	h := g.validateSession(next)
	h = g.protectForgery(h)
	h = g.reportEndpoint(h)
	h = g.applyHeaders(h)
	return h
}

// NewSession starts a fresh session for the current request, replacing any
// prior one, and attaches the sealed cookie. Fails on non-state-changing
// methods without touching the response.
func (g *Gateway) NewSession(w http.ResponseWriter, r *http.Request, data map[string]any) (*session.Record, error) {
	rec, err := g.sessions.Create(r.Method, data)
	if err != nil {
		return nil, err
	}
	if err := g.setSessionCookie(w, r, rec); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	g.audit(r, eventCreate, rec)
	return rec, nil
}

// DestroySession clears the session cookie. Same method restriction as
// NewSession.
func (g *Gateway) DestroySession(w http.ResponseWriter, r *http.Request) error {
	if err := g.sessions.Destroy(r.Method); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.Session.CookieName,
		Value:    "",
		Path:     g.cfg.Session.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !g.cfg.Session.InsecureCookie,
	})
	metrics.SessionsDestroyed.Inc()
	g.audit(r, eventDestroy, nil)
	return nil
}

// sessionCookieSizeWarn is close to the common 4KB per-cookie limit.
const sessionCookieSizeWarn = 4000

func (g *Gateway) setSessionCookie(w http.ResponseWriter, r *http.Request, rec *session.Record) error {
	sealed, err := g.sessions.Codec().Encode(rec)
	if err != nil {
		return err
	}
	if len(sealed) > sessionCookieSizeWarn {
		metrics.CookieSizeWarnings.Inc()
		g.audit(r, eventSizeWarning, rec)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.Session.CookieName,
		Value:    sealed,
		Path:     g.cfg.Session.CookiePath,
		HttpOnly: true,
		Secure:   !g.cfg.Session.InsecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (g *Gateway) sessionFromRequest(r *http.Request) (*session.Record, string) {
	c, err := r.Cookie(g.cfg.Session.CookieName)
	if err != nil {
		return nil, ""
	}
	rec, err := g.sessions.Codec().Decode(c.Value)
	if err != nil {
		// Undecodable cookie is the same as no session; the value itself is
		// never logged.
		return nil, ""
	}
	return rec, c.Value
}

// reportPath reports whether p is the violation-report route.
func (g *Gateway) reportPath(p string) bool {
	return strings.EqualFold(strings.TrimRight(p, "/"), strings.TrimRight(g.cfg.CSP.ReportRoute, "/"))
}

func (g *Gateway) now() time.Time { return time.Now() }
