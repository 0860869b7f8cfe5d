package gateway

import (
	"context"
	"net/http"
	"time"

	"authgate/gateway-service/internal/csp"
	"authgate/gateway-service/internal/csrf"
	"authgate/gateway-service/internal/httputil"
	"authgate/gateway-service/internal/metrics"
	"authgate/gateway-service/internal/session"
)

type contextKey int

const forgeryResultKey contextKey = iota

// forgeryResult retrieves the anti-forgery outcome recorded by
// protectForgery. Requests that never went through enforcement (safe
// methods) carry Valid.
func forgeryResult(ctx context.Context) csrf.Result {
	if v, ok := ctx.Value(forgeryResultKey).(csrf.Result); ok {
		return v
	}
	return csrf.Valid
}

// applyHeaders sets the hardening headers and the CSP header on every
// response.
func (g *Gateway) applyHeaders(next http.Handler) http.Handler {
	headerName := "Content-Security-Policy"
	if g.cfg.CSP.ReportOnly {
		headerName = "Content-Security-Policy-Report-Only"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		if g.frameguard {
			h.Set("X-Frame-Options", "DENY")
		}
		if g.cspHeader != "" {
			h.Set(headerName, g.cspHeader)
		}
		next.ServeHTTP(w, r)
	})
}

// reportEndpoint answers POSTs on the report route: parse the violation
// report, queue a merge task when an origin can be extracted, and answer
// 200 regardless. The reporting browser is never told about malformed or
// dropped reports.
func (g *Gateway) reportEndpoint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !g.reportPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		metrics.ReportsReceived.Inc()
		logger := httputil.GetLogger(r.Context())

		if g.reportRPS != nil {
			if rps := g.reportRPS.Add(httputil.ClientIP(r, g.trustedPxy)); rps > g.cfg.CSP.ReportRPS {
				logger.Warn().Float64("rps", rps).Msg("report endpoint throttled for client")
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		rep, err := csp.ParseReport(r.Body)
		if err != nil || rep == nil {
			logger.Debug().Msg("unparseable or empty violation report dropped")
			w.WriteHeader(http.StatusOK)
			return
		}
		directive := rep.Directive()
		origin, ok := csp.ExtractOrigin(rep.BlockedURI, g.cfg.CSP.SelfOrigins)
		if directive == "" || !ok {
			// Inline blocks and the like carry no routable origin.
			logger.Debug().Str("blocked_uri", rep.BlockedURI).Msg("violation report without extractable origin dropped")
			w.WriteHeader(http.StatusOK)
			return
		}
		g.queue.Submit(csp.Task{
			File:      g.liveFile,
			Directive: directive,
			Origin:    origin,
		})
		w.WriteHeader(http.StatusOK)
	})
}

// forgedResponse is the fixed rejection for forged-token requests.
const (
	forgedStatus  = http.StatusForbidden
	forgedMessage = "Possible CSRF attack detected."
)

// protectForgery issues the double-submit token cookie and enforces the
// cookie/header pair on state-changing methods. Missing and mismatch are
// both hard failures: the request is rejected with a fixed status and logged
// as a security event, never treated as authenticated.
func (g *Gateway) protectForgery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.CSRF.Disabled {
			next.ServeHTTP(w, r)
			return
		}
		// A fresh pair is issued on every response.
		if tok, err := g.tokens.Issue(); err == nil {
			g.tokens.Attach(w, tok)
			metrics.TokensIssued.Inc()
		}

		if !csrf.Enforced(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		cookieVal, headerVal := g.tokens.TokenFromRequest(r)
		result := g.tokens.Validate(cookieVal, headerVal)
		if result != csrf.Valid {
			metrics.CSRFFailure.WithLabelValues(result.String()).Inc()
			logger := httputil.GetLogger(r.Context())
			logger.Error().
				Str("event_type", "failure").
				Str("forgery_result", result.String()).
				Msg("potential cross-site request forgery")
			http.Error(w, forgedMessage, forgedStatus)
			return
		}
		ctx := context.WithValue(r.Context(), forgeryResultKey, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateSession is the authentication decision point. Paths the route
// classifier exempts skip straight through. Everything else needs a decoded
// session within its absolute expiry; failures are delegated wholesale to
// the configured handler.
func (g *Gateway) validateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.matcher.RequiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec, sealed := g.sessionFromRequest(r)
		decision := g.sessions.Validate(rec, g.now(), forgeryResult(r.Context()))
		// Observed before delegating so the downstream handler's latency
		// does not pollute the measurement.
		metrics.AuthDuration.Observe(time.Since(start).Seconds())
		metrics.AuthDecision.WithLabelValues(decision.String()).Inc()

		if decision != session.Allow {
			g.audit(r, eventFailure, rec)
			g.failedAuth(w, r)
			return
		}
		g.audit(r, eventUpdate, rec)

		// Sliding idle window: re-seal the cookie once the refresh point is
		// reached. The absolute expiry rides along untouched.
		if sealed != "" {
			issued := g.sessions.Codec().IssuedAt(sealed)
			if !issued.IsZero() && g.sessions.Codec().ShouldRefresh(issued, g.cfg.RefreshWindow()) {
				if err := g.setSessionCookie(w, r, rec); err != nil {
					httputil.GetLogger(r.Context()).Error().Err(err).Msg("session refresh failed")
				}
			}
		}

		if g.jsonPrefix {
			pw := newPrefixWriter(w)
			next.ServeHTTP(pw, r)
			if err := pw.finalize(); err != nil {
				httputil.GetLogger(r.Context()).Error().Err(err).Msg("response write failed")
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}
