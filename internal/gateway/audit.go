package gateway

import (
	"net/http"

	"authgate/gateway-service/internal/httputil"
	"authgate/gateway-service/internal/session"
)

// Audit event types. The fixed schema per record is: event type, session
// correlation id, expiry, and request metadata. Cookie and session blob
// values never reach the log.
const (
	eventCreate      = "create"
	eventDestroy     = "destroy"
	eventUpdate      = "update"
	eventFailure     = "failure"
	eventSizeWarning = "sizewarning"
)

func (g *Gateway) audit(r *http.Request, event string, rec *session.Record) {
	logger := httputil.GetLogger(r.Context())
	ev := logger.Info()
	switch event {
	case eventFailure:
		ev = logger.Warn()
	case eventSizeWarning:
		ev = logger.Warn()
	}
	ev = ev.Str("event_type", event)
	if rec != nil {
		ev = ev.Str("session_correlation_id", rec.CorrelationID).
			Time("expiry", rec.ExpiresAbsolutelyAt)
	}
	switch event {
	case eventCreate:
		ev.Msg("session created")
	case eventDestroy:
		ev.Msg("session destroyed")
	case eventUpdate:
		ev.Msg("authenticated request")
	case eventFailure:
		ev.Msg("authentication failed")
	case eventSizeWarning:
		ev.Msg("session cookie close to common size limit")
	default:
		ev.Msg("session audit")
	}
}
