package session

import "time"

// Record is the decoded per-request session. Fields are fixed rather than an
// open-ended map; application-defined values ride in Data. A Record is owned
// by the validating middleware for the lifetime of one request and is never
// persisted server-side. Mutations happen only through the Manager API.
type Record struct {
	// CorrelationID ties audit log lines for one session together without
	// exposing any session content.
	CorrelationID string
	// Authenticated is an application-level flag carried for convenience.
	// It has no bearing on validation: even Authenticated=true is denied
	// once the absolute expiry has passed.
	Authenticated bool
	// ExpiresAbsolutelyAt is a hard wall-clock ceiling, independent of the
	// idle/refresh window maintained by the cookie codec.
	ExpiresAbsolutelyAt time.Time
	// Data carries application-defined session values.
	Data map[string]any
}
