package csp

import (
	"encoding/json"
	"io"
	"net/url"
	"regexp"
	"strings"
)

// Report is the browser-supplied CSP violation report. Browsers disagree on
// which directive field they send: newer ones set effective-directive, older
// ones only violated-directive (a compound string whose first token is the
// directive name).
type Report struct {
	BlockedURI         string `json:"blocked-uri"`
	EffectiveDirective string `json:"effective-directive"`
	ViolatedDirective  string `json:"violated-directive"`
	DocumentURI        string `json:"document-uri"`
	OriginalPolicy     string `json:"original-policy"`
}

type reportEnvelope struct {
	Report *Report `json:"csp-report"`
}

// ParseReport decodes a report request body. Returns nil when the body has
// no csp-report member; callers drop such requests silently.
func ParseReport(r io.Reader) (*Report, error) {
	var env reportEnvelope
	if err := json.NewDecoder(io.LimitReader(r, 64*1024)).Decode(&env); err != nil {
		return nil, err
	}
	return env.Report, nil
}

// Directive returns the normalized directive name, or "" when the report
// names none.
func (r *Report) Directive() string {
	if r.EffectiveDirective != "" {
		return r.EffectiveDirective
	}
	if r.ViolatedDirective != "" {
		fields := strings.Fields(r.ViolatedDirective)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// originPattern admits only externally-routable URL origins. Inline scripts,
// eval, data: blobs and the like produce blocked-uri values this does not
// match; those reports are dropped, never merged.
var originPattern = regexp.MustCompile(`^(?i)(https?|wss?)://[^/\s]+`)

// ExtractOrigin reduces a blocked-uri to its origin (scheme://host[:port]).
// When the host is one of the locally-hosted selfHosts, the origin
// normalizes to the 'self' keyword instead of a literal host:port. The
// second return is false when no origin could be extracted.
func ExtractOrigin(blockedURI string, selfHosts []string) (string, bool) {
	m := originPattern.FindString(blockedURI)
	if m == "" {
		return "", false
	}
	u, err := url.Parse(m)
	if err != nil || u.Host == "" {
		return "", false
	}
	for _, self := range selfHosts {
		if strings.EqualFold(u.Host, self) {
			return Self, true
		}
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
