// Package csp models the Content-Security-Policy document and the
// single-writer merge queue that grows it from browser violation reports.
package csp

import (
	"encoding/json"
	"sort"
	"strings"
)

// Source keywords.
const (
	Self = "'self'"
	None = "'none'"
)

// Policy is the in-memory form of the policy document: directive name to an
// ordered, de-duplicated set of sources. On disk a directive value may be a
// scalar string, an array, or absent; all three normalize to the set form on
// load, and single-element sets demote back to a scalar on save for storage
// compatibility.
type Policy struct {
	directives map[string][]string
}

func NewPolicy() *Policy {
	return &Policy{directives: make(map[string][]string)}
}

// DefaultPolicy is the safe fallback used when the configured policy file
// cannot be read: deny all origins.
func DefaultPolicy() *Policy {
	p := NewPolicy()
	p.Add("default-src", None)
	return p
}

// Add inserts source into directive, initializing the directive if absent.
// Returns false when the source was already a member.
func (p *Policy) Add(directive, source string) bool {
	existing := p.directives[directive]
	for _, s := range existing {
		if s == source {
			return false
		}
	}
	p.directives[directive] = append(existing, source)
	return true
}

// Has reports whether directive contains source.
func (p *Policy) Has(directive, source string) bool {
	for _, s := range p.directives[directive] {
		if s == source {
			return true
		}
	}
	return false
}

// Sources returns a copy of the directive's source set, nil if absent.
func (p *Policy) Sources(directive string) []string {
	src := p.directives[directive]
	if src == nil {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Directives returns the directive names in sorted order.
func (p *Policy) Directives() []string {
	names := make([]string, 0, len(p.directives))
	for name := range p.directives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Header renders the policy as a CSP header value. Directives are emitted in
// sorted order so the output is deterministic. reportURI, when non-empty, is
// appended as a report-uri directive.
func (p *Policy) Header(reportURI string) string {
	var b strings.Builder
	for _, name := range p.Directives() {
		if name == "report-uri" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		for _, src := range p.directives[name] {
			b.WriteByte(' ')
			b.WriteString(src)
		}
	}
	if reportURI != "" {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString("report-uri ")
		b.WriteString(reportURI)
	}
	return b.String()
}

// MarshalJSON applies the storage demotion rule: single-element sets
// serialize as a scalar string, larger sets as arrays, empty sets as true
// (a bare directive).
func (p *Policy) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.directives))
	for name, src := range p.directives {
		switch len(src) {
		case 0:
			out[name] = true
		case 1:
			out[name] = src[0]
		default:
			out[name] = src
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the polymorphic on-disk shapes: a scalar string, an
// array of strings, or a bare boolean directive. Unknown value shapes are
// ignored rather than failing the whole document.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.directives = make(map[string][]string, len(raw))
	for name, val := range raw {
		switch v := val.(type) {
		case string:
			p.directives[name] = []string{v}
		case []any:
			set := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					continue
				}
				dup := false
				for _, have := range set {
					if have == s {
						dup = true
						break
					}
				}
				if !dup {
					set = append(set, s)
				}
			}
			p.directives[name] = set
		case bool:
			if v {
				p.directives[name] = []string{}
			}
		}
	}
	return nil
}
