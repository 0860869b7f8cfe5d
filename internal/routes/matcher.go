// Package routes decides which request paths are exempt from authentication.
package routes

import "strings"

// Matcher answers whether a path requires authentication. It is immutable
// after Compile and safe for concurrent use.
type Matcher struct {
	excludeRoot bool
	prefixes    []string // normalized: no leading slashes, lowercased
}

// Compile builds a Matcher from a root-exclusion flag and a list of path
// prefixes. Prefixes are normalized by stripping leading slashes; matching
// is case-insensitive. Duplicate prefixes are harmless.
func Compile(excludeRoot bool, prefixes []string) *Matcher {
	norm := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimLeft(p, "/"))
		if p == "" {
			continue
		}
		norm = append(norm, p)
	}
	return &Matcher{excludeRoot: excludeRoot, prefixes: norm}
}

// RequiresAuth reports whether path must be authenticated. A path is exempt
// iff it is the root (when root exclusion is on), equals an excluded prefix,
// or has an excluded prefix as a strict leading segment ("/notthis",
// "//notthis" and "/notthis/anything" all match prefix "notthis").
func (m *Matcher) RequiresAuth(path string) bool {
	rest := strings.ToLower(strings.TrimLeft(path, "/"))
	if rest == "" {
		return !m.excludeRoot
	}
	for _, p := range m.prefixes {
		if rest == p {
			return false
		}
		if strings.HasPrefix(rest, p+"/") {
			return false
		}
	}
	return true
}
