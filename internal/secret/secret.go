// Package secret validates that the operator-supplied signing secret meets
// a minimum-strength heuristic before the gateway starts.
//
// The policy follows the "2word16" guideline from "Can Long Passwords Be
// Secure and Usable?" (Shay et al., 2014): at least 16 characters including
// at least two words (letter sequences separated by a non-letter sequence).
package secret

import (
	"errors"
	"regexp"
)

const minLength = 16

// weakPattern matches secrets with fewer than two letter runs separated by
// a non-letter run.
var weakPattern = regexp.MustCompile(`(?i)(^[^a-z]*[a-z]*[^a-z]*$)|(^[a-z]*[^a-z]*$)`)

// IsValid reports whether s satisfies the 2word16 policy. Pure predicate,
// no side effects.
func IsValid(s string) bool {
	if len(s) < minLength {
		return false
	}
	return !weakPattern.MatchString(s)
}

var (
	ErrMissing = errors.New("no secret provided; check the key_path option and verify the file exists")
	ErrWeak    = errors.New("secret too weak: need at least 16 characters and at least two words (letter sequences separated by a non-letter sequence)")
)

// Check returns a descriptive error for startup when s is missing or weak.
// Failing this check is fatal: the gateway must refuse to start rather than
// run with a weak secret.
func Check(s string) error {
	if s == "" {
		return ErrMissing
	}
	if !IsValid(s) {
		return ErrWeak
	}
	return nil
}
