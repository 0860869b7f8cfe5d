package csp

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"
)

// FileStore reads and rewrites a policy document on local storage. Every
// merge rewrites the file in full; there is no partial patching. All writes
// must go through the merge queue worker, which holds the only write path.
type FileStore struct {
	Path string
}

func (s FileStore) Load() (*Policy, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s FileStore) Save(p *Policy) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, b, 0o600)
}

// LoadOrDefault falls back to the deny-all default policy when the file is
// unreadable or malformed. Startup must not abort on a bad policy file.
func (s FileStore) LoadOrDefault(logger zerolog.Logger) *Policy {
	p, err := s.Load()
	if err != nil {
		logger.Warn().Err(err).Str("path", s.Path).
			Msg("policy file unreadable, falling back to deny-all default")
		return DefaultPolicy()
	}
	return p
}
