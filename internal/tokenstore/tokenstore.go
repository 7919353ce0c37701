// Package tokenstore implements the TokenPolicy store: the per-bearer-token
// overrides the Request gateway and ToolBus consult for size limits, tool
// allowlists, rate limits, and IP allowlists, plus the create/reset/
// disable/enable/list operations cmd/usermgr drives.
package tokenstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Policy is one token's overrides. A zero value for any field means "fall
// back to the global Settings default"; nil slices mean "no restriction
// beyond the global default".
type Policy struct {
	Token              string   `json:"token"`
	Name               string   `json:"name,omitempty"`
	Disabled           bool     `json:"disabled,omitempty"`
	MaxRequestBytes    int64    `json:"max_request_bytes,omitempty"`
	ToolsAllowlist     []string `json:"tools_allowlist,omitempty"`
	ToolRateLimitRPS   float64  `json:"tool_rate_limit_rps,omitempty"`
	ToolRateLimitBurst int      `json:"tool_rate_limit_burst,omitempty"`
	IPAllowlist        []string `json:"ip_allowlist,omitempty"`
}

// Store is the process-wide, mutex-guarded table of token policies, backed
// by a single JSON file written atomically via write-temp-then-rename, the
// same durability pattern internal/toolbus uses for per-invocation records.
type Store struct {
	mu      sync.RWMutex
	path    string
	strict  bool
	byToken map[string]*Policy
}

// Load builds a Store from inline JSON (GATEWAY_TOKEN_POLICIES_JSON), a
// JSON file path, or both. Inline JSON, when present, seeds the table and
// is never written back; the file path is where Create/Reset/Disable/
// Enable persist changes. If strict is true, malformed inline/file JSON is
// a fatal error (nil, error) rather than falling back to empty.
func Load(inlineJSON, path string, strict bool) (*Store, error) {
	s := &Store{path: path, strict: strict, byToken: map[string]*Policy{}}

	if raw := strings.TrimSpace(inlineJSON); raw != "" {
		var policies []Policy
		if err := json.Unmarshal([]byte(raw), &policies); err != nil {
			if strict {
				return nil, fmt.Errorf("parsing GATEWAY_TOKEN_POLICIES_JSON: %w", err)
			}
		} else {
			for i := range policies {
				p := policies[i]
				s.byToken[p.Token] = &p
			}
		}
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var policies []Policy
			if err := json.Unmarshal(data, &policies); err != nil {
				if strict {
					return nil, fmt.Errorf("parsing token policies file %s: %w", path, err)
				}
			} else {
				for i := range policies {
					p := policies[i]
					s.byToken[p.Token] = &p
				}
			}
		}
	}

	return s, nil
}

// Lookup returns the policy for a bearer token, or (nil, false) if the
// token is unknown. A known-but-disabled token is still returned, so
// callers can distinguish "unknown" (403 forbidden) from "known but
// disabled" (also 403 forbidden, but a callers may want to log the
// distinction).
func (s *Store) Lookup(token string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byToken[token]
	return p, ok
}

// IsKnown reports whether token is a recognized, non-disabled token.
func (s *Store) IsKnown(token string) bool {
	p, ok := s.Lookup(token)
	return ok && !p.Disabled
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "gw_" + hex.EncodeToString(buf), nil
}

// Create mints a fresh token for name, persists it, and returns the new
// Policy (with the generated token value set).
func (s *Store) Create(name string, policy Policy) (*Policy, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	policy.Token = token
	policy.Name = strings.TrimSpace(name)
	policy.Disabled = false

	s.mu.Lock()
	s.byToken[token] = &policy
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Reset mints a new token value for an existing entry identified by its
// current token, preserving every other field. Returns the new token.
func (s *Store) Reset(oldToken string) (string, error) {
	s.mu.Lock()
	p, ok := s.byToken[oldToken]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("token not found")
	}
	newTok, err := newToken()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("generating token: %w", err)
	}
	delete(s.byToken, oldToken)
	p.Token = newTok
	s.byToken[newTok] = p
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return "", err
	}
	return newTok, nil
}

func (s *Store) setDisabled(token string, disabled bool) error {
	s.mu.Lock()
	p, ok := s.byToken[token]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("token not found")
	}
	p.Disabled = disabled
	s.mu.Unlock()
	return s.persist()
}

// Disable marks token as disabled; lookups for it continue to succeed
// (IsKnown returns false) so callers can still audit it via List.
func (s *Store) Disable(token string) error { return s.setDisabled(token, true) }

// Enable clears a token's disabled flag.
func (s *Store) Enable(token string) error { return s.setDisabled(token, false) }

// List returns every policy, sorted by token for deterministic output.
func (s *Store) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.byToken))
	for _, p := range s.byToken {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// persist writes the full table to s.path via write-temp-then-rename, so a
// concurrent reader (a fresh process starting up, or a future hot-reload)
// never observes a half-written file. A Store with no path configured is
// in-memory only; persist is then a no-op, matching the "env JSON only, no
// CLI management" deployment mode.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	policies := make([]Policy, 0, len(s.byToken))
	for _, p := range s.byToken {
		policies = append(policies, *p)
	}
	s.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].Token < policies[j].Token })

	data, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token policies: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("preparing token policies directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token policies file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing token policies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
