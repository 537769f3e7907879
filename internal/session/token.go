package session

import "sync"

// TokenProvider supplies the auth token at dial time.
type TokenProvider interface {
	Token() string
}

// StaticToken is a fixed token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token() string { return string(t) }

// TokenFunc adapts a getter to TokenProvider.
type TokenFunc func() string

// Token calls f.
func (f TokenFunc) Token() string { return f() }

// tokenSource layers a rotated token over the configured provider.
type tokenSource struct {
	mu       sync.RWMutex
	provider TokenProvider
	override string
	rotated  bool
}

func (s *tokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rotated {
		return s.override
	}
	if s.provider == nil {
		return ""
	}
	return s.provider.Token()
}

// set installs token and reports whether it differs from the current one.
func (s *tokenSource) set(token string) bool {
	current := s.Token()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = token
	s.rotated = true
	return token != current
}
