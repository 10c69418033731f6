package realtime

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenFileName = "session.token"

// TokenStore persists the one resource shared across client instances: a
// namespaced session token. Readers tolerate absence and writers tolerate
// storage being unavailable by degrading to memory-only instead of failing
// the caller.
type TokenStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	mem     string
	memOnly bool
}

func NewTokenStore(namespace string, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := os.UserConfigDir()
	if err != nil {
		logger.Warn("no config dir, session token held in memory only", "error", err)

		return &TokenStore{logger: logger, memOnly: true}
	}

	return NewTokenStoreDir(filepath.Join(root, namespace), logger)
}

// NewTokenStoreDir roots the store at an explicit directory.
func NewTokenStoreDir(dir string, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenStore{
		path:   filepath.Join(dir, tokenFileName),
		logger: logger,
	}
}

// Load returns the persisted token, or "" when absent or unreadable.
func (s *TokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memOnly {
		return s.mem
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.mem
	}

	return strings.TrimSpace(string(data))
}

// Save persists the token. A storage failure degrades the store to
// memory-only; it never surfaces to the caller.
func (s *TokenStore) Save(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem = token

	if s.memOnly {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.logger.Warn("token storage unavailable", "error", err)
		s.memOnly = true

		return
	}

	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		s.logger.Warn("failed to persist session token", "error", err)
		s.memOnly = true
	}
}

// Clear removes the token from memory and storage.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem = ""

	if s.memOnly {
		return
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove session token", "error", err)
	}
}

// TokenExpired reports whether token is a JWT whose exp claim has passed.
// The claims are peeked without signature verification; the server remains
// the authority. Opaque non-JWT tokens are never considered expired.
func TokenExpired(token string) bool {
	parser := jwt.NewParser()

	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return exp.Before(time.Now())
}
