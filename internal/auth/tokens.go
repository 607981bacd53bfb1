package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

// TokenStore holds the driver's session token in memory. The token is issued
// elsewhere; this store only answers whether a usable one is present.
type TokenStore struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token, now: time.Now}
}

func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *TokenStore) Clear() { s.Set("") }

// Token returns the token if one is stored and, when it is a JWT carrying an
// exp claim, not yet expired. Opaque tokens are returned as-is.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", false
	}
	if expired(token, s.now()) {
		return "", false
	}
	return token, true
}

func (s *TokenStore) Has() bool {
	_, ok := s.Token()
	return ok
}

func expired(token string, now time.Time) bool {
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}
	return !claims.VerifyExpiresAt(now.Unix(), false)
}
