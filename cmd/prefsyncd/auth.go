// ABOUTME: In-memory bearer token sessions for prefsyncd.
// ABOUTME: Tokens are opaque UUIDs with a TTL; refresh tokens rotate them.
package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type session struct {
	userID  string
	expires time.Time
	refresh string
}

type tokenStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]session // token -> session
	refresh  map[string]string  // refresh token -> access token
	now      func() time.Time
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{
		ttl:      ttl,
		sessions: make(map[string]session),
		refresh:  make(map[string]string),
		now:      time.Now,
	}
}

// issue creates a fresh session for userID.
func (t *tokenStore) issue(userID string) (token, refreshToken string, expires time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token = uuid.NewString()
	refreshToken = uuid.NewString()
	expires = t.now().Add(t.ttl)
	t.sessions[token] = session{userID: userID, expires: expires, refresh: refreshToken}
	t.refresh[refreshToken] = token
	return token, refreshToken, expires
}

// lookup resolves a bearer token. expired is reported separately so the
// handler can answer with a distinguishable 401 body.
func (t *tokenStore) lookup(token string) (userID string, ok, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, found := t.sessions[token]
	if !found {
		return "", false, false
	}
	if t.now().After(s.expires) {
		return "", false, true
	}
	return s.userID, true, false
}

// rotate exchanges a refresh token for a new session, invalidating the old.
func (t *tokenStore) rotate(refreshToken string) (token, newRefresh string, expires time.Time, ok bool) {
	t.mu.Lock()
	old, found := t.refresh[refreshToken]
	if !found {
		t.mu.Unlock()
		return "", "", time.Time{}, false
	}
	s, live := t.sessions[old]
	delete(t.sessions, old)
	delete(t.refresh, refreshToken)
	t.mu.Unlock()
	if !live {
		return "", "", time.Time{}, false
	}

	token, newRefresh, expires = t.issue(s.userID)
	return token, newRefresh, expires, true
}
