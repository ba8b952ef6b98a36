// ABOUTME: HTTP handlers for prefsyncd: auth endpoints plus the
// ABOUTME: GET/PUT preferences contract with optimistic concurrency.
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// wireBlob is the body shape of GET/PUT /v1/preferences.
type wireBlob struct {
	Preferences json.RawMessage `json:"preferences"`
	Metadata    wireMetadata    `json:"metadata"`
}

type wireMetadata struct {
	LastModified int64  `json:"lastModified"`
	Version      int64  `json:"version"`
	DeviceID     string `json:"deviceId"`
}

func (m wireMetadata) valid() bool {
	return m.Version >= 1 && m.LastModified > 0
}

type server struct {
	store        *serverStore
	tokens       *tokenStore
	limiters     *rateLimiterStore // per-user, authenticated endpoints
	authLimiters *rateLimiterStore // per-IP, auth endpoints
	log          *zap.Logger
}

func newServer(store *serverStore, tokens *tokenStore, log *zap.Logger) *server {
	return &server{
		store:        store,
		tokens:       tokens,
		limiters:     newRateLimiterStore(DefaultRateLimitConfig()),
		authLimiters: newRateLimiterStore(AuthRateLimitConfig()),
		log:          log,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/auth/login", s.withIPRateLimit(s.handleLogin))
	mux.HandleFunc("POST /v1/auth/refresh", s.withIPRateLimit(s.handleRefresh))
	mux.HandleFunc("GET /v1/preferences", s.withAuth(s.handleGetPreferences))
	mux.HandleFunc("PUT /v1/preferences", s.withAuth(s.handlePutPreferences))
	return mux
}

func fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withIPRateLimit throttles unauthenticated endpoints per client IP.
func (s *server) withIPRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiters.allow(getClientIP(r)) {
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withAuth validates the bearer token and throttles per user.
func (s *server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			fail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, ok, expired := s.tokens.lookup(token)
		if expired {
			fail(w, http.StatusUnauthorized, "token expired")
			return
		}
		if !ok {
			fail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.limiters.allow(userID) {
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r, userID)
	}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID, ok, err := s.store.authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		s.log.Error("authenticate failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		fail(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	token, refresh, expires := s.tokens.issue(userID)
	s.log.Info("login", zap.String("user", userID), zap.String("ip", getClientIP(r)))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":         token,
		"expires_unix":  expires.Unix(),
		"refresh_token": refresh,
	})
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, refresh, expires, ok := s.tokens.rotate(body.RefreshToken)
	if !ok {
		fail(w, http.StatusUnauthorized, "token expired")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":         token,
		"expires_unix":  expires.Unix(),
		"refresh_token": refresh,
	})
}

func (s *server) handleGetPreferences(w http.ResponseWriter, r *http.Request, userID string) {
	blob, ok, err := s.store.loadPrefs(r.Context(), userID)
	if err != nil {
		s.log.Error("load preferences failed", zap.String("user", userID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		fail(w, http.StatusNotFound, "no preferences stored")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	var meta wireMetadata
	_ = json.Unmarshal([]byte(blob.MetaJSON), &meta)
	_ = json.NewEncoder(w).Encode(wireBlob{
		Preferences: json.RawMessage(blob.PrefsJSON),
		Metadata:    meta,
	})
}

func (s *server) handlePutPreferences(w http.ResponseWriter, r *http.Request, userID string) {
	var body wireBlob
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !body.Metadata.valid() {
		fail(w, http.StatusBadRequest, "invalid metadata")
		return
	}

	current, exists, err := s.store.loadPrefs(r.Context(), userID)
	if err != nil {
		s.log.Error("load preferences failed", zap.String("user", userID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Conditional write: the client says which version it believes it is
	// overwriting. A mismatch means another device wrote in between.
	if expectHeader := r.Header.Get("If-Match-Version"); expectHeader != "" && exists {
		expect, err := strconv.ParseInt(expectHeader, 10, 64)
		if err != nil {
			fail(w, http.StatusBadRequest, "invalid If-Match-Version")
			return
		}
		if expect != current.Version {
			fail(w, http.StatusConflict, "version conflict")
			return
		}
	}

	metaJSON, err := json.Marshal(body.Metadata)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid metadata")
		return
	}
	prefsJSON := body.Preferences
	if len(prefsJSON) == 0 {
		prefsJSON = json.RawMessage("{}")
	}

	if err := s.store.savePrefs(r.Context(), userID, storedBlob{
		PrefsJSON: string(prefsJSON),
		MetaJSON:  string(metaJSON),
		Version:   body.Metadata.Version,
	}); err != nil {
		s.log.Error("save preferences failed", zap.String("user", userID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.Info("preferences updated",
		zap.String("user", userID),
		zap.Int64("version", body.Metadata.Version),
		zap.String("device", body.Metadata.DeviceID))
	w.WriteHeader(http.StatusNoContent)
}
