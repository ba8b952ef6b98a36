// ABOUTME: Email/password authentication against the account service.
// ABOUTME: Hands back bearer tokens the preference client and syncer use.
package prefsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AuthClient talks to the auth endpoints of the preferences server.
type AuthClient struct {
	baseURL string
	hc      *http.Client
}

// NewAuthClient constructs an AuthClient for the given server URL.
func NewAuthClient(baseURL string) *AuthClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &AuthClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// LoginResult carries the issued session.
type LoginResult struct {
	Token        string
	Expires      time.Time
	RefreshToken string
}

// Login authenticates with email/password and returns tokens.
func (c *AuthClient) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, errors.New("email and password required")
	}

	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Email: email, Password: password}

	return c.sessionCall(ctx, "/v1/auth/login", body)
}

// Refresh exchanges a refresh token for a fresh session.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	if refreshToken == "" {
		return LoginResult{}, errors.New("refresh token required")
	}

	body := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: refreshToken}

	return c.sessionCall(ctx, "/v1/auth/refresh", body)
}

func (c *AuthClient) sessionCall(ctx context.Context, path string, payload any) (LoginResult, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return LoginResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return LoginResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return LoginResult{}, authFailure(resp)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return LoginResult{}, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return LoginResult{}, fmt.Errorf("auth failed: %s", decodeErrorBody(resp))
	}

	var out struct {
		Token        string `json:"token"`
		ExpiresUnix  int64  `json:"expires_unix"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		Token:        out.Token,
		Expires:      time.Unix(out.ExpiresUnix, 0).UTC(),
		RefreshToken: out.RefreshToken,
	}, nil
}

func decodeErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return resp.Status
}
