package prefsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// RemoteSnapshot is the server's copy of the preference pair.
type RemoteSnapshot struct {
	Prefs PreferenceSet
	Meta  SyncMetadata
}

// wireBlob is the body shape of GET/PUT /v1/preferences.
type wireBlob struct {
	Preferences map[string]any `json:"preferences"`
	Metadata    SyncMetadata   `json:"metadata"`
}

// Client performs authenticated GET/PUT calls against the preferences
// endpoint. Transport failures and timeouts surface as ErrNetworkFailure;
// HTTP statuses map onto the sentinel errors in errors.go.
type Client struct {
	cfg SyncConfig
	hc  *http.Client

	mu    sync.Mutex
	token string
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg SyncConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		hc:    &http.Client{Timeout: cfg.Timeout},
		token: cfg.AuthToken,
	}
}

// SetToken installs a new bearer token, e.g. after login or refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Configured reports whether the client can reach a server at all.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.Token() != ""
}

// Fetch retrieves the remote pair. A server that has no copy yet returns
// (nil, nil): absence is a normal state, not an error.
func (c *Client) Fetch(ctx context.Context) (*RemoteSnapshot, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/preferences", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, authFailure(resp)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch preferences: unexpected status %s", resp.Status)
	}

	var blob wireBlob
	if err := json.NewDecoder(resp.Body).Decode(&blob); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrServerError, err)
	}
	// Unknown keys from the server are dropped here, before the
	// reconciler ever sees them.
	return &RemoteSnapshot{Prefs: Sanitize(blob.Preferences), Meta: blob.Metadata}, nil
}

// Put uploads the pair. expectVersion is the version the caller believes it
// is overwriting; the server answers 409 when it holds something newer.
// Zero skips the conditional check (first write).
func (c *Client) Put(ctx context.Context, prefs PreferenceSet, meta SyncMetadata, expectVersion int64) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(wireBlob{Preferences: prefs, Metadata: meta})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+"/v1/preferences", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	req.Header.Set("Content-Type", "application/json")
	if expectVersion > 0 {
		req.Header.Set("If-Match-Version", strconv.FormatInt(expectVersion, 10))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return authFailure(resp)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: server holds a newer version than %d", ErrConflict, expectVersion)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	default:
		return fmt.Errorf("put preferences: unexpected status %s", resp.Status)
	}
}

// authFailure distinguishes an expired token from a plain auth rejection
// using the response body. Both mean "re-authenticate before retrying".
func authFailure(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if strings.Contains(strings.ToLower(string(b)), "expired") {
		return ErrTokenExpired
	}
	return ErrUnauthorized
}
