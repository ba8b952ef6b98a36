package prefsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(url string) *Client {
	return NewClient(SyncConfig{BaseURL: url, AuthToken: "test-token", DeviceID: "dev-a"})
}

func TestFetchDecodesAndSanitizes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"preferences": map[string]any{
				"glow_color": "#abc",
				"junk_key":   "dropme",
			},
			"metadata": map[string]any{
				"lastModified": 1234,
				"version":      7,
				"deviceId":     "dev-b",
			},
		})
	}))
	defer ts.Close()

	snap, err := newTestClient(ts.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.Prefs.String("glow_color") != "#abc" {
		t.Fatalf("lost value: %q", snap.Prefs.String("glow_color"))
	}
	if _, ok := snap.Prefs["junk_key"]; ok {
		t.Fatal("unknown key from server survived")
	}
	if snap.Meta.Version != 7 || snap.Meta.LastModified != 1234 || snap.Meta.DeviceID != "dev-b" {
		t.Fatalf("metadata mismatch: %+v", snap.Meta)
	}
}

func TestFetchNoRemoteCopy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	snap, err := newTestClient(ts.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("404 is not an error: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestFetchStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":"unauthorized"}`, ErrUnauthorized},
		{http.StatusUnauthorized, `{"error":"token expired"}`, ErrTokenExpired},
		{http.StatusInternalServerError, ``, ErrServerError},
		{http.StatusTooManyRequests, ``, ErrServerError},
	}
	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := newTestClient(ts.URL).Fetch(context.Background())
		ts.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused from here on

	_, err := newTestClient(ts.URL).Fetch(context.Background())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestPutSendsConditionalHeader(t *testing.T) {
	var gotHeader string
	var gotBody wireBlob
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("If-Match-Version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	prefs := Defaults()
	meta := SyncMetadata{LastModified: 99, Version: 4, DeviceID: "dev-a"}
	if err := newTestClient(ts.URL).Put(context.Background(), prefs, meta, 3); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotHeader != "3" {
		t.Fatalf("expected If-Match-Version 3, got %q", gotHeader)
	}
	if gotBody.Metadata != meta {
		t.Fatalf("metadata did not roundtrip: %+v", gotBody.Metadata)
	}
}

func TestPutConflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	err := newTestClient(ts.URL).Put(context.Background(), Defaults(), SyncMetadata{LastModified: 1, Version: 1}, 1)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient(SyncConfig{})
	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not-configured, got %v", err)
	}
	if err := c.Put(context.Background(), Defaults(), SyncMetadata{}, 0); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not-configured, got %v", err)
	}
}
