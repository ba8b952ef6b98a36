package prefsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakePrefsServer is an in-memory stand-in for the preferences endpoint
// with optimistic-concurrency semantics.
type fakePrefsServer struct {
	mu         sync.Mutex
	prefs      map[string]any
	meta       *SyncMetadata
	rejectAuth bool
	raceOnce   bool          // next PUT loses a race to another device
	gateGet    chan struct{} // when non-nil, GET blocks until closed
	gets, puts int
}

func (f *fakePrefsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/preferences", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectAuth
		f.mu.Unlock()
		if reject || r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}

		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			f.gets++
			gate := f.gateGet
			f.mu.Unlock()
			if gate != nil {
				<-gate
			}

			f.mu.Lock()
			defer f.mu.Unlock()
			if f.meta == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"preferences": f.prefs,
				"metadata":    f.meta,
			})
		case http.MethodPut:
			var blob wireBlob
			if err := json.NewDecoder(r.Body).Decode(&blob); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			f.mu.Lock()
			defer f.mu.Unlock()
			f.puts++
			if f.raceOnce {
				// Another device slipped a newer write in between this
				// client's fetch and push.
				f.raceOnce = false
				newer := Defaults()
				newer["quality"] = "low"
				f.prefs = newer
				f.meta = &SyncMetadata{
					LastModified: blob.Metadata.LastModified + 120_000,
					Version:      30,
					DeviceID:     "dev-other",
				}
				w.WriteHeader(http.StatusConflict)
				return
			}
			if expect := r.Header.Get("If-Match-Version"); expect != "" && f.meta != nil {
				v, _ := strconv.ParseInt(expect, 10, 64)
				if v != f.meta.Version {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			f.prefs = blob.Preferences
			m := blob.Metadata
			f.meta = &m
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (f *fakePrefsServer) snapshot() (map[string]any, *SyncMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		return nil, nil
	}
	m := *f.meta
	return f.prefs, &m
}

type syncerTestEnv struct {
	t      *testing.T
	ctx    context.Context
	store  *Store
	fake   *fakePrefsServer
	server *httptest.Server
	syncer *Syncer
	notif  *Notifier
}

func newSyncerTestEnv(t *testing.T) *syncerTestEnv {
	t.Helper()
	store := newTestStore(t)
	fake := &fakePrefsServer{}
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	cfg := SyncConfig{
		BaseURL:    ts.URL,
		Interval:   time.Hour, // ticks never fire during tests
		MinSyncGap: time.Nanosecond,
		Retry:      fastRetry(1),
	}
	client := NewClient(cfg)
	notif := NewNotifier(nil)
	syncer := NewSyncer(store, client, notif, cfg)
	t.Cleanup(syncer.Close)

	return &syncerTestEnv{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		fake:   fake,
		server: ts,
		syncer: syncer,
		notif:  notif,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestForceSyncPushesLocalToEmptyServer(t *testing.T) {
	env := newSyncerTestEnv(t)
	if err := env.syncer.SetPreference(env.ctx, "glow_color", "#123456"); err != nil {
		t.Fatalf("set: %v", err)
	}

	env.syncer.Arm("good-token")
	res, err := env.syncer.ForceSync(env.ctx)
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if res.Skipped {
		t.Fatalf("unexpected skip: %s", res.Reason)
	}

	prefs, meta := env.fake.snapshot()
	if meta == nil {
		t.Fatal("server never received the pair")
	}
	if prefs["glow_color"] != "#123456" {
		t.Fatalf("server holds %v", prefs["glow_color"])
	}
	if st := env.syncer.Status(); st.State != StateArmed || st.PushPending {
		t.Fatalf("expected armed with nothing pending, got %+v", st)
	}
}

func TestRemoteNewerOverwritesLocalAndPublishes(t *testing.T) {
	env := newSyncerTestEnv(t)
	_, localMeta := env.store.Load(env.ctx)

	remote := Defaults()
	remote["theme"] = "light"
	env.fake.prefs = remote
	env.fake.meta = &SyncMetadata{
		LastModified: localMeta.LastModified + int64(10*time.Minute/time.Millisecond),
		Version:      9,
		DeviceID:     "dev-other",
	}

	var published PreferenceSet
	env.notif.Subscribe(func(p PreferenceSet) { published = p })

	env.syncer.Arm("good-token")
	if _, err := env.syncer.ForceSync(env.ctx); err != nil {
		t.Fatalf("force sync: %v", err)
	}

	got, gotMeta := env.store.Load(env.ctx)
	if got.String("theme") != "light" {
		t.Fatalf("local not overwritten, theme=%q", got.String("theme"))
	}
	if gotMeta.Version != 9 {
		t.Fatalf("local metadata not taken from remote: %+v", gotMeta)
	}
	if published == nil || published.String("theme") != "light" {
		t.Fatal("change notifier did not fire with the remote prefs")
	}
	if _, m := env.fake.snapshot(); m.Version != 9 {
		t.Fatal("remote-wins round must not push back")
	}
}

func TestForceSyncWhileLoggedOut(t *testing.T) {
	env := newSyncerTestEnv(t)
	if _, err := env.syncer.ForceSync(env.ctx); !IsAuthError(err) {
		t.Fatalf("expected auth error while idle, got %v", err)
	}
}

func TestAuthFailureParksSchedulerUntilRelogin(t *testing.T) {
	env := newSyncerTestEnv(t)
	env.fake.rejectAuth = true

	before, _ := env.store.Load(env.ctx)
	env.syncer.Arm("good-token")
	_, err := env.syncer.ForceSync(env.ctx)
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}

	// No local data altered, failure recorded as readable state.
	after, _ := env.store.Load(env.ctx)
	if !after.Equal(before) {
		t.Fatal("auth failure must not alter local data")
	}
	if st := env.syncer.Status(); !IsAuthError(st.LastError) {
		t.Fatalf("expected auth error in status, got %v", st.LastError)
	}

	// Periodic ticks now skip instead of retrying into a 401 wall.
	gen := env.syncer.currentSession()
	res, err := env.syncer.trySync(env.ctx, gen, false)
	if err != nil || !res.Skipped || res.Reason != "authentication required" {
		t.Fatalf("expected parked tick, got %+v err=%v", res, err)
	}
	getsBefore := env.fake.requestCount()

	// Re-login clears the block.
	env.fake.mu.Lock()
	env.fake.rejectAuth = false
	env.fake.mu.Unlock()
	env.syncer.Arm("good-token")
	if _, err := env.syncer.ForceSync(env.ctx); err != nil {
		t.Fatalf("sync after re-login: %v", err)
	}
	if env.fake.requestCount() <= getsBefore {
		t.Fatal("expected traffic to resume after re-login")
	}
}

func (f *fakePrefsServer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets + f.puts
}

func TestInFlightSyncsCoalesce(t *testing.T) {
	env := newSyncerTestEnv(t)
	gate := make(chan struct{})
	env.fake.gateGet = gate

	env.syncer.Arm("good-token")

	done := make(chan error, 1)
	go func() {
		_, err := env.syncer.ForceSync(env.ctx)
		done <- err
	}()

	waitUntil(t, "first round in flight", func() bool {
		return env.syncer.Status().State == StateSyncing
	})

	// Requests arriving mid-flight collapse into one pending slot.
	for i := 0; i < 3; i++ {
		res, err := env.syncer.ForceSync(env.ctx)
		if err != nil || !res.Skipped || res.Reason != "sync already in flight" {
			t.Fatalf("expected coalesced skip, got %+v err=%v", res, err)
		}
	}

	env.fake.mu.Lock()
	env.fake.gateGet = nil
	env.fake.mu.Unlock()
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("first round failed: %v", err)
	}
	// The coalesced slot drains as exactly one follow-up round.
	waitUntil(t, "pending round drained", func() bool {
		env.fake.mu.Lock()
		defer env.fake.mu.Unlock()
		return env.fake.gets >= 2
	})
}

func TestLogoutDiscardsInFlightResult(t *testing.T) {
	env := newSyncerTestEnv(t)

	// Server holds a newer copy that would normally overwrite local.
	_, localMeta := env.store.Load(env.ctx)
	remote := Defaults()
	remote["theme"] = "light"
	env.fake.prefs = remote
	env.fake.meta = &SyncMetadata{
		LastModified: localMeta.LastModified + 60_000,
		Version:      5,
		DeviceID:     "dev-other",
	}

	gate := make(chan struct{})
	env.fake.gateGet = gate

	env.syncer.Arm("good-token")
	done := make(chan SyncResult, 1)
	go func() {
		res, _ := env.syncer.ForceSync(env.ctx)
		done <- res
	}()

	waitUntil(t, "round in flight", func() bool {
		return env.syncer.Status().State == StateSyncing
	})
	env.syncer.OnLogout()
	close(gate)

	res := <-done
	if !res.Skipped {
		t.Fatalf("in-flight result must be discarded after logout, got %+v", res)
	}
	got, _ := env.store.Load(env.ctx)
	if got.String("theme") != "dark" {
		t.Fatal("discarded response was applied to local storage")
	}
	if st := env.syncer.Status(); st.State != StateIdle {
		t.Fatalf("expected idle after logout, got %s", st.State)
	}
}

func TestSetPreferenceAppliesLocallyWithoutServer(t *testing.T) {
	store := newTestStore(t)
	cfg := SyncConfig{Interval: time.Hour}
	notif := NewNotifier(nil)
	syncer := NewSyncer(store, NewClient(cfg), notif, cfg)
	defer syncer.Close()

	var published PreferenceSet
	notif.Subscribe(func(p PreferenceSet) { published = p })

	_, before := store.Load(context.Background())
	if err := syncer.SetPreference(context.Background(), "volume", 0.1); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, meta := store.Load(context.Background())
	if got.Float("volume") != 0.1 {
		t.Fatalf("mutation not persisted: %v", got.Float("volume"))
	}
	if meta.Version != before.Version+1 {
		t.Fatalf("version not bumped: %d after %d", meta.Version, before.Version)
	}
	if published == nil || published.Float("volume") != 0.1 {
		t.Fatal("mutation not published")
	}
	if err := syncer.SetPreference(context.Background(), "bogus", 1); err == nil {
		t.Fatal("unknown key must be rejected")
	}
}

func TestMinGapSkipsRedundantSyncs(t *testing.T) {
	env := newSyncerTestEnv(t)
	env.syncer.cfg.MinSyncGap = time.Hour

	env.syncer.Arm("good-token")
	if _, err := env.syncer.ForceSync(env.ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	res, err := env.syncer.ForceSync(env.ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.Skipped || res.Reason != "synced recently" {
		t.Fatalf("expected redundant sync skipped, got %+v", res)
	}

	// A pending local change overrides the gap guard.
	if err := env.syncer.SetPreference(env.ctx, "shape", "waves"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitUntil(t, "mutation pushed", func() bool {
		prefs, _ := env.fake.snapshot()
		return prefs != nil && prefs["shape"] == "waves"
	})
}

func TestConflictedPushRefetchesAndReconciles(t *testing.T) {
	env := newSyncerTestEnv(t)

	// Local edit queued; the server still holds an older copy, so local
	// will win the first reconciliation and attempt a conditional push.
	if err := env.syncer.SetPreference(env.ctx, "glow_color", "#aaaaaa"); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, localMeta := env.store.Load(env.ctx)

	stale := Defaults()
	env.fake.prefs = stale
	env.fake.meta = &SyncMetadata{
		LastModified: localMeta.LastModified - 60_000,
		Version:      2,
		DeviceID:     "dev-other",
	}
	env.fake.raceOnce = true

	env.syncer.Arm("good-token")
	if _, err := env.syncer.ForceSync(env.ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// The 409 triggered a re-fetch, and the racing device's newer write won.
	got, _ := env.store.Load(env.ctx)
	if got.String("quality") != "low" {
		t.Fatalf("expected racing write to win after conflict, got quality=%q", got.String("quality"))
	}
	env.fake.mu.Lock()
	gets, puts := env.fake.gets, env.fake.puts
	env.fake.mu.Unlock()
	if gets != 2 || puts != 1 {
		t.Fatalf("expected fetch, conflicted push, re-fetch; got gets=%d puts=%d", gets, puts)
	}
}

func TestReplacePreferencesImportsSanitized(t *testing.T) {
	env := newSyncerTestEnv(t)
	_, before := env.store.Load(env.ctx)

	got, err := env.syncer.ReplacePreferences(env.ctx, map[string]any{
		"theme":       "light",
		"volume":      0.2,
		"rogue_field": "dropme",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, ok := got["rogue_field"]; ok {
		t.Fatal("unknown key survived import")
	}

	stored, meta := env.store.Load(env.ctx)
	if stored.String("theme") != "light" || stored.Float("volume") != 0.2 {
		t.Fatalf("import not persisted: %+v", stored)
	}
	if stored.String("shape") != "cube" {
		t.Fatal("missing keys should fall back to defaults")
	}
	if meta.Version != before.Version+1 {
		t.Fatalf("import counts as one mutation, got version %d", meta.Version)
	}
}
