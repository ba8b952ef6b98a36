// ABOUTME: Session-gated scheduler owning the whole reconciliation pipeline:
// ABOUTME: store -> client -> reconciler -> notifier, one timer, one state.
package prefsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the session-gated scheduler.
type State int

const (
	StateIdle    State = iota // not authenticated, no timers running
	StateArmed                // authenticated, periodic timer armed
	StateSyncing              // a reconciliation round in flight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// SyncEvents provides hooks for observability during sync operations.
type SyncEvents struct {
	OnStart    func()                      // called when a round begins
	OnComplete func(winner Side, err error) // called when a round finishes
	OnSkip     func(reason string)         // called when a round is skipped
}

// SyncStatus is the readable scheduler state exposed for optional display.
// Errors never propagate to the UI layer as exceptions; they land here.
type SyncStatus struct {
	State       State
	LastSyncAt  time.Time
	LastError   error
	PushPending bool
}

// SyncResult reports what a single requested round did.
type SyncResult struct {
	Skipped bool
	Reason  string
	Winner  Side
}

// Syncer coordinates the local store, remote client, reconciler, and
// change notifier. It is an explicit, constructed object with start/stop
// semantics, not ambient global state.
type Syncer struct {
	store    *Store
	client   *Client
	notifier *Notifier
	cfg      SyncConfig
	log      *zap.Logger
	events   *SyncEvents

	now func() time.Time // test seam

	mu          sync.Mutex
	state       State
	session     int64 // bumped on every login/logout; stale rounds discard
	pending     bool  // one coalesced slot for requests arriving mid-flight
	pushPending bool  // local changes not yet on the server
	authBlocked bool  // auth failed; park until re-login
	lastSync    time.Time
	lastErr     error
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewSyncer wires the pipeline. Call Arm or OnLogin before expecting any
// remote traffic; an idle syncer only serves local reads and writes.
func NewSyncer(store *Store, client *Client, notifier *Notifier, cfg SyncConfig) *Syncer {
	cfg = cfg.withDefaults()
	return &Syncer{
		store:    store,
		client:   client,
		notifier: notifier,
		cfg:      cfg,
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// SetEvents installs observability hooks. Call before Arm/OnLogin.
func (s *Syncer) SetEvents(ev *SyncEvents) { s.events = ev }

// Preferences returns the current local set.
func (s *Syncer) Preferences(ctx context.Context) PreferenceSet {
	prefs, _ := s.store.Load(ctx)
	return prefs
}

// Metadata returns the current local sync metadata.
func (s *Syncer) Metadata(ctx context.Context) SyncMetadata {
	_, meta := s.store.Load(ctx)
	return meta
}

// SetPreference validates and applies one mutation: persisted locally and
// published immediately, pushed remotely whenever the scheduler decides a
// sync is due. Sync stays a background nicety; this never blocks on it.
func (s *Syncer) SetPreference(ctx context.Context, key string, value any) error {
	def, ok := Lookup(key)
	if !ok {
		return fmt.Errorf("unknown preference %q", key)
	}
	v, ok := coerce(def, value)
	if !ok {
		return fmt.Errorf("invalid %s value for %q", def.Kind, key)
	}

	prefs, meta := s.store.Load(ctx)
	prefs[key] = v
	meta.Touch(s.now())
	s.store.Save(ctx, prefs, meta)
	s.notifier.Publish(prefs)

	s.mu.Lock()
	s.pushPending = true
	gen := s.session
	armed := s.state != StateIdle
	s.mu.Unlock()

	if armed && prefs.Bool("auto_sync") {
		go func() {
			_, _ = s.trySync(context.Background(), gen, false)
		}()
	}
	return nil
}

// ReplacePreferences imports a raw blob wholesale: unknown keys are
// dropped, missing keys fall back to defaults, and the whole import counts
// as a single local mutation.
func (s *Syncer) ReplacePreferences(ctx context.Context, raw map[string]any) (PreferenceSet, error) {
	prefs := Sanitize(raw)
	_, meta := s.store.Load(ctx)
	meta.Touch(s.now())
	if err := s.store.SaveOrFail(ctx, prefs, meta); err != nil {
		return nil, err
	}
	s.notifier.Publish(prefs)

	s.mu.Lock()
	s.pushPending = true
	s.mu.Unlock()
	return prefs, nil
}

// Arm transitions Idle -> Armed without kicking an immediate round.
// One-shot callers use this to keep control over when syncs happen.
func (s *Syncer) Arm(token string) {
	s.arm(token)
}

// OnLogin arms the scheduler and reconciles right away, which is what a
// long-lived session wants. Calling it again after a token refresh just
// installs the new token and triggers a round.
func (s *Syncer) OnLogin(token string) {
	gen := s.arm(token)
	go func() {
		_, _ = s.trySync(context.Background(), gen, false)
	}()
}

func (s *Syncer) arm(token string) (gen int64) {
	if token != "" {
		s.client.SetToken(token)
	}

	s.mu.Lock()
	s.authBlocked = false
	if s.state != StateIdle {
		gen = s.session
		s.mu.Unlock()
		return gen
	}
	s.session++
	gen = s.session
	s.state = StateArmed
	stopCh := make(chan struct{})
	s.stop = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop(gen, stopCh)
	return gen
}

// OnLogout parks the scheduler. Any in-flight round's result is discarded
// on arrival rather than applied.
func (s *Syncer) OnLogout() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.session++
	s.state = StateIdle
	s.pending = false
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()

	s.client.SetToken("")
}

// Close stops timers and waits for the tick goroutine to exit.
func (s *Syncer) Close() {
	s.OnLogout()
	s.wg.Wait()
}

// Status returns readable sync state for display.
func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStatus{
		State:       s.state,
		LastSyncAt:  s.lastSync,
		LastError:   s.lastErr,
		PushPending: s.pushPending,
	}
}

// ForceSync runs a reconciliation round now. Unlike periodic ticks the
// outcome is surfaced to the caller, this being the one user action whose
// success or failure is shown.
func (s *Syncer) ForceSync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return SyncResult{}, fmt.Errorf("%w: not logged in", ErrUnauthorized)
	}
	gen := s.session
	s.mu.Unlock()
	return s.trySync(ctx, gen, true)
}

func (s *Syncer) tickLoop(gen int64, stop chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			_, _ = s.trySync(context.Background(), gen, false)
		}
	}
}

// trySync is the single entry point for every sync trigger: timer ticks,
// login, force-sync, and mutations. It serializes rounds, coalesces
// requests arriving mid-flight into one pending slot, and enforces the
// minimum-gap guard.
func (s *Syncer) trySync(ctx context.Context, gen int64, forced bool) (SyncResult, error) {
	s.mu.Lock()
	if gen != s.session || s.state == StateIdle {
		s.mu.Unlock()
		return s.skip("logged out"), nil
	}
	if s.authBlocked && !forced {
		s.mu.Unlock()
		return s.skip("authentication required"), nil
	}
	if s.state == StateSyncing {
		// Coalesce: replace (not stack) the pending entry.
		s.pending = true
		s.mu.Unlock()
		return s.skip("sync already in flight"), nil
	}
	if !s.pushPending && !s.lastSync.IsZero() && s.now().Sub(s.lastSync) < s.cfg.MinSyncGap {
		s.mu.Unlock()
		return s.skip("synced recently"), nil
	}
	s.state = StateSyncing
	s.mu.Unlock()

	if s.events != nil && s.events.OnStart != nil {
		s.events.OnStart()
	}

	winner, err := s.syncRound(ctx, gen)

	s.mu.Lock()
	if gen != s.session {
		// Logged out mid-round: the completion is discarded.
		s.mu.Unlock()
		return s.skip("logged out"), nil
	}
	if s.state == StateSyncing {
		s.state = StateArmed
	}
	s.lastErr = err
	if err == nil {
		s.lastSync = s.now()
	}
	if IsAuthError(err) {
		// Park until re-login; the timer keeps running but ticks skip.
		s.authBlocked = true
	}
	drain := s.pending
	s.pending = false
	s.mu.Unlock()

	if s.events != nil && s.events.OnComplete != nil {
		s.events.OnComplete(winner, err)
	}
	if err != nil {
		s.log.Warn("preference sync failed", zap.String("winner", winner.String()), zap.Error(err))
	} else if drain {
		// A request arrived while we were in flight; honor it now.
		go func() {
			_, _ = s.trySync(context.Background(), gen, false)
		}()
	}
	return SyncResult{Winner: winner}, err
}

func (s *Syncer) skip(reason string) SyncResult {
	if s.events != nil && s.events.OnSkip != nil {
		s.events.OnSkip(reason)
	}
	return SyncResult{Skipped: true, Reason: reason}
}

// syncRound performs one fetch/reconcile/apply/push cycle.
func (s *Syncer) syncRound(ctx context.Context, gen int64) (Side, error) {
	prefs, meta := s.store.Load(ctx)
	local := Snapshot{Prefs: prefs, Meta: meta, Present: true}

	remote, err := s.fetchRemote(ctx)
	if err != nil {
		return SideNone, err
	}

	return s.applyOutcome(ctx, gen, local, remote, true)
}

func (s *Syncer) fetchRemote(ctx context.Context) (Snapshot, error) {
	snap, err := WithRetry(ctx, s.cfg.Retry, "fetch", func() (*RemoteSnapshot, error) {
		return s.client.Fetch(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if snap == nil {
		return Snapshot{}, nil
	}
	return Snapshot{Prefs: snap.Prefs, Meta: snap.Meta, Present: true}, nil
}

// applyOutcome reconciles and converges both sides. On a push conflict it
// re-fetches and re-reconciles exactly once; a second conflict is reported
// and retried on the next tick.
func (s *Syncer) applyOutcome(ctx context.Context, gen int64, local, remote Snapshot, allowRefetch bool) (Side, error) {
	out := Reconcile(local, remote)

	if s.stale(gen) {
		return SideNone, nil
	}

	if out.WriteLocal {
		if err := s.store.SaveOrFail(ctx, out.Prefs, out.Meta); err != nil {
			// Degrade to in-memory for the session; the notifier still
			// fires so the UI reflects the reconciled state.
			s.log.Warn("persisting reconciled preferences failed", zap.Error(err))
		}
		s.notifier.Publish(out.Prefs)
	}

	if !out.PushRemote {
		s.clearPushPending()
		return out.Winner, nil
	}

	expect := int64(0)
	if remote.Present {
		expect = remote.Meta.Version
	}
	_, err := WithRetry(ctx, s.cfg.Retry, "push", func() (struct{}, error) {
		return struct{}{}, s.client.Put(ctx, out.Prefs, out.Meta, expect)
	})
	if err == nil {
		s.clearPushPending()
		return out.Winner, nil
	}
	if errors.Is(err, ErrConflict) && allowRefetch {
		// Another device won the race. Fold its copy in once rather than
		// blindly retrying the same push.
		if s.stale(gen) {
			return SideNone, nil
		}
		fresh, ferr := s.fetchRemote(ctx)
		if ferr != nil {
			return out.Winner, ferr
		}
		return s.applyOutcome(ctx, gen, Snapshot{Prefs: out.Prefs, Meta: out.Meta, Present: true}, fresh, false)
	}
	// The merged result stays local; the next tick or force-sync retries.
	return out.Winner, err
}

func (s *Syncer) currentSession() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Syncer) stale(gen int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.session
}

func (s *Syncer) clearPushPending() {
	s.mu.Lock()
	s.pushPending = false
	s.mu.Unlock()
}
