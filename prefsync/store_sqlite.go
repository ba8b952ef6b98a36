package prefsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Storage keys, matching the shape the web client persists under.
const (
	keyPreferences     = "preferences"
	keyPreferencesMeta = "preferences_meta"
)

// Store persists the preference blob and its metadata locally. It is the
// single entry point for the persisted pair; callers never read-modify-write
// around it.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenStore opens/creates the SQLite database and runs migrations.
func OpenStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS prefs_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);`)
	return err
}

// Load reads the persisted pair. Missing or malformed data is treated as
// "never written": the caller gets defaults with fresh version-1 metadata
// and the store reseeds itself best effort. Load never fails.
func (s *Store) Load(ctx context.Context) (PreferenceSet, SyncMetadata) {
	rawPrefs, okPrefs := s.get(ctx, keyPreferences)
	rawMeta, okMeta := s.get(ctx, keyPreferencesMeta)

	if okPrefs && okMeta {
		var blob map[string]any
		var meta SyncMetadata
		if json.Unmarshal([]byte(rawPrefs), &blob) == nil &&
			json.Unmarshal([]byte(rawMeta), &meta) == nil &&
			meta.Valid() && meta.DeviceID != "" {
			return Sanitize(blob), meta
		}
		s.log.Warn("discarding corrupt preference blob")
	}

	prefs := Defaults()
	meta := NewMetadata(time.Now())
	s.Save(ctx, prefs, meta)
	return prefs, meta
}

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM prefs_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.log.Warn("preference read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, true
}

// SaveOrFail persists preferences and metadata in one transaction, so the
// pair invariant holds even across a crash mid-write.
func (s *Store) SaveOrFail(ctx context.Context, prefs PreferenceSet, meta SyncMetadata) error {
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("%w: encode preferences: %v", ErrStorage, err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrStorage, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const upsert = `
INSERT INTO prefs_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`
	if _, err := tx.ExecContext(ctx, upsert, keyPreferences, string(prefsJSON)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, upsert, keyPreferencesMeta, string(metaJSON)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Save is the best-effort variant: a failed write is logged and dropped,
// so the change lives only in memory for the current session.
func (s *Store) Save(ctx context.Context, prefs PreferenceSet, meta SyncMetadata) {
	if err := s.SaveOrFail(ctx, prefs, meta); err != nil {
		s.log.Warn("preference save dropped", zap.Error(err))
	}
}
