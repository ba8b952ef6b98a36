// ABOUTME: SQLite persistence for prefsyncd: user accounts and one
// ABOUTME: preference blob per user with a version column for conditional writes.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type serverStore struct {
	db *sql.DB
}

func openServerStore(path string) (*serverStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &serverStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *serverStore) Close() error { return s.db.Close() }

func (s *serverStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  email TEXT PRIMARY KEY,
  pass_sha256 TEXT NOT NULL,
  user_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
  user_id TEXT PRIMARY KEY,
  prefs_json TEXT NOT NULL,
  meta_json TEXT NOT NULL,
  version INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`)
	return err
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ensureUser creates the account if absent and returns its user ID.
func (s *serverStore) ensureUser(ctx context.Context, email, password string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE email = ?`, email).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(email, pass_sha256, user_id) VALUES(?,?,?)`,
		email, hashPassword(password), id)
	return id, err
}

// authenticate checks credentials and returns the user ID on success.
func (s *serverStore) authenticate(ctx context.Context, email, password string) (string, bool, error) {
	var id, stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, pass_sha256 FROM users WHERE email = ?`, email).Scan(&id, &stored)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	given := hashPassword(password)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(given)) != 1 {
		return "", false, nil
	}
	return id, true, nil
}

type storedBlob struct {
	PrefsJSON string
	MetaJSON  string
	Version   int64
}

// loadPrefs returns the stored blob, reporting absence via ok=false.
func (s *serverStore) loadPrefs(ctx context.Context, userID string) (storedBlob, bool, error) {
	var b storedBlob
	err := s.db.QueryRowContext(ctx,
		`SELECT prefs_json, meta_json, version FROM preferences WHERE user_id = ?`, userID).
		Scan(&b.PrefsJSON, &b.MetaJSON, &b.Version)
	if err == sql.ErrNoRows {
		return storedBlob{}, false, nil
	}
	if err != nil {
		return storedBlob{}, false, err
	}
	return b, true, nil
}

// savePrefs upserts the blob unconditionally; the conditional-write check
// happens in the handler while holding no transaction, which is fine for a
// single-writer reference server.
func (s *serverStore) savePrefs(ctx context.Context, userID string, b storedBlob) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO preferences(user_id, prefs_json, meta_json, version, updated_at)
VALUES(?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
  prefs_json=excluded.prefs_json,
  meta_json=excluded.meta_json,
  version=excluded.version,
  updated_at=excluded.updated_at`,
		userID, b.PrefsJSON, b.MetaJSON, b.Version, time.Now().Unix())
	return err
}
