// Package localstore adapts a SQLite database, reached through
// mattn/go-sqlite3, to the shadow.LocalStore interface, and also backs the
// admin API's operator CLI tokens. The schema is applied via
// internal/localstore/migrations at Open time, grounded on the pack's
// golang-migrate usage (spitfy-gophkeeper). Per-key locking is an
// in-process keyed mutex, not a database-level lock, since ScopedLock's
// contract (spec 6) is scoped to this process's executors, not to
// concurrent processes sharing the file.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"shadowsync/internal/localstore/migrations"
	"shadowsync/internal/shadow"
)

// Store is a shadow.LocalStore backed by a single SQLite file.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[shadow.Key]*sync.Mutex
}

// Open applies pending migrations against path and returns a ready Store.
func Open(path string) (*Store, error) {
	if err := migrations.Up(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer, matches ScopedLock's single-writer assumption
	return &Store{db: db, locks: make(map[shadow.Key]*sync.Mutex)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ListSyncedShadows(ctx context.Context) ([]shadow.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thing_name, shadow_name FROM sync_information`)
	if err != nil {
		return nil, fmt.Errorf("localstore: list synced shadows: %w", err)
	}
	defer rows.Close()

	var keys []shadow.Key
	for rows.Next() {
		var k shadow.Key
		if err := rows.Scan(&k.ThingName, &k.ShadowName); err != nil {
			return nil, fmt.Errorf("localstore: scan synced shadow: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetSyncInfo(ctx context.Context, key shadow.Key) (*shadow.Info, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cloud_version, local_version, last_synced_document, cloud_update_time, last_sync_time, cloud_deleted
		FROM sync_information WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName)

	info := &shadow.Info{Key: key}
	var lastSynced []byte
	var cloudDeleted int
	if err := row.Scan(&info.CloudVersion, &info.LocalVersion, &lastSynced, &info.CloudUpdateTime, &info.LastSyncTime, &cloudDeleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: get sync info %s: %w", key, err)
	}
	info.LastSyncedDocument = lastSynced
	info.CloudDeleted = cloudDeleted != 0
	return info, nil
}

func (s *Store) UpsertSyncInfoIfAbsent(ctx context.Context, row *shadow.Info) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_information (thing_name, shadow_name, cloud_version, local_version, last_synced_document, cloud_update_time, last_sync_time, cloud_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thing_name, shadow_name) DO NOTHING`,
		row.Key.ThingName, row.Key.ShadowName, row.CloudVersion, row.LocalVersion, row.LastSyncedDocument, row.CloudUpdateTime, row.LastSyncTime, boolToInt(row.CloudDeleted))
	if err != nil {
		return fmt.Errorf("localstore: upsert sync info %s: %w", row.Key, err)
	}
	return nil
}

func (s *Store) UpdateSyncInfo(ctx context.Context, row *shadow.Info) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_information (thing_name, shadow_name, cloud_version, local_version, last_synced_document, cloud_update_time, last_sync_time, cloud_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thing_name, shadow_name) DO UPDATE SET
			cloud_version = excluded.cloud_version,
			local_version = excluded.local_version,
			last_synced_document = excluded.last_synced_document,
			cloud_update_time = excluded.cloud_update_time,
			last_sync_time = excluded.last_sync_time,
			cloud_deleted = excluded.cloud_deleted`,
		row.Key.ThingName, row.Key.ShadowName, row.CloudVersion, row.LocalVersion, row.LastSyncedDocument, row.CloudUpdateTime, row.LastSyncTime, boolToInt(row.CloudDeleted))
	if err != nil {
		return fmt.Errorf("localstore: update sync info %s: %w", row.Key, err)
	}
	return nil
}

func (s *Store) DeleteSyncInfo(ctx context.Context, key shadow.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_information WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName)
	if err != nil {
		return fmt.Errorf("localstore: delete sync info %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetShadow(ctx context.Context, key shadow.Key) ([]byte, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document, version FROM shadows WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName)
	var doc []byte
	var version uint64
	if err := row.Scan(&doc, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, shadow.ErrShadowNotFound
		}
		return nil, 0, fmt.Errorf("localstore: get shadow %s: %w", key, err)
	}
	return doc, version, nil
}

func (s *Store) UpdateShadow(ctx context.Context, key shadow.Key, doc []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("localstore: begin update shadow %s: %w", key, err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM shadows WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("localstore: read version for update %s: %w", key, err)
	}
	next := current + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shadows (thing_name, shadow_name, document, version) VALUES (?, ?, ?, ?)
		ON CONFLICT (thing_name, shadow_name) DO UPDATE SET document = excluded.document, version = excluded.version`,
		key.ThingName, key.ShadowName, doc, next)
	if err != nil {
		return 0, fmt.Errorf("localstore: write shadow %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("localstore: commit update shadow %s: %w", key, err)
	}
	return next, nil
}

func (s *Store) DeleteShadow(ctx context.Context, key shadow.Key) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("localstore: begin delete shadow %s: %w", key, err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM shadows WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("localstore: read version for delete %s: %w", key, err)
	}
	next := current + 1

	if _, err := tx.ExecContext(ctx, `DELETE FROM shadows WHERE thing_name = ? AND shadow_name = ?`, key.ThingName, key.ShadowName); err != nil {
		return 0, fmt.Errorf("localstore: delete shadow %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("localstore: commit delete shadow %s: %w", key, err)
	}
	return next, nil
}

// scopedLock is the ScopedLock returned by Lock; Unlock releases the
// process-local per-key mutex.
type scopedLock struct{ mu *sync.Mutex }

func (l scopedLock) Unlock() { l.mu.Unlock() }

func (s *Store) Lock(ctx context.Context, key shadow.Key) (shadow.ScopedLock, error) {
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()

	locked := make(chan struct{})
	go func() { mu.Lock(); close(locked) }()
	select {
	case <-locked:
		return scopedLock{mu: mu}, nil
	case <-ctx.Done():
		go func() { <-locked; mu.Unlock() }()
		return nil, ctx.Err()
	}
}

// OperatorToken is one issued admin-API bearer token.
type OperatorToken struct {
	ID          string
	Name        string
	TokenHash   string
	TokenPrefix string
	Scopes      []string
	CreatedAt   int64
	LastUsedAt  int64
	Revoked     bool
}

func (s *Store) CreateOperatorToken(ctx context.Context, t *OperatorToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_tokens (id, name, token_hash, token_prefix, scopes, created_at, last_used_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
		t.ID, t.Name, t.TokenHash, t.TokenPrefix, joinScopes(t.Scopes), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("localstore: create operator token %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) FindOperatorTokenByHash(ctx context.Context, tokenHash string) (*OperatorToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, token_hash, token_prefix, scopes, created_at, last_used_at, revoked
		FROM operator_tokens WHERE token_hash = ?`, tokenHash)
	return scanOperatorToken(row)
}

func (s *Store) ListOperatorTokens(ctx context.Context) ([]*OperatorToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, token_hash, token_prefix, scopes, created_at, last_used_at, revoked
		FROM operator_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("localstore: list operator tokens: %w", err)
	}
	defer rows.Close()

	var out []*OperatorToken
	for rows.Next() {
		t, err := scanOperatorToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeOperatorToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE operator_tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("localstore: revoke operator token %s: %w", id, err)
	}
	return nil
}

func (s *Store) TouchOperatorToken(ctx context.Context, id string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE operator_tokens SET last_used_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("localstore: touch operator token %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperatorToken(row rowScanner) (*OperatorToken, error) {
	t := &OperatorToken{}
	var scopes string
	var revoked int
	if err := row.Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix, &scopes, &t.CreatedAt, &t.LastUsedAt, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("localstore: scan operator token: %w", err)
	}
	t.Scopes = splitScopes(scopes)
	t.Revoked = revoked != 0
	return t, nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func splitScopes(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ',' {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
