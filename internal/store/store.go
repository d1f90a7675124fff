// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for the Kiln
// core: printers, jobs (with compare-and-swap state transitions), the
// durable event log, print outcomes, the hash-chained audit log, and
// webhook subscriptions.
//
// SQLite's single-writer model is honored explicitly: all writes funnel
// through one writer mutex; readers use the pooled connections and see a
// consistent WAL snapshot.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"kiln/pkg/crypto"
	"kiln/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a compare-and-swap lost the race: the row's
	// current state did not match the expected one.
	ErrConflict = errors.New("state conflict")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB

	// writeMu serializes all writes; SQLite allows one writer at a time
	// and we would rather queue in-process than trip busy timeouts.
	writeMu sync.Mutex

	// encryptor, when set, encrypts webhook secrets at rest.
	encryptor *crypto.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithEncryption(ctx, path, "")
}

// OpenWithEncryption is Open with an optional passphrase for encrypting
// webhook secrets at rest. An empty passphrase stores them in plaintext.
func OpenWithEncryption(ctx context.Context, path, passphrase string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	var enc *crypto.Encryptor
	if passphrase != "" {
		enc, err = crypto.NewEncryptor(passphrase)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init encryptor: %w", err)
		}
	}

	s := &Store{db: db, encryptor: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a write transaction under the writer lock.
// If fn returns an error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withTxLocked(ctx, fn)
}

func (s *Store) withTxLocked(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS printers (
  name       TEXT PRIMARY KEY,
  backend    TEXT NOT NULL,
  address    TEXT NOT NULL,
  profile_id TEXT NOT NULL,
  caps_json  TEXT NOT NULL,
  enabled    BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMP NOT NULL,
  last_seen  TIMESTAMP NULL
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  filename          TEXT NOT NULL,
  target_printer    TEXT NULL,
  priority          INTEGER NOT NULL DEFAULT 0,
  material          TEXT NULL,
  file_hash         TEXT NOT NULL,
  submitted_at      TIMESTAMP NOT NULL,
  state             TEXT NOT NULL CHECK (state IN ('submitted','queued','dispatched','running','completed','failed','failed_retryable','cancelled')),
  retries_remaining INTEGER NOT NULL DEFAULT 0,
  retry_not_before  TIMESTAMP NULL,
  assigned_printer  TEXT NULL,
  failure_reason    TEXT NULL,
  updated_at        TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_assigned ON jobs(assigned_printer);`,

		`CREATE TABLE IF NOT EXISTS events (
  seq          INTEGER PRIMARY KEY,
  id           TEXT NOT NULL UNIQUE,
  kind         TEXT NOT NULL,
  timestamp    TIMESTAMP NOT NULL,
  printer_id   TEXT NULL,
  job_id       TEXT NULL,
  payload_json TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);`,
		`CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id);`,

		`CREATE TABLE IF NOT EXISTS outcomes (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id           TEXT NOT NULL,
  printer_id       TEXT NOT NULL,
  result           TEXT NOT NULL CHECK (result IN ('success','failed','cancelled','partial')),
  quality_grade    TEXT NULL,
  failure_mode     TEXT NULL,
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  file_hash        TEXT NOT NULL,
  material         TEXT NULL,
  settings_json    TEXT NULL,
  notes            TEXT NULL,
  recorded_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_routing ON outcomes(printer_id, file_hash, material);`,

		`CREATE TABLE IF NOT EXISTS audit_log (
  seq           INTEGER PRIMARY KEY,
  ts            TIMESTAMP NOT NULL,
  actor         TEXT NOT NULL,
  tool          TEXT NOT NULL,
  params_digest TEXT NOT NULL,
  result_kind   TEXT NOT NULL,
  hmac_hex      TEXT NOT NULL,
  prev_hmac_hex TEXT NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
  id          TEXT PRIMARY KEY,
  url         TEXT NOT NULL,
  event_kinds TEXT NOT NULL,
  secret      TEXT NULL,
  created_at  TIMESTAMP NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Printers ---------------

// UpsertPrinter inserts or updates a printer record by name.
func (s *Store) UpsertPrinter(ctx context.Context, p models.Printer) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	caps, err := json.Marshal(p.Caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	var lastSeen any
	if p.LastSeen != nil {
		lastSeen = p.LastSeen.UTC()
	}

	const upsert = `
INSERT INTO printers(name, backend, address, profile_id, caps_json, enabled, created_at, last_seen)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  backend=excluded.backend,
  address=excluded.address,
  profile_id=excluded.profile_id,
  caps_json=excluded.caps_json,
  enabled=excluded.enabled,
  last_seen=excluded.last_seen;`

	_, err = s.db.ExecContext(ctx, upsert,
		p.Name, p.Backend.String(), p.Address, p.ProfileID, string(caps), p.Enabled, p.CreatedAt.UTC(), lastSeen)
	if err != nil {
		return fmt.Errorf("upsert printer: %w", err)
	}
	return nil
}

// GetPrinter retrieves a printer by name.
func (s *Store) GetPrinter(ctx context.Context, name string) (*models.Printer, error) {
	const q = `SELECT name, backend, address, profile_id, caps_json, enabled, created_at, last_seen FROM printers WHERE name=?`
	return scanPrinter(s.db.QueryRowContext(ctx, q, name))
}

// ListPrinters returns all printers ordered by name.
func (s *Store) ListPrinters(ctx context.Context) ([]models.Printer, error) {
	const q = `SELECT name, backend, address, profile_id, caps_json, enabled, created_at, last_seen FROM printers ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list printers: %w", err)
	}
	defer rows.Close()

	var out []models.Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate printers: %w", err)
	}
	return out, nil
}

// UpdatePrinterLastSeen stamps the last successful status poll.
func (s *Store) UpdatePrinterLastSeen(ctx context.Context, name string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	const upd = `UPDATE printers SET last_seen=? WHERE name=?`
	_, err := s.db.ExecContext(ctx, upd, at.UTC(), name)
	if err != nil {
		return fmt.Errorf("update printer last seen: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrinter(r rowScanner) (*models.Printer, error) {
	var row struct {
		name, backend, address, profileID, capsJSON string
		enabled                                     bool
		createdAt                                   time.Time
		lastSeen                                    sql.NullTime
	}
	err := r.Scan(&row.name, &row.backend, &row.address, &row.profileID, &row.capsJSON, &row.enabled, &row.createdAt, &row.lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan printer: %w", err)
	}

	var caps models.Capabilities
	if err := json.Unmarshal([]byte(row.capsJSON), &caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}

	return &models.Printer{
		Name:      row.name,
		Backend:   models.BackendKind(row.backend),
		Address:   row.address,
		ProfileID: row.profileID,
		Caps:      caps,
		Enabled:   row.enabled,
		CreatedAt: row.createdAt.UTC(),
		LastSeen:  fromNullTimePtr(row.lastSeen),
	}, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
