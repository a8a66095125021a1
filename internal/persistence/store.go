// Package persistence is the sqlite-backed durability collaborator: task
// snapshots for the queue/history, and the namespaced key-value entries
// behind the storage proxy.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devpilot/devpilot/internal/tasks"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dp-v1-tasks-kv"
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "devpilot.db")
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			source_client_id TEXT NOT NULL,
			intent TEXT NOT NULL,
			target_element TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			completed_at TIMESTAMP,
			completed_by TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			queued INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks(source_client_id);`,
		`CREATE TABLE IF NOT EXISTS kv_entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (namespace, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("read schema meta: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (version, checksum) VALUES (?, ?)`,
			schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	} else {
		var version int
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT version, checksum FROM schema_meta LIMIT 1`).Scan(&version, &checksum); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion || checksum != schemaChecksum {
			return fmt.Errorf("schema mismatch: have v%d (%s), want v%d (%s)", version, checksum, schemaVersion, schemaChecksum)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, on top of the
// driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// UpsertTask writes one task snapshot row. Implements tasks.Store.
func (s *Store) UpsertTask(ctx context.Context, rec tasks.HistoryRecord, queued bool) error {
	queuedInt := 0
	if queued {
		queuedInt = 1
	}
	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, source_client_id, intent, target_element, note, submitted_at,
				status, completed_at, completed_by, result, error, queued)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				completed_at = excluded.completed_at,
				completed_by = excluded.completed_by,
				result = excluded.result,
				error = excluded.error,
				queued = excluded.queued`,
			rec.ID, rec.SourceClientID, string(rec.Intent), rec.TargetElement, rec.Note,
			rec.SubmittedAt.UTC(), string(rec.Status), completedAt, rec.CompletedBy,
			rec.Result, rec.Error, queuedInt)
		return err
	})
}

// DeleteTask removes an evicted history row. Implements tasks.Store.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// LoadTasks returns all persisted rows in insertion order. Implements
// tasks.Store.
func (s *Store) LoadTasks(ctx context.Context) ([]tasks.StoredTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_client_id, intent, target_element, note, submitted_at,
			status, completed_at, completed_by, result, error, queued
		FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.StoredTask
	for rows.Next() {
		var rec tasks.HistoryRecord
		var intent, status string
		var completedAt sql.NullTime
		var queued int
		if err := rows.Scan(&rec.ID, &rec.SourceClientID, &intent, &rec.TargetElement, &rec.Note,
			&rec.SubmittedAt, &status, &completedAt, &rec.CompletedBy, &rec.Result, &rec.Error, &queued); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.Intent = tasks.Intent(intent)
		rec.Status = tasks.Status(status)
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		out = append(out, tasks.StoredTask{Record: rec, Queued: queued != 0})
	}
	return out, rows.Err()
}

// PruneTerminalTasksBefore removes completed/failed rows whose terminal
// timestamp predates cutoff. Queued rows are never pruned.
func (s *Store) PruneTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN ('completed', 'failed')
			  AND queued = 0
			  AND completed_at IS NOT NULL
			  AND completed_at < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// TaskCount returns the number of persisted task rows.
func (s *Store) TaskCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// KVGet fetches one namespaced value. The bool reports presence.
func (s *Store) KVGet(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

// KVSet writes one namespaced value.
func (s *Store) KVSet(ctx context.Context, namespace, key string, value json.RawMessage) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_entries (namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			namespace, key, string(value), time.Now().UTC())
		return err
	})
}

// KVRemove deletes one namespaced key.
func (s *Store) KVRemove(ctx context.Context, namespace, key string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key)
		return err
	})
}

// KVKeys lists the keys of one namespace in lexical order.
func (s *Store) KVKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// KVHas reports whether a namespaced key exists.
func (s *Store) KVHas(ctx context.Context, namespace, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// KVClear removes every key of one namespace.
func (s *Store) KVClear(ctx context.Context, namespace string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ?`, namespace)
		return err
	})
}
