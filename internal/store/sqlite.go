package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/montana-relay/internal/gate"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS gates (
		client_id TEXT PRIMARY KEY,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		cooldown_until INTEGER,
		unlocked INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gates_cooldown ON gates(cooldown_until) WHERE cooldown_until IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getGate(ctx context.Context, q queryer, clientID string) (gate.State, error) {
	row := q.QueryRowContext(ctx,
		`SELECT attempt_count, cooldown_until, unlocked FROM gates WHERE client_id = ?`, clientID)

	var st gate.State
	var cooldown sql.NullInt64
	err := row.Scan(&st.Count, &cooldown, &st.Unlocked)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.State{}, nil
	}
	if err != nil {
		return gate.State{}, fmt.Errorf("scan gate row: %w", err)
	}
	if cooldown.Valid {
		st.CooldownUntil = time.UnixMilli(cooldown.Int64)
	}
	return st, nil
}

// GetGate retrieves the gate state of a client.
func (s *SQLiteStore) GetGate(ctx context.Context, clientID string) (gate.State, error) {
	return getGate(ctx, s.db, clientID)
}

// UpdateGate applies fn inside a transaction and upserts the result.
func (s *SQLiteStore) UpdateGate(ctx context.Context, clientID string, fn UpdateFunc) (gate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next gate.State
	err := withRetry(ctx, "update gate", func() error {
		var err error
		next, err = s.updateGateOnce(ctx, clientID, fn)
		return err
	})
	if err != nil {
		return gate.State{}, err
	}
	return next, nil
}

func (s *SQLiteStore) updateGateOnce(ctx context.Context, clientID string, fn UpdateFunc) (gate.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gate.State{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getGate(ctx, tx, clientID)
	if err != nil {
		return gate.State{}, err
	}
	next, err := fn(current)
	if err != nil {
		return gate.State{}, err
	}

	var cooldown any
	if !next.CooldownUntil.IsZero() {
		cooldown = next.CooldownUntil.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO gates (client_id, attempt_count, cooldown_until, unlocked, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		attempt_count = excluded.attempt_count,
		cooldown_until = excluded.cooldown_until,
		unlocked = excluded.unlocked,
		updated_at = excluded.updated_at`,
		clientID, next.Count, cooldown, next.Unlocked, time.Now().UnixMilli(),
	)
	if err != nil {
		return gate.State{}, fmt.Errorf("upsert gate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return gate.State{}, fmt.Errorf("commit gate: %w", err)
	}
	return next, nil
}

// DeleteExpiredGates removes locked records whose cooldown has ended.
func (s *SQLiteStore) DeleteExpiredGates(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	err := withRetry(ctx, "delete expired gates", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM gates WHERE unlocked = 0 AND cooldown_until IS NOT NULL AND cooldown_until <= ?`,
			now.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete expired gates: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
