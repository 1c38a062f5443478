package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	caseerr "github.com/caselight/caselight/internal/errors"
)

// CaseStore is the per-case SQLite store. It holds one write connection
// (single writer, WAL mode) and a read-only pool so that analyst queries can
// proceed concurrently with a completed build.
type CaseStore struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	dbPath string
	mu     sync.Mutex // write-only lock
}

// Open opens (or creates) the case store at dbPath, applies migrations, and
// verifies structural integrity.
func Open(dbPath string) (*CaseStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &CaseStore{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	if err := s.runMigrations(context.Background()); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *CaseStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Verify checks structural integrity of the store. A missing table or a
// failed integrity check is store corruption: fatal, no partial recovery.
func (s *CaseStore) Verify(ctx context.Context) error {
	for _, table := range requiredTables {
		var name string
		err := s.readDB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return caseerr.NewStoreCorruption(caseerr.CodeMissingTable,
				fmt.Sprintf("required table %s is missing", table), nil)
		}
		if err != nil {
			return caseerr.NewStoreCorruption(caseerr.CodeIntegrityFailed,
				"failed to inspect schema", err)
		}
	}

	var result string
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return caseerr.NewStoreCorruption(caseerr.CodeIntegrityFailed, "integrity check failed", err)
	}
	if result != "ok" {
		return caseerr.NewStoreCorruption(caseerr.CodeIntegrityFailed,
			fmt.Sprintf("integrity check reported: %s", result), nil)
	}
	return nil
}

// AcquireWriterLock claims the advisory writer lock for this case on behalf
// of holder. At most one writer (import or build) may hold it; a second
// writer gets a CodeLockHeld error naming the current holder. Re-acquiring
// with the same holder succeeds.
func (s *CaseStore) AcquireWriterLock(ctx context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO case_lock (id, holder, acquired_at) VALUES (1, ?, ?)",
		holder, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to acquire writer lock: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	var current string
	var acquiredAt int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT holder, acquired_at FROM case_lock WHERE id = 1",
	).Scan(&current, &acquiredAt); err != nil {
		return fmt.Errorf("store: failed to inspect writer lock: %w", err)
	}

	if current == holder {
		return nil // re-entrant for the same holder
	}

	return caseerr.New(caseerr.ErrCategoryStoreCorruption, caseerr.CodeLockHeld,
		fmt.Sprintf("writer lock held by %s since %s", current, time.Unix(acquiredAt, 0).UTC().Format(time.RFC3339))).
		WithRemediation("wait for the running import/build to finish, or release a stale lock with release-lock")
}

// ReleaseWriterLock releases the advisory writer lock if holder owns it.
// Releasing a lock held by someone else is a no-op.
func (s *CaseStore) ReleaseWriterLock(ctx context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM case_lock WHERE id = 1 AND holder = ?", holder); err != nil {
		return fmt.Errorf("store: failed to release writer lock: %w", err)
	}
	return nil
}

// ForceReleaseWriterLock clears the advisory writer lock regardless of who
// holds it. Recovery path for locks left behind by a crashed writer.
func (s *CaseStore) ForceReleaseWriterLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM case_lock WHERE id = 1")
	if err != nil {
		return false, fmt.Errorf("store: failed to force-release writer lock: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Close closes both database connections.
func (s *CaseStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
