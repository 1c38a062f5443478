// Package history provides the process-wide, append-only record of field
// selection outcomes across closed cases. It lives in its own small SQLite
// store, separate from any case directory: read-only during active
// investigations, appended to only at case close.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caselight/caselight/pkg/types"
)

const createFieldOutcomesSQL = `
CREATE TABLE IF NOT EXISTS field_outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id TEXT NOT NULL,
    log_type TEXT NOT NULL,
    field_name TEXT NOT NULL,
    verification_successful INTEGER NOT NULL,
    breach_detected INTEGER NOT NULL,
    score REAL NOT NULL,
    recorded_at INTEGER NOT NULL
)`

const createFieldOutcomesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_outcomes_field ON field_outcomes(log_type, field_name)`

// FieldOutcome is one recorded field-selection outcome from a closed case.
type FieldOutcome struct {
	CaseID                 string
	LogType                types.LogType
	FieldName              string
	VerificationSuccessful bool
	BreachDetected         bool
	Score                  float64
	RecordedAt             time.Time
}

// Store is the historical learning store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the history store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("history: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createFieldOutcomesSQL, createFieldOutcomesIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: failed to initialize schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// RecordOutcome appends one field-selection outcome. Called at case close;
// existing rows are never updated or deleted.
func (s *Store) RecordOutcome(ctx context.Context, o *FieldOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_outcomes (
			case_id, log_type, field_name, verification_successful,
			breach_detected, score, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.CaseID, string(o.LogType), o.FieldName,
		boolToInt(o.VerificationSuccessful), boolToInt(o.BreachDetected),
		o.Score, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("history: failed to record outcome: %w", err)
	}
	return nil
}

// SuccessRate returns the fraction of past cases in which this field's
// selection was verified successful, and the number of observations. With no
// observations it returns (0.5, 0): an uninformative prior, letting the
// other scoring factors decide.
func (s *Store) SuccessRate(ctx context.Context, logType types.LogType, fieldName string) (float64, int, error) {
	var total, successes int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(verification_successful), 0)
		FROM field_outcomes
		WHERE log_type = ? AND field_name = ?`,
		string(logType), fieldName,
	).Scan(&total, &successes)
	if err != nil {
		return 0, 0, fmt.Errorf("history: failed to compute success rate: %w", err)
	}
	if total == 0 {
		return 0.5, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}

// Close closes the history store.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
