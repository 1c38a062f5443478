package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// migration is one additive schema change. Statements must be idempotent
// (IF NOT EXISTS / ADD COLUMN guarded by version) and must never drop a
// forensic column.
type migration struct {
	version    int
	desc       string
	statements []string
}

// migrations lists every schema version beyond the base schema, in order.
// Version 1 is the base schema created by AllSchemaSQL.
var migrations = []migration{
	{
		version: 2,
		desc:    "legacy protocol flag on raw sign-ins",
		statements: []string{
			`ALTER TABLE raw_records ADD COLUMN client_app TEXT NOT NULL DEFAULT ''`,
		},
	},
}

// runMigrations brings the store up to the current schema version.
func (s *CaseStore) runMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("store: failed to read schema version: %w", err)
	}

	if current == 0 {
		// Fresh store: base schema already applied by initSchema.
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (1, ?)",
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("store: failed to record base schema version: %w", err)
		}
		current = 1
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				// ADD COLUMN on a column that already exists (store created by
				// a newer binary, downgraded, re-upgraded) is not an error.
				if isDuplicateColumn(err) {
					continue
				}
				tx.Rollback()
				return fmt.Errorf("store: migration %d (%s) failed: %w", m.version, m.desc, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: failed to commit migration %d: %w", m.version, err)
		}

		log.Printf("store: applied schema migration %d: %s", m.version, m.desc)
		current = m.version
	}

	return nil
}

// SchemaVersion returns the current schema version of the store.
func (s *CaseStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.readDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: failed to read schema version: %w", err)
	}
	return version, nil
}

// isDuplicateColumn reports whether err is SQLite's duplicate-column error.
func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
