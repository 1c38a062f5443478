package store

import (
	"context"
	"fmt"
	"time"
)

// BuildRun is the append-only audit record of one timeline build invocation.
type BuildRun struct {
	RunID            string
	Mode             string
	RecordsScanned   int64
	EventsAdded      int64
	EventsSkipped    int64
	MalformedSkipped int64
	Duration         time.Duration
	StartedAt        time.Time
}

// InsertBuildRun appends a build run record.
func (s *CaseStore) InsertBuildRun(ctx context.Context, run *BuildRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_runs (
			run_id, mode, records_scanned, events_added, events_skipped,
			malformed_skipped, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Mode, run.RecordsScanned, run.EventsAdded,
		run.EventsSkipped, run.MalformedSkipped, run.Duration.Milliseconds(),
		run.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert build run: %w", err)
	}
	return nil
}

// ListBuildRuns returns all build runs, newest first.
func (s *CaseStore) ListBuildRuns(ctx context.Context) ([]*BuildRun, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT run_id, mode, records_scanned, events_added, events_skipped,
			malformed_skipped, duration_ms, started_at
		FROM build_runs
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query build runs: %w", err)
	}
	defer rows.Close()

	var runs []*BuildRun
	for rows.Next() {
		var run BuildRun
		var durationMs, startedAtUnix int64
		if err := rows.Scan(&run.RunID, &run.Mode, &run.RecordsScanned,
			&run.EventsAdded, &run.EventsSkipped, &run.MalformedSkipped,
			&durationMs, &startedAtUnix); err != nil {
			return nil, fmt.Errorf("store: failed to scan build run: %w", err)
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		run.StartedAt = time.Unix(startedAtUnix, 0).UTC()
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating build runs: %w", err)
	}
	return runs, nil
}
