package timeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/caselight/caselight/internal/job"
	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// BuildOptions controls one timeline build.
type BuildOptions struct {
	// Incremental skips raw records whose derived events already exist.
	// This is the default mode; a full pass over the raw tables lands on
	// the same hashes anyway, incremental just avoids re-evaluating rules
	// for records that already produced events.
	Incremental bool
	// ForceRebuild re-evaluates every raw record. Existing events are kept;
	// the content hash makes the pass idempotent.
	ForceRebuild bool

	BatchSize        int
	ProgressInterval int64
}

// BuildReport summarizes one build run.
type BuildReport struct {
	RunID            string
	RecordsScanned   int64
	EventsAdded      int64
	EventsSkipped    int64
	MalformedSkipped int64
	Duration         time.Duration
}

// Builder derives timeline events from raw records.
type Builder struct {
	store *store.CaseStore
	gen   *types.ULIDGenerator
}

func NewBuilder(st *store.CaseStore) *Builder {
	return &Builder{store: st, gen: types.NewULIDGenerator()}
}

// malformed reports whether a raw record lacks the fields every rule needs.
// Malformed rows are skipped and counted, never fatal.
func malformed(rec *store.RawRecord) bool {
	if rec.EventTime.IsZero() || rec.EventTime.Unix() <= 0 {
		return true
	}
	if rec.UserPrincipalName == "" {
		return true
	}
	return false
}

// Build scans the active raw records of every log type, applies the
// interestingness rules, and persists new events. The scan runs in batches
// with cancellation checked between batches, and every invocation appends a
// build run row for the audit trail.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*BuildReport, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10000
	}

	started := time.Now()
	report := &BuildReport{RunID: uuid.NewString()}

	known, err := b.store.KnownContentHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("timeline: loading known hashes: %w", err)
	}

	dominant, err := b.store.DominantCountry(ctx)
	if err != nil {
		return nil, fmt.Errorf("timeline: resolving dominant country: %w", err)
	}
	bctx := buildContext{DominantCountry: dominant}

	prog := job.NewProgress("timeline", opts.ProgressInterval)
	for _, logType := range types.AllLogTypes() {
		if err := b.buildLogType(ctx, logType, bctx, opts, known, prog, report); err != nil {
			return nil, err
		}
	}
	report.RecordsScanned = prog.Processed()

	report.Duration = time.Since(started)

	mode := "full"
	if opts.Incremental {
		mode = "incremental"
	}
	if opts.ForceRebuild {
		mode = "force_rebuild"
	}
	run := &store.BuildRun{
		RunID:            report.RunID,
		Mode:             mode,
		RecordsScanned:   report.RecordsScanned,
		EventsAdded:      report.EventsAdded,
		EventsSkipped:    report.EventsSkipped,
		MalformedSkipped: report.MalformedSkipped,
		Duration:         report.Duration,
		StartedAt:        started.UTC(),
	}
	if err := b.store.InsertBuildRun(ctx, run); err != nil {
		return nil, fmt.Errorf("timeline: recording build run: %w", err)
	}

	log.Printf("timeline: build %s done: scanned=%d added=%d skipped=%d malformed=%d in %s",
		report.RunID, report.RecordsScanned, report.EventsAdded,
		report.EventsSkipped, report.MalformedSkipped, report.Duration.Round(time.Millisecond))
	return report, nil
}

func (b *Builder) buildLogType(ctx context.Context, logType types.LogType, bctx buildContext, opts BuildOptions, known map[string]struct{}, prog *job.Progress, report *BuildReport) error {
	var afterID int64
	for {
		if err := job.Interrupted(ctx, "timeline build"); err != nil {
			return err
		}

		batch, err := b.store.ActiveRecordBatch(ctx, logType, afterID, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("timeline: scanning %s records: %w", logType, err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			afterID = rec.ID
			prog.Tick(string(logType))

			if malformed(rec) {
				report.MalformedSkipped++
				continue
			}

			for _, c := range evaluate(rec, bctx) {
				hash := ContentHash(rec.TenantID, rec.EventTime.Unix(), c.Actor, c.Action, rec.SourceID)
				if _, seen := known[hash]; seen {
					report.EventsSkipped++
					continue
				}

				id, err := b.gen.Generate()
				if err != nil {
					return fmt.Errorf("timeline: generating event id: %w", err)
				}
				inserted, err := b.store.InsertTimelineEvent(ctx, &store.TimelineEvent{
					EventID:         id.String(),
					ContentHash:     hash,
					EventTime:       rec.EventTime,
					Actor:           c.Actor,
					Action:          c.Action,
					Description:     c.Description,
					Severity:        c.Severity,
					MITRETechnique:  c.MITRETechnique,
					AttackPhase:     c.AttackPhase,
					SourceRecordIDs: []int64{rec.ID},
				})
				if err != nil {
					return fmt.Errorf("timeline: inserting event: %w", err)
				}
				known[hash] = struct{}{}
				if inserted {
					report.EventsAdded++
				} else {
					report.EventsSkipped++
				}
			}
		}
	}
}
