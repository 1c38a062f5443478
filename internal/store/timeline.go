package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	caseerr "github.com/caselight/caselight/internal/errors"
	"github.com/caselight/caselight/pkg/types"
)

// TimelineEvent is one persisted, content-hash-deduplicated forensic event.
type TimelineEvent struct {
	EventID         string
	ContentHash     string
	EventTime       time.Time
	Actor           string
	Action          string
	Description     string
	Severity        types.EventSeverity
	MITRETechnique  string
	AttackPhase     types.AttackPhase
	SourceRecordIDs []int64
	Excluded        bool
	ExclusionReason string
	CreatedAt       time.Time
	Annotations     []Annotation
}

// Annotation is one analyst note attached to a timeline event.
type Annotation struct {
	AnnotationID  string
	EventID       string
	Kind          string
	Content       string
	ReportSection string
	CreatedAt     time.Time
}

// KnownContentHashes returns the set of content hashes already persisted.
// Incremental builds skip candidates whose hash is in this set; full rebuilds
// rely on the same check to stay idempotent.
func (s *CaseStore) KnownContentHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT content_hash FROM timeline_events")
	if err != nil {
		return nil, fmt.Errorf("store: failed to query content hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: failed to scan content hash: %w", err)
		}
		hashes[h] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating content hashes: %w", err)
	}
	return hashes, nil
}

// InsertTimelineEvent persists an event if its content hash is new. Returns
// true when a row was inserted, false when the hash already existed.
func (s *CaseStore) InsertTimelineEvent(ctx context.Context, ev *TimelineEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourceIDs, err := json.Marshal(ev.SourceRecordIDs)
	if err != nil {
		return false, fmt.Errorf("store: failed to marshal source record ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO timeline_events (
			event_id, content_hash, event_time, actor, action, description,
			severity, mitre_technique, attack_phase, source_record_ids, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.ContentHash, ev.EventTime.Unix(), ev.Actor, ev.Action,
		ev.Description, string(ev.Severity), ev.MITRETechnique,
		string(ev.AttackPhase), string(sourceIDs), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("store: failed to insert timeline event: %w", err)
	}

	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ExcludeEvent soft-excludes a timeline event. The reason is mandatory; the
// row is never deleted and stays reachable with includeExcluded queries.
func (s *CaseStore) ExcludeEvent(ctx context.Context, eventID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return caseerr.NewValidationError(caseerr.CodeInvalidArgument,
			"exclusion requires a reason", "state why the event is out of scope for the report")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE timeline_events SET excluded = 1, exclusion_reason = ? WHERE event_id = ?",
		reason, eventID,
	)
	if err != nil {
		return fmt.Errorf("store: failed to exclude event: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("store: timeline event %s not found", eventID)
	}
	return nil
}

// AddAnnotation attaches an analyst note to a timeline event.
func (s *CaseStore) AddAnnotation(ctx context.Context, eventID, kind, content, reportSection string) (*Annotation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, caseerr.NewValidationError(caseerr.CodeInvalidArgument,
			"annotation content must not be empty", "write the note before attaching it")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM timeline_events WHERE event_id = ?", eventID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: timeline event %s not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to check event: %w", err)
	}

	a := &Annotation{
		AnnotationID:  uuid.NewString(),
		EventID:       eventID,
		Kind:          kind,
		Content:       content,
		ReportSection: reportSection,
		CreatedAt:     time.Now().UTC(),
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (annotation_id, event_id, kind, content, report_section, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.AnnotationID, a.EventID, a.Kind, a.Content, a.ReportSection, a.CreatedAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("store: failed to insert annotation: %w", err)
	}
	return a, nil
}

// TimelineFilter narrows a timeline query. Zero values mean "no filter".
type TimelineFilter struct {
	Actor           string
	AttackPhase     types.AttackPhase
	Severity        types.EventSeverity
	From            time.Time
	To              time.Time
	IncludeExcluded bool
}

// QueryTimeline returns timeline events matching the filter, joined with
// their annotations, ordered by event time. Excluded events only appear when
// IncludeExcluded is set.
func (s *CaseStore) QueryTimeline(ctx context.Context, filter TimelineFilter) ([]*TimelineEvent, error) {
	query := `
		SELECT event_id, content_hash, event_time, actor, action, description,
			severity, mitre_technique, attack_phase, source_record_ids,
			excluded, exclusion_reason, created_at
		FROM timeline_events
		WHERE 1=1`
	var args []interface{}

	if !filter.IncludeExcluded {
		query += " AND excluded = 0"
	}
	if filter.Actor != "" {
		query += " AND actor = ? COLLATE NOCASE"
		args = append(args, filter.Actor)
	}
	if filter.AttackPhase != "" {
		query += " AND attack_phase = ?"
		args = append(args, string(filter.AttackPhase))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if !filter.From.IsZero() {
		query += " AND event_time >= ?"
		args = append(args, filter.From.Unix())
	}
	if !filter.To.IsZero() {
		query += " AND event_time <= ?"
		args = append(args, filter.To.Unix())
	}
	query += " ORDER BY event_time ASC, event_id ASC"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []*TimelineEvent
	byID := make(map[string]*TimelineEvent)
	for rows.Next() {
		ev, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		byID[ev.EventID] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating timeline: %w", err)
	}

	if len(events) == 0 {
		return events, nil
	}

	if err := s.attachAnnotations(ctx, byID); err != nil {
		return nil, err
	}
	return events, nil
}

// attachAnnotations loads annotations for the given events in one query.
func (s *CaseStore) attachAnnotations(ctx context.Context, byID map[string]*TimelineEvent) error {
	ids := make([]string, 0, len(byID))
	args := make([]interface{}, 0, len(byID))
	for id := range byID {
		ids = append(ids, "?")
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT annotation_id, event_id, kind, content, report_section, created_at
		FROM annotations
		WHERE event_id IN (%s)
		ORDER BY created_at ASC`, strings.Join(ids, ","))

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: failed to query annotations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Annotation
		var createdAtUnix int64
		if err := rows.Scan(&a.AnnotationID, &a.EventID, &a.Kind, &a.Content, &a.ReportSection, &createdAtUnix); err != nil {
			return fmt.Errorf("store: failed to scan annotation: %w", err)
		}
		a.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		if ev, ok := byID[a.EventID]; ok {
			ev.Annotations = append(ev.Annotations, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: error iterating annotations: %w", err)
	}
	return nil
}

// scanTimelineEvent scans one timeline row.
func scanTimelineEvent(rows *sql.Rows) (*TimelineEvent, error) {
	var ev TimelineEvent
	var severity, phase, sourceIDs string
	var excluded int
	var eventTimeUnix, createdAtUnix int64

	err := rows.Scan(
		&ev.EventID, &ev.ContentHash, &eventTimeUnix, &ev.Actor, &ev.Action,
		&ev.Description, &severity, &ev.MITRETechnique, &phase, &sourceIDs,
		&excluded, &ev.ExclusionReason, &createdAtUnix,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan timeline event: %w", err)
	}

	if err := json.Unmarshal([]byte(sourceIDs), &ev.SourceRecordIDs); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal source record ids: %w", err)
	}
	ev.Severity = types.EventSeverity(severity)
	ev.AttackPhase = types.AttackPhase(phase)
	ev.Excluded = excluded == 1
	ev.EventTime = time.Unix(eventTimeUnix, 0).UTC()
	ev.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return &ev, nil
}

// TimelineEventCount returns the total number of timeline events, excluded
// rows included. Exclusion must never change this count.
func (s *CaseStore) TimelineEventCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM timeline_events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count timeline events: %w", err)
	}
	return count, nil
}
