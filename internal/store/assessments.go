package store

import (
	"context"
	"fmt"
	"time"
)

// StoredAssessment is a persisted compromise assessment with its itemized
// indicators kept as JSON for export to the report collaborator.
type StoredAssessment struct {
	AssessmentID      string
	UserPrincipalName string
	EventTime         time.Time
	IPAddress         string
	Verdict           string
	Confidence        int
	IndicatorsJSON    string
	CreatedAt         time.Time
}

// InsertAssessment appends one compromise assessment.
func (s *CaseStore) InsertAssessment(ctx context.Context, a *StoredAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compromise_assessments (
			assessment_id, user_principal_name, event_time, ip_address,
			verdict, confidence, indicators_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AssessmentID, a.UserPrincipalName, a.EventTime.Unix(), a.IPAddress,
		a.Verdict, a.Confidence, a.IndicatorsJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert assessment: %w", err)
	}
	return nil
}

// ListAssessments returns all assessments, newest first.
func (s *CaseStore) ListAssessments(ctx context.Context) ([]*StoredAssessment, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT assessment_id, user_principal_name, event_time, ip_address,
			verdict, confidence, indicators_json, created_at
		FROM compromise_assessments
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query assessments: %w", err)
	}
	defer rows.Close()

	var result []*StoredAssessment
	for rows.Next() {
		var a StoredAssessment
		var eventTimeUnix, createdAtUnix int64
		if err := rows.Scan(&a.AssessmentID, &a.UserPrincipalName, &eventTimeUnix,
			&a.IPAddress, &a.Verdict, &a.Confidence, &a.IndicatorsJSON, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("store: failed to scan assessment: %w", err)
		}
		a.EventTime = time.Unix(eventTimeUnix, 0).UTC()
		a.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating assessments: %w", err)
	}
	return result, nil
}
