package store

import (
	"context"
	"fmt"

	"github.com/caselight/caselight/pkg/types"
)

// AuthStatusRow is one row of the queryable auth-status view.
type AuthStatusRow struct {
	EventID           int64
	UserPrincipalName string
	IPAddress         string
	Determination     types.AuthOutcome
	ConfidencePct     int
	Priority          types.InvestigationPriority
}

// DeterminationUpdate carries the classification result for one sign-in row.
type DeterminationUpdate struct {
	RecordID   int64
	Outcome    types.AuthOutcome
	Confidence int
	Priority   types.InvestigationPriority
}

// UpdateDeterminations materializes classification results onto their raw
// sign-in rows in one transaction.
func (s *CaseStore) UpdateDeterminations(ctx context.Context, updates []DeterminationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin determination update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE raw_records
		SET auth_outcome = ?, auth_confidence = ?, investigation_priority = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare determination update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			string(u.Outcome), u.Confidence, string(u.Priority), u.RecordID,
		); err != nil {
			return fmt.Errorf("store: failed to update determination for record %d: %w", u.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit determinations: %w", err)
	}
	return nil
}

// BackfillRiskLevels sets risk_level to "none" on active sign-in rows where
// the export left it empty. Returns the number of rows changed.
func (s *CaseStore) BackfillRiskLevels(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_records
		SET risk_level = 'none'
		WHERE merge_status = 'primary' AND log_type = ? AND risk_level = ''`,
		string(types.LogTypeSignIn))
	if err != nil {
		return 0, fmt.Errorf("store: risk level backfill failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: risk level backfill rowcount: %w", err)
	}
	return n, nil
}

// AuthViewFilter narrows the auth-status view. Zero values mean "no filter".
type AuthViewFilter struct {
	UserPrincipalName string
	Outcome           types.AuthOutcome
	Priority          types.InvestigationPriority
}

// QueryAuthView returns the auth-status view over active sign-in rows:
// (event_id, user, ip, determination, confidence, priority).
func (s *CaseStore) QueryAuthView(ctx context.Context, filter AuthViewFilter) ([]*AuthStatusRow, error) {
	query := `
		SELECT id, user_principal_name, ip_address, auth_outcome,
			auth_confidence, investigation_priority
		FROM raw_records
		WHERE merge_status = 'primary' AND log_type = ? AND auth_outcome != ''`
	args := []interface{}{string(types.LogTypeSignIn)}

	if filter.UserPrincipalName != "" {
		query += " AND user_principal_name = ? COLLATE NOCASE"
		args = append(args, filter.UserPrincipalName)
	}
	if filter.Outcome != "" {
		query += " AND auth_outcome = ?"
		args = append(args, string(filter.Outcome))
	}
	if filter.Priority != "" {
		query += " AND investigation_priority = ?"
		args = append(args, string(filter.Priority))
	}
	query += " ORDER BY event_time ASC, id ASC"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query auth view: %w", err)
	}
	defer rows.Close()

	var result []*AuthStatusRow
	for rows.Next() {
		var row AuthStatusRow
		var outcome, priority string
		if err := rows.Scan(&row.EventID, &row.UserPrincipalName, &row.IPAddress,
			&outcome, &row.ConfidencePct, &priority); err != nil {
			return nil, fmt.Errorf("store: failed to scan auth view row: %w", err)
		}
		row.Determination = types.AuthOutcome(outcome)
		row.Priority = types.InvestigationPriority(priority)
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating auth view: %w", err)
	}
	return result, nil
}
