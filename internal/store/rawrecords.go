package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/caselight/caselight/pkg/types"
)

// RawRecord is one imported log row. Rows are created at import and never
// mutated except for the merge bookkeeping and materialized auth columns.
type RawRecord struct {
	ID                int64
	TenantID          string
	LogType           types.LogType
	EventTime         time.Time
	UserPrincipalName string
	IPAddress         string
	Country           string
	EventType         string
	SourceID          string
	Operation         string
	CAStatus          string
	RiskLevel         string
	ErrorCode         *int64
	ClientApp         string
	RawJSON           []byte
	ImportBatch       string
	MergeStatus       types.MergeStatus
	MergedInto        *int64
	MergeGroup        string
	AuthOutcome       types.AuthOutcome
	AuthConfidence    int
	Priority          types.InvestigationPriority
	CreatedAt         time.Time
}

const rawRecordColumns = `id, tenant_id, log_type, event_time, user_principal_name,
	ip_address, country, event_type, source_id, operation,
	conditional_access_status, risk_level, error_code, client_app, raw_json,
	import_batch, merge_status, merged_into, COALESCE(merge_group, ''),
	auth_outcome, auth_confidence, investigation_priority, created_at`

// InsertRawRecords inserts a batch of records under one import batch ID.
// The raw JSON payload is snappy-compressed at rest.
func (s *CaseStore) InsertRawRecords(ctx context.Context, batchID string, records []*RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin import transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_records (
			tenant_id, log_type, event_time, user_principal_name,
			ip_address, country, event_type, source_id, operation,
			conditional_access_status, risk_level, error_code, client_app,
			raw_json, import_batch, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.TenantID, string(r.LogType), r.EventTime.Unix(), r.UserPrincipalName,
			r.IPAddress, r.Country, r.EventType, r.SourceID, r.Operation,
			r.CAStatus, r.RiskLevel, r.ErrorCode, r.ClientApp,
			snappy.Encode(nil, r.RawJSON), batchID, now,
		); err != nil {
			return fmt.Errorf("store: failed to insert raw record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit import: %w", err)
	}
	return nil
}

// scanRawRecord scans one row into a RawRecord, decompressing the payload.
func scanRawRecord(rows *sql.Rows) (*RawRecord, error) {
	var r RawRecord
	var logType, mergeStatus, outcome, priority string
	var eventTimeUnix, createdAtUnix int64
	var compressed []byte

	err := rows.Scan(
		&r.ID, &r.TenantID, &logType, &eventTimeUnix, &r.UserPrincipalName,
		&r.IPAddress, &r.Country, &r.EventType, &r.SourceID, &r.Operation,
		&r.CAStatus, &r.RiskLevel, &r.ErrorCode, &r.ClientApp, &compressed,
		&r.ImportBatch, &mergeStatus, &r.MergedInto, &r.MergeGroup,
		&outcome, &r.AuthConfidence, &priority, &createdAtUnix,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan raw record: %w", err)
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decompress raw payload for record %d: %w", r.ID, err)
	}

	r.LogType = types.LogType(logType)
	r.MergeStatus = types.MergeStatus(mergeStatus)
	r.AuthOutcome = types.AuthOutcome(outcome)
	r.Priority = types.InvestigationPriority(priority)
	r.RawJSON = raw
	r.EventTime = time.Unix(eventTimeUnix, 0).UTC()
	r.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return &r, nil
}

// collectRawRecords drains rows into a slice.
func collectRawRecords(rows *sql.Rows) ([]*RawRecord, error) {
	defer rows.Close()

	var records []*RawRecord
	for rows.Next() {
		r, err := scanRawRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating raw records: %w", err)
	}
	return records, nil
}

// ActiveRecordBatch returns up to limit active (primary) records of the given
// log type with id > afterID, ordered by id. Batch scans use this so that
// cancellation can be checked between batches.
func (s *CaseStore) ActiveRecordBatch(ctx context.Context, logType types.LogType, afterID int64, limit int) ([]*RawRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_records
		WHERE merge_status = 'primary' AND log_type = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		string(logType), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query record batch: %w", err)
	}
	return collectRawRecords(rows)
}

// ActiveRecordsForUser returns active records of a log type for an exact UPN
// (case-insensitive equality, never substring) within [from, to].
func (s *CaseStore) ActiveRecordsForUser(ctx context.Context, logType types.LogType, upn string, from, to time.Time) ([]*RawRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_records
		WHERE merge_status = 'primary'
			AND log_type = ?
			AND user_principal_name = ? COLLATE NOCASE
			AND event_time BETWEEN ? AND ?
		ORDER BY event_time ASC`,
		string(logType), upn, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query records for user: %w", err)
	}
	return collectRawRecords(rows)
}

// ActiveRecordsForIP returns active records of a log type from an IP within
// [from, to].
func (s *CaseStore) ActiveRecordsForIP(ctx context.Context, logType types.LogType, ip string, from, to time.Time) ([]*RawRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_records
		WHERE merge_status = 'primary'
			AND log_type = ?
			AND ip_address = ?
			AND event_time BETWEEN ? AND ?
		ORDER BY event_time ASC`,
		string(logType), ip, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query records for ip: %w", err)
	}
	return collectRawRecords(rows)
}

// RawRecordCount returns the total number of raw records, merged included.
// Merging must never reduce this count.
func (s *CaseStore) RawRecordCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count raw records: %w", err)
	}
	return count, nil
}

// ActiveRecordCount returns the number of primary records (the active view).
func (s *CaseStore) ActiveRecordCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM raw_records WHERE merge_status = 'primary'",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count active records: %w", err)
	}
	return count, nil
}

// ActiveCountByLogType returns the active row count for one log type.
func (s *CaseStore) ActiveCountByLogType(ctx context.Context, logType types.LogType) (int64, error) {
	var count int64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM raw_records WHERE merge_status = 'primary' AND log_type = ?",
		string(logType),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count records by log type: %w", err)
	}
	return count, nil
}

// DominantCountry returns the most frequent non-empty sign-in country in the
// active view. The timeline builder treats it as the tenant's home country
// when flagging foreign logins.
func (s *CaseStore) DominantCountry(ctx context.Context) (string, error) {
	var country string
	err := s.readDB.QueryRowContext(ctx, `
		SELECT country FROM raw_records
		WHERE merge_status = 'primary' AND log_type = ? AND country != ''
		GROUP BY country
		ORDER BY COUNT(*) DESC, country ASC
		LIMIT 1`,
		string(types.LogTypeSignIn),
	).Scan(&country)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to compute dominant country: %w", err)
	}
	return country, nil
}
