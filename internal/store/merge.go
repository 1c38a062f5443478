package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	caseerr "github.com/caselight/caselight/internal/errors"
	"github.com/caselight/caselight/pkg/types"
)

// NaturalKeyGroup is a set of primary records sharing a natural key
// (user, timestamp, source IP, event type) across import batches.
type NaturalKeyGroup struct {
	UserPrincipalName string
	EventTime         time.Time
	IPAddress         string
	EventType         string
	Records           []*RawRecord
}

// FindNaturalKeyCollisions returns groups of primary records whose natural
// key collides and which came from more than one import batch. A key that
// repeats within a single batch is a legitimate repeated event, not a
// duplicate export.
func (s *CaseStore) FindNaturalKeyCollisions(ctx context.Context) ([]*NaturalKeyGroup, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_records
		WHERE merge_status = 'primary'
			AND (user_principal_name, event_time, ip_address, event_type) IN (
				SELECT user_principal_name, event_time, ip_address, event_type
				FROM raw_records
				WHERE merge_status = 'primary'
				GROUP BY user_principal_name, event_time, ip_address, event_type
				HAVING COUNT(*) > 1 AND COUNT(DISTINCT import_batch) > 1
			)
		ORDER BY user_principal_name, event_time, ip_address, event_type, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query natural key collisions: %w", err)
	}

	records, err := collectRawRecords(rows)
	if err != nil {
		return nil, err
	}

	var groups []*NaturalKeyGroup
	var current *NaturalKeyGroup
	for _, r := range records {
		if current == nil || !sameNaturalKey(current, r) {
			current = &NaturalKeyGroup{
				UserPrincipalName: r.UserPrincipalName,
				EventTime:         r.EventTime,
				IPAddress:         r.IPAddress,
				EventType:         r.EventType,
			}
			groups = append(groups, current)
		}
		current.Records = append(current.Records, r)
	}
	return groups, nil
}

func sameNaturalKey(g *NaturalKeyGroup, r *RawRecord) bool {
	return g.UserPrincipalName == r.UserPrincipalName &&
		g.EventTime.Equal(r.EventTime) &&
		g.IPAddress == r.IPAddress &&
		g.EventType == r.EventType
}

// ApplyMergeGroup marks every member except the primary as merged into the
// primary, records group membership for reversal, and does it all in one
// transaction. No row is ever deleted.
func (s *CaseStore) ApplyMergeGroup(ctx context.Context, groupID string, primaryID int64, memberIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	// The primary must still be a primary record.
	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT merge_status FROM raw_records WHERE id = ?", primaryID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: primary record %d not found", primaryID)
	}
	if err != nil {
		return fmt.Errorf("store: failed to check primary record: %w", err)
	}
	if types.MergeStatus(status) != types.MergePrimary {
		return fmt.Errorf("store: record %d is already merged and cannot be a primary", primaryID)
	}

	for _, id := range memberIDs {
		if id == primaryID {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE raw_records
			SET merge_status = 'merged', merged_into = ?, merge_group = ?
			WHERE id = ? AND merge_status = 'primary'`,
			primaryID, groupID, id,
		)
		if err != nil {
			return fmt.Errorf("store: failed to mark record %d merged: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("store: record %d not found or already merged", id)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE raw_records SET merge_group = ? WHERE id = ?", groupID, primaryID,
	); err != nil {
		return fmt.Errorf("store: failed to tag primary record: %w", err)
	}

	members, err := json.Marshal(memberIDs)
	if err != nil {
		return fmt.Errorf("store: failed to marshal member ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_groups (group_id, primary_record_id, member_ids, merged_at)
		VALUES (?, ?, ?, ?)`,
		groupID, primaryID, string(members), time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("store: failed to record merge group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit merge: %w", err)
	}
	return nil
}

// UnmergeGroup fully reverses a merge: every member returns to primary with
// its merge pointers cleared, and the group is stamped unmerged. The group
// row itself is kept for the audit trail.
func (s *CaseStore) UnmergeGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin unmerge transaction: %w", err)
	}
	defer tx.Rollback()

	var primaryID int64
	var memberJSON string
	var unmergedAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT primary_record_id, member_ids, unmerged_at FROM merge_groups WHERE group_id = ?",
		groupID,
	).Scan(&primaryID, &memberJSON, &unmergedAt)
	if err == sql.ErrNoRows {
		return caseerr.New(caseerr.ErrCategoryMergeConflict, caseerr.CodeGroupNotFound,
			fmt.Sprintf("merge group %s not found", groupID))
	}
	if err != nil {
		return fmt.Errorf("store: failed to load merge group: %w", err)
	}
	if unmergedAt.Valid {
		return fmt.Errorf("store: merge group %s is already unmerged", groupID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE raw_records
		SET merge_status = 'primary', merged_into = NULL, merge_group = NULL
		WHERE merge_group = ?`,
		groupID,
	); err != nil {
		return fmt.Errorf("store: failed to restore merged records: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE merge_groups SET unmerged_at = ? WHERE group_id = ?",
		time.Now().Unix(), groupID,
	); err != nil {
		return fmt.Errorf("store: failed to stamp unmerge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit unmerge: %w", err)
	}
	return nil
}

// RecordsByIDs loads raw records by ID, merged rows included.
func (s *CaseStore) RecordsByIDs(ctx context.Context, ids []int64) ([]*RawRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+rawRecordColumns+" FROM raw_records WHERE id IN ("+placeholders+") ORDER BY id",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query records by id: %w", err)
	}
	return collectRawRecords(rows)
}
