package store

import (
	"context"
	"fmt"

	"github.com/caselight/caselight/pkg/types"
)

// ColumnInfo describes one column of the raw_records table as reported by
// the SQLite schema. Field discovery works from this typed introspection
// output rather than reflection over live rows.
type ColumnInfo struct {
	Name    string
	SQLType string
}

// RawColumns lists the columns of raw_records via PRAGMA table_info.
func (s *CaseStore) RawColumns(ctx context.Context) ([]ColumnInfo, error) {
	rows, err := s.readDB.QueryContext(ctx, "PRAGMA table_info(raw_records)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to introspect raw_records: %w", err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, sqlType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &sqlType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("store: failed to scan column info: %w", err)
		}
		cols = append(cols, ColumnInfo{Name: name, SQLType: sqlType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating column info: %w", err)
	}
	return cols, nil
}

// validColumn reports whether name is an actual raw_records column. Dynamic
// identifiers are only ever interpolated after passing this check.
func (s *CaseStore) validColumn(ctx context.Context, name string) (bool, error) {
	cols, err := s.RawColumns(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// ValueDistribution returns the value histogram for a column over the active
// rows of one log type, plus the null/empty count and total row count.
func (s *CaseStore) ValueDistribution(ctx context.Context, logType types.LogType, column string) (map[string]int64, int64, int64, error) {
	ok, err := s.validColumn(ctx, column)
	if err != nil {
		return nil, 0, 0, err
	}
	if !ok {
		return nil, 0, 0, fmt.Errorf("store: unknown column %q", column)
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(CAST("%s" AS TEXT), ''), COUNT(*)
		FROM raw_records
		WHERE merge_status = 'primary' AND log_type = ?
		GROUP BY 1`, column)

	rows, err := s.readDB.QueryContext(ctx, query, string(logType))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("store: failed to query distribution for %s: %w", column, err)
	}
	defer rows.Close()

	dist := make(map[string]int64)
	var nulls, total int64
	for rows.Next() {
		var value string
		var count int64
		if err := rows.Scan(&value, &count); err != nil {
			return nil, 0, 0, fmt.Errorf("store: failed to scan distribution row: %w", err)
		}
		total += count
		if value == "" {
			nulls += count
			continue
		}
		dist[value] = count
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("store: error iterating distribution: %w", err)
	}
	return dist, nulls, total, nil
}

// OutcomeCounts holds how often a field value co-occurred with the success
// and failure sides of the outcome proxy.
type OutcomeCounts struct {
	Success int64
	Failure int64
}

// ValueOutcomeCounts returns, per field value, its co-occurrence with the
// outcome proxy (error_code absent or zero counts as success). The scorer
// uses this to estimate discriminatory power.
func (s *CaseStore) ValueOutcomeCounts(ctx context.Context, logType types.LogType, column string) (map[string]OutcomeCounts, error) {
	ok, err := s.validColumn(ctx, column)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: unknown column %q", column)
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(CAST("%s" AS TEXT), ''),
			CASE WHEN error_code IS NULL OR error_code = 0 THEN 1 ELSE 0 END,
			COUNT(*)
		FROM raw_records
		WHERE merge_status = 'primary' AND log_type = ?
		GROUP BY 1, 2`, column)

	rows, err := s.readDB.QueryContext(ctx, query, string(logType))
	if err != nil {
		return nil, fmt.Errorf("store: failed to query outcome counts for %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]OutcomeCounts)
	for rows.Next() {
		var value string
		var success int
		var n int64
		if err := rows.Scan(&value, &success, &n); err != nil {
			return nil, fmt.Errorf("store: failed to scan outcome counts: %w", err)
		}
		if value == "" {
			continue
		}
		c := counts[value]
		if success == 1 {
			c.Success += n
		} else {
			c.Failure += n
		}
		counts[value] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating outcome counts: %w", err)
	}
	return counts, nil
}
