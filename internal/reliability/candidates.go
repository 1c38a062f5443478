package reliability

import (
	"context"
	"fmt"
	"strings"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// domainFields are column names with known forensic meaning in M365 exports.
// Candidates on this list earn the domain bonus factor.
var domainFields = map[string]bool{
	"conditional_access_status": true,
	"risk_level":                true,
	"error_code":                true,
	"status":                    true,
	"result_status":             true,
}

// engineColumns are bookkeeping columns written by the engine itself. They
// never qualify as evidence fields.
var engineColumns = map[string]bool{
	"id":                     true,
	"log_type":               true,
	"raw_json":               true,
	"import_batch":           true,
	"merge_status":           true,
	"merged_into":            true,
	"merge_group":            true,
	"auth_outcome":           true,
	"auth_confidence":        true,
	"investigation_priority": true,
	"created_at":             true,
}

// statusNameHints mark columns that plausibly carry an outcome or state.
var statusNameHints = []string{"status", "result", "state", "outcome", "error", "risk", "level"}

// FieldCandidate is one discovered status-like column with its observed
// value distribution over the active rows of a log type.
type FieldCandidate struct {
	Name         string           `json:"name"`
	Distribution map[string]int64 `json:"distribution"`
	NullCount    int64            `json:"null_count"`
	TotalCount   int64            `json:"total_count"`
}

// NullRate is the fraction of active rows where the field is null or empty.
func (c FieldCandidate) NullRate() float64 {
	if c.TotalCount == 0 {
		return 1.0
	}
	return float64(c.NullCount) / float64(c.TotalCount)
}

// DistinctValues is the number of distinct non-null values observed.
func (c FieldCandidate) DistinctValues() int {
	return len(c.Distribution)
}

func looksStatusLike(name string) bool {
	if domainFields[name] {
		return true
	}
	lower := strings.ToLower(name)
	for _, hint := range statusNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// DiscoverCandidates introspects the raw table schema and returns every
// status-like column with at least one active row for the log type. The
// engine's own bookkeeping columns are skipped.
func DiscoverCandidates(ctx context.Context, st *store.CaseStore, logType types.LogType) ([]FieldCandidate, error) {
	cols, err := st.RawColumns(ctx)
	if err != nil {
		return nil, fmt.Errorf("reliability: candidate discovery failed: %w", err)
	}

	var candidates []FieldCandidate
	for _, col := range cols {
		if engineColumns[col.Name] || !looksStatusLike(col.Name) {
			continue
		}
		dist, nulls, total, err := st.ValueDistribution(ctx, logType, col.Name)
		if err != nil {
			return nil, fmt.Errorf("reliability: distribution for %s failed: %w", col.Name, err)
		}
		if total == 0 {
			continue
		}
		candidates = append(candidates, FieldCandidate{
			Name:         col.Name,
			Distribution: dist,
			NullCount:    nulls,
			TotalCount:   total,
		})
	}
	return candidates, nil
}
