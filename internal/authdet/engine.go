// Package authdet classifies raw sign-in records into authentication
// outcomes. The classifier is a total function over ordered rules: every
// record gets an outcome, and records no rule recognizes land in
// INDETERMINATE rather than erroring out.
package authdet

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/caselight/caselight/internal/job"
	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// Determination is the classifier output for one sign-in record.
type Determination struct {
	Outcome    types.AuthOutcome
	Confidence int
	Priority   types.InvestigationPriority
	Reasoning  string
}

// caStatus values observed in Entra ID sign-in exports, compared
// case-insensitively.
const (
	caSuccess    = "success"
	caFailure    = "failure"
	caBlocked    = "blocked"
	caNotApplied = "notapplied"
)

func riskIsElevated(riskLevel string) bool {
	switch strings.ToLower(riskLevel) {
	case "high", "medium":
		return true
	}
	return false
}

// errorIndicatesFailure reports whether the error code marks a failed
// authentication. Code 0 and the informational code 1 (interrupt resolved)
// do not.
func errorIndicatesFailure(code *int64) bool {
	return code != nil && *code > 1
}

// Classify maps one sign-in record to a determination. Rules are evaluated
// in order and the first match wins. The risky-session rule sits above the
// error-code rule on purpose: an interrupted sign-in from a risky session is
// triaged as a likely success, not buried as a routine failure.
func Classify(rec *store.RawRecord) Determination {
	ca := strings.ToLower(rec.CAStatus)

	// Rule 1: conditional access evaluated and passed. The session was
	// established.
	if ca == caSuccess {
		return Determination{
			Outcome:    types.OutcomeConfirmedSuccess,
			Confidence: types.OutcomeConfirmedSuccess.Confidence(),
			Priority:   types.PriorityNone,
			Reasoning:  "conditional access reported success",
		}
	}

	// Rule 2: conditional access blocked the sign-in.
	if ca == caBlocked || ca == caFailure {
		return Determination{
			Outcome:    types.OutcomeCABlocked,
			Confidence: types.OutcomeCABlocked.Confidence(),
			Priority:   types.PriorityNone,
			Reasoning:  fmt.Sprintf("conditional access reported %s", ca),
		}
	}

	// Rule 3: identity protection flagged the session while no policy
	// applied. Treated as a likely success needing immediate review even
	// when an error code is present.
	if ca == caNotApplied && riskIsElevated(rec.RiskLevel) {
		return Determination{
			Outcome:    types.OutcomeLikelySuccessRisky,
			Confidence: types.OutcomeLikelySuccessRisky.Confidence(),
			Priority:   types.PriorityImmediate,
			Reasoning:  fmt.Sprintf("no policy applied and risk level %s", strings.ToLower(rec.RiskLevel)),
		}
	}

	// Rule 4: an error code marks a failed authentication.
	if errorIndicatesFailure(rec.ErrorCode) {
		return Determination{
			Outcome:    types.OutcomeAuthFailed,
			Confidence: types.OutcomeAuthFailed.Confidence(),
			Priority:   types.PriorityNone,
			Reasoning:  fmt.Sprintf("authentication error code %d", *rec.ErrorCode),
		}
	}

	// Rule 5: no policy applied and no meaningful error. The sign-in very
	// likely succeeded without conditional access coverage.
	if ca == caNotApplied {
		return Determination{
			Outcome:    types.OutcomeLikelySuccessNoCA,
			Confidence: types.OutcomeLikelySuccessNoCA.Confidence(),
			Priority:   types.PriorityHigh,
			Reasoning:  "no policy applied and no authentication error",
		}
	}

	// Rule 6: nothing matched. Surface for manual review instead of
	// guessing.
	return Determination{
		Outcome:    types.OutcomeIndeterminate,
		Confidence: types.OutcomeIndeterminate.Confidence(),
		Priority:   types.PriorityRoutine,
		Reasoning:  fmt.Sprintf("unrecognized conditional access status %q", rec.CAStatus),
	}
}

// ClassifyAll runs the classifier over every active sign-in record and
// persists the determinations. It scans in fixed-size batches and checks for
// cancellation between batches.
func ClassifyAll(ctx context.Context, st *store.CaseStore, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var classified int64
	var afterID int64
	for {
		if err := job.Interrupted(ctx, "authdet: classification"); err != nil {
			return classified, err
		}

		batch, err := st.ActiveRecordBatch(ctx, types.LogTypeSignIn, afterID, batchSize)
		if err != nil {
			return classified, fmt.Errorf("authdet: batch scan failed: %w", err)
		}
		if len(batch) == 0 {
			return classified, nil
		}

		updates := make([]store.DeterminationUpdate, 0, len(batch))
		for _, rec := range batch {
			d := Classify(rec)
			updates = append(updates, store.DeterminationUpdate{
				RecordID:   rec.ID,
				Outcome:    d.Outcome,
				Confidence: d.Confidence,
				Priority:   d.Priority,
			})
			afterID = rec.ID
		}
		if err := st.UpdateDeterminations(ctx, updates); err != nil {
			return classified, fmt.Errorf("authdet: persisting determinations failed: %w", err)
		}
		classified += int64(len(updates))
	}
}

// BackfillRiskLevels fills empty risk_level values with "none" so exports
// that predate the risk columns classify under the same rules as current
// ones. Returns the number of rows touched.
func BackfillRiskLevels(ctx context.Context, st *store.CaseStore) (int64, error) {
	n, err := st.BackfillRiskLevels(ctx)
	if err != nil {
		return 0, fmt.Errorf("authdet: risk level backfill failed: %w", err)
	}
	if n > 0 {
		log.Printf("[WARN] authdet: backfilled risk_level on %d legacy sign-in rows", n)
	}
	return n, nil
}
