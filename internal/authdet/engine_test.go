package authdet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

func intPtr(v int64) *int64 { return &v }

func signin(caStatus, riskLevel string, errorCode *int64) *store.RawRecord {
	return &store.RawRecord{
		LogType:           types.LogTypeSignIn,
		UserPrincipalName: "a@x.com",
		CAStatus:          caStatus,
		RiskLevel:         riskLevel,
		ErrorCode:         errorCode,
	}
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name           string
		rec            *store.RawRecord
		wantOutcome    types.AuthOutcome
		wantConfidence int
		wantPriority   types.InvestigationPriority
	}{
		{
			name:           "ca success",
			rec:            signin("success", "none", nil),
			wantOutcome:    types.OutcomeConfirmedSuccess,
			wantConfidence: 100,
			wantPriority:   types.PriorityNone,
		},
		{
			name:           "ca success outranks error code",
			rec:            signin("success", "none", intPtr(50074)),
			wantOutcome:    types.OutcomeConfirmedSuccess,
			wantConfidence: 100,
			wantPriority:   types.PriorityNone,
		},
		{
			name:           "ca blocked",
			rec:            signin("blocked", "none", intPtr(53003)),
			wantOutcome:    types.OutcomeCABlocked,
			wantConfidence: 100,
			wantPriority:   types.PriorityNone,
		},
		{
			name:           "ca failure maps to blocked",
			rec:            signin("failure", "none", nil),
			wantOutcome:    types.OutcomeCABlocked,
			wantConfidence: 100,
			wantPriority:   types.PriorityNone,
		},
		{
			name:           "risky session with no policy",
			rec:            signin("notApplied", "high", nil),
			wantOutcome:    types.OutcomeLikelySuccessRisky,
			wantConfidence: 70,
			wantPriority:   types.PriorityImmediate,
		},
		{
			name:           "risky session outranks error code",
			rec:            signin("notApplied", "high", intPtr(50126)),
			wantOutcome:    types.OutcomeLikelySuccessRisky,
			wantConfidence: 70,
			wantPriority:   types.PriorityImmediate,
		},
		{
			name:           "medium risk counts as risky",
			rec:            signin("notApplied", "medium", nil),
			wantOutcome:    types.OutcomeLikelySuccessRisky,
			wantConfidence: 70,
			wantPriority:   types.PriorityImmediate,
		},
		{
			name:           "plain failure",
			rec:            signin("", "none", intPtr(50126)),
			wantOutcome:    types.OutcomeAuthFailed,
			wantConfidence: 90,
			wantPriority:   types.PriorityNone,
		},
		{
			name:           "no policy no error",
			rec:            signin("notApplied", "none", nil),
			wantOutcome:    types.OutcomeLikelySuccessNoCA,
			wantConfidence: 60,
			wantPriority:   types.PriorityHigh,
		},
		{
			name:           "no policy interrupt code still likely success",
			rec:            signin("notApplied", "low", intPtr(1)),
			wantOutcome:    types.OutcomeLikelySuccessNoCA,
			wantConfidence: 60,
			wantPriority:   types.PriorityHigh,
		},
		{
			name:           "nothing recognized",
			rec:            signin("", "", nil),
			wantOutcome:    types.OutcomeIndeterminate,
			wantConfidence: 0,
			wantPriority:   types.PriorityRoutine,
		},
		{
			name:           "unknown ca status",
			rec:            signin("reportOnly", "none", nil),
			wantOutcome:    types.OutcomeIndeterminate,
			wantConfidence: 0,
			wantPriority:   types.PriorityRoutine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.rec)
			if d.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", d.Outcome, tt.wantOutcome)
			}
			if d.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %d, want %d", d.Confidence, tt.wantConfidence)
			}
			if d.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", d.Priority, tt.wantPriority)
			}
			if d.Reasoning == "" {
				t.Error("determination has no reasoning")
			}
		})
	}
}

func TestClassifyCaseInsensitiveStatus(t *testing.T) {
	for _, ca := range []string{"Success", "SUCCESS", "success"} {
		if d := Classify(signin(ca, "none", nil)); d.Outcome != types.OutcomeConfirmedSuccess {
			t.Errorf("CAStatus %q: outcome = %s, want CONFIRMED_SUCCESS", ca, d.Outcome)
		}
	}
	for _, risk := range []string{"High", "HIGH", "high"} {
		if d := Classify(signin("notApplied", risk, nil)); d.Outcome != types.OutcomeLikelySuccessRisky {
			t.Errorf("risk %q: outcome = %s, want LIKELY_SUCCESS_RISKY", risk, d.Outcome)
		}
	}
}

func TestClassifyAllPersists(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "case.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	records := []*store.RawRecord{
		{LogType: types.LogTypeSignIn, EventTime: base, UserPrincipalName: "a@x.com", SourceID: "r1", CAStatus: "success", RawJSON: []byte(`{}`)},
		{LogType: types.LogTypeSignIn, EventTime: base.Add(time.Minute), UserPrincipalName: "a@x.com", SourceID: "r2", CAStatus: "notApplied", RiskLevel: "high", ErrorCode: intPtr(50126), RawJSON: []byte(`{}`)},
		{LogType: types.LogTypeSignIn, EventTime: base.Add(2 * time.Minute), UserPrincipalName: "b@x.com", SourceID: "r3", ErrorCode: intPtr(50126), RawJSON: []byte(`{}`)},
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := ClassifyAll(ctx, st, 2)
	if err != nil {
		t.Fatalf("ClassifyAll failed: %v", err)
	}
	if n != 3 {
		t.Errorf("classified %d records, want 3", n)
	}

	rows, err := st.QueryAuthView(ctx, store.AuthViewFilter{UserPrincipalName: "A@X.COM"})
	if err != nil {
		t.Fatalf("QueryAuthView failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows for a@x.com, want 2", len(rows))
	}
	if rows[0].Determination != types.OutcomeConfirmedSuccess {
		t.Errorf("first row = %s, want CONFIRMED_SUCCESS", rows[0].Determination)
	}
	// The risky notApplied sign-in keeps its likely-success determination
	// even though an error code is present.
	if rows[1].Determination != types.OutcomeLikelySuccessRisky {
		t.Errorf("second row = %s, want LIKELY_SUCCESS_RISKY", rows[1].Determination)
	}
	if rows[1].Priority != types.PriorityImmediate {
		t.Errorf("second row priority = %s, want P1_IMMEDIATE", rows[1].Priority)
	}
}

func TestBackfillRiskLevels(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "case.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	records := []*store.RawRecord{
		{LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com", SourceID: "r1", RawJSON: []byte(`{}`)},
		{LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com", SourceID: "r2", RiskLevel: "high", RawJSON: []byte(`{}`)},
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	n, err := BackfillRiskLevels(ctx, st)
	if err != nil {
		t.Fatalf("BackfillRiskLevels failed: %v", err)
	}
	if n != 1 {
		t.Errorf("backfilled %d rows, want 1", n)
	}

	// Second run is a no-op.
	n, err = BackfillRiskLevels(ctx, st)
	if err != nil {
		t.Fatalf("second BackfillRiskLevels failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second backfill touched %d rows, want 0", n)
	}
}
