package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caselight/caselight/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history", "outcomes.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSuccessRatePriorWithNoObservations(t *testing.T) {
	s := newTestStore(t)

	rate, n, err := s.SuccessRate(context.Background(), types.LogTypeSignIn, "conditional_access_status")
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if n != 0 {
		t.Errorf("observations = %d, want 0", n)
	}
	if rate != 0.5 {
		t.Errorf("rate = %v, want the 0.5 prior", rate)
	}
}

func TestRecordOutcomeAndSuccessRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outcomes := []*FieldOutcome{
		{CaseID: "case-1", LogType: types.LogTypeSignIn, FieldName: "conditional_access_status", VerificationSuccessful: true, Score: 0.82},
		{CaseID: "case-2", LogType: types.LogTypeSignIn, FieldName: "conditional_access_status", VerificationSuccessful: true, BreachDetected: true, Score: 0.79},
		{CaseID: "case-3", LogType: types.LogTypeSignIn, FieldName: "conditional_access_status", VerificationSuccessful: false, Score: 0.61},
	}
	for _, o := range outcomes {
		if err := s.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	rate, n, err := s.SuccessRate(ctx, types.LogTypeSignIn, "conditional_access_status")
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if n != 3 {
		t.Errorf("observations = %d, want 3", n)
	}
	if want := 2.0 / 3.0; rate != want {
		t.Errorf("rate = %v, want %v", rate, want)
	}
}

func TestSuccessRateScopedByLogTypeAndField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, &FieldOutcome{
		CaseID: "case-1", LogType: types.LogTypeSignIn,
		FieldName: "risk_level", VerificationSuccessful: false, Score: 0.40,
	}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	// Same field name under a different log type stays untouched.
	rate, n, err := s.SuccessRate(ctx, types.LogTypeAudit, "risk_level")
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if n != 0 || rate != 0.5 {
		t.Errorf("audit risk_level = (%v, %d), want the untouched prior (0.5, 0)", rate, n)
	}

	rate, n, err = s.SuccessRate(ctx, types.LogTypeSignIn, "risk_level")
	if err != nil {
		t.Fatalf("SuccessRate: %v", err)
	}
	if n != 1 || rate != 0 {
		t.Errorf("signin risk_level = (%v, %d), want (0, 1)", rate, n)
	}
}
