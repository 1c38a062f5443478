package compromise

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

var suspectTime = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

const (
	suspectUPN = "victim@contoso.com"
	suspectIP  = "203.0.113.50"
)

func openTestStore(t *testing.T) *store.CaseStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "case.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func audit(upn, operation, ip string, offset time.Duration, sourceID string) *store.RawRecord {
	return &store.RawRecord{
		LogType:           types.LogTypeAudit,
		EventTime:         suspectTime.Add(offset),
		UserPrincipalName: upn,
		IPAddress:         ip,
		Operation:         operation,
		SourceID:          sourceID,
		RawJSON:           []byte(`{}`),
	}
}

func signin(upn, ip string, offset time.Duration, sourceID string) *store.RawRecord {
	return &store.RawRecord{
		LogType:           types.LogTypeSignIn,
		EventTime:         suspectTime.Add(offset),
		UserPrincipalName: upn,
		IPAddress:         ip,
		Country:           "NG",
		CAStatus:          "success",
		SourceID:          sourceID,
		RawJSON:           []byte(`{}`),
	}
}

func hasIndicator(a *Assessment, t IndicatorType) bool {
	for _, ind := range a.Indicators {
		if ind.Type == t {
			return true
		}
	}
	return false
}

func TestValidateCleanUserCapsConfidence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Sign-in activity only, nothing suspicious follows.
	if err := st.InsertRawRecords(ctx, "batch-1", []*store.RawRecord{
		signin(suspectUPN, "198.51.100.9", -time.Hour, "s1"),
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if a.Verdict != types.VerdictNoCompromise {
		t.Errorf("verdict = %s, want NO_COMPROMISE", a.Verdict)
	}
	if len(a.Indicators) != 0 {
		t.Errorf("got %d indicators, want 0", len(a.Indicators))
	}
	// Absence of evidence is not proof of absence.
	if a.Confidence > 80 {
		t.Errorf("no-compromise confidence = %d, want <= 80", a.Confidence)
	}
}

func TestValidateConfirmedCompromise(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	records := []*store.RawRecord{
		signin(suspectUPN, suspectIP, 0, "s1"),
		signin(suspectUPN, suspectIP, 2*time.Hour, "s2"),
		audit(suspectUPN, "MailItemsAccessed", suspectIP, time.Hour, "a1"),
		audit(suspectUPN, "New-InboxRule", suspectIP, 90*time.Minute, "a2"),
		audit(suspectUPN, "Consent to application.", suspectIP, 3*time.Hour, "a3"),
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if a.Verdict != types.VerdictConfirmedCompromise {
		t.Errorf("verdict = %s, want CONFIRMED_COMPROMISE", a.Verdict)
	}
	if a.Confidence < 95 {
		t.Errorf("confidence = %d, want >= 95", a.Confidence)
	}
	for _, want := range []IndicatorType{
		IndicatorMailboxAccess, IndicatorInboxRule,
		IndicatorOAuthConsent, IndicatorFollowOnSignins,
	} {
		if !hasIndicator(a, want) {
			t.Errorf("missing indicator %s", want)
		}
	}
	for _, ind := range a.Indicators {
		if ind.Confidence != indicatorConfidence[ind.Type] {
			t.Errorf("indicator %s confidence = %d, want %d", ind.Type, ind.Confidence, indicatorConfidence[ind.Type])
		}
		if len(ind.RecordIDs) == 0 {
			t.Errorf("indicator %s has no supporting records", ind.Type)
		}
	}
}

func TestValidateLikelyCompromiseBand(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	records := []*store.RawRecord{
		signin(suspectUPN, suspectIP, time.Hour, "s1"),
		audit(suspectUPN, "Reset user password.", "198.51.100.9", 2*time.Hour, "a1"),
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if a.Verdict != types.VerdictLikelyCompromise {
		t.Errorf("verdict = %s, want LIKELY_COMPROMISE (indicators: %+v)", a.Verdict, a.Indicators)
	}
	if a.Confidence < 70 || a.Confidence > 90 {
		t.Errorf("confidence = %d, want in [70, 90]", a.Confidence)
	}
}

func TestValidateExactUPNOnly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Activity belongs to a different user whose UPN contains the suspect's
	// as a substring. None of it may count.
	other := "victim@contoso.com.attacker.net"
	records := []*store.RawRecord{
		audit(other, "New-InboxRule", suspectIP, time.Hour, "a1"),
		audit(other, "Consent to application.", suspectIP, 2*time.Hour, "a2"),
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(a.Indicators) != 0 {
		t.Errorf("substring UPN matched %d indicators, want 0", len(a.Indicators))
	}

	// Case difference in the exact UPN still matches.
	if err := st.InsertRawRecords(ctx, "batch-2", []*store.RawRecord{
		audit("VICTIM@CONTOSO.COM", "New-InboxRule", suspectIP, 3*time.Hour, "a3"),
	}); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	a, err = NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("second Validate failed: %v", err)
	}
	if !hasIndicator(a, IndicatorInboxRule) {
		t.Error("case-insensitive exact UPN match did not count")
	}
}

func TestValidateWindowBounds(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	records := []*store.RawRecord{
		audit(suspectUPN, "New-InboxRule", suspectIP, -Window-time.Hour, "a1"),
		audit(suspectUPN, "New-InboxRule", suspectIP, Window+time.Hour, "a2"),
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(a.Indicators) != 0 {
		t.Errorf("activity outside the window matched %d indicators, want 0", len(a.Indicators))
	}
}

func TestValidateOrphanActivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Audit activity with zero sign-ins in the window.
	if err := st.InsertRawRecords(ctx, "batch-1", []*store.RawRecord{
		audit(suspectUPN, "MailItemsAccessed", suspectIP, time.Hour, "a1"),
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !hasIndicator(a, IndicatorOrphanActivity) {
		t.Error("missing orphan-activity indicator")
	}
}

func TestValidateExfiltrationFloor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var records []*store.RawRecord
	for i := 0; i < exfilMessageFloor; i++ {
		records = append(records, &store.RawRecord{
			LogType:           types.LogTypeMessageTrace,
			EventTime:         suspectTime.Add(time.Duration(i) * time.Minute),
			UserPrincipalName: suspectUPN,
			SourceID:          fmt.Sprintf("m-%d", i),
			RawJSON:           []byte(`{}`),
		})
	}
	if err := st.InsertRawRecords(ctx, "batch-1", records); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).Validate(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !hasIndicator(a, IndicatorExfiltration) {
		t.Error("missing exfiltration indicator at the volume floor")
	}
}

func TestValidateAndPersist(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertRawRecords(ctx, "batch-1", []*store.RawRecord{
		signin(suspectUPN, suspectIP, time.Hour, "s1"),
		audit(suspectUPN, "New-InboxRule", suspectIP, 2*time.Hour, "a1"),
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	a, err := NewValidator(st).ValidateAndPersist(ctx, suspectUPN, suspectTime, suspectIP)
	if err != nil {
		t.Fatalf("ValidateAndPersist failed: %v", err)
	}

	stored, err := st.ListAssessments(ctx)
	if err != nil {
		t.Fatalf("ListAssessments failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d stored assessments, want 1", len(stored))
	}
	if stored[0].AssessmentID != a.AssessmentID {
		t.Errorf("stored id = %s, want %s", stored[0].AssessmentID, a.AssessmentID)
	}
	if stored[0].Verdict != string(a.Verdict) {
		t.Errorf("stored verdict = %s, want %s", stored[0].Verdict, a.Verdict)
	}
	if stored[0].IndicatorsJSON == "" || stored[0].IndicatorsJSON == "null" {
		t.Error("stored assessment has no itemized indicators")
	}
}
