package merge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	caseerr "github.com/caselight/caselight/internal/errors"
	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

var dupTime = time.Date(2026, 3, 5, 11, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.CaseStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "case.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func dupRecord(sourceID, country string) *store.RawRecord {
	return &store.RawRecord{
		LogType:           types.LogTypeSignIn,
		EventTime:         dupTime,
		UserPrincipalName: "alice@contoso.com",
		IPAddress:         "203.0.113.10",
		EventType:         "SignIn",
		Country:           country,
		SourceID:          sourceID,
		CAStatus:          "success",
		RawJSON:           []byte(`{"id":"` + sourceID + `"}`),
	}
}

// importTwice loads the same logical event in two batches: the second import
// carries a more complete payload.
func importTwice(t *testing.T, st *store.CaseStore) {
	t.Helper()
	ctx := context.Background()
	if err := st.InsertRawRecords(ctx, "export-week1", []*store.RawRecord{dupRecord("r1", "")}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if err := st.InsertRawRecords(ctx, "export-week2", []*store.RawRecord{dupRecord("r2", "NL")}); err != nil {
		t.Fatalf("second import failed: %v", err)
	}
}

func TestIdentifyDuplicatesAcrossBatches(t *testing.T) {
	st := openTestStore(t)
	importTwice(t, st)

	groups, conflicts, err := NewResolver(st).IdentifyDuplicates(context.Background())
	if err != nil {
		t.Fatalf("IdentifyDuplicates failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("got %d conflicts, want 0: %v", len(conflicts), conflicts)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	g := groups[0]
	if len(g.Duplicates) != 1 {
		t.Fatalf("group has %d duplicates, want 1", len(g.Duplicates))
	}
	if g.Primary.ImportBatch != "export-week1" {
		t.Errorf("primary from batch %s, want export-week1", g.Primary.ImportBatch)
	}
}

func TestSameBatchRepeatsAreNotDuplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// The same natural key twice in one batch is a repeated event.
	records := []*store.RawRecord{dupRecord("r1", "NL"), dupRecord("r2", "NL")}
	if err := st.InsertRawRecords(ctx, "export-week1", records); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	groups, _, err := NewResolver(st).IdentifyDuplicates(ctx)
	if err != nil {
		t.Fatalf("IdentifyDuplicates failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("got %d groups for single-batch repeats, want 0", len(groups))
	}
}

func TestMergeNeverReducesRowCount(t *testing.T) {
	st := openTestStore(t)
	importTwice(t, st)
	ctx := context.Background()

	before, err := st.RawRecordCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}

	report, conflicts, err := NewResolver(st).MergeDuplicates(ctx, MergeOptions{AutoApply: true})
	if err != nil {
		t.Fatalf("MergeDuplicates failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
	if report.GroupsMerged != 1 || report.RecordsMerged != 1 {
		t.Errorf("report = %+v, want 1 group, 1 record", report)
	}

	after, err := st.RawRecordCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if before != after {
		t.Errorf("merge changed raw row count: %d -> %d", before, after)
	}

	active, err := st.ActiveRecordCount(ctx)
	if err != nil {
		t.Fatalf("active count failed: %v", err)
	}
	if active != 1 {
		t.Errorf("active view has %d rows, want 1", active)
	}
}

func TestMergeDryRunChangesNothing(t *testing.T) {
	st := openTestStore(t)
	importTwice(t, st)
	ctx := context.Background()

	report, _, err := NewResolver(st).MergeDuplicates(ctx, MergeOptions{})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report not marked as dry run")
	}
	if report.GroupsMerged != 1 {
		t.Errorf("dry run reported %d groups, want 1", report.GroupsMerged)
	}

	active, _ := st.ActiveRecordCount(ctx)
	if active != 2 {
		t.Errorf("dry run changed active view: %d rows, want 2", active)
	}
}

func TestUnmergeRestoresActiveView(t *testing.T) {
	st := openTestStore(t)
	importTwice(t, st)
	ctx := context.Background()

	r := NewResolver(st)
	if _, _, err := r.MergeDuplicates(ctx, MergeOptions{AutoApply: true}); err != nil {
		t.Fatalf("MergeDuplicates failed: %v", err)
	}

	groups, _, err := r.IdentifyDuplicates(ctx)
	if err != nil {
		t.Fatalf("IdentifyDuplicates failed: %v", err)
	}
	// Merged rows left the active view, so no collisions remain.
	if len(groups) != 0 {
		t.Fatalf("got %d groups after merge, want 0", len(groups))
	}

	// Recover the applied group id from the merged record.
	active, _ := st.ActiveRecordCount(ctx)
	if active != 1 {
		t.Fatalf("active view has %d rows, want 1", active)
	}
	all, err := st.RecordsByIDs(ctx, []int64{1, 2})
	if err != nil {
		t.Fatalf("RecordsByIDs failed: %v", err)
	}
	var groupID string
	for _, rec := range all {
		if rec.MergeGroup != "" {
			groupID = rec.MergeGroup
		}
	}
	if groupID == "" {
		t.Fatal("no record carries the merge group id")
	}

	if err := r.Unmerge(ctx, groupID); err != nil {
		t.Fatalf("Unmerge failed: %v", err)
	}
	active, _ = st.ActiveRecordCount(ctx)
	if active != 2 {
		t.Errorf("active view has %d rows after unmerge, want 2", active)
	}

	if err := r.Unmerge(ctx, "no-such-group"); err == nil {
		t.Error("expected error for unknown group id")
	} else {
		var ee *caseerr.EngineError
		if !errors.As(err, &ee) {
			t.Errorf("unknown group error is %T, want *EngineError", err)
		}
	}
}

func TestChoosePrimaryAmbiguity(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	a := dupRecord("rA", "NL")
	a.ID, a.ImportBatch, a.CreatedAt = 1, "export-week1", now
	b := dupRecord("rB", "NL")
	b.ID, b.ImportBatch, b.CreatedAt = 2, "export-week1", now
	b.RawJSON = []byte(`{"different":"payload"}`)
	c := dupRecord("rC", "NL")
	c.ID, c.ImportBatch, c.CreatedAt = 3, "export-week2", now.Add(time.Hour)

	// Two equally complete, conflicting payloads in the earliest batch.
	_, err := choosePrimary([]*store.RawRecord{a, b, c})
	if err == nil {
		t.Fatal("expected merge conflict for ambiguous group")
	}
	var ee *caseerr.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("conflict error is %T, want *EngineError", err)
	}
	if ee.Category != caseerr.ErrCategoryMergeConflict {
		t.Errorf("category = %s, want %s", ee.Category, caseerr.ErrCategoryMergeConflict)
	}

	// Unequal completeness in the earliest batch resolves cleanly.
	b.Country = ""
	primary, err := choosePrimary([]*store.RawRecord{a, b, c})
	if err != nil {
		t.Fatalf("choosePrimary failed: %v", err)
	}
	if primary.ID != 1 {
		t.Errorf("primary id = %d, want 1", primary.ID)
	}
}
