// Package merge finds raw records that were imported more than once, picks
// a primary per group, and folds the rest under it without deleting
// anything. Every merge is recorded and reversible.
package merge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	caseerr "github.com/caselight/caselight/internal/errors"
	"github.com/caselight/caselight/internal/store"
)

// DuplicateGroup is one natural-key collision with its chosen primary.
type DuplicateGroup struct {
	GroupID           string
	UserPrincipalName string
	EventTime         time.Time
	IPAddress         string
	EventType         string
	Primary           *store.RawRecord
	Duplicates        []*store.RawRecord
}

// MergeOptions controls a merge pass.
type MergeOptions struct {
	// AutoApply persists the merges. Without it the pass is a dry run that
	// only reports what would happen.
	AutoApply bool
}

// MergeReport summarizes one merge pass.
type MergeReport struct {
	GroupsFound   int
	GroupsMerged  int
	RecordsMerged int
	DryRun        bool
}

// Resolver identifies and applies duplicate merges.
type Resolver struct {
	store *store.CaseStore
}

func NewResolver(st *store.CaseStore) *Resolver {
	return &Resolver{store: st}
}

// payloadCompleteness counts populated evidence fields. Used only to break
// ties between members of the same earliest batch.
func payloadCompleteness(r *store.RawRecord) int {
	n := 0
	for _, s := range []string{
		r.UserPrincipalName, r.IPAddress, r.Country, r.EventType,
		r.Operation, r.CAStatus, r.RiskLevel, r.ClientApp,
	} {
		if s != "" {
			n++
		}
	}
	if r.ErrorCode != nil {
		n++
	}
	n += len(r.RawJSON) / 64
	return n
}

// choosePrimary picks the group's surviving record: the member of the
// earliest import batch, tie-broken by most complete payload. Two members of
// the same batch with equal completeness but different payloads cannot be
// ordered defensibly; that group is ambiguous.
func choosePrimary(records []*store.RawRecord) (*store.RawRecord, error) {
	sorted := make([]*store.RawRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		if sorted[i].ImportBatch != sorted[j].ImportBatch {
			return sorted[i].ImportBatch < sorted[j].ImportBatch
		}
		ci, cj := payloadCompleteness(sorted[i]), payloadCompleteness(sorted[j])
		if ci != cj {
			return ci > cj
		}
		return sorted[i].ID < sorted[j].ID
	})

	first, second := sorted[0], sorted[1]
	if first.ImportBatch == second.ImportBatch &&
		payloadCompleteness(first) == payloadCompleteness(second) &&
		string(first.RawJSON) != string(second.RawJSON) {
		return nil, caseerr.NewMergeConflict(
			"conflicting payloads with equal completeness in the same batch",
			map[string]interface{}{
				"record_ids": []int64{first.ID, second.ID},
				"batch":      first.ImportBatch,
			})
	}
	return first, nil
}

// IdentifyDuplicates groups active records whose natural key (user,
// timestamp, source IP, event type) collides across import batches. Groups
// whose primary cannot be chosen defensibly come back as an error per group,
// never silently resolved.
func (r *Resolver) IdentifyDuplicates(ctx context.Context) ([]*DuplicateGroup, []error, error) {
	collisions, err := r.store.FindNaturalKeyCollisions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("merge: collision scan failed: %w", err)
	}

	var groups []*DuplicateGroup
	var conflicts []error
	for _, c := range collisions {
		primary, err := choosePrimary(c.Records)
		if err != nil {
			conflicts = append(conflicts, fmt.Errorf("merge: group (%s, %s, %s, %s): %w",
				c.UserPrincipalName, c.EventTime.Format(time.RFC3339), c.IPAddress, c.EventType, err))
			continue
		}

		g := &DuplicateGroup{
			GroupID:           uuid.NewString(),
			UserPrincipalName: c.UserPrincipalName,
			EventTime:         c.EventTime,
			IPAddress:         c.IPAddress,
			EventType:         c.EventType,
			Primary:           primary,
		}
		for _, rec := range c.Records {
			if rec.ID != primary.ID {
				g.Duplicates = append(g.Duplicates, rec)
			}
		}
		groups = append(groups, g)
	}
	return groups, conflicts, nil
}

// MergeDuplicates runs a full identify-and-merge pass. Ambiguous groups are
// skipped and reported; they never block the clean ones.
func (r *Resolver) MergeDuplicates(ctx context.Context, opts MergeOptions) (*MergeReport, []error, error) {
	groups, conflicts, err := r.IdentifyDuplicates(ctx)
	if err != nil {
		return nil, nil, err
	}

	report := &MergeReport{
		GroupsFound: len(groups) + len(conflicts),
		DryRun:      !opts.AutoApply,
	}

	for _, g := range groups {
		if !opts.AutoApply {
			report.GroupsMerged++
			report.RecordsMerged += len(g.Duplicates)
			continue
		}

		memberIDs := make([]int64, 0, len(g.Duplicates))
		for _, d := range g.Duplicates {
			memberIDs = append(memberIDs, d.ID)
		}
		if err := r.store.ApplyMergeGroup(ctx, g.GroupID, g.Primary.ID, memberIDs); err != nil {
			return nil, conflicts, fmt.Errorf("merge: applying group %s: %w", g.GroupID, err)
		}
		report.GroupsMerged++
		report.RecordsMerged += len(memberIDs)
	}

	if len(conflicts) > 0 {
		log.Printf("[WARN] merge: %d ambiguous groups need manual review", len(conflicts))
	}
	return report, conflicts, nil
}

// Unmerge reverses a previously applied merge group.
func (r *Resolver) Unmerge(ctx context.Context, groupID string) error {
	return r.store.UnmergeGroup(ctx, groupID)
}
