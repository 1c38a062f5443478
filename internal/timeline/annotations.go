package timeline

import (
	"context"

	"github.com/caselight/caselight/internal/store"
)

// Annotator is the analyst-facing layer over the persisted timeline. It
// attaches notes, soft-excludes noise, and reads the timeline back with
// annotations joined. Nothing here deletes anything.
type Annotator struct {
	store *store.CaseStore
}

func NewAnnotator(st *store.CaseStore) *Annotator {
	return &Annotator{store: st}
}

// AddAnnotation attaches a note to an event. Kind is free-form ("context",
// "finding", "followup"); reportSection routes the note into the report
// draft.
func (a *Annotator) AddAnnotation(ctx context.Context, eventID, kind, content, reportSection string) (*store.Annotation, error) {
	return a.store.AddAnnotation(ctx, eventID, kind, content, reportSection)
}

// ExcludeEvent flags an event as out of scope. The reason is mandatory and
// the event stays queryable with IncludeExcluded.
func (a *Annotator) ExcludeEvent(ctx context.Context, eventID, reason string) error {
	return a.store.ExcludeEvent(ctx, eventID, reason)
}

// GetTimeline reads events matching the filter with annotations attached.
func (a *Annotator) GetTimeline(ctx context.Context, filter store.TimelineFilter) ([]*store.TimelineEvent, error) {
	return a.store.QueryTimeline(ctx, filter)
}
