package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/caselight/caselight/internal/config"
	"github.com/caselight/caselight/internal/store"
)

// NewStorageFromConfig builds the configured artifact backend.
func NewStorageFromConfig(ctx context.Context, cfg config.ExportConfig) (ObjectStorage, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Storage(ctx, cfg.Bucket, S3Config{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.Endpoint != "",
		})
	default:
		return NewLocalStorage(cfg.LocalDir)
	}
}

// Exporter writes case artifacts for the report-generation collaborator.
// Every storage call runs under its own timeout so a stalled bucket cannot
// hang a case operation.
type Exporter struct {
	store   *store.CaseStore
	storage ObjectStorage
	timeout time.Duration
}

func NewExporter(st *store.CaseStore, storage ObjectStorage, timeout time.Duration) *Exporter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Exporter{store: st, storage: storage, timeout: timeout}
}

func (e *Exporter) put(ctx context.Context, objectPath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshaling %s: %w", objectPath, err)
	}

	putCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.storage.Put(putCtx, objectPath, data); err != nil {
		return fmt.Errorf("export: writing %s: %w", objectPath, err)
	}
	return nil
}

// assessmentArtifact is the exported form of one stored assessment with its
// indicators unpacked.
type assessmentArtifact struct {
	AssessmentID      string          `json:"assessment_id"`
	UserPrincipalName string          `json:"user_principal_name"`
	EventTime         time.Time       `json:"event_time"`
	IPAddress         string          `json:"ip_address"`
	Verdict           string          `json:"verdict"`
	Confidence        int             `json:"confidence"`
	Indicators        json.RawMessage `json:"indicators"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ExportAssessments writes every stored assessment as one artifact each
// under assessments/. Returns the written object paths.
func (e *Exporter) ExportAssessments(ctx context.Context) ([]string, error) {
	stored, err := e.store.ListAssessments(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: loading assessments: %w", err)
	}

	var paths []string
	for _, a := range stored {
		artifact := assessmentArtifact{
			AssessmentID:      a.AssessmentID,
			UserPrincipalName: a.UserPrincipalName,
			EventTime:         a.EventTime,
			IPAddress:         a.IPAddress,
			Verdict:           a.Verdict,
			Confidence:        a.Confidence,
			Indicators:        json.RawMessage(a.IndicatorsJSON),
			CreatedAt:         a.CreatedAt,
		}
		objectPath := path.Join("assessments", a.AssessmentID+".json")
		if err := e.put(ctx, objectPath, artifact); err != nil {
			return paths, err
		}
		paths = append(paths, objectPath)
	}
	return paths, nil
}

// timelineArtifact is the exported timeline: reportable events only, each
// tracing back to its source records.
type timelineArtifact struct {
	GeneratedAt time.Time       `json:"generated_at"`
	EventCount  int             `json:"event_count"`
	Events      []timelineEvent `json:"events"`
}

type timelineEvent struct {
	EventID         string       `json:"event_id"`
	EventTime       time.Time    `json:"event_time"`
	Actor           string       `json:"actor"`
	Action          string       `json:"action"`
	Description     string       `json:"description"`
	Severity        string       `json:"severity"`
	MITRETechnique  string       `json:"mitre_technique,omitempty"`
	AttackPhase     string       `json:"attack_phase"`
	SourceRecordIDs []int64      `json:"source_record_ids"`
	Annotations     []annotation `json:"annotations,omitempty"`
}

type annotation struct {
	Kind          string    `json:"kind"`
	Content       string    `json:"content"`
	ReportSection string    `json:"report_section,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExportTimeline writes the non-excluded timeline with annotations as a
// single artifact. Returns the object path.
func (e *Exporter) ExportTimeline(ctx context.Context) (string, error) {
	events, err := e.store.QueryTimeline(ctx, store.TimelineFilter{})
	if err != nil {
		return "", fmt.Errorf("export: loading timeline: %w", err)
	}

	artifact := timelineArtifact{
		GeneratedAt: time.Now().UTC(),
		EventCount:  len(events),
		Events:      make([]timelineEvent, 0, len(events)),
	}
	for _, ev := range events {
		out := timelineEvent{
			EventID:         ev.EventID,
			EventTime:       ev.EventTime,
			Actor:           ev.Actor,
			Action:          ev.Action,
			Description:     ev.Description,
			Severity:        string(ev.Severity),
			MITRETechnique:  ev.MITRETechnique,
			AttackPhase:     string(ev.AttackPhase),
			SourceRecordIDs: ev.SourceRecordIDs,
		}
		for _, a := range ev.Annotations {
			out.Annotations = append(out.Annotations, annotation{
				Kind:          a.Kind,
				Content:       a.Content,
				ReportSection: a.ReportSection,
				CreatedAt:     a.CreatedAt,
			})
		}
		artifact.Events = append(artifact.Events, out)
	}
	objectPath := "timeline/timeline.json"
	if err := e.put(ctx, objectPath, artifact); err != nil {
		return "", err
	}
	return objectPath, nil
}
