// Package main implements the caselight binary: the analysis engine of an
// M365 incident-response case, operated through verbs over a case store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/caselight/caselight/internal/authdet"
	"github.com/caselight/caselight/internal/compromise"
	"github.com/caselight/caselight/internal/config"
	caseerr "github.com/caselight/caselight/internal/errors"
	"github.com/caselight/caselight/internal/export"
	"github.com/caselight/caselight/internal/history"
	"github.com/caselight/caselight/internal/merge"
	"github.com/caselight/caselight/internal/reliability"
	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/internal/timeline"
	"github.com/caselight/caselight/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes. Recoverable data-quality findings exit 1 so scripts can tell
// "done with warnings" from a corrupt store.
const (
	exitOK          = 0
	exitRecoverable = 1
	exitFatal       = 2
)

func usage() {
	fmt.Fprintf(os.Stderr, "caselight - M365 incident response analysis engine\n\n")
	fmt.Fprintf(os.Stderr, "Usage: caselight <verb> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Verbs:\n")
	fmt.Fprintf(os.Stderr, "  import               Load normalized NDJSON records into the case store\n")
	fmt.Fprintf(os.Stderr, "  classify-auth        Classify sign-ins into auth outcomes\n")
	fmt.Fprintf(os.Stderr, "  backfill-risk-levels Fill missing risk levels on legacy sign-in exports\n")
	fmt.Fprintf(os.Stderr, "  recommend-field      Rank status fields by reliability\n")
	fmt.Fprintf(os.Stderr, "  build-timeline       Derive the deduplicated forensic timeline\n")
	fmt.Fprintf(os.Stderr, "  show-timeline        Print timeline events with annotations\n")
	fmt.Fprintf(os.Stderr, "  annotate             Attach an analyst note to a timeline event\n")
	fmt.Fprintf(os.Stderr, "  exclude-event        Flag a timeline event as out of scope\n")
	fmt.Fprintf(os.Stderr, "  validate-compromise  Assess post-compromise activity for one sign-in\n")
	fmt.Fprintf(os.Stderr, "  identify-duplicates  Report natural-key collisions across import batches\n")
	fmt.Fprintf(os.Stderr, "  merge-duplicates     Fold duplicate records under one primary\n")
	fmt.Fprintf(os.Stderr, "  export-assessment    Ship assessment and timeline artifacts\n")
	fmt.Fprintf(os.Stderr, "  release-lock         Clear a writer lock left by a crashed run\n")
	fmt.Fprintf(os.Stderr, "  version              Show version information\n")
	fmt.Fprintf(os.Stderr, "\nOptions common to all verbs:\n")
	fmt.Fprintf(os.Stderr, "  --config PATH        Configuration file (YAML)\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
	fmt.Fprintf(os.Stderr, "  CASELIGHT_CASE_DIR        Case directory holding case.db\n")
	fmt.Fprintf(os.Stderr, "  CASELIGHT_CASE_SEVERITY   routine, elevated or suspected_breach\n")
	fmt.Fprintf(os.Stderr, "  CASELIGHT_EXPORT_BACKEND  local or s3\n")
}

func main() {
	log.SetFlags(log.LstdFlags)

	// A missing .env is fine; an unreadable one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitRecoverable)
	}
	verb := os.Args[1]
	args := os.Args[2:]

	if verb == "version" || verb == "--version" {
		fmt.Printf("caselight version %s (commit: %s)\n", version, commit)
		return
	}
	if verb == "help" || verb == "--help" || verb == "-h" {
		usage()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	os.Exit(run(ctx, verb, args))
}

func run(ctx context.Context, verb string, args []string) int {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML)")

	var err error
	switch verb {
	case "import":
		input := fs.String("input", "-", "NDJSON input path, - for stdin")
		batch := fs.String("batch", "", "Import batch label (defaults to input name + date)")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runImport(ctx, st, *input, *batch)
		})
	case "classify-auth":
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			n, err := authdet.ClassifyAll(ctx, st, cfg.Build.BatchSize)
			if err != nil {
				return err
			}
			log.Printf("classified %d sign-in records", n)
			return nil
		})
	case "backfill-risk-levels":
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			n, err := authdet.BackfillRiskLevels(ctx, st)
			if err != nil {
				return err
			}
			log.Printf("backfilled %d rows", n)
			return nil
		})
	case "recommend-field":
		logType := fs.String("log-type", "signin", "Log type: signin, audit or message_trace")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runRecommendField(ctx, cfg, st, types.LogType(*logType))
		})
	case "build-timeline":
		incremental := fs.Bool("incremental", false, "Only process records newer than the last build")
		force := fs.Bool("force-rebuild", false, "Re-evaluate every record (idempotent)")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			report, err := timeline.NewBuilder(st).Build(ctx, timeline.BuildOptions{
				Incremental:      *incremental,
				ForceRebuild:     *force,
				BatchSize:        cfg.Build.BatchSize,
				ProgressInterval: int64(cfg.Build.ProgressInterval),
			})
			if err != nil {
				return err
			}
			log.Printf("timeline build %s: %d added, %d skipped, %d malformed",
				report.RunID, report.EventsAdded, report.EventsSkipped, report.MalformedSkipped)
			return nil
		})
	case "show-timeline":
		actor := fs.String("actor", "", "Filter by actor (exact, case-insensitive)")
		includeExcluded := fs.Bool("include-excluded", false, "Include soft-excluded events")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runShowTimeline(ctx, st, *actor, *includeExcluded)
		})
	case "annotate":
		eventID := fs.String("event", "", "Timeline event ID")
		kind := fs.String("kind", "context", "Annotation kind: context, finding or followup")
		content := fs.String("content", "", "Annotation text")
		section := fs.String("report-section", "", "Report section the note belongs in")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			if *eventID == "" || *content == "" {
				return caseerr.NewValidationError(caseerr.CodeInvalidArgument,
					"annotate requires --event and --content",
					"pass the event ID from show-timeline and the note text")
			}
			a, err := timeline.NewAnnotator(st).AddAnnotation(ctx, *eventID, *kind, *content, *section)
			if err != nil {
				return err
			}
			fmt.Printf("annotation %s attached to event %s\n", a.AnnotationID, a.EventID)
			return nil
		})
	case "exclude-event":
		eventID := fs.String("event", "", "Timeline event ID")
		reason := fs.String("reason", "", "Why the event is out of scope (mandatory)")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			if *eventID == "" {
				return caseerr.NewValidationError(caseerr.CodeInvalidArgument,
					"exclude-event requires --event",
					"pass the event ID from show-timeline")
			}
			return timeline.NewAnnotator(st).ExcludeEvent(ctx, *eventID, *reason)
		})
	case "validate-compromise":
		user := fs.String("user", "", "User principal name of the suspect sign-in")
		timestamp := fs.String("timestamp", "", "Suspect sign-in time (RFC 3339)")
		ip := fs.String("ip", "", "Suspect source IP")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runValidateCompromise(ctx, st, *user, *timestamp, *ip)
		})
	case "identify-duplicates":
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runIdentifyDuplicates(ctx, st)
		})
	case "merge-duplicates":
		autoApply := fs.Bool("auto-apply", false, "Apply the merges instead of reporting them")
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runMergeDuplicates(ctx, st, *autoApply)
		})
	case "export-assessment":
		err = parseAndRun(ctx, fs, args, configFile, func(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
			return runExport(ctx, cfg, st)
		})
	case "release-lock":
		// Bypasses the verb harness: it must work while the lock is held.
		err = runReleaseLock(ctx, fs, args, configFile)
	default:
		fmt.Fprintf(os.Stderr, "caselight: unknown verb %q\n\n", verb)
		usage()
		return exitRecoverable
	}

	if err != nil {
		log.Printf("caselight %s: %v", verb, err)
		if caseerr.IsFatal(err) {
			return exitFatal
		}
		return exitRecoverable
	}
	return exitOK
}

// parseAndRun is the shared verb harness: flags, config, store lifecycle and
// the writer lock.
func parseAndRun(ctx context.Context, fs *flag.FlagSet, args []string, configFile *string, fn func(context.Context, *config.Config, *store.CaseStore) error) error {
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.CaseDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Verify(ctx); err != nil {
		return err
	}

	holder := fmt.Sprintf("pid-%d", os.Getpid())
	if err := st.AcquireWriterLock(ctx, holder); err != nil {
		return err
	}
	// Release with a fresh context so a cancelled run still unlocks.
	defer st.ReleaseWriterLock(context.Background(), holder)

	return fn(ctx, cfg, st)
}

func runReleaseLock(ctx context.Context, fs *flag.FlagSet, args []string, configFile *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.CaseDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	released, err := st.ForceReleaseWriterLock(ctx)
	if err != nil {
		return err
	}
	if released {
		log.Printf("release-lock: cleared a stale writer lock")
	} else {
		log.Printf("release-lock: no lock was held")
	}
	return nil
}

// importRow is one normalized NDJSON record as written by the collection
// tooling. The raw line is kept verbatim in the store.
type importRow struct {
	LogType           string `json:"log_type"`
	TenantID          string `json:"tenant_id"`
	EventTime         string `json:"event_time"`
	UserPrincipalName string `json:"user_principal_name"`
	IPAddress         string `json:"ip_address"`
	Country           string `json:"country"`
	EventType         string `json:"event_type"`
	SourceID          string `json:"source_id"`
	Operation         string `json:"operation"`
	CAStatus          string `json:"conditional_access_status"`
	RiskLevel         string `json:"risk_level"`
	ErrorCode         *int64 `json:"error_code"`
	ClientApp         string `json:"client_app"`
}

func runImport(ctx context.Context, st *store.CaseStore, input, batch string) error {
	in := os.Stdin
	name := "stdin"
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		in = f
		name = input
	}
	if batch == "" {
		batch = fmt.Sprintf("%s@%s", name, time.Now().UTC().Format("2006-01-02"))
	}

	var records []*store.RawRecord
	var malformed int
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var row importRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			log.Printf("[WARN] import: skipping malformed line %d: %v", lineNo, err)
			malformed++
			continue
		}
		eventTime, err := time.Parse(time.RFC3339, row.EventTime)
		if err != nil {
			log.Printf("[WARN] import: skipping line %d: bad event_time %q", lineNo, row.EventTime)
			malformed++
			continue
		}

		records = append(records, &store.RawRecord{
			TenantID:          row.TenantID,
			LogType:           types.LogType(row.LogType),
			EventTime:         eventTime,
			UserPrincipalName: row.UserPrincipalName,
			IPAddress:         row.IPAddress,
			Country:           row.Country,
			EventType:         row.EventType,
			SourceID:          row.SourceID,
			Operation:         row.Operation,
			CAStatus:          row.CAStatus,
			RiskLevel:         row.RiskLevel,
			ErrorCode:         row.ErrorCode,
			ClientApp:         row.ClientApp,
			RawJSON:           []byte(line),
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if err := st.InsertRawRecords(ctx, batch, records); err != nil {
		return err
	}
	log.Printf("import: loaded %d records into batch %q (%d malformed lines skipped)", len(records), batch, malformed)

	if malformed > 0 {
		return caseerr.NewDataQualityWarning(caseerr.CodeMalformedRecord,
			fmt.Sprintf("%d of %d input lines were malformed", malformed, lineNo),
			"review the skipped lines in the log and re-export if the source is damaged")
	}
	return nil
}

func runRecommendField(ctx context.Context, cfg *config.Config, st *store.CaseStore, logType types.LogType) error {
	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		log.Printf("[WARN] recommend-field: history store unavailable, using neutral prior: %v", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	count, err := st.ActiveCountByLogType(ctx, logType)
	if err != nil {
		return err
	}
	thresholds := reliability.ComputeThresholds(reliability.ThresholdContext{
		RecordCount:  count,
		LogType:      logType,
		CaseSeverity: cfg.CaseSeverity,
	})

	rec, err := reliability.NewScorer(st, hist).RecommendField(ctx, logType, thresholds)
	if err != nil {
		return err
	}

	fmt.Printf("recommended field: %s (confidence %s)\n", rec.Field, rec.Confidence)
	fmt.Printf("reasoning: %s\n", rec.Reasoning)
	fmt.Printf("thresholds: high=%.2f medium=%.2f (%s)\n", thresholds.High, thresholds.Medium, thresholds.Reasoning)
	for _, r := range rec.AllCandidates {
		fmt.Printf("  %-28s %.2f %s\n", r.Candidate.Name, r.Score.Overall, r.Tier)
	}
	return nil
}

func runShowTimeline(ctx context.Context, st *store.CaseStore, actor string, includeExcluded bool) error {
	events, err := timeline.NewAnnotator(st).GetTimeline(ctx, store.TimelineFilter{
		Actor:           actor,
		IncludeExcluded: includeExcluded,
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		marker := " "
		if ev.Excluded {
			marker = "x"
		}
		fmt.Printf("%s %s  %-8s %-22s %s  %s\n", marker, ev.EventTime.Format(time.RFC3339),
			ev.Severity, ev.Actor, ev.Action, ev.Description)
		for _, a := range ev.Annotations {
			fmt.Printf("      note [%s] %s\n", a.Kind, a.Content)
		}
	}
	fmt.Printf("%d events\n", len(events))
	return nil
}

func runValidateCompromise(ctx context.Context, st *store.CaseStore, user, timestamp, ip string) error {
	if user == "" || timestamp == "" {
		return caseerr.NewValidationError(caseerr.CodeInvalidArgument,
			"validate-compromise requires --user and --timestamp",
			"pass the suspect sign-in's user principal name and RFC 3339 time")
	}
	eventTime, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return caseerr.NewValidationError(caseerr.CodeInvalidArgument,
			fmt.Sprintf("bad --timestamp %q", timestamp), "use RFC 3339, e.g. 2026-03-10T14:00:00Z")
	}

	a, err := compromise.NewValidator(st).ValidateAndPersist(ctx, user, eventTime, ip)
	if err != nil {
		return err
	}

	fmt.Printf("verdict: %s (confidence %d%%)\n", a.Verdict, a.Confidence)
	fmt.Printf("window: %s .. %s\n", a.WindowStart.Format(time.RFC3339), a.WindowEnd.Format(time.RFC3339))
	for _, ind := range a.Indicators {
		fmt.Printf("  [%d%%] %s: %s (%d records)\n", ind.Confidence, ind.Type, ind.Description, len(ind.RecordIDs))
	}
	if len(a.Indicators) == 0 {
		fmt.Println("  no post-compromise indicators in window")
	}
	return nil
}

func runIdentifyDuplicates(ctx context.Context, st *store.CaseStore) error {
	groups, conflicts, err := merge.NewResolver(st).IdentifyDuplicates(ctx)
	if err != nil {
		return err
	}

	for _, g := range groups {
		fmt.Printf("group %s: %s at %s from %s (%s), primary record %d, %d duplicates\n",
			g.GroupID, g.UserPrincipalName, g.EventTime.Format(time.RFC3339),
			g.IPAddress, g.EventType, g.Primary.ID, len(g.Duplicates))
	}
	fmt.Printf("%d duplicate groups, %d ambiguous\n", len(groups), len(conflicts))

	if len(conflicts) > 0 {
		for _, c := range conflicts {
			log.Printf("[WARN] %v", c)
		}
		return caseerr.NewDataQualityWarning(caseerr.CodeAmbiguousGroup,
			fmt.Sprintf("%d groups need manual review", len(conflicts)),
			"resolve the listed conflicts by hand before merging")
	}
	return nil
}

func runMergeDuplicates(ctx context.Context, st *store.CaseStore, autoApply bool) error {
	report, conflicts, err := merge.NewResolver(st).MergeDuplicates(ctx, merge.MergeOptions{AutoApply: autoApply})
	if err != nil {
		return err
	}

	action := "would merge"
	if autoApply {
		action = "merged"
	}
	fmt.Printf("%s %d records across %d groups (%d groups found)\n",
		action, report.RecordsMerged, report.GroupsMerged, report.GroupsFound)

	if len(conflicts) > 0 {
		for _, c := range conflicts {
			log.Printf("[WARN] %v", c)
		}
		return caseerr.NewDataQualityWarning(caseerr.CodeAmbiguousGroup,
			fmt.Sprintf("%d groups skipped as ambiguous", len(conflicts)),
			"resolve the listed conflicts by hand")
	}
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, st *store.CaseStore) error {
	storage, err := export.NewStorageFromConfig(ctx, cfg.Export)
	if err != nil {
		return err
	}
	exporter := export.NewExporter(st, storage, cfg.Export.Timeout)

	paths, err := exporter.ExportAssessments(ctx)
	if err != nil {
		return err
	}
	timelinePath, err := exporter.ExportTimeline(ctx)
	if err != nil {
		return err
	}

	for _, p := range paths {
		fmt.Println(p)
	}
	fmt.Println(timelinePath)
	log.Printf("export: wrote %d assessment artifacts and the timeline via %s backend", len(paths), cfg.Export.Backend)
	return nil
}
