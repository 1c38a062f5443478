// Package store provides the per-case SQLite store holding raw log records,
// the forensic timeline, analyst annotations, and merge bookkeeping.
// Raw records are immutable once imported: reconciliation and exclusion are
// expressed as additive tagged metadata, never as physical deletion.
package store

// Schema contains the SQL definitions for the per-case store (case.db).

// CreateRawRecordsTableSQL creates the raw_records table. One row per
// imported log line across every log type; merged duplicates stay in place
// with merge_status='merged' and a merged_into pointer to their primary.
const CreateRawRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS raw_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    log_type TEXT NOT NULL,
    event_time INTEGER NOT NULL,
    user_principal_name TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL DEFAULT '',
    conditional_access_status TEXT NOT NULL DEFAULT '',
    risk_level TEXT NOT NULL DEFAULT '',
    error_code INTEGER,
    raw_json BLOB NOT NULL,
    import_batch TEXT NOT NULL,
    merge_status TEXT NOT NULL DEFAULT 'primary'
        CHECK (merge_status IN ('primary', 'merged')),
    merged_into INTEGER,
    merge_group TEXT,
    auth_outcome TEXT NOT NULL DEFAULT '',
    auth_confidence INTEGER NOT NULL DEFAULT 0,
    investigation_priority TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (merged_into) REFERENCES raw_records(id)
)`

// CreateRawRecordsIndexesSQL creates indexes for the raw record access paths.
// Active-view indexes are filtered on merge_status so merged duplicates drop
// out of normal scans without being deleted.
var CreateRawRecordsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_raw_natural_key
		ON raw_records(tenant_id, event_time, user_principal_name, source_id)`,

	`CREATE INDEX IF NOT EXISTS idx_raw_active_logtype
		ON raw_records(log_type, event_time)
		WHERE merge_status = 'primary'`,

	`CREATE INDEX IF NOT EXISTS idx_raw_active_user
		ON raw_records(user_principal_name, event_time)
		WHERE merge_status = 'primary'`,

	`CREATE INDEX IF NOT EXISTS idx_raw_active_ip
		ON raw_records(ip_address, event_time)
		WHERE merge_status = 'primary'`,

	`CREATE INDEX IF NOT EXISTS idx_raw_merge_group
		ON raw_records(merge_group)
		WHERE merge_group IS NOT NULL`,
}

// CreateTimelineEventsTableSQL creates the timeline_events table. The content
// hash is unique per case so rebuilds can never duplicate an event, and
// exclusion is a soft flag with a mandatory reason.
const CreateTimelineEventsTableSQL = `
CREATE TABLE IF NOT EXISTS timeline_events (
    event_id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL UNIQUE,
    event_time INTEGER NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    mitre_technique TEXT NOT NULL DEFAULT '',
    attack_phase TEXT NOT NULL DEFAULT '',
    source_record_ids TEXT NOT NULL,
    excluded INTEGER NOT NULL DEFAULT 0,
    exclusion_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
)`

// CreateTimelineIndexesSQL creates indexes for timeline queries.
var CreateTimelineIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_timeline_time ON timeline_events(event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_timeline_actor ON timeline_events(actor, event_time)`,
	`CREATE INDEX IF NOT EXISTS idx_timeline_active
		ON timeline_events(severity, event_time)
		WHERE excluded = 0`,
}

// CreateAnnotationsTableSQL creates the annotations table (1:N to events).
const CreateAnnotationsTableSQL = `
CREATE TABLE IF NOT EXISTS annotations (
    annotation_id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    report_section TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (event_id) REFERENCES timeline_events(event_id)
)`

const CreateAnnotationsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_annotations_event ON annotations(event_id)`

// CreateBuildRunsTableSQL creates the append-only audit log of timeline builds.
const CreateBuildRunsTableSQL = `
CREATE TABLE IF NOT EXISTS build_runs (
    run_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    records_scanned INTEGER NOT NULL,
    events_added INTEGER NOT NULL,
    events_skipped INTEGER NOT NULL,
    malformed_skipped INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    started_at INTEGER NOT NULL
)`

// CreateAssessmentsTableSQL creates the compromise_assessments table.
const CreateAssessmentsTableSQL = `
CREATE TABLE IF NOT EXISTS compromise_assessments (
    assessment_id TEXT PRIMARY KEY,
    user_principal_name TEXT NOT NULL,
    event_time INTEGER NOT NULL,
    ip_address TEXT NOT NULL,
    verdict TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    indicators_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateMergeGroupsTableSQL creates the merge_groups table. Membership is
// recorded so any merge can be fully reversed for audit defensibility.
const CreateMergeGroupsTableSQL = `
CREATE TABLE IF NOT EXISTS merge_groups (
    group_id TEXT PRIMARY KEY,
    primary_record_id INTEGER NOT NULL,
    member_ids TEXT NOT NULL,
    merged_at INTEGER NOT NULL,
    unmerged_at INTEGER
)`

// CreateCaseLockTableSQL creates the single-row advisory writer lock.
const CreateCaseLockTableSQL = `
CREATE TABLE IF NOT EXISTS case_lock (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    holder TEXT NOT NULL,
    acquired_at INTEGER NOT NULL
)`

// CreateSchemaMigrationsTableSQL tracks applied schema versions. Migrations
// are additive only: forensic columns are never dropped.
const CreateSchemaMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`

// requiredTables lists the tables whose absence marks the store as corrupt.
var requiredTables = []string{
	"raw_records",
	"timeline_events",
	"annotations",
	"build_runs",
	"compromise_assessments",
	"merge_groups",
	"schema_migrations",
}

// AllSchemaSQL returns all SQL statements needed to initialize a case store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateRawRecordsTableSQL,
		CreateTimelineEventsTableSQL,
		CreateAnnotationsTableSQL,
		CreateAnnotationsIndexSQL,
		CreateBuildRunsTableSQL,
		CreateAssessmentsTableSQL,
		CreateMergeGroupsTableSQL,
		CreateCaseLockTableSQL,
		CreateSchemaMigrationsTableSQL,
	}
	statements = append(statements, CreateRawRecordsIndexesSQL...)
	statements = append(statements, CreateTimelineIndexesSQL...)
	return statements
}
