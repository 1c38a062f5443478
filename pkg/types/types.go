// Package types holds the shared domain vocabulary for the Caselight
// forensic engine: log types, severities, auth outcomes, and the
// time-ordered identifiers used for timeline events.
package types

// LogType identifies a normalized raw log table.
type LogType string

const (
	LogTypeSignIn       LogType = "signin"
	LogTypeAudit        LogType = "audit"
	LogTypeMessageTrace LogType = "message_trace"
)

// AllLogTypes lists every raw table the timeline builder scans, in scan order.
func AllLogTypes() []LogType {
	return []LogType{LogTypeSignIn, LogTypeAudit, LogTypeMessageTrace}
}

// CaseSeverity grades the working assumption for an investigation.
type CaseSeverity string

const (
	SeverityRoutine         CaseSeverity = "routine"
	SeverityElevated        CaseSeverity = "elevated"
	SeveritySuspectedBreach CaseSeverity = "suspected_breach"
)

// ConfidenceTier grades how much a scoring result can be trusted.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "HIGH"
	TierMedium ConfidenceTier = "MEDIUM"
	TierLow    ConfidenceTier = "LOW"
)

// EventSeverity ranks a timeline event for analyst triage.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarning  EventSeverity = "WARNING"
	SeverityAlert    EventSeverity = "ALERT"
	SeverityCritical EventSeverity = "CRITICAL"
)

// AttackPhase tags a timeline event with its place in the intrusion lifecycle.
type AttackPhase string

const (
	PhaseInitialAccess AttackPhase = "initial_access"
	PhaseCredAccess    AttackPhase = "credential_access"
	PhasePersistence   AttackPhase = "persistence"
	PhaseCollection    AttackPhase = "collection"
	PhaseExfiltration  AttackPhase = "exfiltration"
	PhaseImpact        AttackPhase = "impact"
)

// MergeStatus marks whether a raw record is the surviving primary of a
// duplicate group or has been folded into one. Records are never deleted.
type MergeStatus string

const (
	MergePrimary MergeStatus = "primary"
	MergeMerged  MergeStatus = "merged"
)

// AuthOutcome is the finite classification of a sign-in attempt.
type AuthOutcome string

const (
	OutcomeConfirmedSuccess   AuthOutcome = "CONFIRMED_SUCCESS"
	OutcomeCABlocked          AuthOutcome = "CA_BLOCKED"
	OutcomeAuthFailed         AuthOutcome = "AUTH_FAILED"
	OutcomeLikelySuccessRisky AuthOutcome = "LIKELY_SUCCESS_RISKY"
	OutcomeLikelySuccessNoCA  AuthOutcome = "LIKELY_SUCCESS_NO_CA"
	OutcomeIndeterminate      AuthOutcome = "INDETERMINATE"
)

// Confidence returns the fixed confidence percentage bound to an outcome.
// These values are constants of the classification model, not tunables.
func (o AuthOutcome) Confidence() int {
	switch o {
	case OutcomeConfirmedSuccess, OutcomeCABlocked:
		return 100
	case OutcomeAuthFailed:
		return 90
	case OutcomeLikelySuccessRisky:
		return 70
	case OutcomeLikelySuccessNoCA:
		return 60
	default:
		return 0
	}
}

// InvestigationPriority orders sign-ins for analyst attention.
type InvestigationPriority string

const (
	PriorityImmediate InvestigationPriority = "P1_IMMEDIATE"
	PriorityHigh      InvestigationPriority = "P2_HIGH"
	PriorityRoutine   InvestigationPriority = "P3_ROUTINE"
	PriorityNone      InvestigationPriority = "NONE"
)

// Verdict is the aggregate result of a post-compromise validation.
type Verdict string

const (
	VerdictNoCompromise        Verdict = "NO_COMPROMISE"
	VerdictLikelyCompromise    Verdict = "LIKELY_COMPROMISE"
	VerdictConfirmedCompromise Verdict = "CONFIRMED_COMPROMISE"
)
