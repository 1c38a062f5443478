// Package compromise answers the question an analyst asks after finding a
// suspicious sign-in: did the attacker actually get in and do something? The
// validator sweeps a fixed window around the sign-in for follow-on activity
// and renders a verdict with itemized evidence.
package compromise

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// Window is how far the validator looks on each side of the suspect event.
const Window = 72 * time.Hour

// exfilMessageFloor is the outbound message count below which mail volume in
// the window is treated as routine correspondence.
const exfilMessageFloor = 50

// IndicatorType identifies one class of post-compromise evidence. Each type
// carries a fixed confidence reflecting how hard it is to explain away.
type IndicatorType string

const (
	IndicatorMailboxAccess   IndicatorType = "mailbox_access_from_ip"
	IndicatorAuditFromIP     IndicatorType = "audit_activity_from_ip"
	IndicatorInboxRule       IndicatorType = "inbox_rule_created"
	IndicatorPasswordChange  IndicatorType = "password_changed"
	IndicatorFollowOnSignins IndicatorType = "follow_on_signins"
	IndicatorPersistence     IndicatorType = "persistence_mechanism"
	IndicatorExfiltration    IndicatorType = "exfiltration_signal"
	IndicatorOAuthConsent    IndicatorType = "oauth_consent_granted"
	IndicatorMFAChange       IndicatorType = "mfa_settings_changed"
	IndicatorDelegateAccess  IndicatorType = "delegate_access_changed"
	IndicatorOrphanActivity  IndicatorType = "audit_activity_without_signin"
)

// indicatorConfidence is fixed per type. Inbox rules are the closest thing
// to a smoking gun in BEC cases; orphan activity is suggestive of token
// theft but has benign explanations.
var indicatorConfidence = map[IndicatorType]int{
	IndicatorMailboxAccess:   85,
	IndicatorAuditFromIP:     75,
	IndicatorInboxRule:       95,
	IndicatorPasswordChange:  80,
	IndicatorFollowOnSignins: 85,
	IndicatorPersistence:     90,
	IndicatorExfiltration:    90,
	IndicatorOAuthConsent:    90,
	IndicatorMFAChange:       85,
	IndicatorDelegateAccess:  80,
	IndicatorOrphanActivity:  70,
}

// Indicator is one matched piece of post-compromise evidence.
type Indicator struct {
	Type        IndicatorType `json:"type"`
	Confidence  int           `json:"confidence"`
	Description string        `json:"description"`
	RecordIDs   []int64       `json:"record_ids"`
}

// Assessment is the validator's verdict for one suspect sign-in.
type Assessment struct {
	AssessmentID      string        `json:"assessment_id"`
	UserPrincipalName string        `json:"user_principal_name"`
	IPAddress         string        `json:"ip_address"`
	EventTime         time.Time     `json:"event_time"`
	WindowStart       time.Time     `json:"window_start"`
	WindowEnd         time.Time     `json:"window_end"`
	Indicators        []Indicator   `json:"indicators"`
	Verdict           types.Verdict `json:"verdict"`
	Confidence        int           `json:"confidence"`
}

// Validator sweeps a case store for post-compromise activity.
type Validator struct {
	store *store.CaseStore
}

func NewValidator(st *store.CaseStore) *Validator {
	return &Validator{store: st}
}

// operation groups for the audit-driven indicators
var (
	mailboxAccessOps = map[string]bool{
		"mailitemsaccessed":            true,
		"searchqueryinitiatedexchange": true,
		"messagebind":                  true,
	}
	inboxRuleOps = map[string]bool{
		"new-inboxrule":     true,
		"set-inboxrule":     true,
		"updateinboxrules":  true,
		"new-transportrule": true,
		"set-transportrule": true,
	}
	passwordOps = map[string]bool{
		"change user password.": true,
		"reset user password.":  true,
	}
	persistenceOps = map[string]bool{
		"add member to role.":    true,
		"add service principal.": true,
		"add application.":       true,
		"update application.":    true,
	}
	oauthOps = map[string]bool{
		"consent to application.":    true,
		"add oauth2permissiongrant.": true,
	}
	mfaOps = map[string]bool{
		"update strongauthenticationmethod.":         true,
		"update strongauthenticationphoneappdetail.": true,
		"user registered security info":              true,
		"user deleted security info":                 true,
	}
	delegateOps = map[string]bool{
		"add-mailboxpermission":   true,
		"add-recipientpermission": true,
		"set-mailbox":             true,
	}
)

func normalizeOp(op string) string {
	return strings.ToLower(strings.TrimSpace(op))
}

// Validate assesses one suspect sign-in. Matching is by exact user principal
// name (case-insensitive equality, never substring) within a ±72h window.
func (v *Validator) Validate(ctx context.Context, upn string, eventTime time.Time, ip string) (*Assessment, error) {
	from := eventTime.Add(-Window)
	to := eventTime.Add(Window)

	audits, err := v.store.ActiveRecordsForUser(ctx, types.LogTypeAudit, upn, from, to)
	if err != nil {
		return nil, fmt.Errorf("compromise: loading audit records: %w", err)
	}
	signins, err := v.store.ActiveRecordsForUser(ctx, types.LogTypeSignIn, upn, from, to)
	if err != nil {
		return nil, fmt.Errorf("compromise: loading sign-in records: %w", err)
	}
	traces, err := v.store.ActiveRecordsForUser(ctx, types.LogTypeMessageTrace, upn, from, to)
	if err != nil {
		return nil, fmt.Errorf("compromise: loading message traces: %w", err)
	}

	var indicators []Indicator
	add := func(t IndicatorType, desc string, ids []int64) {
		if len(ids) == 0 {
			return
		}
		indicators = append(indicators, Indicator{
			Type:        t,
			Confidence:  indicatorConfidence[t],
			Description: desc,
			RecordIDs:   ids,
		})
	}

	collect := func(records []*store.RawRecord, match func(*store.RawRecord) bool) []int64 {
		var ids []int64
		for _, r := range records {
			if match(r) {
				ids = append(ids, r.ID)
			}
		}
		return ids
	}

	// Indicators 1-2: activity sourced from the suspect IP itself.
	if ip != "" {
		add(IndicatorMailboxAccess,
			fmt.Sprintf("mailbox accessed from %s", ip),
			collect(audits, func(r *store.RawRecord) bool {
				return r.IPAddress == ip && mailboxAccessOps[normalizeOp(r.Operation)]
			}))
		add(IndicatorAuditFromIP,
			fmt.Sprintf("audit operations performed from %s", ip),
			collect(audits, func(r *store.RawRecord) bool {
				return r.IPAddress == ip && !mailboxAccessOps[normalizeOp(r.Operation)]
			}))
	}

	// Indicators 3-4, 6, 8-10: audit operations by the user in the window.
	add(IndicatorInboxRule, "mail rule created or modified",
		collect(audits, func(r *store.RawRecord) bool { return inboxRuleOps[normalizeOp(r.Operation)] }))
	add(IndicatorPasswordChange, "password changed or reset",
		collect(audits, func(r *store.RawRecord) bool { return passwordOps[normalizeOp(r.Operation)] }))
	add(IndicatorPersistence, "persistence mechanism established",
		collect(audits, func(r *store.RawRecord) bool { return persistenceOps[normalizeOp(r.Operation)] }))
	add(IndicatorOAuthConsent, "OAuth consent granted",
		collect(audits, func(r *store.RawRecord) bool { return oauthOps[normalizeOp(r.Operation)] }))
	add(IndicatorMFAChange, "MFA settings changed",
		collect(audits, func(r *store.RawRecord) bool { return mfaOps[normalizeOp(r.Operation)] }))
	add(IndicatorDelegateAccess, "mailbox delegate access changed",
		collect(audits, func(r *store.RawRecord) bool { return delegateOps[normalizeOp(r.Operation)] }))

	// Indicator 5: further successful sign-ins from the suspect IP after
	// the event under investigation.
	if ip != "" {
		add(IndicatorFollowOnSignins,
			fmt.Sprintf("follow-on successful sign-ins from %s", ip),
			collect(signins, func(r *store.RawRecord) bool {
				return r.IPAddress == ip &&
					r.EventTime.After(eventTime) &&
					(r.ErrorCode == nil || *r.ErrorCode <= 1)
			}))
	}

	// Indicator 7: outbound mail volume in the window. A burst of outbound
	// messages right after a suspicious sign-in reads as exfiltration or
	// spam-run abuse. Routine correspondence stays under the floor.
	if len(traces) >= exfilMessageFloor {
		add(IndicatorExfiltration,
			fmt.Sprintf("%d outbound messages in window", len(traces)),
			collect(traces, func(r *store.RawRecord) bool { return true }))
	}

	// Indicator 11: audit activity with no sign-in at all in the window
	// points at a stolen token or a legacy session.
	if len(audits) > 0 && len(signins) == 0 {
		add(IndicatorOrphanActivity,
			"audit activity with no matching sign-in (possible token theft)",
			collect(audits, func(r *store.RawRecord) bool { return true }))
	}

	verdict, confidence := renderVerdict(indicators)
	return &Assessment{
		AssessmentID:      uuid.NewString(),
		UserPrincipalName: upn,
		IPAddress:         ip,
		EventTime:         eventTime.UTC(),
		WindowStart:       from.UTC(),
		WindowEnd:         to.UTC(),
		Indicators:        indicators,
		Verdict:           verdict,
		Confidence:        confidence,
	}, nil
}

// renderVerdict maps matched indicators to a verdict band. Zero or one
// indicator is NO_COMPROMISE, but absence of evidence is not proof: its
// confidence never exceeds 80.
func renderVerdict(indicators []Indicator) (types.Verdict, int) {
	mean := 0
	if len(indicators) > 0 {
		sum := 0
		for _, ind := range indicators {
			sum += ind.Confidence
		}
		mean = sum / len(indicators)
	}

	switch {
	case len(indicators) >= 4:
		c := mean
		if c < 95 {
			c = 95
		}
		if c > 99 {
			c = 99
		}
		return types.VerdictConfirmedCompromise, c
	case len(indicators) >= 2:
		c := mean
		if c < 70 {
			c = 70
		}
		if c > 90 {
			c = 90
		}
		return types.VerdictLikelyCompromise, c
	default:
		c := 80
		if len(indicators) == 1 {
			// One isolated indicator weakens the all-clear.
			c = 100 - indicators[0].Confidence
			if c < 20 {
				c = 20
			}
		}
		return types.VerdictNoCompromise, c
	}
}

// ValidateAndPersist runs Validate and appends the assessment to the case
// store for export.
func (v *Validator) ValidateAndPersist(ctx context.Context, upn string, eventTime time.Time, ip string) (*Assessment, error) {
	a, err := v.Validate(ctx, upn, eventTime, ip)
	if err != nil {
		return nil, err
	}

	indicatorsJSON, err := json.Marshal(a.Indicators)
	if err != nil {
		return nil, fmt.Errorf("compromise: marshaling indicators: %w", err)
	}
	stored := &store.StoredAssessment{
		AssessmentID:      a.AssessmentID,
		UserPrincipalName: a.UserPrincipalName,
		EventTime:         a.EventTime,
		IPAddress:         a.IPAddress,
		Verdict:           string(a.Verdict),
		Confidence:        a.Confidence,
		IndicatorsJSON:    string(indicatorsJSON),
	}
	if err := v.store.InsertAssessment(ctx, stored); err != nil {
		return nil, fmt.Errorf("compromise: persisting assessment: %w", err)
	}
	return a, nil
}
