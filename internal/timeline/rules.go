package timeline

import (
	"fmt"
	"strings"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// candidate is a rule match before persistence: the event fields minus the
// identifiers the builder assigns.
type candidate struct {
	Actor          string
	Action         string
	Description    string
	Severity       types.EventSeverity
	MITRETechnique string
	AttackPhase    types.AttackPhase
}

// buildContext carries per-case facts the rules need, resolved once per
// build rather than per record.
type buildContext struct {
	DominantCountry string
}

// legacyClientApps are client application names that authenticate with
// legacy protocols and bypass modern auth controls.
var legacyClientApps = map[string]bool{
	"imap4":                  true,
	"pop3":                   true,
	"smtp":                   true,
	"authenticated smtp":     true,
	"exchange activesync":    true,
	"other clients":          true,
	"autodiscover":           true,
	"exchange web services":  true,
	"offline address book":   true,
	"outlook anywhere":       true,
	"reporting web services": true,
}

func signinFailed(rec *store.RawRecord) bool {
	return rec.ErrorCode != nil && *rec.ErrorCode > 1
}

// evaluateSignIn applies the sign-in rules. A record can be interesting for
// more than one reason; each match becomes its own event so exclusions and
// annotations stay targeted.
func evaluateSignIn(rec *store.RawRecord, bctx buildContext) []candidate {
	var out []candidate

	if signinFailed(rec) {
		out = append(out, candidate{
			Actor:          rec.UserPrincipalName,
			Action:         "failed_signin",
			Description:    fmt.Sprintf("Failed sign-in from %s (%s), error %d", rec.IPAddress, rec.Country, *rec.ErrorCode),
			Severity:       types.SeverityWarning,
			MITRETechnique: "T1110",
			AttackPhase:    types.PhaseCredAccess,
		})
	} else if rec.Country != "" && bctx.DominantCountry != "" && !strings.EqualFold(rec.Country, bctx.DominantCountry) {
		// Successful sign-in from outside the account's home country.
		// Same-country successes are the noise this builder exists to drop.
		out = append(out, candidate{
			Actor:          rec.UserPrincipalName,
			Action:         "foreign_signin",
			Description:    fmt.Sprintf("Successful sign-in from %s via %s, outside home country %s", rec.Country, rec.IPAddress, bctx.DominantCountry),
			Severity:       types.SeverityAlert,
			MITRETechnique: "T1078.004",
			AttackPhase:    types.PhaseInitialAccess,
		})
	}

	if rec.ClientApp != "" && legacyClientApps[strings.ToLower(rec.ClientApp)] {
		out = append(out, candidate{
			Actor:          rec.UserPrincipalName,
			Action:         "legacy_protocol_auth",
			Description:    fmt.Sprintf("Authentication via legacy protocol %q from %s", rec.ClientApp, rec.IPAddress),
			Severity:       types.SeverityWarning,
			MITRETechnique: "T1110.003",
			AttackPhase:    types.PhaseInitialAccess,
		})
	}

	return out
}

// auditRule maps an audit operation to its forensic meaning. Matching is on
// the normalized operation name.
type auditRule struct {
	action         string
	description    string
	severity       types.EventSeverity
	mitreTechnique string
	attackPhase    types.AttackPhase
}

var auditRules = map[string]auditRule{
	"new-inboxrule": {
		action:         "inbox_rule_created",
		description:    "Inbox rule created",
		severity:       types.SeverityCritical,
		mitreTechnique: "T1114.003",
		attackPhase:    types.PhaseCollection,
	},
	"set-inboxrule": {
		action:         "inbox_rule_modified",
		description:    "Inbox rule modified",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1114.003",
		attackPhase:    types.PhaseCollection,
	},
	"new-transportrule": {
		action:         "transport_rule_created",
		description:    "Transport rule created",
		severity:       types.SeverityCritical,
		mitreTechnique: "T1114",
		attackPhase:    types.PhaseExfiltration,
	},
	"set-transportrule": {
		action:         "transport_rule_modified",
		description:    "Transport rule modified",
		severity:       types.SeverityCritical,
		mitreTechnique: "T1114",
		attackPhase:    types.PhaseExfiltration,
	},
	"change user password.": {
		action:         "password_changed",
		description:    "User password changed",
		severity:       types.SeverityWarning,
		mitreTechnique: "T1098",
		attackPhase:    types.PhaseCredAccess,
	},
	"reset user password.": {
		action:         "password_reset",
		description:    "User password reset",
		severity:       types.SeverityWarning,
		mitreTechnique: "T1098",
		attackPhase:    types.PhaseCredAccess,
	},
	"add member to role.": {
		action:         "role_membership_added",
		description:    "Member added to directory role",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1098.003",
		attackPhase:    types.PhasePersistence,
	},
	"consent to application.": {
		action:         "oauth_consent_granted",
		description:    "Consent granted to application",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1528",
		attackPhase:    types.PhasePersistence,
	},
	"add oauth2permissiongrant.": {
		action:         "oauth_permission_granted",
		description:    "OAuth2 permission grant added",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1528",
		attackPhase:    types.PhasePersistence,
	},
	"add service principal.": {
		action:         "service_principal_added",
		description:    "Service principal added",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1136.003",
		attackPhase:    types.PhasePersistence,
	},
	"disable account.": {
		action:         "account_disabled",
		description:    "Account disabled",
		severity:       types.SeverityWarning,
		mitreTechnique: "T1531",
		attackPhase:    types.PhaseImpact,
	},
	"enable account.": {
		action:         "account_enabled",
		description:    "Account enabled",
		severity:       types.SeverityWarning,
		mitreTechnique: "",
		attackPhase:    types.PhaseImpact,
	},
	"add-mailboxpermission": {
		action:         "mailbox_delegation_added",
		description:    "Mailbox delegate permission added",
		severity:       types.SeverityAlert,
		mitreTechnique: "T1098.002",
		attackPhase:    types.PhasePersistence,
	},
}

func evaluateAudit(rec *store.RawRecord) []candidate {
	rule, ok := auditRules[strings.ToLower(strings.TrimSpace(rec.Operation))]
	if !ok {
		return nil
	}
	desc := rule.description + " by " + rec.UserPrincipalName
	if rec.IPAddress != "" {
		desc += " from " + rec.IPAddress
	}
	return []candidate{{
		Actor:          rec.UserPrincipalName,
		Action:         rule.action,
		Description:    desc,
		Severity:       rule.severity,
		MITRETechnique: rule.mitreTechnique,
		AttackPhase:    rule.attackPhase,
	}}
}

// evaluate runs the rule set for the record's log type. Message trace rows
// carry no interestingness rules of their own; they feed the compromise
// validator instead.
func evaluate(rec *store.RawRecord, bctx buildContext) []candidate {
	switch rec.LogType {
	case types.LogTypeSignIn:
		return evaluateSignIn(rec, bctx)
	case types.LogTypeAudit:
		return evaluateAudit(rec)
	default:
		return nil
	}
}
