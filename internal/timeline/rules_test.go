package timeline

import (
	"testing"

	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

func TestContentHashStable(t *testing.T) {
	a := ContentHash("contoso", 1740800000, "Alice@Contoso.com", "foreign_signin", "req-1")
	b := ContentHash("contoso", 1740800000, "alice@contoso.com", "foreign_signin", "req-1")
	if a != b {
		t.Errorf("hash is actor-case-sensitive: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("hash length = %d, want 32", len(a))
	}

	c := ContentHash("contoso", 1740800000, "alice@contoso.com", "foreign_signin", "req-2")
	if a == c {
		t.Error("different source rows produced the same hash")
	}
	d := ContentHash("fabrikam", 1740800000, "alice@contoso.com", "foreign_signin", "req-1")
	if a == d {
		t.Error("different tenants produced the same hash")
	}
}

func TestEvaluateSignInRules(t *testing.T) {
	bctx := buildContext{DominantCountry: "NL"}
	code := int64(50126)

	tests := []struct {
		name        string
		rec         *store.RawRecord
		wantActions []string
	}{
		{
			name: "home country success is noise",
			rec: &store.RawRecord{
				LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com",
				Country: "NL", CAStatus: "success",
			},
			wantActions: nil,
		},
		{
			name: "foreign success",
			rec: &store.RawRecord{
				LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com",
				Country: "NG", CAStatus: "success",
			},
			wantActions: []string{"foreign_signin"},
		},
		{
			name: "failed auth at home",
			rec: &store.RawRecord{
				LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com",
				Country: "NL", ErrorCode: &code,
			},
			wantActions: []string{"failed_signin"},
		},
		{
			name: "legacy protocol stacks with foreign login",
			rec: &store.RawRecord{
				LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com",
				Country: "NG", ClientApp: "IMAP4",
			},
			wantActions: []string{"foreign_signin", "legacy_protocol_auth"},
		},
		{
			name: "country case difference is not foreign",
			rec: &store.RawRecord{
				LogType: types.LogTypeSignIn, UserPrincipalName: "a@x.com",
				Country: "nl", CAStatus: "success",
			},
			wantActions: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluate(tt.rec, bctx)
			if len(got) != len(tt.wantActions) {
				t.Fatalf("got %d candidates, want %d", len(got), len(tt.wantActions))
			}
			for i, want := range tt.wantActions {
				if got[i].Action != want {
					t.Errorf("candidate %d action = %q, want %q", i, got[i].Action, want)
				}
			}
		})
	}
}

func TestEvaluateAuditRules(t *testing.T) {
	tests := []struct {
		operation    string
		wantAction   string
		wantSeverity types.EventSeverity
		wantPhase    types.AttackPhase
	}{
		{"New-InboxRule", "inbox_rule_created", types.SeverityCritical, types.PhaseCollection},
		{"new-transportrule", "transport_rule_created", types.SeverityCritical, types.PhaseExfiltration},
		{"Reset user password.", "password_reset", types.SeverityWarning, types.PhaseCredAccess},
		{"Add member to role.", "role_membership_added", types.SeverityAlert, types.PhasePersistence},
		{"Consent to application.", "oauth_consent_granted", types.SeverityAlert, types.PhasePersistence},
		{"Disable account.", "account_disabled", types.SeverityWarning, types.PhaseImpact},
		{"Add-MailboxPermission", "mailbox_delegation_added", types.SeverityAlert, types.PhasePersistence},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			rec := &store.RawRecord{
				LogType: types.LogTypeAudit, UserPrincipalName: "a@x.com",
				Operation: tt.operation,
			}
			got := evaluate(rec, buildContext{})
			if len(got) != 1 {
				t.Fatalf("got %d candidates, want 1", len(got))
			}
			if got[0].Action != tt.wantAction {
				t.Errorf("action = %q, want %q", got[0].Action, tt.wantAction)
			}
			if got[0].Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", got[0].Severity, tt.wantSeverity)
			}
			if got[0].AttackPhase != tt.wantPhase {
				t.Errorf("phase = %s, want %s", got[0].AttackPhase, tt.wantPhase)
			}
		})
	}

	rec := &store.RawRecord{LogType: types.LogTypeAudit, UserPrincipalName: "a@x.com", Operation: "MailItemsAccessed"}
	if got := evaluate(rec, buildContext{}); len(got) != 0 {
		t.Errorf("uninteresting operation produced %d candidates", len(got))
	}
}
