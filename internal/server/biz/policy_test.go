package biz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formahq/forma/internal/objects"
	"github.com/formahq/forma/internal/pkg/xcache"
	"github.com/formahq/forma/internal/store"
	"github.com/formahq/forma/internal/store/memstore"
)

func entityRule(id string, subject store.Subject, effect store.Effect, priority int, condition *objects.Expr) store.PermissionRule {
	return store.PermissionRule{
		ID:        id,
		Subject:   subject,
		Entity:    "invoice",
		Operation: "approve",
		Scope:     store.Scope{Level: store.ScopeEntity, Target: "invoice"},
		Effect:    effect,
		Priority:  priority,
		Condition: condition,
	}
}

func clerkSnapshot() *store.EntitlementSnapshot {
	return &store.EntitlementSnapshot{
		TenantID:    "acme",
		PrincipalID: "carol",
		Roles:       []string{"clerk"},
		Groups:      []string{"finance"},
		OrgUnits:    []string{"/corp", "/corp/emea"},
		Attributes:  map[string]any{"region": "eu"},
	}
}

func TestCompileRules_Ordering(t *testing.T) {
	clerk := store.Subject{Kind: store.SubjectRole, ID: "clerk"}

	rules := []store.PermissionRule{
		entityRule("entity-allow", clerk, store.EffectAllow, 100, nil),
		{
			ID: "record-allow", Subject: clerk, Entity: "invoice", Operation: "approve",
			Scope:  store.Scope{Level: store.ScopeRecord, Target: "rec-1"},
			Effect: store.EffectAllow, Priority: 1000,
		},
		entityRule("entity-deny", clerk, store.EffectDeny, 100, &objects.Expr{Kind: objects.ExprGt, Attr: "amount", Value: 0}),
		entityRule("entity-early", clerk, store.EffectAllow, 10, nil),
	}

	table, err := CompileRules("invoice", "approve", rules)
	require.NoError(t, err)

	ids := make([]string, 0, len(table.Rules))
	for _, r := range table.Rules {
		ids = append(ids, r.ID)
	}

	// Record scope first despite its high priority value, then ascending
	// priority, then deny before allow.
	require.Equal(t, []string{"record-allow", "entity-early", "entity-deny", "entity-allow"}, ids)
}

func TestCompileRules_HashStableUnderInputOrder(t *testing.T) {
	clerk := store.Subject{Kind: store.SubjectRole, ID: "clerk"}

	a := entityRule("a", clerk, store.EffectAllow, 10, nil)
	b := entityRule("b", clerk, store.EffectDeny, 20, nil)

	first, err := CompileRules("invoice", "approve", []store.PermissionRule{a, b})
	require.NoError(t, err)

	second, err := CompileRules("invoice", "approve", []store.PermissionRule{b, a})
	require.NoError(t, err)

	require.Equal(t, first.Hash, second.Hash)
}

func TestCompileRules_Ambiguity(t *testing.T) {
	clerk := store.Subject{Kind: store.SubjectRole, ID: "clerk"}

	_, err := CompileRules("invoice", "approve", []store.PermissionRule{
		entityRule("a", clerk, store.EffectAllow, 50, nil),
		entityRule("b", clerk, store.EffectAllow, 50, nil),
	})
	require.ErrorIs(t, err, ErrPolicyAmbiguity)

	// Allow versus deny on the same keys is resolved by deny-overrides, not
	// rejected.
	_, err = CompileRules("invoice", "approve", []store.PermissionRule{
		entityRule("a", clerk, store.EffectAllow, 50, nil),
		entityRule("b", clerk, store.EffectDeny, 50, nil),
	})
	require.NoError(t, err)
}

func TestDecisionTable_DenyOverridesOnFullTie(t *testing.T) {
	clerk := store.Subject{Kind: store.SubjectRole, ID: "clerk"}

	table, err := CompileRules("invoice", "approve", []store.PermissionRule{
		entityRule("tie-allow", clerk, store.EffectAllow, 50, nil),
		entityRule("tie-deny", clerk, store.EffectDeny, 50, nil),
	})
	require.NoError(t, err)

	verdict, matched := table.Evaluate(clerkSnapshot(), RequestContext{EntityID: "invoice"})
	require.True(t, matched)
	require.Equal(t, store.EffectDeny, verdict.Effect)
	require.Equal(t, "tie-deny", verdict.MatchedRule)
}

func TestDecisionTable_RecordDenyBeatsEntityAllow(t *testing.T) {
	rules := []store.PermissionRule{
		entityRule("auditor-allow", store.Subject{Kind: store.SubjectRole, ID: "auditor"}, store.EffectAllow, 10, nil),
		{
			ID:      "freeze-rec-1",
			Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
			Entity:  "invoice", Operation: "approve",
			Scope:  store.Scope{Level: store.ScopeRecord, Target: "rec-1"},
			Effect: store.EffectDeny, Priority: 500,
		},
	}

	table, err := CompileRules("invoice", "approve", rules)
	require.NoError(t, err)

	// The principal holds the allow through one role and the record-scope
	// deny through another; the narrower scope wins regardless of priority.
	snap := clerkSnapshot()
	snap.Roles = []string{"auditor", "clerk"}

	verdict, matched := table.Evaluate(snap, RequestContext{EntityID: "invoice", RecordID: "rec-1"})
	require.True(t, matched)
	require.Equal(t, store.EffectDeny, verdict.Effect)
	require.Equal(t, "freeze-rec-1", verdict.MatchedRule)

	// On any other record the entity-scope allow applies.
	verdict, matched = table.Evaluate(snap, RequestContext{EntityID: "invoice", RecordID: "rec-2"})
	require.True(t, matched)
	require.Equal(t, store.EffectAllow, verdict.Effect)
	require.Equal(t, "auditor-allow", verdict.MatchedRule)
}

func TestDecisionTable_SubjectAndScopeFiltering(t *testing.T) {
	table, err := CompileRules("invoice", "approve", []store.PermissionRule{
		entityRule("auditor-only", store.Subject{Kind: store.SubjectRole, ID: "auditor"}, store.EffectAllow, 10, nil),
		entityRule("finance-group", store.Subject{Kind: store.SubjectGroup, ID: "finance"}, store.EffectAllow, 20, nil),
		{
			ID:      "other-module",
			Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
			Entity:  "invoice", Operation: "approve",
			Scope:  store.Scope{Level: store.ScopeModule, Target: "hr"},
			Effect: store.EffectAllow, Priority: 1,
		},
	})
	require.NoError(t, err)

	verdict, matched := table.Evaluate(clerkSnapshot(), RequestContext{ModuleID: "billing", EntityID: "invoice"})
	require.True(t, matched)
	require.Equal(t, "finance-group", verdict.MatchedRule)
}

func TestDecisionTable_ConditionFailsClosed(t *testing.T) {
	clerk := store.Subject{Kind: store.SubjectRole, ID: "clerk"}

	table, err := CompileRules("invoice", "approve", []store.PermissionRule{
		entityRule("bad-condition", clerk, store.EffectAllow, 10,
			&objects.Expr{Kind: objects.ExprGt, Attr: "amount", Value: "not-a-number"}),
	})
	require.NoError(t, err)

	record := &store.Record{ID: "rec-1", Attrs: map[string]any{"amount": 10}}

	verdict, matched := table.Evaluate(clerkSnapshot(), RequestContext{EntityID: "invoice", RecordID: "rec-1", Record: record})
	require.True(t, matched)
	require.Equal(t, store.EffectDeny, verdict.Effect)
}

func policySeed() *memstore.Document {
	return &memstore.Document{
		Tenants: []memstore.TenantSeed{
			{
				ID: "acme",
				Modules: []memstore.ModuleSeed{
					{ID: "billing", Policy: &store.EntityPolicy{AccessMode: store.AccessDefaultAllow}},
				},
				Entities: []memstore.EntitySeed{
					{
						ID: "invoice", Module: "billing",
						Policy:   &store.EntityPolicy{AccessMode: store.AccessDefaultDeny},
						Versions: []store.EntityVersion{*invoiceBase()},
					},
					{
						ID: "po", Module: "billing",
						Policy: &store.EntityPolicy{AccessMode: store.AccessInherit},
					},
				},
				PermissionRules: []store.PermissionRule{
					{
						ID:      "clerk-read",
						Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
						Entity:  "invoice", Operation: "read",
						Scope:  store.Scope{Level: store.ScopeEntity, Target: "invoice"},
						Effect: store.EffectAllow, Priority: 100,
					},
					{
						ID:      "deny-big-approve",
						Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
						Entity:  "invoice", Operation: "approve",
						Scope:  store.Scope{Level: store.ScopeEntity, Target: "invoice"},
						Effect: store.EffectDeny, Priority: 10,
						Condition: &objects.Expr{Kind: objects.ExprGt, Attr: "amount", Value: 1000},
					},
					{
						ID:      "clerk-approve",
						Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
						Entity:  "invoice", Operation: "approve",
						Scope:  store.Scope{Level: store.ScopeEntity, Target: "invoice"},
						Effect: store.EffectAllow, Priority: 100,
					},
				},
				Directory: memstore.DirectorySeed{
					Principals: []store.DirectoryEntry{
						{PrincipalID: "carol", Roles: []string{"clerk"}, OrgUnitPath: "/corp/emea"},
						{PrincipalID: "eve", OrgUnitPath: "/corp"},
					},
				},
				Records: []store.Record{
					{ID: "rec-small", EntityID: "invoice", LifecycleID: "invoice-flow", State: "draft", Attrs: map[string]any{"amount": 500}},
					{ID: "rec-big", EntityID: "invoice", LifecycleID: "invoice-flow", State: "draft", Attrs: map[string]any{"amount": 5000}},
				},
			},
		},
	}
}

func newPolicyFixture(t *testing.T) (*PolicyService, *memstore.Store) {
	t.Helper()

	st := memstore.New()
	require.NoError(t, st.Load(policySeed()))

	entitlements := NewEntitlementService(EntitlementServiceParams{
		Config:    Config{EntitlementTTL: time.Minute},
		Directory: st,
		Cache:     xcache.NewMemoryWithOptions[store.EntitlementSnapshot](time.Hour, time.Hour),
	})

	svc, err := NewPolicyService(PolicyServiceParams{
		Config:       Config{},
		Store:        st,
		Records:      st,
		Entitlements: entitlements,
		Decisions:    NewSyncDecisionLogger(st),
	})
	require.NoError(t, err)

	return svc, st
}

func TestPolicyService_CheckPermission(t *testing.T) {
	svc, st := newPolicyFixture(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		req         CheckRequest
		wantOutcome store.DecisionOutcome
		wantRule    string
	}{
		{
			name:        "role rule allows",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "invoice", Operation: "read"},
			wantOutcome: store.OutcomeAllow,
			wantRule:    "clerk-read",
		},
		{
			name:        "no match falls back to default deny",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "eve", Entity: "invoice", Operation: "read"},
			wantOutcome: store.OutcomeDeny,
			wantRule:    "",
		},
		{
			name:        "inherit walks to module default allow",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "po", Operation: "read"},
			wantOutcome: store.OutcomeAllow,
			wantRule:    "",
		},
		{
			name:        "unknown principal denies",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "mallory", Entity: "invoice", Operation: "read"},
			wantOutcome: store.OutcomeDeny,
			wantRule:    "",
		},
		{
			name:        "condition passes under threshold",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "invoice", Operation: "approve", RecordID: "rec-small"},
			wantOutcome: store.OutcomeAllow,
			wantRule:    "clerk-approve",
		},
		{
			name:        "conditional deny wins over the big amount",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "invoice", Operation: "approve", RecordID: "rec-big"},
			wantOutcome: store.OutcomeDeny,
			wantRule:    "deny-big-approve",
		},
		{
			name:        "missing record denies",
			req:         CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "invoice", Operation: "approve", RecordID: "rec-ghost"},
			wantOutcome: store.OutcomeDeny,
			wantRule:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(st.Decisions())

			decision, err := svc.CheckPermission(ctx, tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.wantOutcome, decision.Outcome)
			require.Equal(t, tt.wantRule, decision.MatchedRule)

			// Every verdict reaches the decision log before it returns.
			logged := st.Decisions()
			require.Len(t, logged, before+1)
			require.Equal(t, tt.wantOutcome, logged[len(logged)-1].Outcome)
		})
	}
}

func TestPolicyService_RuleOnEntityWithoutPolicy(t *testing.T) {
	svc, st := newPolicyFixture(t)
	ctx := context.Background()

	// "quote" has a rule but no entity row, so no policy was ever seeded.
	require.NoError(t, st.Load(&memstore.Document{Tenants: []memstore.TenantSeed{{
		ID: "acme",
		PermissionRules: []store.PermissionRule{
			{
				ID:      "clerk-quote-read",
				Subject: store.Subject{Kind: store.SubjectRole, ID: "clerk"},
				Entity:  "quote", Operation: "read",
				Scope:  store.Scope{Level: store.ScopeEntity, Target: "quote"},
				Effect: store.EffectAllow, Priority: 10,
			},
		},
		Directory: memstore.DirectorySeed{
			Principals: []store.DirectoryEntry{
				{PrincipalID: "carol", Roles: []string{"clerk"}, OrgUnitPath: "/corp/emea"},
				{PrincipalID: "eve", OrgUnitPath: "/corp"},
			},
		},
	}}}))

	// The explicit allow fires even though no entity policy exists.
	decision, err := svc.CheckPermission(ctx, CheckRequest{TenantID: "acme", PrincipalID: "carol", Entity: "quote", Operation: "read"})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeAllow, decision.Outcome)
	require.Equal(t, "clerk-quote-read", decision.MatchedRule)

	// With no rule and no policy the verdict falls back to deny.
	decision, err = svc.CheckPermission(ctx, CheckRequest{TenantID: "acme", PrincipalID: "eve", Entity: "quote", Operation: "read"})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeDeny, decision.Outcome)
	require.Contains(t, decision.Reason, "no entity policy")
}

func TestPolicyService_TableMemoized(t *testing.T) {
	svc, _ := newPolicyFixture(t)
	ctx := context.Background()

	first, err := svc.table(ctx, "acme", "invoice", "read")
	require.NoError(t, err)

	second, err := svc.table(ctx, "acme", "invoice", "read")
	require.NoError(t, err)
	require.Same(t, first, second)

	svc.ResetTables()

	third, err := svc.table(ctx, "acme", "invoice", "read")
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, first.Hash, third.Hash)
}
