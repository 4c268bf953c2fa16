package memstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/formahq/forma/internal/store"
)

func loadDemo(t *testing.T) *Store {
	t.Helper()

	data, err := os.ReadFile("testdata/demo.yaml")
	require.NoError(t, err)

	s, err := FromYAML(data)
	require.NoError(t, err)

	return s
}

func TestFromYAMLSeedsTenant(t *testing.T) {
	ctx := context.Background()
	s := loadDemo(t)

	version, err := s.ReadEntityVersion(ctx, "acme", "invoice-v1")
	require.NoError(t, err)
	assert.Equal(t, "invoice", version.EntityID)
	assert.Equal(t, "billing", version.ModuleID)
	assert.Equal(t, store.EntityVersionPublished, version.Status)
	assert.Len(t, version.Fields, 3)

	overlays, err := s.ReadOverlays(ctx, "acme", "invoice")
	require.NoError(t, err)
	require.Len(t, overlays, 1)
	assert.Equal(t, "emea-vat", overlays[0].ID)
	assert.Equal(t, "acme", overlays[0].TenantID)

	rules, err := s.ReadPermissionRules(ctx, "acme", "invoice", "approve")
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	policy, err := s.ReadEntityPolicy(ctx, "acme", "invoice", "")
	require.NoError(t, err)
	assert.Equal(t, store.AccessDefaultDeny, policy.AccessMode)

	module, err := s.ReadModulePolicy(ctx, "acme", "billing")
	require.NoError(t, err)
	assert.Equal(t, store.AccessDefaultAllow, module.AccessMode)

	lc, err := s.ReadLifecycle(ctx, "acme", "invoice-flow")
	require.NoError(t, err)
	assert.Len(t, lc.States, 4)
	assert.Len(t, lc.Transitions, 3)

	tpl, err := s.ReadApprovalTemplate(ctx, "acme", "invoice-approval")
	require.NoError(t, err)
	require.NotNil(t, tpl.Sla)
	assert.Equal(t, 24*time.Hour, tpl.Sla.RemindAfter)
	assert.Equal(t, [][]string{{"heidi"}}, tpl.Sla.EscalationChain)

	entry, err := s.ReadDirectory(ctx, "acme", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"clerk"}, entry.Roles)

	group, err := s.ReadGroup(ctx, "acme", "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger-viewer"}, group.Roles)

	record, err := s.GetRecord(ctx, "acme", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "draft", record.State)
	assert.Equal(t, int64(1), record.Version)
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()

	data, err := os.ReadFile("testdata/demo.yaml")
	require.NoError(t, err)

	s, err := FromYAML(data)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.NoError(t, s.Load(&doc))

	rules, err := s.ReadPermissionRules(ctx, "acme", "invoice", "read")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestEntityWithoutPolicyDefaultsToDeny(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Load(&Document{Tenants: []TenantSeed{{
		ID: "acme",
		Entities: []EntitySeed{{
			ID:     "po",
			Module: "billing",
		}},
	}}})
	require.NoError(t, err)

	policy, err := s.ReadEntityPolicy(ctx, "acme", "po", "")
	require.NoError(t, err)
	assert.Equal(t, store.AccessDefaultDeny, policy.AccessMode)
}

func TestReadOverlaysFiltersInactive(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Load(&Document{Tenants: []TenantSeed{{
		ID: "acme",
		Overlays: []store.Overlay{
			{ID: "on", BaseEntityID: "invoice", IsActive: true},
			{ID: "off", BaseEntityID: "invoice", IsActive: false},
		},
	}}})
	require.NoError(t, err)

	overlays, err := s.ReadOverlays(ctx, "acme", "invoice")
	require.NoError(t, err)
	require.Len(t, overlays, 1)
	assert.Equal(t, "on", overlays[0].ID)
}

func TestUpdateRecordStateChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := loadDemo(t)

	_, err := s.UpdateRecordState(ctx, "acme", "inv-1", 99, "review")
	require.ErrorIs(t, err, store.ErrVersionConflict)

	updated, err := s.UpdateRecordState(ctx, "acme", "inv-1", 1, "review")
	require.NoError(t, err)
	assert.Equal(t, "review", updated.State)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.UpdateRecordState(ctx, "acme", "missing", 1, "review")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutCompiledSchemaFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &store.CompiledSchema{
		TenantID:        "acme",
		EntityVersionID: "invoice-v1",
		Hash:            "abc",
		Schema:          []byte(`{"a":1}`),
		CompiledAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	stored, err := s.PutCompiledSchema(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.CompiledAt, stored.CompiledAt)

	second := &store.CompiledSchema{
		TenantID:        "acme",
		EntityVersionID: "invoice-v1",
		Hash:            "abc",
		Schema:          []byte(`{"a":1}`),
		CompiledAt:      time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}

	stored, err = s.PutCompiledSchema(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.CompiledAt, stored.CompiledAt)

	head, err := s.GetCompiledSchema(ctx, "acme", "invoice-v1")
	require.NoError(t, err)
	assert.Equal(t, "abc", head.Hash)
}

func TestPutApprovalInstanceChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := New()

	inst := &store.ApprovalInstance{
		TenantID:      "acme",
		ID:            "i-1",
		RecordID:      "inv-2",
		TransitionKey: "invoice-flow|review|approve",
		Status:        store.ApprovalPending,
	}
	require.NoError(t, s.PutApprovalInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	stale := *inst
	stale.Version = 0
	require.ErrorIs(t, s.PutApprovalInstance(ctx, &stale), store.ErrVersionConflict)

	inst.Status = store.ApprovalInProgress
	require.NoError(t, s.PutApprovalInstance(ctx, inst))
	assert.Equal(t, int64(2), inst.Version)

	stored, err := s.GetApprovalInstance(ctx, "acme", "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalInProgress, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestApprovalHeadTracksLatestInstance(t *testing.T) {
	ctx := context.Background()
	s := New()

	older := &store.ApprovalInstance{
		TenantID:      "acme",
		ID:            "i-1",
		RecordID:      "inv-2",
		TransitionKey: "invoice-flow|review|approve",
		Status:        store.ApprovalRejected,
	}
	require.NoError(t, s.PutApprovalInstance(ctx, older))

	newer := &store.ApprovalInstance{
		TenantID:      "acme",
		ID:            "i-2",
		RecordID:      "inv-2",
		TransitionKey: "invoice-flow|review|approve",
		Status:        store.ApprovalPending,
		Assignees:     []string{"dana"},
	}
	require.NoError(t, s.PutApprovalInstance(ctx, newer))

	head, err := s.FindInstance(ctx, "acme", "inv-2", "invoice-flow|review|approve")
	require.NoError(t, err)
	assert.Equal(t, "i-2", head.ID)

	byID, err := s.GetApprovalInstance(ctx, "acme", "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, byID.Status)

	open, err := s.ListOpenInstances(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "i-2", open[0].ID)

	// The store hands out copies, mutating a result must not leak back.
	head.Assignees[0] = "mallory"
	again, err := s.FindInstance(ctx, "acme", "inv-2", "invoice-flow|review|approve")
	require.NoError(t, err)
	assert.Equal(t, []string{"dana"}, again.Assignees)
}
