package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formahq/forma/internal/objects"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
	"github.com/formahq/forma/internal/store/memstore"
)

func approvalSeed() *memstore.Document {
	return &memstore.Document{
		Tenants: []memstore.TenantSeed{
			{
				ID: "acme",
				ApprovalTemplates: []store.ApprovalTemplate{
					{
						ID: "invoice-approval",
						Stages: []store.ApprovalStage{
							{Name: "peers", Mode: store.StageParallel, Quorum: store.QuorumRule{Kind: store.QuorumCount, Count: 2}},
							{Name: "controller", Mode: store.StageSerial, Quorum: store.QuorumRule{Kind: store.QuorumCount}},
						},
						Rules: []store.RoutingRule{
							{
								Priority:  10,
								Condition: &objects.Expr{Kind: objects.ExprGt, Attr: "amount", Value: 1000},
								Assignees: []string{"dana", "erin", "frank"},
							},
							{Priority: 20, Assignees: []string{"gary"}},
						},
						Sla: &store.SlaPolicy{
							RemindAfter:     24 * time.Hour,
							EscalateAfter:   48 * time.Hour,
							EscalationChain: [][]string{{"heidi"}, {"ivan"}},
						},
					},
					{
						ID: "tolerant",
						Stages: []store.ApprovalStage{
							{Name: "board", Mode: store.StageParallel, Quorum: store.QuorumRule{Kind: store.QuorumCount, Count: 2, TolerateRejections: true}},
						},
						Rules: []store.RoutingRule{
							{Priority: 10, Assignees: []string{"dana", "erin", "frank"}},
						},
					},
					{
						ID: "majority",
						Stages: []store.ApprovalStage{
							{Name: "board", Mode: store.StageParallel, Quorum: store.QuorumRule{Kind: store.QuorumMajority}},
						},
						Rules: []store.RoutingRule{
							{Priority: 10, Assignees: []string{"dana", "erin", "frank"}},
						},
					},
					{
						ID: "serial-chain",
						Stages: []store.ApprovalStage{
							{Name: "chain", Mode: store.StageSerial, Quorum: store.QuorumRule{Kind: store.QuorumAll}},
						},
						Rules: []store.RoutingRule{
							{Priority: 10, Assignees: []string{"dana", "erin"}},
						},
					},
					{
						ID: "conditional-only",
						Stages: []store.ApprovalStage{
							{Name: "one", Mode: store.StageSerial, Quorum: store.QuorumRule{Kind: store.QuorumCount}},
						},
						Rules: []store.RoutingRule{
							{
								Priority:  10,
								Condition: &objects.Expr{Kind: objects.ExprGt, Attr: "amount", Value: 1000000},
								Assignees: []string{"dana"},
							},
						},
					},
				},
				Records: []store.Record{
					{ID: "rec-big", EntityID: "invoice", LifecycleID: "invoice-flow", State: "review", Attrs: map[string]any{"amount": 5000}},
					{ID: "rec-small", EntityID: "invoice", LifecycleID: "invoice-flow", State: "review", Attrs: map[string]any{"amount": 500}},
				},
			},
		},
	}
}

func newApprovalFixture(t *testing.T) (*ApprovalService, *memstore.Store, *xtime.FakeClock) {
	t.Helper()

	st := memstore.New()
	require.NoError(t, st.Load(approvalSeed()))

	clock := xtime.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	svc := NewApprovalService(ApprovalServiceParams{
		Config:    Config{},
		Store:     st,
		Records:   st,
		Approvals: st,
		Clock:     clock,
	})

	return svc, st, clock
}

func mustRecord(t *testing.T, st *memstore.Store, id string) *store.Record {
	t.Helper()

	record, err := st.GetRecord(context.Background(), "acme", id)
	require.NoError(t, err)

	return record
}

func TestApprovalService_RoutingByPriority(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	big, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "invoice-flow|review|approve")
	require.NoError(t, err)
	require.Equal(t, []string{"dana", "erin", "frank"}, big.Assignees)
	require.Equal(t, store.ApprovalPending, big.Status)

	small, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-small"), "invoice-flow|review|approve")
	require.NoError(t, err)
	require.Equal(t, []string{"gary"}, small.Assignees)
}

func TestApprovalService_RoutingNoMatch(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)

	_, err := svc.CreateInstance(context.Background(), "acme", "conditional-only", mustRecord(t, st, "rec-small"), "k")
	require.ErrorIs(t, err, ErrConfigConflict)
}

func TestApprovalService_QuorumAndStageAdvance(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "acme", inst.ID, "gary", store.ActionApprove)
	require.ErrorIs(t, err, ErrNotAssignee)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalInProgress, inst.Status)
	require.Equal(t, 0, inst.StageIndex)

	// A duplicate response in the same stage is a no-op.
	inst, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.NoError(t, err)
	require.Len(t, inst.Responses[0], 1)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "erin", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, 1, inst.StageIndex)
	require.Equal(t, store.ApprovalInProgress, inst.Status)
	require.Equal(t, []string{"dana", "erin", "frank"}, inst.Assignees)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "frank", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, inst.Status)

	_, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.ErrorIs(t, err, ErrApprovalClosed)
}

func TestApprovalService_RejectionFailsInstance(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "frank", store.ActionReject)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalRejected, inst.Status)
}

func TestApprovalService_TolerateRejections(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "tolerant", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "frank", store.ActionReject)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalInProgress, inst.Status)

	// The second rejection leaves one assignee against a quorum of two.
	inst, err = svc.Submit(ctx, "acme", inst.ID, "erin", store.ActionReject)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalRejected, inst.Status)
}

func TestApprovalService_MajorityQuorum(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "majority", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalInProgress, inst.Status)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "erin", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, inst.Status)
}

func TestApprovalService_SerialStageOrdersAssignees(t *testing.T) {
	svc, st, _ := newApprovalFixture(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "serial-chain", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	// Only the first listed assignee may respond until they have.
	_, err = svc.Submit(ctx, "acme", inst.ID, "erin", store.ActionApprove)
	require.ErrorIs(t, err, ErrNotAssignee)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalInProgress, inst.Status)

	// A repeated response stays a no-op even though dana is no longer active.
	inst, err = svc.Submit(ctx, "acme", inst.ID, "dana", store.ActionApprove)
	require.NoError(t, err)
	require.Len(t, inst.Responses[0], 1)

	inst, err = svc.Submit(ctx, "acme", inst.ID, "erin", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalApproved, inst.Status)
}

// stalledApprovals holds the first readers at a barrier until all of them have
// read, forcing concurrent submits to work from the same instance version.
type stalledApprovals struct {
	store.ApprovalStore

	mu      sync.Mutex
	holds   int
	barrier chan struct{}
}

func (s *stalledApprovals) GetApprovalInstance(ctx context.Context, tenantID, instanceID string) (*store.ApprovalInstance, error) {
	inst, err := s.ApprovalStore.GetApprovalInstance(ctx, tenantID, instanceID)

	s.mu.Lock()
	if s.holds > 0 {
		s.holds--
		if s.holds == 0 {
			close(s.barrier)
		}
		s.mu.Unlock()
		<-s.barrier
	} else {
		s.mu.Unlock()
	}

	return inst, err
}

func TestApprovalService_ConcurrentSubmitsBothCount(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.Load(approvalSeed()))

	stalled := &stalledApprovals{ApprovalStore: st, holds: 2, barrier: make(chan struct{})}

	svc := NewApprovalService(ApprovalServiceParams{
		Config:    Config{},
		Store:     st,
		Records:   st,
		Approvals: stalled,
	})

	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	var wg sync.WaitGroup

	errc := make(chan error, 2)

	for _, principal := range []string{"dana", "erin"} {
		wg.Add(1)

		go func(principal string) {
			defer wg.Done()

			_, err := svc.Submit(ctx, "acme", inst.ID, principal, store.ActionApprove)
			errc <- err
		}(principal)
	}

	wg.Wait()
	close(errc)

	for err := range errc {
		require.NoError(t, err)
	}

	// Both responses survive the race: the loser re-read and re-applied, so
	// the two-approval quorum advanced the stage.
	final, err := st.GetApprovalInstance(ctx, "acme", inst.ID)
	require.NoError(t, err)
	require.Len(t, final.Responses[0], 2)
	require.Equal(t, 1, final.StageIndex)
	require.Equal(t, store.ApprovalInProgress, final.Status)
}

func TestApprovalService_SlaSweep(t *testing.T) {
	svc, st, clock := newApprovalFixture(t)
	ctx := context.Background()

	created, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	// Before the reminder window nothing changes.
	clock.Advance(1 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err := st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.False(t, inst.Reminded)

	clock.Advance(24 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err = st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.True(t, inst.Reminded)
	require.True(t, inst.Status.Open())

	// Past the escalation window: first chain step takes over and the
	// timer restarts.
	clock.Advance(24 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err = st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalEscalated, inst.Status)
	require.Equal(t, []string{"heidi"}, inst.Assignees)
	require.Equal(t, 1, inst.Escalations)

	clock.Advance(49 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err = st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"ivan"}, inst.Assignees)
	require.Equal(t, 2, inst.Escalations)

	// The chain is exhausted: the instance expires.
	clock.Advance(49 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err = st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalExpired, inst.Status)

	_, err = svc.Submit(ctx, "acme", inst.ID, "ivan", store.ActionApprove)
	require.ErrorIs(t, err, ErrApprovalClosed)
}

func TestApprovalService_EscalatedInstanceStillAcceptsResponses(t *testing.T) {
	svc, st, clock := newApprovalFixture(t)
	ctx := context.Background()

	created, err := svc.CreateInstance(ctx, "acme", "invoice-approval", mustRecord(t, st, "rec-big"), "k")
	require.NoError(t, err)

	clock.Advance(49 * time.Hour)
	require.NoError(t, svc.Sweep(ctx))

	inst, err := st.GetApprovalInstance(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalEscalated, inst.Status)

	// The escalation assignee satisfies stage one's quorum alone once the
	// pool shrinks to them.
	inst, err = svc.Submit(ctx, "acme", inst.ID, "heidi", store.ActionApprove)
	require.NoError(t, err)
	require.Equal(t, store.ApprovalInProgress, inst.Status)
}
