package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/zhenzou/executors"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
)

// ApprovalServiceParams contains dependencies for ApprovalService.
type ApprovalServiceParams struct {
	fx.In

	Config    Config
	Store     store.ConfigStore
	Records   store.RecordStore
	Approvals store.ApprovalStore
	Executor  executors.ScheduledExecutor `optional:"true"`
	Clock     xtime.Clock                 `optional:"true"`
}

// ApprovalService runs multi-stage approval instances: routing, quorum
// evaluation, and the SLA sweep that reminds, escalates, and expires stale
// instances.
type ApprovalService struct {
	config    Config
	store     store.ConfigStore
	records   store.RecordStore
	approvals store.ApprovalStore
	clock     xtime.Clock

	executor    executors.ScheduledExecutor
	ownExecutor bool
	cancelSweep context.CancelFunc
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(params ApprovalServiceParams) *ApprovalService {
	clock := params.Clock
	if clock == nil {
		clock = xtime.SystemClock{}
	}

	executor := params.Executor
	ownExecutor := false

	if executor == nil {
		executor = executors.NewPoolScheduleExecutor(executors.WithMaxConcurrent(1))
		ownExecutor = true
	}

	return &ApprovalService{
		config:      params.Config.withDefaults(),
		store:       params.Store,
		records:     params.Records,
		approvals:   params.Approvals,
		clock:       clock,
		executor:    executor,
		ownExecutor: ownExecutor,
	}
}

// Start schedules the SLA sweep.
func (svc *ApprovalService) Start(ctx context.Context) error {
	cancel, err := svc.executor.ScheduleFuncAtCronRate(
		svc.runSweep,
		executors.CRONRule{Expr: svc.config.SweepCron},
	)
	if err != nil {
		return err
	}

	svc.cancelSweep = cancel

	return nil
}

// Stop cancels the SLA sweep. The executor is only shut down when the service
// created it, a shared executor belongs to its provider.
func (svc *ApprovalService) Stop(ctx context.Context) error {
	if svc.cancelSweep != nil {
		svc.cancelSweep()
	}

	if svc.ownExecutor {
		return svc.executor.Shutdown(ctx)
	}

	return nil
}

// CreateInstance opens an approval instance for a gated transition, routing
// stage one to the first template rule that matches the record.
func (svc *ApprovalService) CreateInstance(ctx context.Context, tenantID, templateID string, record *store.Record, transitionKey string) (*store.ApprovalInstance, error) {
	template, err := svc.store.ReadApprovalTemplate(ctx, tenantID, templateID)
	if err != nil {
		return nil, fmt.Errorf("read approval template: %w", err)
	}

	if len(template.Stages) == 0 {
		return nil, fmt.Errorf("template %s has no stages: %w", templateID, ErrConfigConflict)
	}

	assignees, err := routeStage(template, record)
	if err != nil {
		return nil, err
	}

	now := svc.clock.Now()

	instance := &store.ApprovalInstance{
		TenantID:      tenantID,
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		RecordID:      record.ID,
		TransitionKey: transitionKey,
		Status:        store.ApprovalPending,
		StageIndex:    0,
		Assignees:     assignees,
		Responses:     make(map[int][]store.ApprovalResponse),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := svc.approvals.PutApprovalInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("persist approval instance: %w", err)
	}

	log.Info(ctx, "opened approval instance",
		log.String("tenant_id", tenantID),
		log.String("instance_id", instance.ID),
		log.String("record_id", record.ID),
		log.String("transition_key", transitionKey),
		log.Strings("assignees", assignees),
	)

	return instance, nil
}

// FindInstance returns the most recent instance for a record and gated
// transition, regardless of status.
func (svc *ApprovalService) FindInstance(ctx context.Context, tenantID, recordID, transitionKey string) (*store.ApprovalInstance, error) {
	return svc.approvals.FindInstance(ctx, tenantID, recordID, transitionKey)
}

// GetInstance returns one approval instance by id.
func (svc *ApprovalService) GetInstance(ctx context.Context, tenantID, instanceID string) (*store.ApprovalInstance, error) {
	return svc.approvals.GetApprovalInstance(ctx, tenantID, instanceID)
}

// Submit records one assignee's response. A duplicate response by the same
// principal within the same stage is a no-op, so retried requests cannot
// double-count toward the quorum. Writes serialize per instance through the
// store's version check: a losing writer re-reads and re-applies its response
// on top of the winner's.
func (svc *ApprovalService) Submit(ctx context.Context, tenantID, instanceID, principalID string, action store.ApprovalActionKind) (*store.ApprovalInstance, error) {
	var lastErr error

	for attempt := 0; attempt < svc.config.TransitionRetries; attempt++ {
		instance, err := svc.submit(ctx, tenantID, instanceID, principalID, action)
		if err == nil {
			return instance, nil
		}

		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err

		log.Debug(ctx, "approval submit lost version race, retrying",
			log.String("tenant_id", tenantID),
			log.String("instance_id", instanceID),
			log.String("principal_id", principalID),
			log.Int("attempt", attempt+1),
		)
	}

	return nil, lastErr
}

func (svc *ApprovalService) submit(ctx context.Context, tenantID, instanceID, principalID string, action store.ApprovalActionKind) (*store.ApprovalInstance, error) {
	instance, err := svc.approvals.GetApprovalInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read approval instance: %w", err)
	}

	if !instance.Status.Open() {
		return nil, fmt.Errorf("instance %s is %s: %w", instanceID, instance.Status, ErrApprovalClosed)
	}

	template, err := svc.store.ReadApprovalTemplate(ctx, tenantID, instance.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("read approval template: %w", err)
	}

	for _, r := range instance.Responses[instance.StageIndex] {
		if r.Principal == principalID {
			return instance, nil
		}
	}

	stage := template.Stages[instance.StageIndex]

	if !lo.Contains(activeAssignees(stage, instance), principalID) {
		return nil, fmt.Errorf("principal %s: %w", principalID, ErrNotAssignee)
	}

	now := svc.clock.Now()

	instance.Responses[instance.StageIndex] = append(instance.Responses[instance.StageIndex], store.ApprovalResponse{
		Principal: principalID,
		Action:    action,
		At:        now,
	})

	if instance.Status == store.ApprovalPending {
		instance.Status = store.ApprovalInProgress
	}

	if err := svc.settleStage(ctx, instance, template); err != nil {
		return nil, err
	}

	instance.UpdatedAt = now

	if err := svc.approvals.PutApprovalInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("persist approval instance: %w", err)
	}

	log.Info(ctx, "recorded approval response",
		log.String("tenant_id", tenantID),
		log.String("instance_id", instanceID),
		log.String("principal_id", principalID),
		log.String("action", string(action)),
		log.String("status", string(instance.Status)),
		log.Int("stage_index", instance.StageIndex),
	)

	return instance, nil
}

// settleStage evaluates the current stage's quorum and either finishes the
// instance, advances it to the next stage, or leaves it open.
func (svc *ApprovalService) settleStage(ctx context.Context, instance *store.ApprovalInstance, template *store.ApprovalTemplate) error {
	stage := template.Stages[instance.StageIndex]
	responses := instance.Responses[instance.StageIndex]

	var approved, rejected int

	for _, r := range responses {
		switch r.Action {
		case store.ActionApprove:
			approved++
		case store.ActionReject:
			rejected++
		}
	}

	required := quorumRequired(stage.Quorum, len(instance.Assignees))

	if rejected > 0 {
		if !stage.Quorum.TolerateRejections {
			instance.Status = store.ApprovalRejected
			return nil
		}

		// Tolerated rejections still shrink the pool; reject once the
		// quorum can no longer be reached.
		if len(instance.Assignees)-rejected < required {
			instance.Status = store.ApprovalRejected
			return nil
		}
	}

	if approved < required {
		return nil
	}

	instance.StageIndex++

	if instance.StageIndex >= len(template.Stages) {
		instance.Status = store.ApprovalApproved
		return nil
	}

	// Routing is re-resolved per stage against the current record.
	record, err := svc.records.GetRecord(ctx, instance.TenantID, instance.RecordID)
	if err != nil {
		return fmt.Errorf("read record for routing: %w", err)
	}

	assignees, err := routeStage(template, record)
	if err != nil {
		return err
	}

	instance.Assignees = assignees
	instance.Status = store.ApprovalInProgress
	instance.Reminded = false

	return nil
}

// activeAssignees returns who may respond to the current stage. A parallel
// stage accepts any assignee at any time; a serial stage accepts only the
// first assignee, in listed order, who has not responded yet.
func activeAssignees(stage store.ApprovalStage, instance *store.ApprovalInstance) []string {
	if stage.Mode != store.StageSerial {
		return instance.Assignees
	}

	responded := make(map[string]bool, len(instance.Responses[instance.StageIndex]))
	for _, r := range instance.Responses[instance.StageIndex] {
		responded[r.Principal] = true
	}

	for _, assignee := range instance.Assignees {
		if !responded[assignee] {
			return []string{assignee}
		}
	}

	return nil
}

// quorumRequired translates a quorum rule into the number of approvals that
// complete the stage. A count quorum larger than the assignee pool caps at the
// pool size, so an escalated instance with a shrunken pool can still complete.
func quorumRequired(quorum store.QuorumRule, assignees int) int {
	required := 1

	switch quorum.Kind {
	case store.QuorumAll:
		required = assignees
	case store.QuorumMajority:
		required = assignees/2 + 1
	case store.QuorumCount:
		if quorum.Count > 0 {
			required = quorum.Count
		}
	}

	if assignees > 0 && required > assignees {
		required = assignees
	}

	return required
}

// routeStage picks the assignee set from the first routing rule, in ascending
// priority order, whose condition matches the record.
func routeStage(template *store.ApprovalTemplate, record *store.Record) ([]string, error) {
	rules := make([]store.RoutingRule, len(template.Rules))
	copy(rules, template.Rules)

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})

	env := map[string]any{}
	for k, v := range record.Attrs {
		env[k] = v
	}

	env["state"] = record.State

	for _, rule := range rules {
		ok, err := rule.Condition.Evaluate(env)
		if err != nil {
			return nil, fmt.Errorf("routing condition: %w", err)
		}

		if ok && len(rule.Assignees) > 0 {
			return append([]string(nil), rule.Assignees...), nil
		}
	}

	return nil, fmt.Errorf("no routing rule matched record %s: %w", record.ID, ErrConfigConflict)
}

func (svc *ApprovalService) runSweep(ctx context.Context) {
	if err := svc.Sweep(ctx); err != nil {
		log.Error(ctx, "approval sla sweep failed", log.Cause(err))
	}
}

// Sweep walks every open instance and applies its template's SLA policy:
// remind once per stage, escalate through the chain restarting the timer each
// step, and expire once the chain is exhausted.
func (svc *ApprovalService) Sweep(ctx context.Context) error {
	open, err := svc.approvals.ListOpenInstances(ctx)
	if err != nil {
		return fmt.Errorf("list open instances: %w", err)
	}

	now := svc.clock.Now()

	for _, instance := range open {
		template, err := svc.store.ReadApprovalTemplate(ctx, instance.TenantID, instance.TemplateID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Warn(ctx, "open instance references missing template",
					log.String("instance_id", instance.ID),
					log.String("template_id", instance.TemplateID),
				)

				continue
			}

			return fmt.Errorf("read approval template: %w", err)
		}

		if template.Sla == nil {
			continue
		}

		if changed := svc.applySla(ctx, instance, template.Sla, now); changed {
			if err := svc.approvals.PutApprovalInstance(ctx, instance); err != nil {
				// A response landed between the list and the write; the
				// next sweep re-reads the instance.
				if errors.Is(err, store.ErrVersionConflict) {
					continue
				}

				return fmt.Errorf("persist swept instance: %w", err)
			}
		}
	}

	return nil
}

func (svc *ApprovalService) applySla(ctx context.Context, instance *store.ApprovalInstance, sla *store.SlaPolicy, now time.Time) bool {
	elapsed := now.Sub(instance.UpdatedAt)
	escalationDue := sla.EscalateAfter > 0 && elapsed >= sla.EscalateAfter
	changed := false

	if !instance.Reminded && !escalationDue && sla.RemindAfter > 0 && elapsed >= sla.RemindAfter {
		// Notification fan-out is an external collaborator; the sweep only
		// marks and logs the reminder.
		instance.Reminded = true
		changed = true

		log.Info(ctx, "approval reminder due",
			log.String("tenant_id", instance.TenantID),
			log.String("instance_id", instance.ID),
			log.Strings("assignees", instance.Assignees),
		)
	}

	if escalationDue {
		if instance.Escalations < len(sla.EscalationChain) {
			instance.Assignees = append([]string(nil), sla.EscalationChain[instance.Escalations]...)
			instance.Escalations++
			instance.Status = store.ApprovalEscalated
			instance.Reminded = false
			instance.UpdatedAt = now

			log.Warn(ctx, "approval escalated",
				log.String("tenant_id", instance.TenantID),
				log.String("instance_id", instance.ID),
				log.Int("escalation", instance.Escalations),
				log.Strings("assignees", instance.Assignees),
			)
		} else {
			instance.Status = store.ApprovalExpired
			instance.UpdatedAt = now

			log.Warn(ctx, "approval expired",
				log.String("tenant_id", instance.TenantID),
				log.String("instance_id", instance.ID),
			)
		}

		changed = true
	}

	return changed
}
