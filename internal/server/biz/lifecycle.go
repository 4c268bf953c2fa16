package biz

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
)

// TransitionStatus is the non-error outcome of a transition attempt.
type TransitionStatus string

const (
	// TransitionCompleted means the record moved to the target state.
	TransitionCompleted TransitionStatus = "completed"

	// TransitionPending means an approval gate is awaiting responses; the
	// record has not moved.
	TransitionPending TransitionStatus = "pending"

	// TransitionBlocked means a gate condition or threshold does not hold,
	// or the gate's approval was rejected. Not an error and not a denial:
	// the caller may retry once the record changes.
	TransitionBlocked TransitionStatus = "blocked"
)

// TransitionResult reports what a transition attempt did.
type TransitionResult struct {
	Status             TransitionStatus `json:"status"`
	Record             *store.Record    `json:"record"`
	ApprovalInstanceID string           `json:"approval_instance_id,omitempty"`
	Reason             string           `json:"reason,omitempty"`
}

// LifecycleServiceParams contains dependencies for LifecycleService.
type LifecycleServiceParams struct {
	fx.In

	Config    Config
	Store     store.ConfigStore
	Records   store.RecordStore
	Policy    *PolicyService
	Approvals *ApprovalService
	Decisions DecisionLogger
	Clock     xtime.Clock `optional:"true"`
}

// LifecycleService drives record state machines. Transitions serialize per
// record through an optimistic version check: concurrent writers race, the
// loser re-reads and re-evaluates the gate against the new state.
type LifecycleService struct {
	config    Config
	store     store.ConfigStore
	records   store.RecordStore
	policy    *PolicyService
	approvals *ApprovalService
	decisions DecisionLogger
	clock     xtime.Clock
}

// NewLifecycleService creates a new LifecycleService.
func NewLifecycleService(params LifecycleServiceParams) *LifecycleService {
	clock := params.Clock
	if clock == nil {
		clock = xtime.SystemClock{}
	}

	return &LifecycleService{
		config:    params.Config.withDefaults(),
		store:     params.Store,
		records:   params.Records,
		policy:    params.Policy,
		approvals: params.Approvals,
		decisions: params.Decisions,
		clock:     clock,
	}
}

// Transition applies the operation to the record. It returns ErrInvalidTransition
// when no edge matches the record's current state, ErrPermissionDenied when the
// acting principal lacks a gate-required operation, and a pending or blocked
// result when an approval gate is not (yet) satisfied.
func (svc *LifecycleService) Transition(ctx context.Context, tenantID, recordID, operationCode, principalID string) (*TransitionResult, error) {
	var lastErr error

	for attempt := 0; attempt < svc.config.TransitionRetries; attempt++ {
		result, err := svc.attempt(ctx, tenantID, recordID, operationCode, principalID)
		if err == nil {
			return result, nil
		}

		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err

		log.Debug(ctx, "transition lost version race, retrying",
			log.String("tenant_id", tenantID),
			log.String("record_id", recordID),
			log.String("operation_code", operationCode),
			log.Int("attempt", attempt+1),
		)
	}

	return nil, lastErr
}

func (svc *LifecycleService) attempt(ctx context.Context, tenantID, recordID, operationCode, principalID string) (*TransitionResult, error) {
	record, err := svc.records.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	lifecycle, err := svc.store.ReadLifecycle(ctx, tenantID, record.LifecycleID)
	if err != nil {
		return nil, fmt.Errorf("read lifecycle: %w", err)
	}

	transition, err := findTransition(lifecycle, record.State, operationCode)
	if err != nil {
		return nil, err
	}

	evidence := map[string]any{
		"from":           record.State,
		"to":             transition.To,
		"record_version": record.Version,
	}

	if transition.Gate != nil {
		result, err := svc.checkGate(ctx, lifecycle, transition, record, principalID, evidence)
		if err != nil || result != nil {
			return result, err
		}
	}

	updated, err := svc.records.UpdateRecordState(ctx, tenantID, recordID, record.Version, transition.To)
	if err != nil {
		return nil, err
	}

	event := store.TransitionEvent{
		TenantID:      tenantID,
		RecordID:      recordID,
		LifecycleID:   lifecycle.ID,
		From:          record.State,
		To:            transition.To,
		OperationCode: operationCode,
		PrincipalID:   principalID,
		Evidence:      evidence,
		At:            svc.clock.Now(),
	}

	svc.decisions.LogTransition(ctx, event)

	log.Info(ctx, "record transitioned",
		log.String("tenant_id", tenantID),
		log.String("record_id", recordID),
		log.String("from", record.State),
		log.String("to", transition.To),
		log.String("operation_code", operationCode),
	)

	return &TransitionResult{Status: TransitionCompleted, Record: updated}, nil
}

// checkGate evaluates the transition's gate. A nil, nil return means the gate
// is satisfied and the transition may proceed.
func (svc *LifecycleService) checkGate(ctx context.Context, lifecycle *store.Lifecycle, transition *store.LifecycleTransition, record *store.Record, principalID string, evidence map[string]any) (*TransitionResult, error) {
	gate := transition.Gate

	for _, op := range gate.RequiredOperations {
		decision, err := svc.policy.CheckPermission(ctx, CheckRequest{
			TenantID:    record.TenantID,
			PrincipalID: principalID,
			Entity:      record.EntityID,
			Operation:   op,
			RecordID:    record.ID,
		})
		if err != nil {
			return nil, err
		}

		if decision.Outcome != store.OutcomeAllow {
			return nil, fmt.Errorf("operation %s: %s: %w", op, decision.Reason, ErrPermissionDenied)
		}
	}

	if len(gate.RequiredOperations) > 0 {
		evidence["required_operations"] = gate.RequiredOperations
	}

	env := gateEnv(record)

	for _, condition := range gate.Conditions {
		value, err := expr.Eval(condition, env)
		if err != nil {
			return nil, fmt.Errorf("gate condition %q: %v: %w", condition, err, ErrConfigConflict)
		}

		ok, isBool := value.(bool)
		if !isBool {
			return nil, fmt.Errorf("gate condition %q is not boolean: %w", condition, ErrConfigConflict)
		}

		if !ok {
			return svc.blocked(ctx, record, principalID, transition, fmt.Sprintf("condition %q not satisfied", condition)), nil
		}
	}

	for _, threshold := range gate.Thresholds {
		if reason, ok := checkThreshold(threshold, record); !ok {
			return svc.blocked(ctx, record, principalID, transition, reason), nil
		}
	}

	if gate.ApprovalTemplateID == "" {
		return nil, nil
	}

	key := transitionKey(lifecycle.ID, record.State, transition.OperationCode)

	instance, err := svc.approvals.FindInstance(ctx, record.TenantID, record.ID, key)

	switch {
	case errors.Is(err, store.ErrNotFound):
		instance, err = svc.approvals.CreateInstance(ctx, record.TenantID, gate.ApprovalTemplateID, record, key)
		if err != nil {
			return nil, err
		}

		return svc.pending(ctx, record, principalID, transition, instance.ID), nil
	case err != nil:
		return nil, fmt.Errorf("find approval instance: %w", err)
	}

	switch instance.Status {
	case store.ApprovalApproved:
		evidence["approval_instance_id"] = instance.ID
		return nil, nil
	case store.ApprovalRejected:
		return svc.blocked(ctx, record, principalID, transition, fmt.Sprintf("approval %s rejected", instance.ID)), nil
	case store.ApprovalExpired:
		return svc.blocked(ctx, record, principalID, transition, fmt.Sprintf("approval %s expired", instance.ID)), nil
	default:
		return svc.pending(ctx, record, principalID, transition, instance.ID), nil
	}
}

// blocked records the gate-not-satisfied verdict before returning it. A
// blocked attempt is as auditable as a denial: the record did not move and the
// trail must say why.
func (svc *LifecycleService) blocked(ctx context.Context, record *store.Record, principalID string, transition *store.LifecycleTransition, reason string) *TransitionResult {
	svc.decisions.LogDecision(ctx, store.Decision{
		TenantID:    record.TenantID,
		PrincipalID: principalID,
		Entity:      record.EntityID,
		Operation:   transition.OperationCode,
		RecordID:    record.ID,
		Outcome:     store.OutcomeDeny,
		Reason:      reason,
		At:          svc.clock.Now(),
	})

	return &TransitionResult{Status: TransitionBlocked, Record: record, Reason: reason}
}

// pending records the awaiting-approval verdict before returning it, so the
// audit trail shows the attempt even though the record did not move.
func (svc *LifecycleService) pending(ctx context.Context, record *store.Record, principalID string, transition *store.LifecycleTransition, instanceID string) *TransitionResult {
	svc.decisions.LogDecision(ctx, store.Decision{
		TenantID:    record.TenantID,
		PrincipalID: principalID,
		Entity:      record.EntityID,
		Operation:   transition.OperationCode,
		RecordID:    record.ID,
		Outcome:     store.OutcomePending,
		Reason:      "awaiting approval " + instanceID,
		At:          svc.clock.Now(),
	})

	return &TransitionResult{
		Status:             TransitionPending,
		Record:             record,
		ApprovalInstanceID: instanceID,
		Reason:             "awaiting approval",
	}
}

// findTransition locates the unique edge for (state, operation). More than one
// matching edge is a configuration defect, never a runtime choice.
func findTransition(lifecycle *store.Lifecycle, state, operationCode string) (*store.LifecycleTransition, error) {
	var found *store.LifecycleTransition

	for i := range lifecycle.Transitions {
		t := &lifecycle.Transitions[i]
		if t.From != state || t.OperationCode != operationCode {
			continue
		}

		if found != nil {
			return nil, fmt.Errorf("lifecycle %s has duplicate transition (%s, %s): %w",
				lifecycle.ID, state, operationCode, ErrConfigConflict)
		}

		found = t
	}

	if found == nil {
		return nil, fmt.Errorf("no transition from %q via %q: %w", state, operationCode, ErrInvalidTransition)
	}

	if !stateExists(lifecycle, found.To) {
		return nil, fmt.Errorf("transition targets unknown state %q: %w", found.To, ErrDanglingReference)
	}

	return found, nil
}

func stateExists(lifecycle *store.Lifecycle, code string) bool {
	for _, s := range lifecycle.States {
		if s.Code == code {
			return true
		}
	}

	return false
}

func transitionKey(lifecycleID, from, operationCode string) string {
	return lifecycleID + "|" + from + "|" + operationCode
}

func gateEnv(record *store.Record) map[string]any {
	env := make(map[string]any, len(record.Attrs)+1)
	for k, v := range record.Attrs {
		env[k] = v
	}

	env["state"] = record.State

	return env
}

// checkThreshold bounds a numeric record attribute. A missing or non-numeric
// attribute fails the threshold rather than passing it.
func checkThreshold(rule store.ThresholdRule, record *store.Record) (string, bool) {
	raw, exists := record.Attrs[rule.Attr]
	if !exists {
		return fmt.Sprintf("threshold attribute %q missing", rule.Attr), false
	}

	value, err := toThresholdDecimal(raw)
	if err != nil {
		return fmt.Sprintf("threshold attribute %q is not numeric", rule.Attr), false
	}

	if rule.Min != nil && value.LessThan(*rule.Min) {
		return fmt.Sprintf("%s below minimum %s", rule.Attr, rule.Min.String()), false
	}

	if rule.Max != nil && value.GreaterThan(*rule.Max) {
		return fmt.Sprintf("%s exceeds maximum %s", rule.Attr, rule.Max.String()), false
	}

	return "", true
}

func toThresholdDecimal(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case decimal.Decimal:
		return value, nil
	case string:
		return decimal.NewFromString(value)
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return decimal.Zero, err
		}

		return decimal.NewFromFloat(f), nil
	}
}
