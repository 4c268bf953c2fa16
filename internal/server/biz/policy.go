package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xjson"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
)

// DecisionTable is the compiled, evaluation-ordered form of the rules for one
// (entity, operation) pair. Raw rules stay the source of truth; the table is
// derived and cacheable by hash.
type DecisionTable struct {
	Entity    string
	Operation string

	// Rules are sorted for evaluation: most specific scope first, then
	// ascending priority, then deny before allow, then rule id.
	Rules []store.PermissionRule

	Hash string
}

// Verdict is the outcome of evaluating a decision table.
type Verdict struct {
	Effect      store.Effect
	MatchedRule string
	Reason      string
}

// RequestContext locates a permission check within the configuration
// hierarchy so scoped rules can be matched.
type RequestContext struct {
	ModuleID        string
	EntityID        string
	EntityVersionID string
	RecordID        string
	Record          *store.Record
}

// CompileRules validates and orders the rules for one (entity, operation)
// pair. Two distinct rules with the same subject, scope, priority, and effect
// leave evaluation order meaningless and are rejected as a configuration
// defect rather than resolved at runtime.
func CompileRules(entity, operation string, rules []store.PermissionRule) (*DecisionTable, error) {
	ordered := make([]store.PermissionRule, len(rules))
	copy(ordered, rules)

	seen := make(map[string]string, len(ordered))

	for _, r := range ordered {
		if err := r.Condition.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}

		tieKey := fmt.Sprintf("%s|%s|%d|%s|%d|%s",
			r.Subject.Kind, r.Subject.ID, r.Scope.Level, r.Scope.Target, r.Priority, r.Effect)

		if other, ok := seen[tieKey]; ok && other != r.ID {
			return nil, fmt.Errorf("rules %s and %s tie on every key: %w", other, r.ID, ErrPolicyAmbiguity)
		}

		seen[tieKey] = r.ID
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]

		if a.Scope.Level != b.Scope.Level {
			return a.Scope.Level > b.Scope.Level
		}

		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}

		if a.Effect != b.Effect {
			return a.Effect == store.EffectDeny
		}

		return a.ID < b.ID
	})

	hash, err := tableHash(ordered)
	if err != nil {
		return nil, err
	}

	return &DecisionTable{
		Entity:    entity,
		Operation: operation,
		Rules:     ordered,
		Hash:      hash,
	}, nil
}

func tableHash(rules []store.PermissionRule) (string, error) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("digest rules: %w", err)
	}

	canonical, err := xjson.Canonical(raw)
	if err != nil {
		return "", fmt.Errorf("digest rules: %w", err)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// Evaluate walks the table in order and returns the verdict of the first rule
// whose subject, scope, and condition all match. A condition evaluation error
// fails closed: the verdict is deny, never an exception to the caller. The
// second return value reports whether any rule matched; on false the caller
// applies the entity policy fallback.
func (t *DecisionTable) Evaluate(snapshot *store.EntitlementSnapshot, reqCtx RequestContext) (Verdict, bool) {
	env := evaluationEnv(snapshot, reqCtx.Record)

	for i := range t.Rules {
		rule := &t.Rules[i]

		if !subjectMatches(rule.Subject, snapshot) || !scopeContains(rule.Scope, reqCtx) {
			continue
		}

		if rule.Condition != nil {
			ok, err := rule.Condition.Evaluate(env)
			if err != nil {
				return Verdict{
					Effect:      store.EffectDeny,
					MatchedRule: rule.ID,
					Reason:      fmt.Sprintf("condition evaluation failed: %v", err),
				}, true
			}

			if !ok {
				continue
			}
		}

		reason := "matched allow rule"
		if rule.Effect == store.EffectDeny {
			reason = "matched deny rule"
		}

		return Verdict{Effect: rule.Effect, MatchedRule: rule.ID, Reason: reason}, true
	}

	return Verdict{}, false
}

func subjectMatches(subject store.Subject, snapshot *store.EntitlementSnapshot) bool {
	switch subject.Kind {
	case store.SubjectPrincipal:
		return subject.ID == snapshot.PrincipalID
	case store.SubjectRole:
		return snapshot.HasRole(subject.ID)
	case store.SubjectGroup:
		return snapshot.HasGroup(subject.ID)
	default:
		return false
	}
}

func scopeContains(scope store.Scope, reqCtx RequestContext) bool {
	switch scope.Level {
	case store.ScopeGlobal:
		return true
	case store.ScopeModule:
		return scope.Target != "" && scope.Target == reqCtx.ModuleID
	case store.ScopeEntity:
		return scope.Target != "" && scope.Target == reqCtx.EntityID
	case store.ScopeEntityVersion:
		return scope.Target != "" && scope.Target == reqCtx.EntityVersionID
	case store.ScopeRecord:
		return scope.Target != "" && scope.Target == reqCtx.RecordID
	default:
		return false
	}
}

// evaluationEnv flattens the record attributes and the principal's snapshot
// into the environment conditions evaluate against. Principal attributes are
// namespaced under "principal." so they never collide with record attributes.
func evaluationEnv(snapshot *store.EntitlementSnapshot, record *store.Record) map[string]any {
	env := make(map[string]any)

	if record != nil {
		for k, v := range record.Attrs {
			env[k] = v
		}

		env["state"] = record.State
	}

	env["principal.id"] = snapshot.PrincipalID
	env["principal.roles"] = snapshot.Roles
	env["principal.groups"] = snapshot.Groups
	env["principal.org_units"] = snapshot.OrgUnits

	for k, v := range snapshot.Attributes {
		env["principal."+k] = v
	}

	return env
}

// CheckRequest is one permission question.
type CheckRequest struct {
	TenantID        string `json:"tenant_id"`
	PrincipalID     string `json:"principal_id"`
	Entity          string `json:"entity"`
	Operation       string `json:"operation"`
	EntityVersionID string `json:"entity_version_id,omitempty"`
	RecordID        string `json:"record_id,omitempty"`
}

// PolicyServiceParams contains dependencies for PolicyService.
type PolicyServiceParams struct {
	fx.In

	Config       Config
	Store        store.ConfigStore
	Records      store.RecordStore
	Entitlements *EntitlementService
	Decisions    DecisionLogger
	Clock        xtime.Clock `optional:"true"`
}

// PolicyService answers permission checks. Compiled decision tables are
// memoized in an LRU keyed by (tenant, entity, operation) and compiled at most
// once concurrently per key. Every verdict is handed to the decision logger
// before it is returned.
type PolicyService struct {
	config       Config
	store        store.ConfigStore
	records      store.RecordStore
	entitlements *EntitlementService
	decisions    DecisionLogger
	clock        xtime.Clock

	group  singleflight.Group
	tables *lru.Cache[string, *DecisionTable]
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(params PolicyServiceParams) (*PolicyService, error) {
	cfg := params.Config.withDefaults()

	tables, err := lru.New[string, *DecisionTable](cfg.TableCacheSize)
	if err != nil {
		return nil, fmt.Errorf("decision table cache: %w", err)
	}

	clock := params.Clock
	if clock == nil {
		clock = xtime.SystemClock{}
	}

	return &PolicyService{
		config:       cfg,
		store:        params.Store,
		records:      params.Records,
		entitlements: params.Entitlements,
		decisions:    params.Decisions,
		clock:        clock,
		tables:       tables,
	}, nil
}

// CheckPermission evaluates one permission question and returns the logged
// decision. Unknown principals and unresolvable records deny rather than
// error; only genuine store faults propagate, wrapped as ErrUnavailable.
func (svc *PolicyService) CheckPermission(ctx context.Context, req CheckRequest) (*store.Decision, error) {
	snapshot, err := svc.entitlements.Snapshot(ctx, req.TenantID, req.PrincipalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return svc.finish(ctx, req, "", store.OutcomeDeny, "", "principal not in directory"), nil
		}

		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	table, err := svc.table(ctx, req.TenantID, req.Entity, req.Operation)
	if err != nil {
		return nil, err
	}

	// A missing entity policy must not mask explicit rules: the table is
	// evaluated regardless, and the absent policy only decides the no-match
	// fallback. Module-scope rules cannot match without the policy's module
	// id, which is acceptable for an entity the configuration never named.
	policy, err := svc.store.ReadEntityPolicy(ctx, req.TenantID, req.Entity, req.EntityVersionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reqCtx := RequestContext{
		EntityID:        req.Entity,
		EntityVersionID: req.EntityVersionID,
		RecordID:        req.RecordID,
	}

	if policy != nil {
		reqCtx.ModuleID = policy.ModuleID
	}

	if req.RecordID != "" {
		record, err := svc.records.GetRecord(ctx, req.TenantID, req.RecordID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return svc.finish(ctx, req, table.Hash, store.OutcomeDeny, "", "record not found"), nil
			}

			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		reqCtx.Record = record
	}

	if verdict, matched := table.Evaluate(snapshot, reqCtx); matched {
		outcome := store.OutcomeAllow
		if verdict.Effect == store.EffectDeny {
			outcome = store.OutcomeDeny
		}

		return svc.finish(ctx, req, table.Hash, outcome, verdict.MatchedRule, verdict.Reason), nil
	}

	if policy == nil {
		return svc.finish(ctx, req, table.Hash, store.OutcomeDeny, "", "no matching rule, no entity policy"), nil
	}

	outcome, reason := svc.fallback(ctx, req.TenantID, policy)

	return svc.finish(ctx, req, table.Hash, outcome, "", reason), nil
}

// fallback resolves the no-match verdict from the entity policy, walking up to
// the module policy on inherit. An unresolvable walk denies.
func (svc *PolicyService) fallback(ctx context.Context, tenantID string, policy *store.EntityPolicy) (store.DecisionOutcome, string) {
	switch policy.AccessMode {
	case store.AccessDefaultAllow:
		return store.OutcomeAllow, "no matching rule, default allow"
	case store.AccessInherit:
		parent, err := svc.store.ReadModulePolicy(ctx, tenantID, policy.ModuleID)
		if err != nil || parent.AccessMode == store.AccessInherit {
			return store.OutcomeDeny, "no matching rule, inherited policy unresolved"
		}

		if parent.AccessMode == store.AccessDefaultAllow {
			return store.OutcomeAllow, "no matching rule, module default allow"
		}

		return store.OutcomeDeny, "no matching rule, module default deny"
	default:
		return store.OutcomeDeny, "no matching rule, default deny"
	}
}

func (svc *PolicyService) finish(ctx context.Context, req CheckRequest, hash string, outcome store.DecisionOutcome, matchedRule, reason string) *store.Decision {
	decision := &store.Decision{
		TenantID:    req.TenantID,
		PrincipalID: req.PrincipalID,
		Entity:      req.Entity,
		Operation:   req.Operation,
		RecordID:    req.RecordID,
		Outcome:     outcome,
		MatchedRule: matchedRule,
		Reason:      reason,
		PolicyHash:  hash,
		At:          svc.clock.Now(),
	}

	svc.decisions.LogDecision(ctx, *decision)

	return decision
}

func (svc *PolicyService) table(ctx context.Context, tenantID, entity, operation string) (*DecisionTable, error) {
	cacheKey := tenantID + "|" + entity + "|" + operation

	if table, ok := svc.tables.Get(cacheKey); ok {
		return table, nil
	}

	result, err, _ := svc.group.Do(cacheKey, func() (any, error) {
		rules, err := svc.store.ReadPermissionRules(ctx, tenantID, entity, operation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		table, err := CompileRules(entity, operation, rules)
		if err != nil {
			return nil, err
		}

		svc.tables.Add(cacheKey, table)

		log.Debug(ctx, "compiled decision table",
			log.String("tenant_id", tenantID),
			log.String("entity", entity),
			log.String("operation", operation),
			log.String("hash", table.Hash),
			log.Int("rules", len(table.Rules)),
		)

		return table, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*DecisionTable), nil
}

// ResetTables drops every memoized decision table, forcing recompilation from
// the stored rules on next use.
func (svc *PolicyService) ResetTables() {
	svc.tables.Purge()
}
