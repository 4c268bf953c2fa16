// Package store defines the configuration, directory, record, and decision
// persistence contracts consumed by the engine, together with the tenant-scoped
// domain types they exchange. Storage itself is an external collaborator; the
// engine only ever sees these interfaces.
package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/formahq/forma/internal/objects"
)

// EntityVersionStatus is the lifecycle of an entity shape snapshot.
type EntityVersionStatus string

const (
	EntityVersionDraft     EntityVersionStatus = "draft"
	EntityVersionPublished EntityVersionStatus = "published"
	EntityVersionArchived  EntityVersionStatus = "archived"
)

// FieldType enumerates supported field data types.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldReference FieldType = "reference"
	FieldJSON      FieldType = "json"
)

// DeleteRule controls foreign-key behavior on delete.
type DeleteRule string

const (
	DeleteRestrict DeleteRule = "restrict"
	DeleteCascade  DeleteRule = "cascade"
	DeleteSetNull  DeleteRule = "set_null"
)

// Field is one attribute of an entity version.
type Field struct {
	Name       string         `json:"name"                 yaml:"name"`
	Type       FieldType      `json:"type"                 yaml:"type"`
	Required   bool           `json:"required,omitempty"   yaml:"required,omitempty"`
	Unique     bool           `json:"unique,omitempty"     yaml:"unique,omitempty"`
	Validation map[string]any `json:"validation,omitempty" yaml:"validation,omitempty"`
	UI         map[string]any `json:"ui,omitempty"         yaml:"ui,omitempty"`
}

// Relation wires one entity version to another.
type Relation struct {
	Name         string     `json:"name"          yaml:"name"`
	TargetEntity string     `json:"target_entity" yaml:"target_entity"`
	DeleteRule   DeleteRule `json:"delete_rule"   yaml:"delete_rule"`
}

// IndexDef is a declarative index on an entity version.
type IndexDef struct {
	Name   string   `json:"name"             yaml:"name"`
	Fields []string `json:"fields"           yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// EntityVersion is an immutable snapshot of an entity's shape. Draft versions
// may mutate; published and archived versions never do.
type EntityVersion struct {
	TenantID    string              `json:"tenant_id"              yaml:"tenant_id"`
	ID          string              `json:"id"                     yaml:"id"`
	EntityID    string              `json:"entity_id"              yaml:"entity_id"`
	ModuleID    string              `json:"module_id"              yaml:"module_id"`
	Status      EntityVersionStatus `json:"status"                 yaml:"status"`
	LifecycleID string              `json:"lifecycle_id,omitempty" yaml:"lifecycle_id,omitempty"`
	Fields      []Field             `json:"fields"                 yaml:"fields"`
	Relations   []Relation          `json:"relations,omitempty"    yaml:"relations,omitempty"`
	Indexes     []IndexDef          `json:"indexes,omitempty"      yaml:"indexes,omitempty"`
}

// ConflictMode controls how overlay changes behave on collision.
type ConflictMode string

const (
	ConflictFail      ConflictMode = "fail"
	ConflictOverwrite ConflictMode = "overwrite"
	ConflictMerge     ConflictMode = "merge"
)

// ChangeKind enumerates overlay change deltas.
type ChangeKind string

const (
	ChangeAddField           ChangeKind = "add_field"
	ChangeRemoveField        ChangeKind = "remove_field"
	ChangeModifyField        ChangeKind = "modify_field"
	ChangeTweakPolicy        ChangeKind = "tweak_policy"
	ChangeOverrideValidation ChangeKind = "override_validation"
	ChangeOverrideUI         ChangeKind = "override_ui"
)

// OverlayChange is one typed delta within an overlay, applied in Order.
type OverlayChange struct {
	Order int        `json:"order"           yaml:"order"`
	Kind  ChangeKind `json:"kind"            yaml:"kind"`
	Path  string     `json:"path"            yaml:"path"`
	Value any        `json:"value,omitempty" yaml:"value,omitempty"`
}

// Overlay layers an ordered set of changes onto a base entity definition.
type Overlay struct {
	TenantID      string          `json:"tenant_id"                 yaml:"tenant_id"`
	ID            string          `json:"id"                        yaml:"id"`
	BaseEntityID  string          `json:"base_entity_id"            yaml:"base_entity_id"`
	BaseVersionID string          `json:"base_version_id,omitempty" yaml:"base_version_id,omitempty"`
	Priority      int             `json:"priority"                  yaml:"priority"`
	ConflictMode  ConflictMode    `json:"conflict_mode"             yaml:"conflict_mode"`
	IsActive      bool            `json:"is_active"                 yaml:"is_active"`
	Requires      []string        `json:"requires,omitempty"        yaml:"requires,omitempty"`
	Changes       []OverlayChange `json:"changes"                   yaml:"changes"`
}

// AccessMode is the default verdict when no permission rule matches.
type AccessMode string

const (
	AccessDefaultDeny  AccessMode = "default_deny"
	AccessDefaultAllow AccessMode = "default_allow"
	AccessInherit      AccessMode = "inherit"
)

// EntityPolicy carries default behavior for an entity, a specific entity
// version, or a module. Version-level overrides entity-level overrides
// module-level.
type EntityPolicy struct {
	TenantID      string     `json:"tenant_id"                yaml:"tenant_id"`
	ModuleID      string     `json:"module_id,omitempty"      yaml:"module_id,omitempty"`
	EntityID      string     `json:"entity_id,omitempty"      yaml:"entity_id,omitempty"`
	VersionID     string     `json:"version_id,omitempty"     yaml:"version_id,omitempty"`
	AccessMode    AccessMode `json:"access_mode"              yaml:"access_mode"`
	OrgScopeMode  string     `json:"org_scope_mode,omitempty" yaml:"org_scope_mode,omitempty"`
	AuditMode     string     `json:"audit_mode,omitempty"     yaml:"audit_mode,omitempty"`
	RetentionDays int        `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	CacheEnabled  bool       `json:"cache_enabled,omitempty"  yaml:"cache_enabled,omitempty"`
}

// Effect is a rule verdict.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ScopeLevel orders rule scopes from broadest to most specific.
type ScopeLevel int

const (
	ScopeGlobal ScopeLevel = iota
	ScopeModule
	ScopeEntity
	ScopeEntityVersion
	ScopeRecord
)

var scopeLevelNames = map[ScopeLevel]string{
	ScopeGlobal:        "global",
	ScopeModule:        "module",
	ScopeEntity:        "entity",
	ScopeEntityVersion: "entity_version",
	ScopeRecord:        "record",
}

func (l ScopeLevel) String() string {
	if name, ok := scopeLevelNames[l]; ok {
		return name
	}

	return "unknown"
}

// ParseScopeLevel converts the wire name of a scope level.
func ParseScopeLevel(name string) (ScopeLevel, bool) {
	for level, n := range scopeLevelNames {
		if n == name {
			return level, true
		}
	}

	return ScopeGlobal, false
}

// Scope is the reach of a permission rule. Target identifies the module,
// entity, entity version, or record, and is empty for global scope.
type Scope struct {
	Level  ScopeLevel `json:"level"            yaml:"level"`
	Target string     `json:"target,omitempty" yaml:"target,omitempty"`
}

// SubjectKind enumerates rule subjects.
type SubjectKind string

const (
	SubjectPrincipal SubjectKind = "principal"
	SubjectRole      SubjectKind = "role"
	SubjectGroup     SubjectKind = "group"
)

// Subject binds a rule to a principal, role, or group.
type Subject struct {
	Kind SubjectKind `json:"kind" yaml:"kind"`
	ID   string      `json:"id"   yaml:"id"`
}

// PermissionRule is one scoped, prioritized allow/deny statement. Raw rules
// remain the source of truth; the compiled decision table is derived.
type PermissionRule struct {
	TenantID  string        `json:"tenant_id"           yaml:"tenant_id"`
	ID        string        `json:"id"                  yaml:"id"`
	Subject   Subject       `json:"subject"             yaml:"subject"`
	Entity    string        `json:"entity"              yaml:"entity"`
	Operation string        `json:"operation"           yaml:"operation"`
	Scope     Scope         `json:"scope"               yaml:"scope"`
	Effect    Effect        `json:"effect"              yaml:"effect"`
	Priority  int           `json:"priority"            yaml:"priority"`
	Condition *objects.Expr `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// LifecycleState is one node of a lifecycle state machine.
type LifecycleState struct {
	Code       string `json:"code"                  yaml:"code"`
	IsTerminal bool   `json:"is_terminal,omitempty" yaml:"is_terminal,omitempty"`
}

// ThresholdRule bounds a numeric record attribute on a transition gate.
type ThresholdRule struct {
	Attr string           `json:"attr"          yaml:"attr"`
	Min  *decimal.Decimal `json:"min,omitempty" yaml:"min,omitempty"`
	Max  *decimal.Decimal `json:"max,omitempty" yaml:"max,omitempty"`
}

// TransitionGate guards a transition with permission requirements, an optional
// approval template, free-form condition expressions, and threshold rules.
type TransitionGate struct {
	RequiredOperations []string        `json:"required_operations,omitempty"  yaml:"required_operations,omitempty"`
	ApprovalTemplateID string          `json:"approval_template_id,omitempty" yaml:"approval_template_id,omitempty"`
	Conditions         []string        `json:"conditions,omitempty"           yaml:"conditions,omitempty"`
	Thresholds         []ThresholdRule `json:"thresholds,omitempty"           yaml:"thresholds,omitempty"`
}

// LifecycleTransition is one edge of the state machine, keyed by operation code.
type LifecycleTransition struct {
	From          string          `json:"from"           yaml:"from"`
	To            string          `json:"to"             yaml:"to"`
	OperationCode string          `json:"operation_code" yaml:"operation_code"`
	Gate          *TransitionGate `json:"gate,omitempty" yaml:"gate,omitempty"`
}

// Lifecycle is a named, versioned state machine for one record type.
type Lifecycle struct {
	TenantID    string                `json:"tenant_id"   yaml:"tenant_id"`
	ID          string                `json:"id"          yaml:"id"`
	Version     int                   `json:"version"     yaml:"version"`
	States      []LifecycleState      `json:"states"      yaml:"states"`
	Transitions []LifecycleTransition `json:"transitions" yaml:"transitions"`
}

// StageMode distinguishes serial and parallel approval stages.
type StageMode string

const (
	StageSerial   StageMode = "serial"
	StageParallel StageMode = "parallel"
)

// QuorumKind enumerates quorum rules for one approval stage.
type QuorumKind string

const (
	QuorumCount    QuorumKind = "count"
	QuorumMajority QuorumKind = "majority"
	QuorumAll      QuorumKind = "all"
)

// QuorumRule determines how many responses complete a stage.
type QuorumRule struct {
	Kind QuorumKind `json:"kind"            yaml:"kind"`
	// Count applies when Kind is count; a zero count means one approver.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
	// TolerateRejections keeps the stage open on rejection until the quorum
	// can no longer be reached.
	TolerateRejections bool `json:"tolerate_rejections,omitempty" yaml:"tolerate_rejections,omitempty"`
}

// ApprovalStage is one step of an approval template.
type ApprovalStage struct {
	Name   string     `json:"name"   yaml:"name"`
	Mode   StageMode  `json:"mode"   yaml:"mode"`
	Quorum QuorumRule `json:"quorum" yaml:"quorum"`
}

// RoutingRule maps record conditions to an assignee set; the first matching
// rule in priority order wins.
type RoutingRule struct {
	Priority  int           `json:"priority"            yaml:"priority"`
	Condition *objects.Expr `json:"condition,omitempty" yaml:"condition,omitempty"`
	Assignees []string      `json:"assignees"           yaml:"assignees"`
}

// SlaPolicy attaches reminder and escalation timers to an approval instance.
type SlaPolicy struct {
	RemindAfter     time.Duration `json:"remind_after"     yaml:"remind_after"`
	EscalateAfter   time.Duration `json:"escalate_after"   yaml:"escalate_after"`
	EscalationChain [][]string    `json:"escalation_chain" yaml:"escalation_chain"`
}

// ApprovalTemplate defines ordered stages, routing rules, and an optional SLA.
type ApprovalTemplate struct {
	TenantID string          `json:"tenant_id"     yaml:"tenant_id"`
	ID       string          `json:"id"            yaml:"id"`
	Stages   []ApprovalStage `json:"stages"        yaml:"stages"`
	Rules    []RoutingRule   `json:"rules"         yaml:"rules"`
	Sla      *SlaPolicy      `json:"sla,omitempty" yaml:"sla,omitempty"`
}

// ApprovalStatus is the state of an approval instance.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalInProgress ApprovalStatus = "in_progress"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalRejected   ApprovalStatus = "rejected"
	ApprovalEscalated  ApprovalStatus = "escalated"
	ApprovalExpired    ApprovalStatus = "expired"
)

// Open reports whether the instance still accepts responses.
func (s ApprovalStatus) Open() bool {
	return s == ApprovalPending || s == ApprovalInProgress || s == ApprovalEscalated
}

// ApprovalActionKind is a response to an approval stage.
type ApprovalActionKind string

const (
	ActionApprove ApprovalActionKind = "approve"
	ActionReject  ApprovalActionKind = "reject"
)

// ApprovalResponse is one principal's response within a stage.
type ApprovalResponse struct {
	Principal string             `json:"principal" yaml:"principal"`
	Action    ApprovalActionKind `json:"action"    yaml:"action"`
	At        time.Time          `json:"at"        yaml:"at"`
}

// ApprovalInstance is a running multi-stage approval referenced by a
// transition gate. TransitionKey identifies the gated transition as
// lifecycle|from|operation.
type ApprovalInstance struct {
	TenantID      string                     `json:"tenant_id"      yaml:"tenant_id"`
	ID            string                     `json:"id"             yaml:"id"`
	TemplateID    string                     `json:"template_id"    yaml:"template_id"`
	RecordID      string                     `json:"record_id"      yaml:"record_id"`
	TransitionKey string                     `json:"transition_key" yaml:"transition_key"`
	Status        ApprovalStatus             `json:"status"         yaml:"status"`
	StageIndex    int                        `json:"stage_index"    yaml:"stage_index"`
	Assignees     []string                   `json:"assignees"      yaml:"assignees"`
	Responses     map[int][]ApprovalResponse `json:"responses"      yaml:"responses"`
	Escalations   int                        `json:"escalations"    yaml:"escalations"`
	Reminded      bool                       `json:"reminded"       yaml:"reminded"`
	CreatedAt     time.Time                  `json:"created_at"     yaml:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"     yaml:"updated_at"`

	// Version guards writes: PutApprovalInstance only overwrites the stored
	// instance when the versions match, so concurrent responses cannot erase
	// each other.
	Version int64 `json:"version" yaml:"version"`
}

// DirectoryEntry is one principal's directory record.
type DirectoryEntry struct {
	PrincipalID string         `json:"principal_id"          yaml:"principal_id"`
	Roles       []string       `json:"roles,omitempty"       yaml:"roles,omitempty"`
	Groups      []string       `json:"groups,omitempty"      yaml:"groups,omitempty"`
	OrgUnitPath string         `json:"org_unit_path"         yaml:"org_unit_path"`
	Attributes  map[string]any `json:"attributes,omitempty"  yaml:"attributes,omitempty"`
}

// GroupDef binds roles to a group.
type GroupDef struct {
	ID    string   `json:"id"    yaml:"id"`
	Roles []string `json:"roles" yaml:"roles"`
}

// EntitlementSnapshot is the cached materialization of a principal's effective
// roles, groups, org-unit scope, and attributes. Never partially written.
type EntitlementSnapshot struct {
	TenantID    string         `json:"tenant_id"    yaml:"tenant_id"`
	PrincipalID string         `json:"principal_id" yaml:"principal_id"`
	Roles       []string       `json:"roles"        yaml:"roles"`
	Groups      []string       `json:"groups"       yaml:"groups"`
	OrgUnits    []string       `json:"org_units"    yaml:"org_units"`
	Attributes  map[string]any `json:"attributes"   yaml:"attributes"`
	ComputedAt  time.Time      `json:"computed_at"  yaml:"computed_at"`
	ExpiresAt   time.Time      `json:"expires_at"   yaml:"expires_at"`
}

// HasRole reports whether the snapshot carries the role.
func (s *EntitlementSnapshot) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// HasGroup reports whether the snapshot carries the group.
func (s *EntitlementSnapshot) HasGroup(group string) bool {
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}

	return false
}

// Record is a business record bound to a lifecycle. Version backs the
// optimistic concurrency check on state transitions.
type Record struct {
	TenantID    string         `json:"tenant_id"    yaml:"tenant_id"`
	ID          string         `json:"id"           yaml:"id"`
	EntityID    string         `json:"entity_id"    yaml:"entity_id"`
	LifecycleID string         `json:"lifecycle_id" yaml:"lifecycle_id"`
	State       string         `json:"state"        yaml:"state"`
	Version     int64          `json:"version"      yaml:"version"`
	Attrs       map[string]any `json:"attrs"        yaml:"attrs"`
}

// CompiledSchema is a memoized overlay-merge result, content-addressed by Hash.
type CompiledSchema struct {
	TenantID        string          `json:"tenant_id"`
	EntityVersionID string          `json:"entity_version_id"`
	Hash            string          `json:"hash"`
	Schema          json.RawMessage `json:"schema"`
	CompiledAt      time.Time       `json:"compiled_at"`
}

// DecisionOutcome is a terminal verdict recorded to the decision log.
type DecisionOutcome string

const (
	OutcomeAllow   DecisionOutcome = "allow"
	OutcomeDeny    DecisionOutcome = "deny"
	OutcomePending DecisionOutcome = "pending"
)

// Decision is one allow/deny/pending verdict written to the decision log.
type Decision struct {
	TenantID    string          `json:"tenant_id"`
	PrincipalID string          `json:"principal_id"`
	Entity      string          `json:"entity"`
	Operation   string          `json:"operation"`
	RecordID    string          `json:"record_id,omitempty"`
	Outcome     DecisionOutcome `json:"outcome"`
	MatchedRule string          `json:"matched_rule,omitempty"`
	Reason      string          `json:"reason"`
	PolicyHash  string          `json:"policy_hash,omitempty"`
	At          time.Time       `json:"at"`
}

// TransitionEvent records a completed lifecycle transition with its gate
// evidence.
type TransitionEvent struct {
	TenantID      string         `json:"tenant_id"`
	RecordID      string         `json:"record_id"`
	LifecycleID   string         `json:"lifecycle_id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	OperationCode string         `json:"operation_code"`
	PrincipalID   string         `json:"principal_id"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	At            time.Time      `json:"at"`
}
