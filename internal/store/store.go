package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by conditional writes when the row
	// changed since it was read.
	ErrVersionConflict = errors.New("store: version conflict")
)

// ConfigStore reads versioned configuration. Writes are administrative and out
// of scope for the engine.
type ConfigStore interface {
	ReadEntityVersion(ctx context.Context, tenantID, entityVersionID string) (*EntityVersion, error)

	// ReadOverlays returns the active overlays targeting the base entity.
	ReadOverlays(ctx context.Context, tenantID, baseEntityID string) ([]Overlay, error)

	// ReadPermissionRules returns the rules targeting the entity and
	// operation, across all scopes.
	ReadPermissionRules(ctx context.Context, tenantID, entity, operation string) ([]PermissionRule, error)

	// ReadEntityPolicy returns the most specific policy for the entity:
	// version-level when versionID matches, otherwise entity-level.
	ReadEntityPolicy(ctx context.Context, tenantID, entityID, versionID string) (*EntityPolicy, error)

	// ReadModulePolicy returns the module-level policy for inherit walks.
	ReadModulePolicy(ctx context.Context, tenantID, moduleID string) (*EntityPolicy, error)

	ReadLifecycle(ctx context.Context, tenantID, lifecycleID string) (*Lifecycle, error)

	ReadApprovalTemplate(ctx context.Context, tenantID, templateID string) (*ApprovalTemplate, error)
}

// DirectoryStore reads the principal/role/group/org-unit directory.
type DirectoryStore interface {
	ReadDirectory(ctx context.Context, tenantID, principalID string) (*DirectoryEntry, error)
	ReadGroup(ctx context.Context, tenantID, groupID string) (*GroupDef, error)
}

// RecordStore reads records and applies optimistic state transitions.
type RecordStore interface {
	GetRecord(ctx context.Context, tenantID, recordID string) (*Record, error)

	// UpdateRecordState writes the new state only if the record version is
	// still expectedVersion, returning ErrVersionConflict otherwise.
	UpdateRecordState(ctx context.Context, tenantID, recordID string, expectedVersion int64, newState string) (*Record, error)
}

// CompiledStore persists content-addressed compilation artifacts. Rows are
// append-only per hash: the first writer wins and later writers receive the
// existing row.
type CompiledStore interface {
	GetCompiledSchema(ctx context.Context, tenantID, entityVersionID string) (*CompiledSchema, error)

	// PutCompiledSchema stores the artifact unless one with the same
	// (tenant, entity version, hash) already exists; the stored row is
	// returned either way.
	PutCompiledSchema(ctx context.Context, schema *CompiledSchema) (*CompiledSchema, error)
}

// ApprovalStore persists approval instances.
type ApprovalStore interface {
	GetApprovalInstance(ctx context.Context, tenantID, instanceID string) (*ApprovalInstance, error)

	// FindInstance returns the most recent instance for a record and gated
	// transition regardless of status, or ErrNotFound. The engine uses it
	// both to avoid opening duplicate instances and to recognize an
	// approved instance that satisfies a gate.
	FindInstance(ctx context.Context, tenantID, recordID, transitionKey string) (*ApprovalInstance, error)

	// PutApprovalInstance writes the instance only if the stored row is
	// still at instance.Version, returning ErrVersionConflict otherwise. On
	// success the instance's Version is advanced to the stored value.
	PutApprovalInstance(ctx context.Context, instance *ApprovalInstance) error

	// ListOpenInstances returns every open instance across tenants, for the
	// SLA sweep.
	ListOpenInstances(ctx context.Context) ([]*ApprovalInstance, error)
}

// DecisionSink is the append-only audit sink. The engine writes every verdict
// and transition outcome here before returning it to the caller.
type DecisionSink interface {
	LogDecision(ctx context.Context, decision Decision) error
	LogTransition(ctx context.Context, event TransitionEvent) error
}
