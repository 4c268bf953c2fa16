// Package memstore is the in-memory store used by the binary and the tests.
// It is seeded from a declarative YAML tenant-configuration document and is
// safe for concurrent readers during writes.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/formahq/forma/internal/store"
)

// Store implements every store interface the engine consumes.
type Store struct {
	mu sync.RWMutex

	entityVersions map[string]*store.EntityVersion       // tenant|versionID
	overlays       map[string][]store.Overlay            // tenant|baseEntityID
	rules          map[string][]store.PermissionRule     // tenant
	policies       map[string]*store.EntityPolicy        // tenant|kind|id
	lifecycles     map[string]*store.Lifecycle           // tenant|lifecycleID
	templates      map[string]*store.ApprovalTemplate    // tenant|templateID
	directory      map[string]*store.DirectoryEntry      // tenant|principalID
	groups         map[string]*store.GroupDef            // tenant|groupID
	records        map[string]*store.Record              // tenant|recordID
	compiled       map[string]*store.CompiledSchema      // tenant|versionID|hash
	compiledHead   map[string]*store.CompiledSchema      // tenant|versionID
	approvals      map[string]*store.ApprovalInstance    // tenant|instanceID
	approvalHead   map[string]*store.ApprovalInstance    // tenant|recordID|transitionKey, most recent

	decisions   []store.Decision
	transitions []store.TransitionEvent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		entityVersions: make(map[string]*store.EntityVersion),
		overlays:       make(map[string][]store.Overlay),
		rules:          make(map[string][]store.PermissionRule),
		policies:       make(map[string]*store.EntityPolicy),
		lifecycles:     make(map[string]*store.Lifecycle),
		templates:      make(map[string]*store.ApprovalTemplate),
		directory:      make(map[string]*store.DirectoryEntry),
		groups:         make(map[string]*store.GroupDef),
		records:        make(map[string]*store.Record),
		compiled:       make(map[string]*store.CompiledSchema),
		compiledHead:   make(map[string]*store.CompiledSchema),
		approvals:      make(map[string]*store.ApprovalInstance),
		approvalHead:   make(map[string]*store.ApprovalInstance),
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}

	return out
}

// --- ConfigStore ---

func (s *Store) ReadEntityVersion(ctx context.Context, tenantID, entityVersionID string) (*store.EntityVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.entityVersions[key(tenantID, entityVersionID)]
	if !ok {
		return nil, fmt.Errorf("entity version %s: %w", entityVersionID, store.ErrNotFound)
	}

	cp := *ev

	return &cp, nil
}

func (s *Store) ReadOverlays(ctx context.Context, tenantID, baseEntityID string) ([]store.Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.overlays[key(tenantID, baseEntityID)]

	return lo.Filter(all, func(o store.Overlay, _ int) bool {
		return o.IsActive
	}), nil
}

func (s *Store) ReadPermissionRules(ctx context.Context, tenantID, entity, operation string) ([]store.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Filter(s.rules[tenantID], func(r store.PermissionRule, _ int) bool {
		return r.Entity == entity && r.Operation == operation
	}), nil
}

func (s *Store) ReadEntityPolicy(ctx context.Context, tenantID, entityID, versionID string) (*store.EntityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if versionID != "" {
		if p, ok := s.policies[key(tenantID, "version", versionID)]; ok {
			cp := *p
			return &cp, nil
		}
	}

	if p, ok := s.policies[key(tenantID, "entity", entityID)]; ok {
		cp := *p
		return &cp, nil
	}

	return nil, fmt.Errorf("entity policy for %s: %w", entityID, store.ErrNotFound)
}

func (s *Store) ReadModulePolicy(ctx context.Context, tenantID, moduleID string) (*store.EntityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[key(tenantID, "module", moduleID)]; ok {
		cp := *p
		return &cp, nil
	}

	return nil, fmt.Errorf("module policy for %s: %w", moduleID, store.ErrNotFound)
}

func (s *Store) ReadLifecycle(ctx context.Context, tenantID, lifecycleID string) (*store.Lifecycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lc, ok := s.lifecycles[key(tenantID, lifecycleID)]
	if !ok {
		return nil, fmt.Errorf("lifecycle %s: %w", lifecycleID, store.ErrNotFound)
	}

	cp := *lc

	return &cp, nil
}

func (s *Store) ReadApprovalTemplate(ctx context.Context, tenantID, templateID string) (*store.ApprovalTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[key(tenantID, templateID)]
	if !ok {
		return nil, fmt.Errorf("approval template %s: %w", templateID, store.ErrNotFound)
	}

	cp := *tpl

	return &cp, nil
}

// --- DirectoryStore ---

func (s *Store) ReadDirectory(ctx context.Context, tenantID, principalID string) (*store.DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.directory[key(tenantID, principalID)]
	if !ok {
		return nil, fmt.Errorf("principal %s: %w", principalID, store.ErrNotFound)
	}

	cp := *entry

	return &cp, nil
}

func (s *Store) ReadGroup(ctx context.Context, tenantID, groupID string) (*store.GroupDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[key(tenantID, groupID)]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, store.ErrNotFound)
	}

	cp := *group

	return &cp, nil
}

// --- RecordStore ---

func (s *Store) GetRecord(ctx context.Context, tenantID, recordID string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key(tenantID, recordID)]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, store.ErrNotFound)
	}

	cp := *rec

	return &cp, nil
}

func (s *Store) UpdateRecordState(ctx context.Context, tenantID, recordID string, expectedVersion int64, newState string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key(tenantID, recordID)]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, store.ErrNotFound)
	}

	if rec.Version != expectedVersion {
		return nil, fmt.Errorf("record %s at version %d, expected %d: %w",
			recordID, rec.Version, expectedVersion, store.ErrVersionConflict)
	}

	rec.State = newState
	rec.Version++

	cp := *rec

	return &cp, nil
}

// PutRecord inserts or replaces a record. Administrative, used by seeding and
// tests.
func (s *Store) PutRecord(record *store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.records[key(record.TenantID, record.ID)] = &cp
}

// --- CompiledStore ---

func (s *Store) GetCompiledSchema(ctx context.Context, tenantID, entityVersionID string) (*store.CompiledSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.compiledHead[key(tenantID, entityVersionID)]
	if !ok {
		return nil, fmt.Errorf("compiled schema for %s: %w", entityVersionID, store.ErrNotFound)
	}

	cp := *cs

	return &cp, nil
}

func (s *Store) PutCompiledSchema(ctx context.Context, schema *store.CompiledSchema) (*store.CompiledSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashKey := key(schema.TenantID, schema.EntityVersionID, schema.Hash)
	if existing, ok := s.compiled[hashKey]; ok {
		// First writer wins; racing compilers converge on the stored row.
		cp := *existing
		return &cp, nil
	}

	cp := *schema
	s.compiled[hashKey] = &cp
	s.compiledHead[key(schema.TenantID, schema.EntityVersionID)] = &cp

	out := cp

	return &out, nil
}

// --- ApprovalStore ---

func (s *Store) GetApprovalInstance(ctx context.Context, tenantID, instanceID string) (*store.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.approvals[key(tenantID, instanceID)]
	if !ok {
		return nil, fmt.Errorf("approval instance %s: %w", instanceID, store.ErrNotFound)
	}

	return copyInstance(inst), nil
}

func (s *Store) FindInstance(ctx context.Context, tenantID, recordID, transitionKey string) (*store.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.approvalHead[key(tenantID, recordID, transitionKey)]
	if !ok {
		return nil, fmt.Errorf("approval for record %s: %w", recordID, store.ErrNotFound)
	}

	return copyInstance(inst), nil
}

func (s *Store) PutApprovalInstance(ctx context.Context, instance *store.ApprovalInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.approvals[key(instance.TenantID, instance.ID)]; ok && existing.Version != instance.Version {
		return fmt.Errorf("approval instance %s at version %d, expected %d: %w",
			instance.ID, existing.Version, instance.Version, store.ErrVersionConflict)
	}

	instance.Version++

	cp := copyInstance(instance)
	s.approvals[key(instance.TenantID, instance.ID)] = cp
	s.approvalHead[key(instance.TenantID, instance.RecordID, instance.TransitionKey)] = cp

	return nil
}

func (s *Store) ListOpenInstances(ctx context.Context) ([]*store.ApprovalInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*store.ApprovalInstance

	for _, inst := range s.approvals {
		if inst.Status.Open() {
			open = append(open, copyInstance(inst))
		}
	}

	return open, nil
}

func copyInstance(inst *store.ApprovalInstance) *store.ApprovalInstance {
	cp := *inst
	cp.Assignees = append([]string(nil), inst.Assignees...)
	cp.Responses = make(map[int][]store.ApprovalResponse, len(inst.Responses))

	for stage, responses := range inst.Responses {
		cp.Responses[stage] = append([]store.ApprovalResponse(nil), responses...)
	}

	return &cp
}

// --- DecisionSink ---

func (s *Store) LogDecision(ctx context.Context, decision store.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, decision)

	return nil
}

func (s *Store) LogTransition(ctx context.Context, event store.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transitions = append(s.transitions, event)

	return nil
}

// Decisions returns a copy of the decision log. Test helper.
func (s *Store) Decisions() []store.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]store.Decision(nil), s.decisions...)
}

// Transitions returns a copy of the transition log. Test helper.
func (s *Store) Transitions() []store.TransitionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]store.TransitionEvent(nil), s.transitions...)
}
