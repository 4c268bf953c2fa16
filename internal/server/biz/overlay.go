package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"dario.cat/mergo"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xjson"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
)

// CompileSchema folds the active overlays onto a base entity version and
// returns the effective schema document, content-addressed by hash. The same
// base and overlay set always produce the same bytes and the same hash.
//
// Overlays apply in ascending priority order (ties broken by overlay ID), and
// the changes within one overlay apply in ascending change order. The result
// never mutates the inputs: raw definitions stay the source of truth.
func CompileSchema(ctx context.Context, base *store.EntityVersion, overlays []store.Overlay) (*store.CompiledSchema, error) {
	applicable := make([]store.Overlay, 0, len(overlays))

	for _, o := range overlays {
		if o.BaseVersionID == "" || o.BaseVersionID == base.ID {
			applicable = append(applicable, o)
		}
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority < applicable[j].Priority
		}

		return applicable[i].ID < applicable[j].ID
	})

	if err := checkOverlayRequirements(applicable); err != nil {
		return nil, err
	}

	doc, err := baseSchemaDocument(base)
	if err != nil {
		return nil, err
	}

	for i := range applicable {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", base.ID, ErrCompilationTimeout)
		}

		doc, err = applyOverlay(doc, &applicable[i])
		if err != nil {
			return nil, fmt.Errorf("overlay %s: %w", applicable[i].ID, err)
		}
	}

	canonical, err := xjson.Canonical(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize schema for %s: %w", base.ID, err)
	}

	hash, err := schemaHash(canonical, applicable)
	if err != nil {
		return nil, err
	}

	return &store.CompiledSchema{
		TenantID:        base.TenantID,
		EntityVersionID: base.ID,
		Hash:            hash,
		Schema:          canonical,
		CompiledAt:      xtime.UTCNow(),
	}, nil
}

// checkOverlayRequirements verifies that every required overlay is present in
// the active set and that the requirement graph is acyclic.
func checkOverlayRequirements(overlays []store.Overlay) error {
	present := make(map[string]*store.Overlay, len(overlays))
	for i := range overlays {
		present[overlays[i].ID] = &overlays[i]
	}

	const (
		visiting = 1
		done     = 2
	)

	state := make(map[string]int, len(overlays))

	var visit func(id string) error

	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("overlay %s: %w", id, ErrCycleDetected)
		case done:
			return nil
		}

		state[id] = visiting

		for _, req := range present[id].Requires {
			dep, ok := present[req]
			if !ok {
				return fmt.Errorf("overlay %s requires %s, which is not active: %w", id, req, ErrDanglingReference)
			}

			if err := visit(dep.ID); err != nil {
				return err
			}
		}

		state[id] = done

		return nil
	}

	for i := range overlays {
		if err := visit(overlays[i].ID); err != nil {
			return err
		}
	}

	return nil
}

// baseSchemaDocument renders the entity version as the JSON document overlay
// paths address. Fields, relations, and indexes are keyed by name so a change
// path like "fields.discount_code.validation" lands where it reads.
func baseSchemaDocument(base *store.EntityVersion) ([]byte, error) {
	fields := make(map[string]store.Field, len(base.Fields))
	for _, f := range base.Fields {
		fields[f.Name] = f
	}

	relations := make(map[string]store.Relation, len(base.Relations))
	for _, r := range base.Relations {
		relations[r.Name] = r
	}

	indexes := make(map[string]store.IndexDef, len(base.Indexes))
	for _, idx := range base.Indexes {
		indexes[idx.Name] = idx
	}

	doc := map[string]any{
		"entity_id":         base.EntityID,
		"entity_version_id": base.ID,
		"module_id":         base.ModuleID,
		"fields":            fields,
		"relations":         relations,
		"indexes":           indexes,
		"policy":            map[string]any{},
	}

	if base.LifecycleID != "" {
		doc["lifecycle_id"] = base.LifecycleID
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render base schema for %s: %w", base.ID, err)
	}

	return out, nil
}

func applyOverlay(doc []byte, overlay *store.Overlay) ([]byte, error) {
	changes := make([]store.OverlayChange, len(overlay.Changes))
	copy(changes, overlay.Changes)

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Order < changes[j].Order
	})

	seen := make(map[int]bool, len(changes))

	for _, c := range changes {
		if seen[c.Order] {
			return nil, fmt.Errorf("duplicate change order %d: %w", c.Order, ErrConfigConflict)
		}

		seen[c.Order] = true

		next, err := applyChange(doc, overlay.ConflictMode, c)
		if err != nil {
			return nil, fmt.Errorf("change %d (%s %s): %w", c.Order, c.Kind, c.Path, err)
		}

		doc = next
	}

	return doc, nil
}

func applyChange(doc []byte, mode store.ConflictMode, change store.OverlayChange) ([]byte, error) {
	exists := gjson.GetBytes(doc, change.Path).Exists()

	switch change.Kind {
	case store.ChangeAddField:
		if exists {
			switch mode {
			case store.ConflictOverwrite:
				return sjson.SetBytes(doc, change.Path, change.Value)
			case store.ConflictMerge:
				return mergeAtPath(doc, change.Path, change.Value)
			default:
				return nil, ErrConfigConflict
			}
		}

		return sjson.SetBytes(doc, change.Path, change.Value)
	case store.ChangeRemoveField:
		if !exists {
			return nil, ErrDanglingReference
		}

		return sjson.DeleteBytes(doc, change.Path)
	case store.ChangeModifyField, store.ChangeTweakPolicy,
		store.ChangeOverrideValidation, store.ChangeOverrideUI:
		if !exists && change.Kind != store.ChangeTweakPolicy {
			return nil, ErrDanglingReference
		}

		if mode == store.ConflictMerge {
			return mergeAtPath(doc, change.Path, change.Value)
		}

		return sjson.SetBytes(doc, change.Path, change.Value)
	default:
		return nil, fmt.Errorf("unknown change kind %q: %w", change.Kind, ErrConfigConflict)
	}
}

// mergeAtPath deep-merges an object value into the object at path. Non-object
// values, and non-object targets, degrade to plain replacement. Lists are
// replaced wholesale, never concatenated, so reapplying an overlay stays
// idempotent.
func mergeAtPath(doc []byte, path string, value any) ([]byte, error) {
	src, ok := value.(map[string]any)
	if !ok {
		return sjson.SetBytes(doc, path, value)
	}

	existing := gjson.GetBytes(doc, path)
	if !existing.IsObject() {
		return sjson.SetBytes(doc, path, value)
	}

	var dst map[string]any
	if err := json.Unmarshal([]byte(existing.Raw), &dst); err != nil {
		return nil, fmt.Errorf("decode merge target: %w", err)
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge at %s: %w", path, err)
	}

	return sjson.SetBytes(doc, path, dst)
}

// schemaHash digests the canonical schema bytes together with the identity and
// canonical changes of every applied overlay, in application order.
func schemaHash(canonical []byte, applied []store.Overlay) (string, error) {
	digest := xxhash.New()
	_, _ = digest.Write(canonical)

	for _, o := range applied {
		_, _ = digest.WriteString(o.ID)

		raw, err := json.Marshal(o.Changes)
		if err != nil {
			return "", fmt.Errorf("digest overlay %s: %w", o.ID, err)
		}

		canonicalChanges, err := xjson.Canonical(raw)
		if err != nil {
			return "", fmt.Errorf("digest overlay %s: %w", o.ID, err)
		}

		_, _ = digest.Write(canonicalChanges)
	}

	return fmt.Sprintf("%016x", digest.Sum64()), nil
}

// SchemaServiceParams contains dependencies for SchemaService.
type SchemaServiceParams struct {
	fx.In

	Config   Config
	Store    store.ConfigStore
	Compiled store.CompiledStore
}

// SchemaService resolves effective schemas. Results are memoized three deep:
// an in-process LRU, the compiled-schema store, and a single-flight group so
// concurrent requests for the same entity version compile exactly once.
type SchemaService struct {
	config   Config
	store    store.ConfigStore
	compiled store.CompiledStore

	group singleflight.Group
	cache *lru.Cache[string, *store.CompiledSchema]
}

// NewSchemaService creates a new SchemaService.
func NewSchemaService(params SchemaServiceParams) (*SchemaService, error) {
	cfg := params.Config.withDefaults()

	cache, err := lru.New[string, *store.CompiledSchema](cfg.SchemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("schema cache: %w", err)
	}

	return &SchemaService{
		config:   cfg,
		store:    params.Store,
		compiled: params.Compiled,
		cache:    cache,
	}, nil
}

// ResolveSchema returns the effective schema for an entity version, compiling
// it on first use.
func (svc *SchemaService) ResolveSchema(ctx context.Context, tenantID, entityVersionID string) (*store.CompiledSchema, error) {
	cacheKey := tenantID + "|" + entityVersionID

	if cached, ok := svc.cache.Get(cacheKey); ok {
		return cached, nil
	}

	result, err, _ := svc.group.Do(cacheKey, func() (any, error) {
		if persisted, err := svc.compiled.GetCompiledSchema(ctx, tenantID, entityVersionID); err == nil {
			svc.cache.Add(cacheKey, persisted)
			return persisted, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("read compiled schema: %w", err)
		}

		return svc.compile(ctx, tenantID, entityVersionID)
	})
	if err != nil {
		return nil, err
	}

	return result.(*store.CompiledSchema), nil
}

// Recompile discards memoized results and compiles the entity version from the
// current base and overlay set. Administrative callers use it after publishing
// an overlay.
func (svc *SchemaService) Recompile(ctx context.Context, tenantID, entityVersionID string) (*store.CompiledSchema, error) {
	cacheKey := tenantID + "|" + entityVersionID
	svc.cache.Remove(cacheKey)

	result, err, _ := svc.group.Do("recompile|"+cacheKey, func() (any, error) {
		return svc.compile(ctx, tenantID, entityVersionID)
	})
	if err != nil {
		return nil, err
	}

	return result.(*store.CompiledSchema), nil
}

func (svc *SchemaService) compile(ctx context.Context, tenantID, entityVersionID string) (*store.CompiledSchema, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.config.CompileTimeout)
	defer cancel()

	base, err := svc.store.ReadEntityVersion(ctx, tenantID, entityVersionID)
	if err != nil {
		return nil, fmt.Errorf("read entity version: %w", err)
	}

	overlays, err := svc.store.ReadOverlays(ctx, tenantID, base.EntityID)
	if err != nil {
		return nil, fmt.Errorf("read overlays: %w", err)
	}

	schema, err := CompileSchema(ctx, base, overlays)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("compile schema for %s: %w", entityVersionID, ErrCompilationTimeout)
		}

		return nil, err
	}

	stored, err := svc.compiled.PutCompiledSchema(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("persist compiled schema: %w", err)
	}

	svc.cache.Add(tenantID+"|"+entityVersionID, stored)

	log.Info(ctx, "compiled schema",
		log.String("tenant_id", tenantID),
		log.String("entity_version_id", entityVersionID),
		log.String("hash", stored.Hash),
		log.Int("overlays", len(overlays)),
	)

	return stored, nil
}
