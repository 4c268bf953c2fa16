package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"

	"github.com/formahq/forma/internal/log"
	"github.com/formahq/forma/internal/pkg/xcache"
	"github.com/formahq/forma/internal/pkg/xtime"
	"github.com/formahq/forma/internal/store"
)

// EntitlementServiceParams contains dependencies for EntitlementService.
type EntitlementServiceParams struct {
	fx.In

	Config    Config
	Directory store.DirectoryStore
	Cache     xcache.Cache[store.EntitlementSnapshot]
	Clock     xtime.Clock `optional:"true"`
}

// EntitlementService materializes a principal's effective roles, groups,
// org-unit scope, and attributes into a cached snapshot. Snapshots are written
// whole and expired whole; a partially populated snapshot never exists.
type EntitlementService struct {
	config    Config
	directory store.DirectoryStore
	cache     xcache.Cache[store.EntitlementSnapshot]
	clock     xtime.Clock
	group     singleflight.Group
}

// NewEntitlementService creates a new EntitlementService.
func NewEntitlementService(params EntitlementServiceParams) *EntitlementService {
	clock := params.Clock
	if clock == nil {
		clock = xtime.SystemClock{}
	}

	return &EntitlementService{
		config:    params.Config.withDefaults(),
		directory: params.Directory,
		cache:     params.Cache,
		clock:     clock,
	}
}

// Snapshot returns the principal's entitlement snapshot, recomputing it from
// the directory when the cached copy is absent or expired. Concurrent misses
// for the same principal collapse into one directory read.
func (svc *EntitlementService) Snapshot(ctx context.Context, tenantID, principalID string) (*store.EntitlementSnapshot, error) {
	cacheKey := entitlementKey(tenantID, principalID)

	if snap, err := svc.cache.Get(ctx, cacheKey); err == nil {
		if svc.clock.Now().Before(snap.ExpiresAt) {
			return &snap, nil
		}
	}

	result, err, _ := svc.group.Do(cacheKey, func() (any, error) {
		return svc.compute(ctx, tenantID, principalID)
	})
	if err != nil {
		return nil, err
	}

	return result.(*store.EntitlementSnapshot), nil
}

// Invalidate removes the snapshot so the next read recomputes it. Directory
// mutations that must take effect immediately call this; everything else
// rides out the TTL.
func (svc *EntitlementService) Invalidate(ctx context.Context, tenantID, principalID string) error {
	if err := svc.cache.Delete(ctx, entitlementKey(tenantID, principalID)); err != nil {
		return fmt.Errorf("invalidate entitlements for %s: %w", principalID, err)
	}

	return nil
}

func (svc *EntitlementService) compute(ctx context.Context, tenantID, principalID string) (*store.EntitlementSnapshot, error) {
	entry, err := svc.directory.ReadDirectory(ctx, tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("read directory for %s: %w", principalID, err)
	}

	roles := append([]string(nil), entry.Roles...)

	for _, groupID := range entry.Groups {
		group, err := svc.directory.ReadGroup(ctx, tenantID, groupID)
		if err != nil {
			// A dangling group reference must not lock the principal out
			// of their direct roles.
			log.Warn(ctx, "skipping unresolvable group",
				log.String("tenant_id", tenantID),
				log.String("principal_id", principalID),
				log.String("group_id", groupID),
				log.Cause(err),
			)

			continue
		}

		roles = append(roles, group.Roles...)
	}

	roles = lo.Uniq(roles)
	sort.Strings(roles)

	groups := lo.Uniq(append([]string(nil), entry.Groups...))
	sort.Strings(groups)

	attrs := make(map[string]any, len(entry.Attributes))
	for k, v := range entry.Attributes {
		attrs[k] = v
	}

	now := svc.clock.Now()

	snap := &store.EntitlementSnapshot{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Roles:       roles,
		Groups:      groups,
		OrgUnits:    orgUnitAncestry(entry.OrgUnitPath),
		Attributes:  attrs,
		ComputedAt:  now,
		ExpiresAt:   now.Add(svc.config.EntitlementTTL),
	}

	cacheKey := entitlementKey(tenantID, principalID)
	if err := svc.cache.Set(ctx, cacheKey, *snap, xcache.WithExpiration(svc.config.EntitlementTTL)); err != nil {
		log.Warn(ctx, "failed to cache entitlement snapshot",
			log.String("tenant_id", tenantID),
			log.String("principal_id", principalID),
			log.Cause(err),
		)
	}

	return snap, nil
}

func entitlementKey(tenantID, principalID string) string {
	return "ent|" + tenantID + "|" + principalID
}

// orgUnitAncestry expands a materialized org-unit path into the unit and all
// of its ancestors, so record scoping can match any level of the hierarchy.
func orgUnitAncestry(path string) []string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return nil
	}

	units := make([]string, 0, len(segments))
	prefix := ""

	for _, seg := range segments {
		prefix += "/" + seg
		units = append(units, prefix)
	}

	return units
}
