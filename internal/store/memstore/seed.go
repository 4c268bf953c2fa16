package memstore

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/formahq/forma/internal/store"
)

// Document is the declarative tenant-configuration format the store is seeded
// from. One document may carry any number of tenants.
type Document struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

type TenantSeed struct {
	ID                string                   `yaml:"id"`
	Modules           []ModuleSeed             `yaml:"modules"`
	Entities          []EntitySeed             `yaml:"entities"`
	Overlays          []store.Overlay          `yaml:"overlays"`
	PermissionRules   []store.PermissionRule   `yaml:"permission_rules"`
	Lifecycles        []store.Lifecycle        `yaml:"lifecycles"`
	ApprovalTemplates []store.ApprovalTemplate `yaml:"approval_templates"`
	Directory         DirectorySeed            `yaml:"directory"`
	Records           []store.Record           `yaml:"records"`
}

type ModuleSeed struct {
	ID     string              `yaml:"id"`
	Policy *store.EntityPolicy `yaml:"policy"`
}

type EntitySeed struct {
	ID       string                `yaml:"id"`
	Module   string                `yaml:"module"`
	Policy   *store.EntityPolicy   `yaml:"policy"`
	Versions []store.EntityVersion `yaml:"versions"`
}

type DirectorySeed struct {
	Principals []store.DirectoryEntry `yaml:"principals"`
	Groups     []store.GroupDef       `yaml:"groups"`
}

// FromYAML builds a seeded store from a tenant-configuration document.
func FromYAML(data []byte) (*Store, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tenant configuration: %w", err)
	}

	s := New()
	if err := s.Load(&doc); err != nil {
		return nil, err
	}

	return s, nil
}

// Load seeds the store from a parsed document. Loading is idempotent: rows are
// keyed, so reloading the same document replaces rather than duplicates.
func (s *Store) Load(doc *Document) error {
	var errs *multierror.Error

	for i := range doc.Tenants {
		if err := s.loadTenant(&doc.Tenants[i]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", doc.Tenants[i].ID, err))
		}
	}

	return errs.ErrorOrNil()
}

func (s *Store) loadTenant(t *TenantSeed) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range t.Modules {
		if m.Policy != nil {
			policy := *m.Policy
			policy.TenantID = t.ID
			policy.ModuleID = m.ID
			s.policies[key(t.ID, "module", m.ID)] = &policy
		}
	}

	for _, e := range t.Entities {
		if e.Policy != nil {
			policy := *e.Policy
			policy.TenantID = t.ID
			policy.EntityID = e.ID
			policy.ModuleID = e.Module
			s.policies[key(t.ID, "entity", e.ID)] = &policy
		} else if _, ok := s.policies[key(t.ID, "entity", e.ID)]; !ok {
			// Entities without an explicit policy are seeded default-deny.
			s.policies[key(t.ID, "entity", e.ID)] = &store.EntityPolicy{
				TenantID:   t.ID,
				EntityID:   e.ID,
				ModuleID:   e.Module,
				AccessMode: store.AccessDefaultDeny,
			}
		}

		for i := range e.Versions {
			version := e.Versions[i]
			version.TenantID = t.ID
			version.EntityID = e.ID
			version.ModuleID = e.Module

			if version.Status == "" {
				version.Status = store.EntityVersionPublished
			}

			s.entityVersions[key(t.ID, version.ID)] = &version
		}
	}

	overlaysByEntity := make(map[string][]store.Overlay)

	for i := range t.Overlays {
		overlay := t.Overlays[i]
		overlay.TenantID = t.ID

		if overlay.BaseEntityID == "" {
			return fmt.Errorf("overlay %s: base_entity_id is required", overlay.ID)
		}

		overlaysByEntity[overlay.BaseEntityID] = append(overlaysByEntity[overlay.BaseEntityID], overlay)
	}

	for entityID, overlays := range overlaysByEntity {
		s.overlays[key(t.ID, entityID)] = overlays
	}

	rules := make([]store.PermissionRule, 0, len(t.PermissionRules))

	for i := range t.PermissionRules {
		rule := t.PermissionRules[i]
		rule.TenantID = t.ID

		if rule.Condition != nil {
			if err := rule.Condition.Validate(); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}

		rules = append(rules, rule)
	}

	s.rules[t.ID] = rules

	for i := range t.Lifecycles {
		lc := t.Lifecycles[i]
		lc.TenantID = t.ID
		s.lifecycles[key(t.ID, lc.ID)] = &lc
	}

	for i := range t.ApprovalTemplates {
		tpl := t.ApprovalTemplates[i]
		tpl.TenantID = t.ID
		s.templates[key(t.ID, tpl.ID)] = &tpl
	}

	for i := range t.Directory.Principals {
		entry := t.Directory.Principals[i]
		s.directory[key(t.ID, entry.PrincipalID)] = &entry
	}

	for i := range t.Directory.Groups {
		group := t.Directory.Groups[i]
		s.groups[key(t.ID, group.ID)] = &group
	}

	for i := range t.Records {
		record := t.Records[i]
		record.TenantID = t.ID

		if record.Version == 0 {
			record.Version = 1
		}

		s.records[key(t.ID, record.ID)] = &record
	}

	return nil
}
