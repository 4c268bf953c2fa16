// Package authz defines the single-principal authorization identity used
// throughout the engine. Each request carries exactly one Principal; background
// work declares the System principal explicitly.
package authz

import "fmt"

// PrincipalType defines authorization principal types.
type PrincipalType int

const (
	// PrincipalTypeUnknown unknown principal type.
	PrincipalTypeUnknown PrincipalType = iota
	// PrincipalTypeSystem system principal (background tasks, internal operations).
	PrincipalTypeSystem
	// PrincipalTypeUser user principal (interactive caller resolved by the directory).
	PrincipalTypeUser
	// PrincipalTypeTest test principal (only for test environment).
	PrincipalTypeTest
)

// String returns string representation of PrincipalType.
func (p PrincipalType) String() string {
	switch p {
	case PrincipalTypeSystem:
		return "system"
	case PrincipalTypeUser:
		return "user"
	case PrincipalTypeTest:
		return "test"
	default:
		return "unknown"
	}
}

// Principal represents an authorization principal scoped to one tenant.
type Principal struct {
	Type     PrincipalType
	TenantID string
	ID       string
}

// IsSystem checks if it is a system principal.
func (p Principal) IsSystem() bool {
	return p.Type == PrincipalTypeSystem
}

// IsUser checks if it is a user principal.
func (p Principal) IsUser() bool {
	return p.Type == PrincipalTypeUser
}

// String returns string representation of Principal (for audit logs).
func (p Principal) String() string {
	switch p.Type {
	case PrincipalTypeSystem:
		return "system"
	case PrincipalTypeUser:
		if p.ID != "" {
			return fmt.Sprintf("user:%s/%s", p.TenantID, p.ID)
		}

		return "user:unknown"
	case PrincipalTypeTest:
		return "test"
	default:
		return "unknown"
	}
}

// System returns the system principal for a tenant.
func System(tenantID string) Principal {
	return Principal{Type: PrincipalTypeSystem, TenantID: tenantID}
}

// User returns a user principal for a tenant.
func User(tenantID, id string) Principal {
	return Principal{Type: PrincipalTypeUser, TenantID: tenantID, ID: id}
}
