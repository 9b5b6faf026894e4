package model

import (
	"strings"
	"time"
)

// Role is a user's access level within a tenant.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleEmployee Role = "empleado"
	RoleAdmin    Role = "admin"
	RoleOwner    Role = "owner"
)

// roleRank orders roles for access-control decisions: viewer < employee < admin < owner.
var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleEmployee: 2,
	RoleAdmin:    3,
	RoleOwner:    4,
}

// Rank returns the role's position in the access order, 0 for unknown roles.
func (r Role) Rank() int {
	return roleRank[r]
}

// AtLeast reports whether r grants at least the access of required.
// Unknown roles never satisfy a requirement.
func (r Role) AtLeast(required Role) bool {
	return r.Rank() > 0 && r.Rank() >= required.Rank()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// ParseRole maps a stored or user-supplied role name to a Role. Both the
// stored Spanish value and the English "employee" are accepted.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, true
	case "empleado", "employee":
		return RoleEmployee, true
	case "admin":
		return RoleAdmin, true
	case "owner":
		return RoleOwner, true
	default:
		return "", false
	}
}

// Tenant is one coffee-shop business account ("cafetería").
type Tenant struct {
	ID                 string         `json:"id"`
	Name               string         `json:"nombre_negocio"`
	Slug               string         `json:"slug"`
	SchemaName         string         `json:"schema_name"`
	OwnerEmail         string         `json:"owner_email"`
	TaxID              string         `json:"rfc,omitempty"`
	Plan               string         `json:"plan"`
	Features           map[string]any `json:"features"`
	MaxUsers           int            `json:"max_usuarios"`
	MaxTicketsPerMonth int            `json:"max_tickets_mes"`
	Active             bool           `json:"activo"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActivity       time.Time      `json:"last_activity"`
}

// HasFeature reports whether the tenant's plan enables the named boolean feature.
func (t *Tenant) HasFeature(name string) bool {
	if t == nil || t.Features == nil {
		return false
	}
	v, ok := t.Features[name].(bool)
	return ok && v
}

// AccessGrant links one user to one tenant with a role.
type AccessGrant struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"cliente_id"`
	SchemaName string    `json:"schema_name"`
	Role       Role      `json:"rol"`
	Active     bool      `json:"activo"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProvisionRequest carries the input for creating a new tenant.
type ProvisionRequest struct {
	BusinessName string `json:"business_name"`
	OwnerUserID  string `json:"owner_user_id"`
	OwnerEmail   string `json:"owner_email"`
	TaxID        string `json:"rfc,omitempty"`
	Plan         string `json:"plan,omitempty"`
}

// ProvisionResult is the caller-facing view of a freshly provisioned tenant.
type ProvisionResult struct {
	ID           string `json:"id"`
	Name         string `json:"nombre_negocio"`
	Slug         string `json:"slug"`
	SchemaName   string `json:"schema_name"`
	DashboardURL string `json:"dashboard_url"`
}

// Identity is a verified user as returned by the identity provider.
type Identity struct {
	UserID   string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// ReconcileStatus tracks a pending compensating action.
type ReconcileStatus string

const (
	ReconcilePending  ReconcileStatus = "pending"
	ReconcileResolved ReconcileStatus = "resolved"
	ReconcileFailed   ReconcileStatus = "failed"
)

// ReconcileDeleteTenant is the compensating action that drops a tenant's
// namespace, grants and registry row.
const ReconcileDeleteTenant = "delete_tenant"

// ReconcileEntry records a compensating tenant delete that could not be
// completed inline and must be retried or handled manually.
type ReconcileEntry struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"cliente_id"`
	SchemaName  string          `json:"schema_name"`
	Action      string          `json:"action"`
	Error       string          `json:"error"`
	Status      ReconcileStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CanRetry reports whether the entry still has attempts left.
func (e *ReconcileEntry) CanRetry() bool {
	return e.Attempts < e.MaxAttempts
}
