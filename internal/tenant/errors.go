package tenant

import (
	"github.com/rotisserie/eris"
)

var (
	// ErrInvalidName is matched by every input ValidationError.
	ErrInvalidName = eris.New("tenant: invalid business name")
	// ErrSlugExhausted is returned when every slug candidate is taken.
	ErrSlugExhausted = eris.New("No se pudo generar un identificador único para la cafetería")
	// ErrUnknownPlan is returned for a plan missing from the catalogue.
	ErrUnknownPlan = eris.New("tenant: unknown plan")
	// ErrTenantNotFound is returned when no tenant has the requested slug.
	ErrTenantNotFound = eris.New("Cafetería no encontrada")
	// ErrTenantInactive is returned for a tenant that has been deactivated.
	ErrTenantInactive = eris.New("Cafetería inactiva")
	// ErrAccessDenied is returned when the user lacks a grant or sufficient role.
	ErrAccessDenied = eris.New("Sin acceso a esta cafetería")
)

// GrantCreationError reports that the owner grant could not be created
// after the tenant row was inserted. Compensated reports whether the
// tenant row was removed inline; when false the removal was queued.
type GrantCreationError struct {
	TenantID    string
	Compensated bool
	Err         error
}

func (e *GrantCreationError) Error() string {
	return "tenant: create owner grant: " + e.Err.Error()
}

func (e *GrantCreationError) Unwrap() error { return e.Err }

// MaterializationError reports that the tenant namespace could not be
// created. The tenant and its grant are compensated the same way as for
// GrantCreationError.
type MaterializationError struct {
	TenantID    string
	SchemaName  string
	Compensated bool
	Err         error
}

func (e *MaterializationError) Error() string {
	return "tenant: materialize namespace " + e.SchemaName + ": " + e.Err.Error()
}

func (e *MaterializationError) Unwrap() error { return e.Err }
