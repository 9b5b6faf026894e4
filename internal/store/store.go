// Package store persists the tenant registry, access grants, per-tenant
// ticket namespaces, usage counters and the reconciliation queue.
package store

import (
	"context"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrSlugConflict is returned when a tenant's slug is already registered.
	ErrSlugConflict = eris.New("store: slug already registered")
	// ErrNamespaceConflict is returned when a tenant's schema name is already registered.
	ErrNamespaceConflict = eris.New("store: namespace already registered")
	// ErrGrantConflict is returned when the user already holds a grant on the tenant.
	ErrGrantConflict = eris.New("store: user already has access to tenant")
	// ErrNamespaceMissing is returned when writing to a namespace that was never materialized.
	ErrNamespaceMissing = eris.New("store: namespace not materialized")
)

var namespacePattern = regexp.MustCompile(`^cliente_[a-z0-9_]{1,55}$`)

// ValidNamespace reports whether schema is safe to use as a tenant namespace.
func ValidNamespace(schema string) bool {
	return namespacePattern.MatchString(schema)
}

// TicketFilter narrows ListTickets. Zero values do not filter.
type TicketFilter struct {
	From   time.Time
	To     time.Time
	Status model.TicketStatus
	Limit  int
}

// TenantRegistry stores the shared tenant table.
type TenantRegistry interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	GetTenantBySchema(ctx context.Context, schema string) (*model.Tenant, error)
	// InsertTenant returns ErrSlugConflict or ErrNamespaceConflict when a
	// unique constraint rejects the row.
	InsertTenant(ctx context.Context, t *model.Tenant) error
	// DeleteTenant removes the tenant and its grants. Deleting a missing
	// tenant is not an error.
	DeleteTenant(ctx context.Context, id string) error
}

// GrantStore stores user-to-tenant access grants.
type GrantStore interface {
	InsertGrant(ctx context.Context, g *model.AccessGrant) error
	DeleteGrant(ctx context.Context, id string) error
	GetGrant(ctx context.Context, userID, tenantID string) (*model.AccessGrant, error)
	CountActiveGrants(ctx context.Context, userID string) (int, error)
}

// Materializer creates and drops per-tenant namespaces.
type Materializer interface {
	MaterializeNamespace(ctx context.Context, schema string) error
	DropNamespace(ctx context.Context, schema string) error
}

// TicketStore stores OCR tickets inside tenant namespaces.
type TicketStore interface {
	InsertTicket(ctx context.Context, t *model.Ticket) error
	ListTickets(ctx context.Context, schema string, filter TicketFilter) ([]model.Ticket, error)
}

// UsageStore maintains monthly OCR usage counters.
type UsageStore interface {
	// IncrementUsage adds one request to the (tenant, month, provider)
	// counter, creating it when absent, in a single atomic statement.
	IncrementUsage(ctx context.Context, d model.UsageDelta) error
	// GetUsage returns the counters for a tenant. A zero month returns every month.
	GetUsage(ctx context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error)
}

// ReconcileQueue holds compensating actions that could not complete inline.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, e *model.ReconcileEntry) error
	ListPending(ctx context.Context, now time.Time, limit int) ([]model.ReconcileEntry, error)
	CountPending(ctx context.Context) (int, error)
	MarkResolved(ctx context.Context, id string) error
	// MarkFailed records a failed attempt and schedules the next one. The
	// entry becomes failed once its attempts are used up.
	MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error
}

// Store is the full persistence interface.
type Store interface {
	TenantRegistry
	GrantStore
	Materializer
	TicketStore
	UsageStore
	ReconcileQueue

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes a Store.
type Config struct {
	Driver      string
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Open creates the Store selected by cfg.Driver: postgres, sqlite or memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "cafemx.db"
		}
		return NewSQLite(dsn)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// receiptDate converts an extracted receipt date to a calendar date, or nil
// when it is absent or unparseable.
func receiptDate(s *string) *time.Time {
	if s == nil || len(*s) < 10 {
		return nil
	}
	d, err := time.Parse("2006-01-02", (*s)[:10])
	if err != nil {
		return nil
	}
	return &d
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func categoryString(c *model.Category) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func parseCategory(s *string) *model.Category {
	if s == nil {
		return nil
	}
	if c, ok := model.ParseCategory(*s); ok {
		return &c
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
