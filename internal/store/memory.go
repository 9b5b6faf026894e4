package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/model"
)

// MemoryStore is an in-process Store that enforces the same uniqueness
// rules as the SQL stores. Used by tests and the "memory" driver.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*model.Tenant
	grants     map[string]*model.AccessGrant
	namespaces map[string][]model.Ticket
	usage      map[usageKey]*model.UsageCounter
	reconcile  map[string]*model.ReconcileEntry
	now        func() time.Time
}

type usageKey struct {
	tenantID string
	month    string
	provider string
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*model.Tenant),
		grants:     make(map[string]*model.AccessGrant),
		namespaces: make(map[string][]model.Ticket),
		usage:      make(map[usageKey]*model.UsageCounter),
		reconcile:  make(map[string]*model.ReconcileEntry),
		now:        time.Now,
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Tenant registry ---

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTenant(t), nil
}

func (m *MemoryStore) GetTenantBySlug(_ context.Context, slug string) (*model.Tenant, error) {
	return m.findTenant(func(t *model.Tenant) bool { return t.Slug == slug })
}

func (m *MemoryStore) GetTenantBySchema(_ context.Context, schema string) (*model.Tenant, error) {
	return m.findTenant(func(t *model.Tenant) bool { return t.SchemaName == schema })
}

func (m *MemoryStore) findTenant(match func(*model.Tenant) bool) (*model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if match(t) {
			return cloneTenant(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) InsertTenant(_ context.Context, t *model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return eris.Errorf("memory: duplicate tenant id %s", t.ID)
	}
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return ErrSlugConflict
		}
		if existing.SchemaName == t.SchemaName {
			return ErrNamespaceConflict
		}
	}
	m.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (m *MemoryStore) DeleteTenant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, id)
	for gid, g := range m.grants {
		if g.TenantID == id {
			delete(m.grants, gid)
		}
	}
	return nil
}

// --- Access grants ---

func (m *MemoryStore) InsertGrant(_ context.Context, g *model.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[g.TenantID]; !ok {
		return eris.Errorf("memory: grant references unknown tenant %s", g.TenantID)
	}
	for _, existing := range m.grants {
		if existing.UserID == g.UserID && existing.TenantID == g.TenantID {
			return ErrGrantConflict
		}
	}
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteGrant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, id)
	return nil
}

func (m *MemoryStore) GetGrant(_ context.Context, userID, tenantID string) (*model.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants {
		if g.UserID == userID && g.TenantID == tenantID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CountActiveGrants(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, g := range m.grants {
		if g.UserID == userID && g.Active {
			n++
		}
	}
	return n, nil
}

// --- Namespaces ---

func (m *MemoryStore) MaterializeNamespace(_ context.Context, schema string) error {
	if !ValidNamespace(schema) {
		return eris.Errorf("memory: invalid namespace %q", schema)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[schema]; !ok {
		m.namespaces[schema] = nil
	}
	return nil
}

func (m *MemoryStore) DropNamespace(_ context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, schema)
	return nil
}

// HasNamespace reports whether schema has been materialized.
func (m *MemoryStore) HasNamespace(schema string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.namespaces[schema]
	return ok
}

// --- Tickets ---

func (m *MemoryStore) InsertTicket(_ context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tickets, ok := m.namespaces[t.SchemaName]
	if !ok {
		return eris.Wrapf(ErrNamespaceMissing, "memory: insert ticket into %s", t.SchemaName)
	}
	cp := *t
	cp.Result.Date = dateString(receiptDate(t.Result.Date))
	m.namespaces[t.SchemaName] = append(tickets, cp)
	return nil
}

func (m *MemoryStore) ListTickets(_ context.Context, schema string, filter TicketFilter) ([]model.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Ticket
	for _, t := range m.namespaces[schema] {
		if !filter.From.IsZero() && t.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !t.CreatedAt.Before(filter.To) {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Usage ---

func (m *MemoryStore) IncrementUsage(_ context.Context, d model.UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	month := model.MonthStart(d.Month)
	key := usageKey{tenantID: d.TenantID, month: monthKey(month), provider: d.Provider}
	c, ok := m.usage[key]
	if !ok {
		c = &model.UsageCounter{TenantID: d.TenantID, Month: month, Provider: d.Provider}
		m.usage[key] = c
	}
	succ, failed := usageSplit(d.Successful)
	c.TotalRequests++
	c.SuccessfulRequests += succ
	c.FailedRequests += failed
	c.TotalCostUSD += d.CostUSD
	c.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) GetUsage(_ context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.UsageCounter
	for k, c := range m.usage {
		if k.tenantID != tenantID {
			continue
		}
		if !month.IsZero() && k.month != monthKey(month) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.After(out[j].Month)
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// --- Reconciliation queue ---

func (m *MemoryStore) Enqueue(_ context.Context, e *model.ReconcileEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.reconcile[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, now time.Time, limit int) ([]model.ReconcileEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ReconcileEntry
	for _, e := range m.reconcile {
		if e.Status == model.ReconcilePending && !e.NextRetryAt.After(now) {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b model.ReconcileEntry) int { return a.NextRetryAt.Compare(b.NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountPending(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.reconcile {
		if e.Status == model.ReconcilePending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.reconcile[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = model.ReconcileResolved
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, errMsg string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.reconcile[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.Error = errMsg
	e.NextRetryAt = nextRetryAt
	if e.Attempts >= e.MaxAttempts {
		e.Status = model.ReconcileFailed
	}
	return nil
}

func cloneTenant(t *model.Tenant) *model.Tenant {
	cp := *t
	cp.Features = maps.Clone(t.Features)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
