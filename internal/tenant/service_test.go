package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/resilience"
	"github.com/ycm360/cafemx/internal/store"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

// faultyStore wraps the in-memory store to inject failures and races.
type faultyStore struct {
	*store.MemoryStore

	hiddenSlugs    map[string]bool
	alwaysConflict bool
	insertCalls    int
	grantErr       error
	materializeErr error
	deleteErr      error
	deleteCalls    int
	enqueueErr     error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: store.NewMemory(), hiddenSlugs: map[string]bool{}}
}

func (f *faultyStore) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	if f.hiddenSlugs[slug] {
		return nil, store.ErrNotFound
	}
	return f.MemoryStore.GetTenantBySlug(ctx, slug)
}

func (f *faultyStore) GetTenantBySchema(ctx context.Context, schema string) (*model.Tenant, error) {
	for slug := range f.hiddenSlugs {
		if SchemaName(slug) == schema {
			return nil, store.ErrNotFound
		}
	}
	return f.MemoryStore.GetTenantBySchema(ctx, schema)
}

func (f *faultyStore) InsertTenant(ctx context.Context, t *model.Tenant) error {
	f.insertCalls++
	if f.alwaysConflict {
		return store.ErrSlugConflict
	}
	return f.MemoryStore.InsertTenant(ctx, t)
}

func (f *faultyStore) InsertGrant(ctx context.Context, g *model.AccessGrant) error {
	if f.grantErr != nil {
		return f.grantErr
	}
	return f.MemoryStore.InsertGrant(ctx, g)
}

func (f *faultyStore) MaterializeNamespace(ctx context.Context, schema string) error {
	if f.materializeErr != nil {
		return f.materializeErr
	}
	return f.MemoryStore.MaterializeNamespace(ctx, schema)
}

func (f *faultyStore) DeleteTenant(ctx context.Context, id string) error {
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.DeleteTenant(ctx, id)
}

func (f *faultyStore) Enqueue(ctx context.Context, e *model.ReconcileEntry) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	return f.MemoryStore.Enqueue(ctx, e)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestService(st Store, m *metrics.Metrics) *Service {
	retry := resilience.CompensationRetry()
	retry.Sleep = noSleep
	svc := NewService(st, Options{Metrics: m, Compensation: &retry})
	svc.now = func() time.Time { return testNow }
	return svc
}

func ownerRequest(name string) model.ProvisionRequest {
	return model.ProvisionRequest{
		BusinessName: name,
		OwnerUserID:  "user-1",
		OwnerEmail:   "owner@example.mx",
	}
}

func TestProvision_CreatesTenantGrantAndNamespace(t *testing.T) {
	st := store.NewMemory()
	m := metrics.New()
	svc := newTestService(st, m)
	ctx := context.Background()

	req := ownerRequest("  Café Olé ")
	req.TaxID = "caf010203ab1"
	res, err := svc.Provision(ctx, req)
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "Café Olé", res.Name)
	assert.Equal(t, "cafe-ole", res.Slug)
	assert.Equal(t, "cliente_cafe_ole", res.SchemaName)
	assert.Equal(t, "https://cafe-ole.ycm360.com/dashboard", res.DashboardURL)

	tenant, err := st.GetTenant(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "basic", tenant.Plan)
	assert.Equal(t, 5, tenant.MaxUsers)
	assert.Equal(t, 500, tenant.MaxTicketsPerMonth)
	assert.Equal(t, "CAF010203AB1", tenant.TaxID)
	assert.True(t, tenant.Active)
	assert.True(t, tenant.HasFeature("ocr_processing"))
	assert.Equal(t, testNow, tenant.CreatedAt)

	grant, err := st.GetGrant(ctx, "user-1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, grant.Role)
	assert.Equal(t, res.SchemaName, grant.SchemaName)
	assert.True(t, grant.Active)

	assert.True(t, st.HasNamespace("cliente_cafe_ole"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Provisions.WithLabelValues("ok")), 0)
}

func TestProvision_PremiumPlan(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st, nil)

	req := ownerRequest("Moka Premium")
	req.Plan = "premium"
	res, err := svc.Provision(context.Background(), req)
	require.NoError(t, err)

	tenant, err := st.GetTenant(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, tenant.MaxUsers)
	assert.Equal(t, 2000, tenant.MaxTicketsPerMonth)
	assert.True(t, tenant.HasFeature("bulk_export"))
}

func TestProvision_SameNameGetsSuffix(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st, nil)
	ctx := context.Background()

	first, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	require.NoError(t, err)

	req := ownerRequest("Cafe Ole")
	req.OwnerUserID = "user-2"
	second, err := svc.Provision(ctx, req)
	require.NoError(t, err)

	third, err := svc.Provision(ctx, ownerRequest("CAFÉ  OLÉ"))
	require.NoError(t, err)

	assert.Equal(t, "cafe-ole", first.Slug)
	assert.Equal(t, "cafe-ole-2", second.Slug)
	assert.Equal(t, "cliente_cafe_ole_2", second.SchemaName)
	assert.Equal(t, "cafe-ole-3", third.Slug)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestProvision_NeedsOnboardingFlips(t *testing.T) {
	svc := newTestService(store.NewMemory(), nil)
	ctx := context.Background()

	needs, err := svc.NeedsOnboarding(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, needs)

	_, err = svc.Provision(ctx, ownerRequest("Café Olé"))
	require.NoError(t, err)

	needs, err = svc.NeedsOnboarding(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, needs)

	needs, err = svc.NeedsOnboarding(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestProvision_LostRaceAdvancesToNextCandidate(t *testing.T) {
	st := newFaultyStore()
	svc := newTestService(st, nil)
	ctx := context.Background()

	// Another request registered cafe-ole after our pre-check looked.
	require.NoError(t, st.MemoryStore.InsertTenant(ctx, &model.Tenant{
		ID: "other", Name: "Café Olé", Slug: "cafe-ole", SchemaName: "cliente_cafe_ole", Active: true,
	}))
	st.hiddenSlugs["cafe-ole"] = true

	res, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	require.NoError(t, err)
	assert.Equal(t, "cafe-ole-2", res.Slug)
	assert.Equal(t, 2, st.insertCalls)
}

func TestProvision_SlugExhausted(t *testing.T) {
	st := newFaultyStore()
	st.alwaysConflict = true
	m := metrics.New()
	svc := newTestService(st, m)

	_, err := svc.Provision(context.Background(), ownerRequest("Café Olé"))
	require.ErrorIs(t, err, ErrSlugExhausted)
	assert.Equal(t, "No se pudo generar un identificador único para la cafetería", err.Error())
	assert.Equal(t, 100, st.insertCalls)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Provisions.WithLabelValues("slug_exhausted")), 0)
}

func TestProvision_AnyNameWithUsableSlug(t *testing.T) {
	svc := newTestService(store.NewMemory(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		wantSlug string
	}{
		{"Bob's Café", "bobs-cafe"},
		{"Café Nº 5", "cafe-n-5"},
		{"Café (Centro)", "cafe-centro"},
		{"Yo", "yo"},
		{strings.Repeat("Cafetería ", 6), "cafeteria-cafeteria-cafeteria-cafeteria-cafeteria"},
	}
	for _, tt := range tests {
		t.Run(tt.wantSlug, func(t *testing.T) {
			res, err := svc.Provision(ctx, ownerRequest(tt.name))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlug, res.Slug)
			assert.Equal(t, strings.TrimSpace(tt.name), res.Name)
			assert.LessOrEqual(t, len(res.SchemaName), 63)
		})
	}
}

func TestProvision_InvalidInput(t *testing.T) {
	m := metrics.New()
	svc := newTestService(store.NewMemory(), m)
	ctx := context.Background()

	_, err := svc.Provision(ctx, ownerRequest("¡¿!?"))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = svc.Provision(ctx, ownerRequest("..."))
	assert.ErrorIs(t, err, ErrInvalidName)

	req := ownerRequest("Café Olé")
	req.TaxID = "nope"
	_, err = svc.Provision(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidName)

	req = ownerRequest("Café Olé")
	req.Plan = "enterprise"
	_, err = svc.Provision(ctx, req)
	assert.ErrorIs(t, err, ErrUnknownPlan)

	req = ownerRequest("Café Olé")
	req.OwnerUserID = ""
	_, err = svc.Provision(ctx, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Se requiere el usuario propietario", ve.Message)

	assert.InDelta(t, 5, testutil.ToFloat64(m.Provisions.WithLabelValues("invalid")), 0)
}

func TestProvision_GrantFailureCompensates(t *testing.T) {
	st := newFaultyStore()
	st.grantErr = errors.New("grant insert failed")
	svc := newTestService(st, nil)
	ctx := context.Background()

	_, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	var gce *GrantCreationError
	require.ErrorAs(t, err, &gce)
	assert.True(t, gce.Compensated)

	_, err = st.GetTenantBySlug(ctx, "cafe-ole")
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := st.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestProvision_FailedCompensationIsQueued(t *testing.T) {
	st := newFaultyStore()
	st.grantErr = errors.New("grant insert failed")
	st.deleteErr = errors.New("connection reset by peer")
	svc := newTestService(st, nil)
	ctx := context.Background()

	_, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	var gce *GrantCreationError
	require.ErrorAs(t, err, &gce)
	assert.False(t, gce.Compensated)
	assert.Equal(t, 3, st.deleteCalls)

	entries, err := st.ListPending(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, gce.TenantID, entries[0].TenantID)
	assert.Equal(t, "cliente_cafe_ole", entries[0].SchemaName)
	assert.Equal(t, model.ReconcileDeleteTenant, entries[0].Action)
	assert.Contains(t, entries[0].Error, "grant insert failed")
}

func TestProvision_EnqueueFailureStillReturnsGrantError(t *testing.T) {
	st := newFaultyStore()
	st.grantErr = errors.New("grant insert failed")
	st.deleteErr = errors.New("db down")
	st.enqueueErr = errors.New("db down")
	svc := newTestService(st, nil)

	_, err := svc.Provision(context.Background(), ownerRequest("Café Olé"))
	var gce *GrantCreationError
	require.ErrorAs(t, err, &gce)
	assert.False(t, gce.Compensated)
}

func TestProvision_MaterializationFailureCompensates(t *testing.T) {
	st := newFaultyStore()
	st.materializeErr = errors.New("permission denied to create schema")
	m := metrics.New()
	svc := newTestService(st, m)
	ctx := context.Background()

	_, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	var me *MaterializationError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Compensated)
	assert.Equal(t, "cliente_cafe_ole", me.SchemaName)

	_, err = st.GetTenantBySlug(ctx, "cafe-ole")
	assert.ErrorIs(t, err, store.ErrNotFound)

	needs, err := svc.NeedsOnboarding(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, needs)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Provisions.WithLabelValues("materialize_failed")), 0)

	// The slug is free again once compensation finished.
	st.materializeErr = nil
	res, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	require.NoError(t, err)
	assert.Equal(t, "cafe-ole", res.Slug)
}

func TestProvision_CancelledContext(t *testing.T) {
	svc := newTestService(store.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_DashboardURLUsesAppURL(t *testing.T) {
	svc := NewService(store.NewMemory(), Options{AppURL: "http://localhost:3000"})
	assert.Equal(t, "http://moka.localhost:3000/dashboard", svc.DashboardURL("moka"))
	assert.Contains(t, svc.Plans(), "basic")
}

func TestAuthorize(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st, nil)
	ctx := context.Background()

	res, err := svc.Provision(ctx, ownerRequest("Café Olé"))
	require.NoError(t, err)

	require.NoError(t, st.InsertGrant(ctx, &model.AccessGrant{
		ID: "g-emp", UserID: "emp", TenantID: res.ID, SchemaName: res.SchemaName, Role: model.RoleEmployee, Active: true,
	}))
	require.NoError(t, st.InsertGrant(ctx, &model.AccessGrant{
		ID: "g-off", UserID: "former", TenantID: res.ID, SchemaName: res.SchemaName, Role: model.RoleAdmin, Active: false,
	}))

	tests := []struct {
		name     string
		userID   string
		slug     string
		required model.Role
		wantErr  error
	}{
		{"owner can admin", "user-1", "cafe-ole", model.RoleAdmin, nil},
		{"employee can process", "emp", "cafe-ole", model.RoleEmployee, nil},
		{"employee cannot admin", "emp", "cafe-ole", model.RoleAdmin, ErrAccessDenied},
		{"inactive grant", "former", "cafe-ole", model.RoleViewer, ErrAccessDenied},
		{"no grant", "stranger", "cafe-ole", model.RoleViewer, ErrAccessDenied},
		{"unknown tenant", "user-1", "nope", model.RoleViewer, ErrTenantNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, grant, err := svc.Authorize(ctx, tt.userID, tt.slug, tt.required)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, res.ID, tenant.ID)
			assert.Equal(t, tt.userID, grant.UserID)
		})
	}
}

func TestAuthorize_InactiveTenant(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st, nil)
	ctx := context.Background()

	require.NoError(t, st.InsertTenant(ctx, &model.Tenant{
		ID: "t-off", Name: "Cerrado", Slug: "cerrado", SchemaName: "cliente_cerrado", Active: false,
	}))

	_, _, err := svc.Authorize(ctx, "user-1", "cerrado", model.RoleViewer)
	assert.ErrorIs(t, err, ErrTenantInactive)
}
