package ocr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
)

var errDenied = errors.New("access denied")

type fakeAuthorizer struct {
	tenant   *model.Tenant
	err      error
	required model.Role
}

func (f *fakeAuthorizer) Authorize(_ context.Context, _, _ string, required model.Role) (*model.Tenant, *model.AccessGrant, error) {
	f.required = required
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.tenant, &model.AccessGrant{TenantID: f.tenant.ID, Role: model.RoleEmployee, Active: true}, nil
}

type fakeTickets struct {
	saved []*model.Ticket
	err   error
}

func (f *fakeTickets) InsertTicket(_ context.Context, t *model.Ticket) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, t)
	return nil
}

type fakeUsage struct {
	mu       sync.Mutex
	counters map[string]*model.UsageCounter
	err      error
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{counters: make(map[string]*model.UsageCounter)}
}

func (f *fakeUsage) IncrementUsage(_ context.Context, d model.UsageDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	key := d.TenantID + "|" + d.Month.Format("2006-01") + "|" + d.Provider
	c, ok := f.counters[key]
	if !ok {
		c = &model.UsageCounter{TenantID: d.TenantID, Month: d.Month, Provider: d.Provider}
		f.counters[key] = c
	}
	c.TotalRequests++
	if d.Successful {
		c.SuccessfulRequests++
	} else {
		c.FailedRequests++
	}
	c.TotalCostUSD += d.CostUSD
	return nil
}

func (f *fakeUsage) GetUsage(_ context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.UsageCounter
	for _, c := range f.counters {
		if c.TenantID == tenantID && c.Month.Equal(month) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func testTenant() *model.Tenant {
	return &model.Tenant{
		ID:                 "t-1",
		Slug:               "cafe-luna",
		SchemaName:         "cliente_cafe_luna",
		MaxTicketsPerMonth: 500,
		Active:             true,
	}
}

func newTestIngester(p Provider, auth Authorizer, tickets TicketWriter, usage UsageRecorder, m *metrics.Metrics, cfg IngesterConfig) *Ingester {
	var delays []time.Duration
	e := newTestExtractor(p, &staticImages{}, &delays, WithMetrics(m))
	ing := NewIngester(auth, e, tickets, usage, nil, m, cfg)
	ing.now = func() time.Time { return validateNow }
	return ing
}

func TestIngester_ProcessStoresTicket(t *testing.T) {
	auth := &fakeAuthorizer{tenant: testTenant()}
	tickets := &fakeTickets{}
	usage := newFakeUsage()
	p := &scriptedProvider{steps: []step{confidenceStep(0.75)}}
	ing := newTestIngester(p, auth, tickets, usage, nil, IngesterConfig{})

	res, err := ing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/t.jpg"})
	require.NoError(t, err)

	assert.Equal(t, model.RoleEmployee, auth.required)
	require.Len(t, tickets.saved, 1)
	saved := tickets.saved[0]
	assert.Equal(t, res.TicketID, saved.ID)
	assert.Equal(t, "cliente_cafe_luna", saved.SchemaName)
	assert.Equal(t, "u-1", saved.CreatedBy)
	assert.Equal(t, "https://img.example/t.jpg", saved.ImageURL)
	assert.Equal(t, model.TicketReviewNeeded, saved.Status)

	assert.True(t, res.NeedsReview)
	assert.Equal(t, model.TicketReviewNeeded, res.Status)
	assert.InDelta(t, 0.75, res.Result.Confidence, 1e-9)
}

func TestIngester_UsageCountsSuccessAndFailure(t *testing.T) {
	auth := &fakeAuthorizer{tenant: testTenant()}
	usage := newFakeUsage()
	m := metrics.New()

	ok := newTestIngester(&scriptedProvider{steps: []step{confidenceStep(0.95)}}, auth, &fakeTickets{}, usage, m, IngesterConfig{})
	_, err := ok.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/a.jpg"})
	require.NoError(t, err)

	failing := newTestIngester(&scriptedProvider{steps: []step{{err: errors.New("provider down")}}}, auth, &fakeTickets{}, usage, m, IngesterConfig{})
	_, err = failing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/b.jpg"})
	require.Error(t, err)

	counters, err := usage.GetUsage(context.Background(), "t-1", model.MonthStart(validateNow))
	require.NoError(t, err)
	require.Len(t, counters, 1)
	c := counters[0]
	assert.Equal(t, "stub", c.Provider)
	assert.Equal(t, int64(2), c.TotalRequests)
	assert.Equal(t, int64(1), c.SuccessfulRequests)
	assert.Equal(t, int64(1), c.FailedRequests)
	assert.InDelta(t, 0.006, c.TotalCostUSD, 1e-9)

	assert.InDelta(t, 1, testutil.ToFloat64(m.OCRRequests.WithLabelValues("stub", "processed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OCRRequests.WithLabelValues("stub", "failed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OCRAttempts.WithLabelValues("stub", "ok")), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(m.OCRAttempts.WithLabelValues("stub", "error")), 1e-9)
}

func TestIngester_MissingFields(t *testing.T) {
	ing := newTestIngester(&scriptedProvider{steps: []step{confidenceStep(0.9)}}, &fakeAuthorizer{tenant: testTenant()}, &fakeTickets{}, newFakeUsage(), nil, IngesterConfig{})

	for _, req := range []ProcessRequest{
		{UserID: "u-1", Slug: "cafe-luna"},
		{UserID: "u-1", ImageURL: "https://img.example/t.jpg"},
	} {
		_, err := ing.Process(context.Background(), req)
		assert.ErrorIs(t, err, ErrMissingFields)
	}
}

func TestIngester_AuthorizationFailure(t *testing.T) {
	p := &scriptedProvider{steps: []step{confidenceStep(0.9)}}
	usage := newFakeUsage()
	ing := newTestIngester(p, &fakeAuthorizer{err: errDenied}, &fakeTickets{}, usage, nil, IngesterConfig{})

	_, err := ing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/t.jpg"})
	assert.ErrorIs(t, err, errDenied)
	assert.Equal(t, 0, p.calls)
	assert.Empty(t, usage.counters)
}

func TestIngester_QuotaExceeded(t *testing.T) {
	tenant := testTenant()
	tenant.MaxTicketsPerMonth = 1
	usage := newFakeUsage()
	require.NoError(t, usage.IncrementUsage(context.Background(), model.UsageDelta{
		TenantID: tenant.ID, Month: model.MonthStart(validateNow), Provider: "stub", Successful: true,
	}))

	p := &scriptedProvider{steps: []step{confidenceStep(0.9)}}
	ing := newTestIngester(p, &fakeAuthorizer{tenant: tenant}, &fakeTickets{}, usage, nil, IngesterConfig{EnforceQuota: true})

	_, err := ing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/t.jpg"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 0, p.calls)
}

func TestIngester_InsertFailureStillRecordsUsage(t *testing.T) {
	usage := newFakeUsage()
	tickets := &fakeTickets{err: errors.New("relation does not exist")}
	ing := newTestIngester(&scriptedProvider{steps: []step{confidenceStep(0.9)}}, &fakeAuthorizer{tenant: testTenant()}, tickets, usage, nil, IngesterConfig{})

	_, err := ing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/t.jpg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr: save ticket")

	counters, _ := usage.GetUsage(context.Background(), "t-1", model.MonthStart(validateNow))
	require.Len(t, counters, 1)
	assert.Equal(t, int64(1), counters[0].SuccessfulRequests)
}

func TestIngester_UsageFailureIsNotFatal(t *testing.T) {
	usage := newFakeUsage()
	usage.err = errors.New("usage table locked")
	ing := newTestIngester(&scriptedProvider{steps: []step{confidenceStep(0.9)}}, &fakeAuthorizer{tenant: testTenant()}, &fakeTickets{}, usage, nil, IngesterConfig{})

	res, err := ing.Process(context.Background(), ProcessRequest{UserID: "u-1", Slug: "cafe-luna", ImageURL: "https://img.example/t.jpg"})
	require.NoError(t, err)
	assert.False(t, res.NeedsReview)
	assert.Equal(t, model.TicketProcessed, res.Status)
}
