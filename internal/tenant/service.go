// Package tenant provisions coffee-shop tenants and resolves user access to
// them.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/resilience"
	"github.com/ycm360/cafemx/internal/store"
)

// DefaultAppURL is the public application URL used for dashboard links.
const DefaultAppURL = "https://ycm360.com"

// reconcileMaxAttempts bounds how often the reconciler retries a queued delete.
const reconcileMaxAttempts = 10

// Store is the persistence the Service needs.
type Store interface {
	store.TenantRegistry
	store.GrantStore
	store.Materializer
	store.ReconcileQueue
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	AppURL        string
	Plans         Catalogue
	MaxCandidates int
	Metrics       *metrics.Metrics
	Compensation  *resilience.RetryConfig
}

// Service provisions tenants and answers access questions about them.
type Service struct {
	store         Store
	plans         Catalogue
	appURL        string
	maxCandidates int
	metrics       *metrics.Metrics
	compensation  resilience.RetryConfig
	now           func() time.Time
}

// NewService creates a Service backed by st.
func NewService(st Store, opts Options) *Service {
	s := &Service{
		store:         st,
		plans:         opts.Plans,
		appURL:        opts.AppURL,
		maxCandidates: opts.MaxCandidates,
		metrics:       opts.Metrics,
		compensation:  resilience.CompensationRetry(),
		now:           time.Now,
	}
	if s.plans == nil {
		s.plans = DefaultCatalogue()
	}
	if s.appURL == "" {
		s.appURL = DefaultAppURL
	}
	if s.maxCandidates <= 0 || s.maxCandidates > MaxSlugCandidates {
		s.maxCandidates = MaxSlugCandidates
	}
	if opts.Compensation != nil {
		s.compensation = *opts.Compensation
	}
	return s
}

// Provision creates a tenant for the owner: it reserves a unique slug and
// namespace, grants the owner role and materializes the namespace. A failure
// after the tenant row exists removes what was created; if that removal
// also fails it is queued for the reconciler.
func (s *Service) Provision(ctx context.Context, req model.ProvisionRequest) (*model.ProvisionResult, error) {
	name := strings.TrimSpace(req.BusinessName)
	if err := ValidateTaxID(req.TaxID); err != nil {
		s.metrics.ObserveProvision("invalid", 0)
		return nil, err
	}
	if strings.TrimSpace(req.OwnerUserID) == "" {
		s.metrics.ObserveProvision("invalid", 0)
		return nil, invalidName("Se requiere el usuario propietario")
	}
	plan, err := s.plans.Lookup(req.Plan)
	if err != nil {
		s.metrics.ObserveProvision("invalid", 0)
		return nil, err
	}

	base := Slugify(name)
	if base == "" {
		s.metrics.ObserveProvision("invalid", 0)
		return nil, invalidName("El nombre no contiene letras ni números utilizables")
	}

	log := zap.L().With(zap.String("owner_user_id", req.OwnerUserID), zap.String("base_slug", base))

	t, tried, err := s.reserve(ctx, name, base, req, plan)
	if err != nil {
		if errors.Is(err, ErrSlugExhausted) {
			s.metrics.ObserveProvision("slug_exhausted", tried)
			log.Warn("tenant: slug candidates exhausted", zap.Int("tried", tried))
		} else {
			s.metrics.ObserveProvision("error", tried)
		}
		return nil, err
	}
	log = log.With(zap.String("tenant_id", t.ID), zap.String("slug", t.Slug))

	grant := &model.AccessGrant{
		ID:         uuid.NewString(),
		UserID:     req.OwnerUserID,
		TenantID:   t.ID,
		SchemaName: t.SchemaName,
		Role:       model.RoleOwner,
		Active:     true,
		CreatedAt:  t.CreatedAt,
	}
	if err := s.store.InsertGrant(ctx, grant); err != nil {
		log.Error("tenant: owner grant failed, compensating", zap.Error(err))
		compensated := s.compensate(ctx, t, err)
		s.metrics.ObserveProvision("grant_failed", tried)
		return nil, &GrantCreationError{TenantID: t.ID, Compensated: compensated, Err: err}
	}

	if err := s.store.MaterializeNamespace(ctx, t.SchemaName); err != nil {
		log.Error("tenant: materialize namespace failed, compensating", zap.Error(err))
		compensated := s.compensate(ctx, t, err)
		s.metrics.ObserveProvision("materialize_failed", tried)
		return nil, &MaterializationError{TenantID: t.ID, SchemaName: t.SchemaName, Compensated: compensated, Err: err}
	}

	s.metrics.ObserveProvision("ok", tried)
	log.Info("tenant: provisioned",
		zap.String("schema", t.SchemaName),
		zap.String("plan", t.Plan),
		zap.Int("candidates", tried),
	)

	return &model.ProvisionResult{
		ID:           t.ID,
		Name:         t.Name,
		Slug:         t.Slug,
		SchemaName:   t.SchemaName,
		DashboardURL: s.DashboardURL(t.Slug),
	}, nil
}

// reserve inserts the tenant row under the first free candidate slug. A
// candidate that looks free but loses an insert race moves on to the next.
func (s *Service) reserve(ctx context.Context, name, base string, req model.ProvisionRequest, plan Plan) (*model.Tenant, int, error) {
	tried := 0
	for _, slug := range Candidates(base, s.maxCandidates) {
		if err := ctx.Err(); err != nil {
			return nil, tried, err
		}
		tried++
		schema := SchemaName(slug)

		taken, err := s.taken(ctx, slug, schema)
		if err != nil {
			return nil, tried, err
		}
		if taken {
			continue
		}

		now := s.now().UTC()
		t := &model.Tenant{
			ID:                 uuid.NewString(),
			Name:               name,
			Slug:               slug,
			SchemaName:         schema,
			OwnerEmail:         req.OwnerEmail,
			TaxID:              strings.ToUpper(strings.TrimSpace(req.TaxID)),
			Plan:               plan.Name,
			Features:           plan.FeatureMap(),
			MaxUsers:           plan.MaxUsers,
			MaxTicketsPerMonth: plan.MaxTicketsPerMonth,
			Active:             true,
			CreatedAt:          now,
			LastActivity:       now,
		}
		err = s.store.InsertTenant(ctx, t)
		switch {
		case err == nil:
			return t, tried, nil
		case errors.Is(err, store.ErrSlugConflict), errors.Is(err, store.ErrNamespaceConflict):
			zap.L().Debug("tenant: lost slug race", zap.String("slug", slug))
			continue
		default:
			return nil, tried, eris.Wrap(err, "tenant: insert tenant")
		}
	}
	return nil, tried, ErrSlugExhausted
}

func (s *Service) taken(ctx context.Context, slug, schema string) (bool, error) {
	if _, err := s.store.GetTenantBySlug(ctx, slug); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, eris.Wrap(err, "tenant: check slug")
	}
	if _, err := s.store.GetTenantBySchema(ctx, schema); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, eris.Wrap(err, "tenant: check schema")
	}
	return false, nil
}

// compensate removes a half-provisioned tenant, retrying inline, and queues
// the removal when it still fails. It reports whether the inline removal
// succeeded.
func (s *Service) compensate(ctx context.Context, t *model.Tenant, cause error) bool {
	// The caller may already be gone; the cleanup must still run.
	ctx = context.WithoutCancel(ctx)

	cfg := s.compensation
	cfg.OnRetry = resilience.RetryLogger("store", "compensate_tenant")
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return removeTenant(ctx, s.store, t.ID, t.SchemaName)
	})
	if err == nil {
		zap.L().Info("tenant: compensated", zap.String("tenant_id", t.ID))
		return true
	}

	now := s.now().UTC()
	entry := &model.ReconcileEntry{
		ID:          uuid.NewString(),
		TenantID:    t.ID,
		SchemaName:  t.SchemaName,
		Action:      model.ReconcileDeleteTenant,
		Error:       fmt.Sprintf("%v; compensation: %v", cause, err),
		Status:      model.ReconcilePending,
		MaxAttempts: reconcileMaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	if qerr := s.store.Enqueue(ctx, entry); qerr != nil {
		zap.L().Error("tenant: enqueue reconcile entry failed, manual cleanup required",
			zap.String("tenant_id", t.ID),
			zap.String("schema", t.SchemaName),
			zap.Error(qerr),
		)
		return false
	}
	zap.L().Warn("tenant: compensation queued",
		zap.String("tenant_id", t.ID),
		zap.String("entry_id", entry.ID),
		zap.String("error_class", resilience.ClassifyError(err)),
	)
	return false
}

// removeTenant drops the namespace and then the tenant row; grants go
// with the tenant. Both steps tolerate already-missing objects.
func removeTenant(ctx context.Context, st Store, tenantID, schema string) error {
	if schema != "" {
		if err := st.DropNamespace(ctx, schema); err != nil {
			return eris.Wrap(err, "tenant: drop namespace")
		}
	}
	return eris.Wrap(st.DeleteTenant(ctx, tenantID), "tenant: delete tenant")
}

// NeedsOnboarding reports whether the user has no active grant on any tenant.
func (s *Service) NeedsOnboarding(ctx context.Context, userID string) (bool, error) {
	n, err := s.store.CountActiveGrants(ctx, userID)
	if err != nil {
		return false, eris.Wrap(err, "tenant: count grants")
	}
	return n == 0, nil
}

// Authorize resolves the tenant by slug and checks that the user holds an
// active grant with at least the required role.
func (s *Service) Authorize(ctx context.Context, userID, slug string, required model.Role) (*model.Tenant, *model.AccessGrant, error) {
	t, err := s.store.GetTenantBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "tenant: get tenant")
	}
	if !t.Active {
		return nil, nil, ErrTenantInactive
	}

	g, err := s.store.GetGrant(ctx, userID, t.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrAccessDenied
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "tenant: get grant")
	}
	if !g.Active || !g.Role.AtLeast(required) {
		zap.L().Debug("tenant: access denied",
			zap.String("user_id", userID),
			zap.String("slug", slug),
			zap.String("role", string(g.Role)),
			zap.String("required", string(required)),
		)
		return nil, nil, ErrAccessDenied
	}
	return t, g, nil
}

// DashboardURL returns the tenant's dashboard link. Local development URLs
// use the slug as a subdomain of localhost.
func (s *Service) DashboardURL(slug string) string {
	return DashboardURL(s.appURL, slug)
}

// DashboardURL builds a dashboard link for slug under appURL.
func DashboardURL(appURL, slug string) string {
	u, err := url.Parse(appURL)
	if err != nil || u.Hostname() == "" {
		u, _ = url.Parse(DefaultAppURL)
	}
	if strings.Contains(u.Hostname(), "localhost") {
		port := u.Port()
		if port == "" {
			port = "3000"
		}
		return fmt.Sprintf("http://%s.localhost:%s/dashboard", slug, port)
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return fmt.Sprintf("https://%s.%s/dashboard", slug, host)
}

// Plans returns the catalogue in use.
func (s *Service) Plans() Catalogue { return s.plans }
