package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/cost"
	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/ocr"
	"github.com/ycm360/cafemx/internal/resilience"
	"github.com/ycm360/cafemx/internal/store"
	"github.com/ycm360/cafemx/internal/tenant"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		MaxConns:    cfg.Store.MaxConns,
		MinConns:    cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initTenants(st store.Store, m *metrics.Metrics) (*tenant.Service, error) {
	plans, err := tenant.LoadCatalogue(cfg.Tenant.PlansFile)
	if err != nil {
		return nil, err
	}
	return tenant.NewService(st, tenant.Options{
		AppURL:        cfg.Tenant.AppURL,
		Plans:         plans,
		MaxCandidates: cfg.Tenant.MaxSlugAttempts,
		Metrics:       m,
	}), nil
}

func initIngester(st store.Store, tenants *tenant.Service, m *metrics.Metrics) (*ocr.Ingester, error) {
	calc := cost.NewCalculator(cost.DefaultRates(cfg.Pricing.OCR))

	provider, err := ocr.NewProvider(cfg, calc)
	if err != nil {
		return nil, err
	}

	breakerCfg := resilience.FromCircuitConfig(cfg.OCR.BreakerFailures, cfg.OCR.BreakerResetSecs)
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("ocr: circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		m.SetBreakerState(name, int(to))
	}

	fetcher := ocr.NewImageFetcher(ocr.FetcherOptions{
		Timeout:    time.Duration(cfg.OCR.FetchTimeoutSecs) * time.Second,
		MaxBytes:   cfg.OCR.MaxImageBytes,
		RatePerSec: cfg.OCR.FetchRatePerSec,
	}, nil)

	extractor := ocr.NewExtractor(fetcher, provider,
		ocr.WithBreaker(resilience.NewCircuitBreaker(provider.Name(), breakerCfg)),
		ocr.WithMetrics(m),
		ocr.WithRetryThreshold(cfg.OCR.RetryThreshold),
	)

	return ocr.NewIngester(tenants, extractor, st, st, calc, m, ocr.IngesterConfig{
		MaxAttempts:     cfg.OCR.MaxAttempts,
		ReviewThreshold: cfg.OCR.ReviewThreshold,
		EnforceQuota:    true,
	}), nil
}
