package ocr

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/cost"
	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
)

var (
	// ErrMissingFields is returned when the image URL or tenant slug is empty.
	ErrMissingFields = eris.New("Missing required fields: imageUrl and cafeteriaSlug")
	// ErrQuotaExceeded is returned when the tenant used its monthly ticket quota.
	ErrQuotaExceeded = eris.New("Monthly OCR ticket quota exceeded")
)

// Authorizer resolves a tenant by slug and checks the user's role on it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, slug string, required model.Role) (*model.Tenant, *model.AccessGrant, error)
}

// TicketWriter persists tickets into a tenant namespace.
type TicketWriter interface {
	InsertTicket(ctx context.Context, t *model.Ticket) error
}

// UsageRecorder maintains per-tenant monthly usage counters.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, d model.UsageDelta) error
	GetUsage(ctx context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error)
}

// ProcessRequest is one uploaded receipt to ingest.
type ProcessRequest struct {
	UserID   string
	Slug     string
	ImageURL string
}

// ProcessResult is what callers get back for a stored ticket.
type ProcessResult struct {
	TicketID    string             `json:"ticket_id"`
	Result      *model.OCRResult   `json:"ocr_result"`
	NeedsReview bool               `json:"needs_review"`
	Status      model.TicketStatus `json:"status"`
}

// IngesterConfig tunes the Ingester.
type IngesterConfig struct {
	MaxAttempts     int
	ReviewThreshold float64
	EnforceQuota    bool
}

// Ingester authorizes, extracts, stores and accounts one receipt at a time.
type Ingester struct {
	auth      Authorizer
	extractor *Extractor
	tickets   TicketWriter
	usage     UsageRecorder
	calc      *cost.Calculator
	metrics   *metrics.Metrics
	cfg       IngesterConfig
	now       func() time.Time
}

// NewIngester wires an Ingester. calc and m may be nil.
func NewIngester(auth Authorizer, extractor *Extractor, tickets TicketWriter, usage UsageRecorder,
	calc *cost.Calculator, m *metrics.Metrics, cfg IngesterConfig) *Ingester {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = ReviewThreshold
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates(nil))
	}
	return &Ingester{
		auth:      auth,
		extractor: extractor,
		tickets:   tickets,
		usage:     usage,
		calc:      calc,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Process handles one receipt. Usage is recorded whenever recognition was
// attempted, including when every attempt failed.
func (i *Ingester) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.ImageURL == "" || req.Slug == "" {
		return nil, ErrMissingFields
	}

	tenant, _, err := i.auth.Authorize(ctx, req.UserID, req.Slug, model.RoleEmployee)
	if err != nil {
		return nil, err
	}

	month := model.MonthStart(i.now())
	if i.cfg.EnforceQuota {
		if err := i.checkQuota(ctx, tenant, month); err != nil {
			return nil, err
		}
	}

	log := zap.L().With(
		zap.String("tenant", tenant.Slug),
		zap.String("schema", tenant.SchemaName),
		zap.String("user_id", req.UserID),
	)
	provider := i.extractor.Provider()

	result, err := i.extractor.ExtractWithRetry(ctx, req.ImageURL, i.cfg.MaxAttempts)
	if err != nil {
		i.recordUsage(ctx, tenant, month, provider, 0)
		log.Error("ocr: all attempts failed", zap.Error(err))
		return nil, err
	}

	status := StatusFor(result.Confidence, i.cfg.ReviewThreshold)
	ticket := &model.Ticket{
		ID:         uuid.NewString(),
		SchemaName: tenant.SchemaName,
		ImageURL:   req.ImageURL,
		Result:     *result,
		Status:     status,
		CreatedBy:  req.UserID,
		CreatedAt:  i.now().UTC(),
	}
	insertErr := i.tickets.InsertTicket(ctx, ticket)
	i.recordUsage(ctx, tenant, month, result.Provider, result.Confidence)
	if insertErr != nil {
		return nil, eris.Wrap(insertErr, "ocr: save ticket")
	}

	log.Info("ocr: ticket stored",
		zap.String("ticket_id", ticket.ID),
		zap.Float64("confidence", result.Confidence),
		zap.String("status", string(status)),
		zap.Int64("processing_time_ms", result.ProcessingTimeMs),
	)

	return &ProcessResult{
		TicketID:    ticket.ID,
		Result:      result,
		NeedsReview: status == model.TicketReviewNeeded,
		Status:      status,
	}, nil
}

func (i *Ingester) checkQuota(ctx context.Context, tenant *model.Tenant, month time.Time) error {
	if tenant.MaxTicketsPerMonth <= 0 {
		return nil
	}
	counters, err := i.usage.GetUsage(ctx, tenant.ID, month)
	if err != nil {
		return eris.Wrap(err, "ocr: read usage")
	}
	var used int64
	for _, c := range counters {
		used += c.TotalRequests
	}
	if used >= int64(tenant.MaxTicketsPerMonth) {
		return ErrQuotaExceeded
	}
	return nil
}

// recordUsage increments the usage counter. Failures are logged, not returned.
func (i *Ingester) recordUsage(ctx context.Context, tenant *model.Tenant, month time.Time, provider string, confidence float64) {
	usd := i.calc.OCRRequest(provider)
	outcome := "failed"
	if confidence > 0 {
		outcome = string(StatusFor(confidence, i.cfg.ReviewThreshold))
	}
	i.metrics.ObserveOCR(provider, outcome, confidence, usd)

	err := i.usage.IncrementUsage(ctx, model.UsageDelta{
		TenantID:   tenant.ID,
		Month:      month,
		Provider:   provider,
		Successful: confidence > 0,
		CostUSD:    usd,
	})
	if err != nil {
		zap.L().Error("ocr: update usage stats",
			zap.String("tenant_id", tenant.ID),
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}
