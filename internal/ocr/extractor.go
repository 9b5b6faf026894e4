package ocr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/resilience"
)

const (
	// RetryThreshold is the confidence at which ExtractWithRetry stops retrying.
	RetryThreshold = 0.7
	// DefaultMaxAttempts bounds ExtractWithRetry when the caller passes 0.
	DefaultMaxAttempts = 3
)

// Extractor runs single recognition attempts and the retry loop around them.
type Extractor struct {
	images         ImageSource
	provider       Provider
	breaker        *resilience.CircuitBreaker
	metrics        *metrics.Metrics
	prompt         string
	retryThreshold float64
	backoff        resilience.RetryConfig
	now            func() time.Time
	sleep          resilience.SleepFunc
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBreaker routes provider calls through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Extractor) { e.breaker = cb }
}

// WithMetrics records attempt metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// WithRetryThreshold overrides RetryThreshold.
func WithRetryThreshold(t float64) Option {
	return func(e *Extractor) { e.retryThreshold = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithSleep overrides the sleep between attempts.
func WithSleep(sleep resilience.SleepFunc) Option {
	return func(e *Extractor) { e.sleep = sleep }
}

// NewExtractor creates an Extractor that fetches images from images and
// recognizes them with provider.
func NewExtractor(images ImageSource, provider Provider, opts ...Option) *Extractor {
	e := &Extractor{
		images:         images,
		provider:       provider,
		prompt:         ExtractionPrompt,
		retryThreshold: RetryThreshold,
		backoff:        resilience.RecognitionRetry(DefaultMaxAttempts),
		now:            time.Now,
		sleep:          resilience.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the name of the configured provider.
func (e *Extractor) Provider() string { return e.provider.Name() }

// Extract runs one attempt: fetch, recognize, parse, coerce, validate. Fetch,
// provider and parse failures are returned as errors; validation problems are
// recorded on the result.
func (e *Extractor) Extract(ctx context.Context, imageURL string) (*model.OCRResult, error) {
	start := e.now()

	img, err := e.images.Fetch(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	rec, err := e.recognize(ctx, *img)
	if err != nil {
		return nil, err
	}

	payload, _, err := ExtractJSON(rec.Text)
	if err != nil {
		zap.L().Debug("ocr: unparseable provider response",
			zap.String("provider", e.provider.Name()),
			zap.Int("length", len(rec.Text)),
		)
		return nil, err
	}

	result := coerce(payload)
	validate(result, payload, e.now())

	result.Provider = e.provider.Name()
	result.ProcessingTimeMs = e.now().Sub(start).Milliseconds()
	result.RawResponse = rec.Raw
	return result, nil
}

func (e *Extractor) recognize(ctx context.Context, img Image) (*Recognition, error) {
	if e.breaker == nil {
		return e.provider.Recognize(ctx, img, e.prompt)
	}
	return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*Recognition, error) {
		return e.provider.Recognize(ctx, img, e.prompt)
	})
}

// ExtractWithRetry repeats Extract until a result reaches the retry threshold
// or maxAttempts is used up, sleeping min(1s·2^(n-1), 5s) between attempts.
// It returns the last completed result even when its confidence is low, and
// the last error only when every attempt failed.
func (e *Extractor) ExtractWithRetry(ctx context.Context, imageURL string, maxAttempts int) (*model.OCRResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := zap.L().With(zap.String("provider", e.provider.Name()), zap.String("image_url", imageURL))

	var last *model.OCRResult
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := e.now()
		result, err := e.Extract(ctx, imageURL)
		elapsed := e.now().Sub(started)

		switch {
		case err != nil:
			lastErr = err
			e.metrics.ObserveAttempt(e.provider.Name(), "error", elapsed)
			log.Warn("ocr: attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.String("error_type", resilience.ClassifyError(err)),
				zap.Error(err),
			)
		case result.Confidence >= e.retryThreshold:
			e.metrics.ObserveAttempt(e.provider.Name(), "ok", elapsed)
			return result, nil
		default:
			last = result
			e.metrics.ObserveAttempt(e.provider.Name(), "low_confidence", elapsed)
			log.Warn("ocr: low confidence result",
				zap.Int("attempt", attempt),
				zap.Float64("confidence", result.Confidence),
			)
		}

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		if err := e.sleep(ctx, e.backoff.Backoff(attempt)); err != nil {
			break
		}
	}

	if last != nil {
		return last, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}
