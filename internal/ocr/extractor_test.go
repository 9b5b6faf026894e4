package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ycm360/cafemx/internal/resilience"
)

// staticImages returns the same image for every URL.
type staticImages struct {
	err   error
	calls int
}

func (s *staticImages) Fetch(_ context.Context, url string) (*Image, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Image{URL: url, MediaType: "image/jpeg", Data: []byte{0xff, 0xd8}}, nil
}

// scriptedProvider answers with the next scripted step on each call.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	text string
	err  error
}

func confidenceStep(c float64) step {
	return step{text: fmt.Sprintf(`{"total": 116, "subtotal": 100, "iva": 16, "categoria": "insumos", "confidence": %v}`, c)}
}

func (p *scriptedProvider) Name() string { return "stub" }

func (p *scriptedProvider) Recognize(_ context.Context, _ Image, _ string) (*Recognition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.steps[min(p.calls, len(p.steps)-1)]
	p.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Recognition{Text: s.text, Raw: []byte(`{"id":"raw"}`)}, nil
}

func newTestExtractor(p Provider, images ImageSource, delays *[]time.Duration, opts ...Option) *Extractor {
	base := []Option{
		WithClock(func() time.Time { return validateNow }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return ctx.Err()
		}),
	}
	return NewExtractor(images, p, append(base, opts...)...)
}

func TestExtract_StampsResult(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{{text: "Resultado:\n" + confidenceStep(0.95).text}}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	r, err := e.Extract(context.Background(), "https://img.example/t.jpg")
	require.NoError(t, err)
	assert.Equal(t, "stub", r.Provider)
	assert.InDelta(t, 0.95, r.Confidence, 1e-9)
	assert.JSONEq(t, `{"id":"raw"}`, string(r.RawResponse))
	assert.Equal(t, int64(0), r.ProcessingTimeMs)
	assert.Empty(t, r.ValidationErrors)
}

func TestExtract_ParseError(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{{text: "no puedo leer el ticket"}}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	_, err := e.Extract(context.Background(), "https://img.example/t.jpg")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestExtract_FetchErrorSkipsProvider(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{confidenceStep(0.9)}}
	images := &staticImages{err: &ImageFetchError{StatusCode: 404, Status: "Not Found"}}
	e := newTestExtractor(p, images, &delays)

	_, err := e.Extract(context.Background(), "https://img.example/missing.jpg")
	var fe *ImageFetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 404, fe.StatusCode)
	assert.Equal(t, 0, p.calls)
}

func TestExtractWithRetry_LowConfidenceThenSuccess(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{confidenceStep(0.5), confidenceStep(0.5), confidenceStep(0.9)}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	r, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExtractWithRetry_StopsAtThreshold(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{confidenceStep(0.7)}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	r, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, r.Confidence, 1e-9)
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, delays)
}

func TestExtractWithRetry_ReturnsLastLowConfidence(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{confidenceStep(0.3), confidenceStep(0.4), confidenceStep(0.6)}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	r, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
	assert.Equal(t, 3, p.calls)
	assert.Len(t, delays, 2)
}

func TestExtractWithRetry_AllAttemptsFail(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{
		{err: errors.New("first")},
		{err: errors.New("second")},
		{err: errors.New("final")},
	}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	_, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 3)
	require.Error(t, err)
	assert.Equal(t, "final", err.Error())
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExtractWithRetry_ErrorThenLowConfidence(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{{err: errors.New("boom")}, confidenceStep(0.5)}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	r, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.Confidence, 1e-9)
}

func TestExtractWithRetry_BackoffCapped(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{{err: errors.New("down")}}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	_, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 5)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, delays)
}

func TestExtractWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{steps: []step{{err: errors.New("down")}}}
	e := NewExtractor(&staticImages{}, p,
		WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)

	_, err := e.ExtractWithRetry(ctx, "https://img.example/t.jpg", 3)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestExtractWithRetry_DefaultAttempts(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{confidenceStep(0.1)}}
	e := newTestExtractor(p, &staticImages{}, &delays)

	_, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, p.calls)
}

func TestExtract_BreakerOpens(t *testing.T) {
	var delays []time.Duration
	p := &scriptedProvider{steps: []step{{err: resilience.NewTransientError(errors.New("overloaded"), 529)}}}
	cb := resilience.NewCircuitBreaker("stub", resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	e := newTestExtractor(p, &staticImages{}, &delays, WithBreaker(cb))

	_, err := e.ExtractWithRetry(context.Background(), "https://img.example/t.jpg", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, p.calls, "third attempt is rejected by the open breaker")
}
