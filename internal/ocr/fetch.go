package ocr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ImageFetchError reports an image download that did not succeed.
type ImageFetchError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *ImageFetchError) Error() string {
	if e.StatusCode == 0 {
		return "ocr: failed to fetch image: " + e.Status
	}
	return fmt.Sprintf("ocr: failed to fetch image: %d %s", e.StatusCode, e.Status)
}

// ImageSource loads the bytes behind an image reference.
type ImageSource interface {
	Fetch(ctx context.Context, imageURL string) (*Image, error)
}

// FetcherOptions configures the ImageFetcher.
type FetcherOptions struct {
	Timeout    time.Duration
	MaxBytes   int64
	RatePerSec float64
	UserAgent  string
}

// ImageFetcher downloads receipt images with a per-host rate limit that
// halves after a 429 and recovers gradually on success.
type ImageFetcher struct {
	client *http.Client
	opts   FetcherOptions

	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

// NewImageFetcher creates an ImageFetcher. A nil client gets one with opts.Timeout.
func NewImageFetcher(opts FetcherOptions, client *http.Client) *ImageFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cafemx-ocr/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &ImageFetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*hostLimiter),
	}
}

// Fetch implements ImageSource.
func (f *ImageFetcher) Fetch(ctx context.Context, imageURL string) (*Image, error) {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ImageFetchError{URL: imageURL, Status: "invalid image URL"}
	}

	lim := f.limiter(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ocr: image rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create image request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: fetch image")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit(u.Host)
		}
		fetchErr := &ImageFetchError{
			URL:        imageURL,
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
		}
		return nil, classifyStatus(fetchErr, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read image body")
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, eris.Errorf("ocr: image exceeds %d bytes", f.opts.MaxBytes)
	}
	lim.OnSuccess()

	return &Image{
		URL:       imageURL,
		MediaType: MediaTypeFor(resp.Header.Get("Content-Type")),
		Data:      data,
	}, nil
}

func (f *ImageFetcher) limiter(host string) *hostLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = newHostLimiter(rate.Limit(f.opts.RatePerSec), int(f.opts.RatePerSec)+1)
		f.limiters[host] = lim
	}
	return lim
}

// MediaTypeFor maps a Content-Type header to one of the media types accepted
// by the vision providers. Anything not PNG or WebP is sent as JPEG.
func MediaTypeFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return "image/png"
	case strings.Contains(ct, "webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// hostLimiter is a rate.Limiter that adapts between initial/4 and 2x initial.
type hostLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newHostLimiter(r rate.Limit, burst int) *hostLimiter {
	return &hostLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

func (h *hostLimiter) Wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to 2x initial.
func (h *hostLimiter) OnSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := min(h.current*1.2, h.initial*2)
	h.current = next
	h.limiter.SetLimit(next)
}

// OnRateLimit halves the rate, down to initial/4.
func (h *hostLimiter) OnRateLimit(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := max(h.current*0.5, h.initial/4)
	h.current = next
	h.limiter.SetLimit(next)
	zap.L().Warn("ocr: image host rate limited, reducing rate",
		zap.String("host", host),
		zap.Float64("new_rate", float64(next)),
	)
}

// Limit returns the current rate.
func (h *hostLimiter) Limit() rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

var _ ImageSource = (*ImageFetcher)(nil)
