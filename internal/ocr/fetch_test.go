package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ycm360/cafemx/internal/resilience"
)

func TestImageFetcher_Fetch(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	f := NewImageFetcher(FetcherOptions{}, srv.Client())
	img, err := f.Fetch(context.Background(), srv.URL+"/ticket.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MediaType)
	assert.Equal(t, []byte("\x89PNG"), img.Data)
	assert.Equal(t, srv.URL+"/ticket.png", img.URL)
	assert.Equal(t, "cafemx-ocr/1.0", gotUA)
	assert.Equal(t, "image/*", gotAccept)
}

func TestImageFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewImageFetcher(FetcherOptions{}, srv.Client())
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.jpg")
	require.Error(t, err)

	var fe *ImageFetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, "ocr: failed to fetch image: 404 Not Found", fe.Error())
	assert.False(t, resilience.IsTransient(err))
}

func TestImageFetcher_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewImageFetcher(FetcherOptions{}, srv.Client())
	_, err := f.Fetch(context.Background(), srv.URL+"/t.jpg")
	require.Error(t, err)

	var te *resilience.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestImageFetcher_RateLimitHalvesHostRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewImageFetcher(FetcherOptions{RatePerSec: 8}, srv.Client())
	_, err := f.Fetch(context.Background(), srv.URL+"/t.jpg")
	require.Error(t, err)

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, rate.Limit(4), f.limiter(host).Limit())
}

func TestImageFetcher_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := NewImageFetcher(FetcherOptions{MaxBytes: 16}, srv.Client())
	_, err := f.Fetch(context.Background(), srv.URL+"/big.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")
}

func TestImageFetcher_InvalidURL(t *testing.T) {
	f := NewImageFetcher(FetcherOptions{}, nil)

	for _, u := range []string{"", "not a url", "ftp://files.example/t.jpg", "https://"} {
		_, err := f.Fetch(context.Background(), u)
		var fe *ImageFetchError
		require.ErrorAs(t, err, &fe, u)
		assert.Equal(t, 0, fe.StatusCode)
		assert.Equal(t, "ocr: failed to fetch image: invalid image URL", fe.Error())
	}
}

func TestHostLimiter_Bounds(t *testing.T) {
	h := newHostLimiter(10, 11)
	for range 10 {
		h.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), h.Limit())

	for range 10 {
		h.OnRateLimit("img.example")
	}
	assert.Equal(t, rate.Limit(2.5), h.Limit())
}

func TestMediaTypeFor(t *testing.T) {
	tests := map[string]string{
		"image/png":                "image/png",
		"image/webp":               "image/webp",
		"image/jpeg":               "image/jpeg",
		"image/jpg; charset=utf-8": "image/jpeg",
		"application/octet-stream": "image/jpeg",
		"":                         "image/jpeg",
		"IMAGE/PNG":                "image/png",
	}
	for in, want := range tests {
		assert.Equal(t, want, MediaTypeFor(in), in)
	}
}
