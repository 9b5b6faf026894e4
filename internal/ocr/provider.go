// Package ocr turns receipt images into validated, confidence-scored
// extractions using a hosted vision model, and ingests them into a tenant's
// namespace with usage accounting.
package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/config"
	"github.com/ycm360/cafemx/internal/cost"
	"github.com/ycm360/cafemx/internal/resilience"
	"github.com/ycm360/cafemx/pkg/anthropic"
)

// Image is a fetched receipt image.
type Image struct {
	URL       string
	MediaType string
	Data      []byte
}

// Recognition is a provider's answer to one image.
type Recognition struct {
	Text    string
	Model   string
	Raw     json.RawMessage
	CostUSD float64
}

// Provider submits an image and prompt to a recognition service and returns
// its free-form text answer.
type Provider interface {
	Name() string
	Recognize(ctx context.Context, img Image, prompt string) (*Recognition, error)
}

// NewProvider builds the provider selected by cfg.OCR.Provider.
func NewProvider(cfg *config.Config, calc *cost.Calculator) (Provider, error) {
	timeout := time.Duration(cfg.OCR.ProviderTimeoutSecs) * time.Second
	switch cfg.OCR.Provider {
	case "anthropic", "":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("ocr: anthropic provider requires anthropic.key")
		}
		client := anthropic.NewClient(cfg.Anthropic.Key)
		return NewAnthropicProvider(client, cfg.Anthropic, calc), nil
	case "mistral":
		if cfg.Mistral.Key == "" {
			return nil, eris.New("ocr: mistral provider requires mistral.key")
		}
		return NewMistralProvider(cfg.Mistral, cfg.Anthropic.MaxTokens, cfg.Anthropic.Temperature,
			&http.Client{Timeout: timeout}), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.OCR.Provider)
	}
}

// classifyStatus marks provider errors with retryable HTTP statuses as transient.
func classifyStatus(err error, status int) error {
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}
