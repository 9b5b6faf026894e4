package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/config"
	"github.com/ycm360/cafemx/internal/cost"
	"github.com/ycm360/cafemx/pkg/anthropic"
)

// AnthropicProvider recognizes receipts with a Claude vision model.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	calc        *cost.Calculator
}

// NewAnthropicProvider creates an AnthropicProvider. calc may be nil.
func NewAnthropicProvider(client anthropic.Client, cfg config.AnthropicConfig, calc *cost.Calculator) *AnthropicProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &AnthropicProvider{
		client:      client,
		model:       cfg.VisionModel,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		calc:        calc,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Recognize implements Provider.
func (p *AnthropicProvider) Recognize(ctx context.Context, img Image, prompt string) (*Recognition, error) {
	temp := p.temperature
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: &temp,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: prompt,
			Images: []anthropic.Image{{
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			}},
		}},
	})
	if err != nil {
		return nil, classifyStatus(eris.Wrap(err, "ocr: anthropic recognize"), anthropic.StatusCode(err))
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.New("ocr: anthropic returned no text content")
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: marshal anthropic response")
	}

	var usd float64
	if p.calc != nil {
		u := resp.Usage
		usd = p.calc.Claude(p.model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	resp.Usage.LogUsage(p.model, "ocr", usd)

	return &Recognition{Text: text, Model: resp.Model, Raw: raw, CostUSD: usd}, nil
}
