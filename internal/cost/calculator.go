// Package cost estimates the USD cost of receipt recognition calls.
package cost

// DefaultPerRequest is the flat per-call estimate charged to a tenant's
// usage counter when no provider-specific rate is configured.
const DefaultPerRequest = 0.003

// Rates holds pricing configuration.
type Rates struct {
	// PerRequest is the flat estimate per recognition call, keyed by provider.
	PerRequest map[string]float64 `yaml:"per_request" mapstructure:"per_request"`
	// Anthropic holds token pricing per model, used for log-level cost detail.
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for recognition calls.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// OCRRequest returns the flat cost recorded for one call to provider.
func (c *Calculator) OCRRequest(provider string) float64 {
	if rate, ok := c.rates.PerRequest[provider]; ok && rate >= 0 {
		return rate
	}
	return DefaultPerRequest
}

// Claude computes the token cost of a Claude call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing. perRequest overrides the flat
// per-provider estimates when non-nil.
func DefaultRates(perRequest map[string]float64) Rates {
	if perRequest == nil {
		perRequest = map[string]float64{
			"anthropic": DefaultPerRequest,
			"mistral":   DefaultPerRequest,
		}
	}
	return Rates{
		PerRequest: perRequest,
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}
