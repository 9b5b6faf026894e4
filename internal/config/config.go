package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Mistral   MistralConfig   `yaml:"mistral" mapstructure:"mistral"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Tenant    TenantConfig    `yaml:"tenant" mapstructure:"tenant"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Monitor   MonitorConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AuthConfig configures bearer-token verification against the hosted auth backend.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
	Audience  string `yaml:"audience" mapstructure:"audience"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	VisionModel string  `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// MistralConfig holds Mistral API settings for the secondary recognition provider.
type MistralConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OCRConfig configures receipt recognition.
type OCRConfig struct {
	Provider            string  `yaml:"provider" mapstructure:"provider"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryThreshold      float64 `yaml:"retry_threshold" mapstructure:"retry_threshold"`
	ReviewThreshold     float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	FetchTimeoutSecs    int     `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	MaxImageBytes       int64   `yaml:"max_image_bytes" mapstructure:"max_image_bytes"`
	FetchRatePerSec     float64 `yaml:"fetch_rate_per_sec" mapstructure:"fetch_rate_per_sec"`
	BreakerFailures     int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs    int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	ProviderTimeoutSecs int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
}

// TenantConfig configures tenant provisioning.
type TenantConfig struct {
	AppURL             string `yaml:"app_url" mapstructure:"app_url"`
	DefaultPlan        string `yaml:"default_plan" mapstructure:"default_plan"`
	PlansFile          string `yaml:"plans_file" mapstructure:"plans_file"`
	MaxSlugAttempts    int    `yaml:"max_slug_attempts" mapstructure:"max_slug_attempts"`
	ReconcileEverySecs int    `yaml:"reconcile_every_secs" mapstructure:"reconcile_every_secs"`
}

// PricingConfig holds per-provider OCR cost estimates.
type PricingConfig struct {
	OCR map[string]float64 `yaml:"ocr" mapstructure:"ocr"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitorConfig configures webhook alerts for the reconcile queue.
type MonitorConfig struct {
	WebhookURL       string `yaml:"webhook_url" mapstructure:"webhook_url"`
	BacklogThreshold int    `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAFEMX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets have no defaults, so bind them explicitly for Unmarshal to see them.
	for _, key := range []string{"store.database_url", "auth.jwt_secret", "auth.issuer", "anthropic.key", "mistral.key", "tenant.plans_file", "monitoring.webhook_url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("auth.audience", "authenticated")
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 500)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("mistral.model", "pixtral-large-latest")
	v.SetDefault("mistral.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("ocr.provider", "anthropic")
	v.SetDefault("ocr.max_attempts", 3)
	v.SetDefault("ocr.retry_threshold", 0.7)
	v.SetDefault("ocr.review_threshold", 0.8)
	v.SetDefault("ocr.fetch_timeout_secs", 30)
	v.SetDefault("ocr.max_image_bytes", 10<<20)
	v.SetDefault("ocr.fetch_rate_per_sec", 10)
	v.SetDefault("ocr.breaker_failures", 5)
	v.SetDefault("ocr.breaker_reset_secs", 30)
	v.SetDefault("ocr.provider_timeout_secs", 60)
	v.SetDefault("tenant.app_url", "https://ycm360.com")
	v.SetDefault("tenant.default_plan", "basic")
	v.SetDefault("tenant.max_slug_attempts", 100)
	v.SetDefault("tenant.reconcile_every_secs", 300)
	v.SetDefault("monitoring.backlog_threshold", 20)
	v.SetDefault("pricing.ocr", map[string]float64{"anthropic": 0.003, "mistral": 0.003})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by a command are present and
// that thresholds are in range. mode is one of "serve", "ocr", "provision" or "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		errs = append(errs, c.requireStore()...)
		if c.Auth.JWTSecret == "" {
			errs = append(errs, "auth.jwt_secret is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.requireProvider()...)
		errs = append(errs, c.checkThresholds()...)
	case "ocr":
		errs = append(errs, c.requireStore()...)
		errs = append(errs, c.requireProvider()...)
		errs = append(errs, c.checkThresholds()...)
	case "provision", "store":
		errs = append(errs, c.requireStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) requireStore() []string {
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	return nil
}

func (c *Config) requireProvider() []string {
	switch c.OCR.Provider {
	case "mistral":
		if c.Mistral.Key == "" {
			return []string{"mistral.key is required"}
		}
	case "anthropic", "":
		if c.Anthropic.Key == "" {
			return []string{"anthropic.key is required"}
		}
	default:
		return []string{"ocr.provider must be anthropic or mistral"}
	}
	return nil
}

func (c *Config) checkThresholds() []string {
	var errs []string
	if c.OCR.RetryThreshold < 0 || c.OCR.RetryThreshold > 1 {
		errs = append(errs, "ocr.retry_threshold must be between 0 and 1")
	}
	if c.OCR.ReviewThreshold < 0 || c.OCR.ReviewThreshold > 1 {
		errs = append(errs, "ocr.review_threshold must be between 0 and 1")
	}
	if c.OCR.MaxAttempts < 1 || c.OCR.MaxAttempts > 10 {
		errs = append(errs, "ocr.max_attempts must be between 1 and 10")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
