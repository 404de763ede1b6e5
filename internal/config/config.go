package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"development"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`
	AppBaseURL         string `envconfig:"APP_BASE_URL" default:""`

	// Inference provider settings
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`

	// Stripe settings
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`

	// Webhook idempotency settings
	WebhookStaleAfterMin int `envconfig:"WEBHOOK_STALE_AFTER_MIN" default:"10"`

	// Token estimation settings
	EstimateCharsPerToken int `envconfig:"ESTIMATE_CHARS_PER_TOKEN" default:"4"`
	EstimateMinTokens     int `envconfig:"ESTIMATE_MIN_TOKENS" default:"80"`
	EstimateMaxTokens     int `envconfig:"ESTIMATE_MAX_TOKENS" default:"6000"`
	OutputCapDefault      int `envconfig:"OUTPUT_CAP_DEFAULT" default:"450"`
	OutputCapDetailed     int `envconfig:"OUTPUT_CAP_DETAILED" default:"900"`

	// Request guard settings
	GuardMaxBodyBytes  int64 `envconfig:"GUARD_MAX_BODY_BYTES" default:"20000000"`
	GuardRateLimit     int   `envconfig:"GUARD_RATE_LIMIT" default:"30"`
	GuardRateWindowSec int   `envconfig:"GUARD_RATE_WINDOW_SEC" default:"60"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
