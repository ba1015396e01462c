package gateway

import "time"

// Config carries the billing provider connection settings.
type Config struct {
	ClientID      string        `env:"BILLING_CLIENT_ID"`
	ClientSecret  string        `env:"BILLING_CLIENT_SECRET"`
	APIBaseURL    string        `env:"BILLING_API_BASE_URL"`
	TokenURL      string        `env:"BILLING_TOKEN_URL"`
	WebhookSecret string        `env:"BILLING_WEBHOOK_SECRET"`
	HTTPTimeout   time.Duration `env:"BILLING_HTTP_TIMEOUT" envDefault:"15s"`

	// SignatureMaxAge rejects webhook signatures older than this window.
	SignatureMaxAge time.Duration `env:"BILLING_SIGNATURE_MAX_AGE" envDefault:"5m"`
}
