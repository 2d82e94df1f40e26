package verifier

import "time"

// Config holds the network policy shared by every platform adapter.
type Config struct {
	Timeout         time.Duration `env:"VERIFIER_TIMEOUT" envDefault:"5s"`
	MaxAttempts     int           `env:"VERIFIER_MAX_ATTEMPTS" envDefault:"3"`
	BreakerFailures uint32        `env:"VERIFIER_BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown time.Duration `env:"VERIFIER_BREAKER_COOLDOWN" envDefault:"30s"`
	BreakerHalfOpen uint32        `env:"VERIFIER_BREAKER_HALF_OPEN" envDefault:"1"`
	BackoffBase     time.Duration `env:"VERIFIER_BACKOFF_BASE" envDefault:"200ms"`
	BackoffMax      time.Duration `env:"VERIFIER_BACKOFF_MAX" envDefault:"2s"`
}

type AppleConfig struct {
	SharedSecret  string `env:"APPLE_SHARED_SECRET"`
	ProductionURL string `env:"APPLE_VERIFY_URL" envDefault:"https://buy.itunes.apple.com/verifyReceipt"`
	SandboxURL    string `env:"APPLE_SANDBOX_VERIFY_URL" envDefault:"https://sandbox.itunes.apple.com/verifyReceipt"`
}

type GoogleConfig struct {
	PackageName     string `env:"GOOGLE_PACKAGE_NAME" envDefault:"com.nandezu.app"`
	CredentialsFile string `env:"GOOGLE_CREDENTIALS_FILE"`
	// Endpoint overrides the Play Developer API base URL.
	Endpoint string `env:"GOOGLE_API_ENDPOINT"`
}

type StripeConfig struct {
	WebhookSecret      string `env:"STRIPE_WEBHOOK_SECRET"`
	PaymentLinkURL     string `env:"STRIPE_PAYMENT_LINK_URL"`
	CreditsPerCheckout int    `env:"STRIPE_CREDITS_PER_CHECKOUT" envDefault:"50"`
}
