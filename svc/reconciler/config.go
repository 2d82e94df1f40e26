package reconciler

import "time"

type Config struct {
	AppleRootCertFile string        `env:"WEBHOOK_APPLE_ROOT_CERT_FILE"`
	AppleBundleID     string        `env:"WEBHOOK_APPLE_BUNDLE_ID"`
	GooglePackageName string        `env:"WEBHOOK_GOOGLE_PACKAGE_NAME" envDefault:"com.nandezu.app"`
	GooglePushToken   string        `env:"WEBHOOK_GOOGLE_PUSH_TOKEN"`
	DedupWindow       time.Duration `env:"WEBHOOK_DEDUP_WINDOW" envDefault:"72h"`
	DedupPrefix       string        `env:"WEBHOOK_DEDUP_PREFIX" envDefault:"webhook:seen:"`
	RetryDelay        time.Duration `env:"WEBHOOK_RETRY_DELAY" envDefault:"1m"`
	MaxAttempts       int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"10"`
}
