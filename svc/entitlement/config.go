package entitlement

import "time"

const (
	// FreePeriod is the length of the rolling free-tier period.
	FreePeriod = 30 * 24 * time.Hour
	// RefillInterval is how often annual plans get their monthly quota back.
	RefillInterval = 30 * 24 * time.Hour
)

type Config struct {
	GracePeriod   time.Duration `env:"ENTITLEMENT_GRACE_PERIOD" envDefault:"0s"`
	ProductsFile  string        `env:"ENTITLEMENT_PRODUCTS_FILE"`
	SweepInterval time.Duration `env:"ENTITLEMENT_SWEEP_INTERVAL" envDefault:"15m"`
	SweepBatch    int           `env:"ENTITLEMENT_SWEEP_BATCH" envDefault:"100"`
}
