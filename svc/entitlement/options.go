package entitlement

import (
	"log/slog"
	"time"
)

// Recorder receives metric events. *metrics.Metrics satisfies it.
type Recorder interface {
	EntitlementChanged(outcome string)
	UsageRecorded(feature, result string)
}

type noopRecorder struct{}

func (noopRecorder) EntitlementChanged(string)    {}
func (noopRecorder) UsageRecorded(string, string) {}

type deps struct {
	now      func() time.Time
	log      *slog.Logger
	recorder Recorder
	grace    time.Duration
	batch    int
}

func defaultDeps() deps {
	return deps{
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.New(slog.DiscardHandler),
		recorder: noopRecorder{},
		batch:    100,
	}
}

// Option configures Service and Meter.
type Option func(*deps)

func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(d *deps) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithGracePeriod keeps an unrenewed paid plan usable for g after its
// period ended.
func WithGracePeriod(g time.Duration) Option {
	return func(d *deps) {
		if g > 0 {
			d.grace = g
		}
	}
}

// WithSweepBatch limits how many entitlements one sweep round loads.
func WithSweepBatch(n int) Option {
	return func(d *deps) {
		if n > 0 {
			d.batch = n
		}
	}
}

// FromConfig turns a Config into options.
func FromConfig(cfg Config) []Option {
	return []Option{WithGracePeriod(cfg.GracePeriod), WithSweepBatch(cfg.SweepBatch)}
}
