package verifier

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/retry"
)

// Recorder receives verification timings. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveVerify(platform, result string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveVerify(string, string, time.Duration) {}

// Option configures a platform adapter.
type Option func(*options)

type options struct {
	cfg      Config
	log      *slog.Logger
	recorder Recorder
	client   *http.Client
	now      func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithConfig applies the shared network policy.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithHTTPClient replaces the client used to reach the platform. For
// Google it also replaces service account authentication.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		cfg: Config{
			Timeout:         5 * time.Second,
			MaxAttempts:     3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			BreakerHalfOpen: 1,
			BackoffBase:     200 * time.Millisecond,
			BackoffMax:      2 * time.Second,
		},
		log:      slog.New(slog.DiscardHandler),
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// guard wraps every platform call with a per-attempt timeout, bounded
// retries and a circuit breaker.
type guard struct {
	platform string
	cfg      Config
	log      *slog.Logger
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker[VerifiedPurchase]
}

func newGuard(platform string, o options) *guard {
	g := &guard{
		platform: platform,
		cfg:      o.cfg,
		log:      o.log,
		recorder: o.recorder,
	}

	failures := max(g.cfg.BreakerFailures, 1)
	g.breaker = gobreaker.NewCircuitBreaker[VerifiedPurchase](gobreaker.Settings{
		Name:        platform,
		MaxRequests: max(g.cfg.BreakerHalfOpen, 1),
		Timeout:     g.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A rejected receipt means the platform answered.
		IsSuccessful: func(err error) bool {
			return err == nil || permanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("verifier circuit breaker state changed",
				logger.Platform(name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return g
}

func (g *guard) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: max(g.cfg.MaxAttempts, 1),
		Backoff: retry.ExponentialBackoff{
			InitialInterval: g.cfg.BackoffBase,
			MaxInterval:     g.cfg.BackoffMax,
			Multiplier:      2,
			JitterFactor:    0.1,
		},
	}
}

func (g *guard) run(ctx context.Context, call func(ctx context.Context) (VerifiedPurchase, error)) (VerifiedPurchase, error) {
	start := time.Now()
	var out VerifiedPurchase
	attempt := 0

	err := retry.Do(ctx, g.policy(), func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}

		v, err := g.breaker.Execute(func() (VerifiedPurchase, error) {
			return call(attemptCtx)
		})
		switch {
		case err == nil:
			out = v
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return retry.Permanent(err)
		case permanent(err):
			return retry.Permanent(err)
		}
		g.log.DebugContext(ctx, "verification attempt failed",
			logger.Platform(g.platform), logger.RetryCount(attempt), logger.Error(err))
		return err
	})

	if err != nil && !permanent(err) {
		g.log.WarnContext(ctx, "platform verification unavailable",
			logger.Platform(g.platform), logger.RetryCount(attempt), logger.Error(err))
		err = errors.Join(ErrVerificationUnavailable, err)
	}
	g.recorder.ObserveVerify(g.platform, resultLabel(err), time.Since(start))
	return out, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPurchaseExpired):
		return "expired"
	case errors.Is(err, ErrVerificationUnavailable):
		return "unavailable"
	default:
		return "invalid"
	}
}
