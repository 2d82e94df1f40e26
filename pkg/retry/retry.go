package retry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultPolicy makes three attempts with DefaultBackoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: DefaultBackoff()}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do stops at once and returns
// the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends
// or the policy runs out of attempts. On exhaustion the last error is joined
// with ErrAttemptsExhausted.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff.NextInterval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}
