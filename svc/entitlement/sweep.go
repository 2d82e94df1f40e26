package entitlement

import (
	"context"

	"github.com/nandezu/entitlements/pkg/logger"
)

// SweepTaskName is the periodic queue task that runs Sweep.
const SweepTaskName = "entitlement.sweep"

// Sweep rolls over every paid entitlement whose period has ended, so
// lapsed and cancelled plans drop to free even when the user is idle.
// It returns the number of entitlements that changed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	total := 0

	for {
		ids, err := s.store.DueForRollover(ctx, s.now(), s.grace, s.batch)
		if err != nil {
			return total, err
		}

		changed := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			res, err := s.Rollover(ctx, id)
			if err != nil {
				s.log.ErrorContext(ctx, "sweep rollover failed",
					logger.UserID(id), logger.Error(err), logger.Component("sweep"))
				continue
			}
			if res.Outcome.Changed() {
				changed++
			}
		}
		total += changed

		if len(ids) < s.batch || changed == 0 {
			if total > 0 {
				s.log.InfoContext(ctx, "expiry sweep finished",
					logger.Component("sweep"), logger.Count(total))
			}
			return total, nil
		}
	}
}
