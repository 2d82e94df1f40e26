// Package pgstore is the Postgres implementation of entitlement.Store.
// Per-user serialization comes from SELECT ... FOR UPDATE on the
// entitlement row inside one transaction.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nandezu/entitlements/pkg/pg"
	"github.com/nandezu/entitlements/pkg/retry"
	"github.com/nandezu/entitlements/svc/entitlement"
)

const columns = `user_id, plan_tier, billing_period, period_start, period_end, quota_reset_at,
	cancel_at_period_end, source, external_transaction_id, subscription_ref, last_event_at,
	tryons_remaining, profile_image_slots_remaining, result_slots_remaining,
	version, created_at, updated_at`

type Store struct {
	pool   *pgxpool.Pool
	policy retry.Policy
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, policy: retry.Policy{MaxAttempts: 3, Backoff: retry.FixedBackoff{Interval: 20 * time.Millisecond}}}
}

func (s *Store) Load(ctx context.Context, userID uuid.UUID) (*entitlement.Entitlement, error) {
	e, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM entitlements WHERE user_id = $1`, userID))
	if pg.IsNotFoundError(err) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: load entitlement: %w", err)
	}
	return e, nil
}

func (s *Store) Update(ctx context.Context, userID uuid.UUID, now time.Time, fn entitlement.UpdateFunc, opts ...entitlement.UpdateOption) (*entitlement.Entitlement, error) {
	o := entitlement.NewUpdateOptions(opts...)

	var out *entitlement.Entitlement
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			out, err = s.update(ctx, tx, userID, now, fn, o)
			return err
		})
		if err != nil && !pg.IsSerializationError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, tx pgx.Tx, userID uuid.UUID, now time.Time, fn entitlement.UpdateFunc, o entitlement.UpdateOptions) (*entitlement.Entitlement, error) {
	tag, err := tx.Exec(ctx, insertSQL, args(entitlement.NewFree(userID, now))...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: ensure entitlement: %w", err)
	}
	created := tag.RowsAffected() == 1

	cur, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM entitlements WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("pgstore: lock entitlement: %w", err)
	}

	if o.Grant != nil {
		var granted bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_grants WHERE grant_id = $1)`, o.Grant.ID).Scan(&granted); err != nil {
			return nil, fmt.Errorf("pgstore: check grant: %w", err)
		}
		if granted {
			return nil, entitlement.ErrDuplicateGrant
		}
	}

	next := *cur
	if err := fn(&next); err != nil {
		return nil, err
	}
	if !created && next == *cur && o.Grant == nil {
		return &next, nil
	}

	next.Version++
	next.UpdatedAt = now
	if _, err := tx.Exec(ctx, updateSQL, args(&next)...); err != nil {
		return nil, fmt.Errorf("pgstore: save entitlement: %w", err)
	}

	if entitlement.ShouldLink(&next) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO entitlement_links (source, subscription_ref, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (source, subscription_ref) DO UPDATE SET user_id = EXCLUDED.user_id`,
			next.Source, next.SubscriptionRef, userID,
		); err != nil {
			return nil, fmt.Errorf("pgstore: link subscription: %w", err)
		}
	}

	if g := o.Grant; g != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_grants (grant_id, user_id, feature, amount, granted_at)
			VALUES ($1, $2, $3, $4, $5)`,
			g.ID, userID, g.Feature, g.Amount, now,
		)
		if pg.IsDuplicateKeyError(err) {
			return nil, entitlement.ErrDuplicateGrant
		}
		if err != nil {
			return nil, fmt.Errorf("pgstore: record grant: %w", err)
		}
	}

	return &next, nil
}

func (s *Store) ResolveSubscription(ctx context.Context, src entitlement.Source, ref string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM entitlement_links WHERE source = $1 AND subscription_ref = $2`, src, ref,
	).Scan(&id)
	if pg.IsNotFoundError(err) {
		return uuid.Nil, entitlement.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("pgstore: resolve subscription: %w", err)
	}
	return id, nil
}

func (s *Store) DueForRollover(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM entitlements
		WHERE plan_tier <> 'free' AND period_end < $1
			AND (cancel_at_period_end OR period_end < $2)
		ORDER BY period_end, user_id
		LIMIT $3`, now, now.Add(-grace), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: due for rollover: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("pgstore: due for rollover: %w", err)
	}
	return ids, nil
}

const insertSQL = `
	INSERT INTO entitlements (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (user_id) DO NOTHING`

const updateSQL = `
	UPDATE entitlements SET
		plan_tier = $2, billing_period = $3, period_start = $4, period_end = $5, quota_reset_at = $6,
		cancel_at_period_end = $7, source = $8, external_transaction_id = $9, subscription_ref = $10,
		last_event_at = $11, tryons_remaining = $12, profile_image_slots_remaining = $13,
		result_slots_remaining = $14, version = $15, created_at = $16, updated_at = $17
	WHERE user_id = $1`

func args(e *entitlement.Entitlement) []any {
	var lastEventAt *time.Time
	if !e.LastEventAt.IsZero() {
		lastEventAt = &e.LastEventAt
	}
	return []any{
		e.UserID, e.Tier, e.Period, e.PeriodStart, e.PeriodEnd, e.QuotaResetAt,
		e.CancelAtPeriodEnd, e.Source, e.TransactionID, e.SubscriptionRef, lastEventAt,
		e.Remaining.TryOns, e.Remaining.ProfileImageSlots, e.Remaining.ResultSlots,
		e.Version, e.CreatedAt, e.UpdatedAt,
	}
}

func scan(row pgx.Row) (*entitlement.Entitlement, error) {
	var (
		e           entitlement.Entitlement
		lastEventAt *time.Time
	)
	err := row.Scan(
		&e.UserID, &e.Tier, &e.Period, &e.PeriodStart, &e.PeriodEnd, &e.QuotaResetAt,
		&e.CancelAtPeriodEnd, &e.Source, &e.TransactionID, &e.SubscriptionRef, &lastEventAt,
		&e.Remaining.TryOns, &e.Remaining.ProfileImageSlots, &e.Remaining.ResultSlots,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastEventAt != nil {
		e.LastEventAt = *lastEventAt
	}
	return &e, nil
}

var _ entitlement.Store = (*Store)(nil)
