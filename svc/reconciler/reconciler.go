package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/queue"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/verifier"
)

// Entitlements is the part of entitlement.Service the reconciler drives.
type Entitlements interface {
	Activate(ctx context.Context, userID uuid.UUID, p entitlement.Purchase) (entitlement.Result, error)
	ApplyCancel(ctx context.Context, userID uuid.UUID, ev entitlement.PlatformEvent) (entitlement.Result, error)
	ApplyResume(ctx context.Context, userID uuid.UUID, ev entitlement.PlatformEvent) (entitlement.Result, error)
	ApplyLapse(ctx context.Context, userID uuid.UUID, ev entitlement.PlatformEvent) (entitlement.Result, error)
	GrantCredits(ctx context.Context, userID uuid.UUID, g entitlement.Grant) (entitlement.Result, error)
	ResolveSubscription(ctx context.Context, src entitlement.Source, ref string) (uuid.UUID, error)
}

// Verifiers confirms purchase tokens for events that carry no period.
type Verifiers interface {
	Verify(ctx context.Context, src entitlement.Source, r verifier.Receipt) (verifier.VerifiedPurchase, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Recorder receives webhook results. *metrics.Metrics satisfies it.
type Recorder interface {
	WebhookHandled(platform, eventType, result string)
}

type noopRecorder struct{}

func (noopRecorder) WebhookHandled(string, string, string) {}

// Reconciler applies verified store notifications to entitlements. Events
// that cannot be applied right away are handed to the task queue.
type Reconciler struct {
	cfg          Config
	entitlements Entitlements
	verifiers    Verifiers
	queue        Enqueuer
	dedup        Dedup
	log          *slog.Logger
	recorder     Recorder
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithDedup(d Dedup) Option {
	return func(r *Reconciler) {
		if d != nil {
			r.dedup = d
		}
	}
}

func New(cfg Config, ents Entitlements, verifiers Verifiers, q Enqueuer, opts ...Option) *Reconciler {
	if ents == nil || q == nil {
		panic("reconciler: entitlements and queue are required")
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 72 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	r := &Reconciler{
		cfg:          cfg,
		entitlements: ents,
		verifiers:    verifiers,
		queue:        q,
		log:          slog.New(slog.DiscardHandler),
		recorder:     noopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dedup == nil {
		r.dedup = NewMemoryDedup(cfg.DedupWindow)
	}
	return r
}

// Accept takes a decoded event. It returns nil once the event was applied,
// ignored, recognized as a duplicate or durably queued. ErrNotQueued means
// the platform should deliver it again.
func (r *Reconciler) Accept(ctx context.Context, ev Event) error {
	log := r.eventLogger(ev)

	if ev.Kind == KindIgnored {
		log.DebugContext(ctx, "webhook event ignored")
		r.record(ev, "ignored")
		return nil
	}

	first, err := r.dedup.Claim(ctx, ev.dedupKey())
	if err != nil {
		// Transaction ids and grant ids keep the apply idempotent.
		log.WarnContext(ctx, "webhook dedup unavailable", logger.Error(err))
		first = true
	}
	if !first {
		log.InfoContext(ctx, "duplicate webhook event acknowledged")
		r.record(ev, "duplicate")
		return nil
	}

	if ev.NeedsVerification {
		return r.enqueue(ctx, ev, 0)
	}

	res, err := r.apply(ctx, ev)
	switch {
	case err == nil:
		log.InfoContext(ctx, "webhook event applied", logger.Outcome(string(res.Outcome)))
		r.record(ev, "applied")
		return nil
	case discardable(err):
		log.WarnContext(ctx, "webhook event discarded", logger.Error(err))
		r.record(ev, "discarded")
		return nil
	}

	log.InfoContext(ctx, "webhook event deferred", logger.Error(err))
	return r.enqueue(ctx, ev, r.cfg.RetryDelay)
}

// Process applies a queued event. Errors make the worker retry the task
// and, once its attempts run out, move it to the dead letter status.
func (r *Reconciler) Process(ctx context.Context, p PendingEvent) error {
	ev := p.Event
	log := r.eventLogger(ev)

	res, err := r.apply(ctx, ev)
	switch {
	case err == nil:
		log.InfoContext(ctx, "queued webhook event applied", logger.Outcome(string(res.Outcome)))
		r.record(ev, "applied")
		return nil
	case discardable(err):
		log.WarnContext(ctx, "queued webhook event discarded", logger.Error(err))
		r.record(ev, "discarded")
		return nil
	}
	return err
}

// Handler registers Process with a queue worker.
func (r *Reconciler) Handler() queue.Handler {
	return queue.NewTaskHandler(r.Process)
}

func (r *Reconciler) enqueue(ctx context.Context, ev Event, delay time.Duration) error {
	// The dedup key is already claimed; finish the handoff even if the
	// sender hung up, or a redelivery would be acked as a duplicate.
	ctx = context.WithoutCancel(ctx)

	err := r.queue.Enqueue(ctx, PendingEvent{Event: ev},
		queue.WithDelay(delay),
		queue.WithMaxAttempts(r.cfg.MaxAttempts),
	)
	if err != nil {
		if rerr := r.dedup.Release(ctx, ev.dedupKey()); rerr != nil {
			err = errors.Join(err, rerr)
		}
		r.eventLogger(ev).ErrorContext(ctx, "failed to queue webhook event", logger.Error(err))
		r.record(ev, "failed")
		return errors.Join(ErrNotQueued, err)
	}
	r.record(ev, "queued")
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (entitlement.Result, error) {
	userID, err := r.resolve(ctx, ev)
	if err != nil {
		return entitlement.Result{}, err
	}

	pev := entitlement.PlatformEvent{Source: ev.Platform, SubscriptionRef: ev.SubscriptionRef, EventAt: ev.OccurredAt}
	switch ev.Kind {
	case KindActivate:
		p, err := r.purchase(ctx, ev)
		if err != nil {
			return entitlement.Result{}, err
		}
		return r.entitlements.Activate(ctx, userID, p)
	case KindCancel:
		return r.entitlements.ApplyCancel(ctx, userID, pev)
	case KindResume:
		return r.entitlements.ApplyResume(ctx, userID, pev)
	case KindLapse:
		return r.entitlements.ApplyLapse(ctx, userID, pev)
	case KindCreditTopup:
		return r.entitlements.GrantCredits(ctx, userID, entitlement.Grant{
			ID:      ev.GrantID,
			Feature: ev.Feature,
			Amount:  ev.Credits,
		})
	}
	return entitlement.Result{Outcome: entitlement.OutcomeUnchanged}, nil
}

func (r *Reconciler) purchase(ctx context.Context, ev Event) (entitlement.Purchase, error) {
	if !ev.NeedsVerification {
		return entitlement.Purchase{
			Source:          ev.Platform,
			ProductID:       ev.ProductID,
			TransactionID:   ev.TransactionID,
			SubscriptionRef: ev.SubscriptionRef,
			PurchasedAt:     ev.PurchasedAt,
			ExpiresAt:       ev.ExpiresAt,
			EventAt:         ev.OccurredAt,
		}, nil
	}
	if r.verifiers == nil {
		return entitlement.Purchase{}, fmt.Errorf("%w: %s", verifier.ErrUnsupportedPlatform, ev.Platform)
	}

	vp, err := r.verifiers.Verify(ctx, ev.Platform, verifier.Receipt{ProductID: ev.ProductID, Data: ev.SubscriptionRef})
	if err != nil {
		return entitlement.Purchase{}, err
	}
	p := vp.Purchase(ev.Platform)
	p.EventAt = ev.OccurredAt
	return p, nil
}

// resolve prefers the user hint carried by the event and falls back to
// the subscription link recorded at purchase time.
func (r *Reconciler) resolve(ctx context.Context, ev Event) (uuid.UUID, error) {
	if ev.UserHint != "" {
		if id, err := uuid.Parse(ev.UserHint); err == nil {
			return id, nil
		}
	}
	if ev.SubscriptionRef == "" {
		return uuid.Nil, fmt.Errorf("%w: no hint or subscription ref", ErrUnresolvedUser)
	}

	id, err := r.entitlements.ResolveSubscription(ctx, ev.Platform, ev.SubscriptionRef)
	if errors.Is(err, entitlement.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%w: %s subscription %s", ErrUnresolvedUser, ev.Platform, ev.SubscriptionRef)
	}
	return id, err
}

func (r *Reconciler) eventLogger(ev Event) *slog.Logger {
	return r.log.With(
		logger.Component("reconciler"),
		logger.Platform(string(ev.Platform)),
		logger.EventID(ev.ID),
		logger.EventType(ev.Type),
	)
}

func (r *Reconciler) record(ev Event, result string) {
	r.recorder.WebhookHandled(string(ev.Platform), string(ev.Kind), result)
}

// discardable errors are final verdicts about the event; retrying cannot
// change them.
func discardable(err error) bool {
	for _, target := range []error{
		entitlement.ErrUnknownProduct,
		entitlement.ErrPurchaseExpired,
		entitlement.ErrAlreadySubscribed,
		entitlement.ErrNoActiveSubscription,
		entitlement.ErrInvalidActivation,
		entitlement.ErrInvalidTransition,
		entitlement.ErrUnsupportedPlatform,
		verifier.ErrInvalidReceipt,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
