package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nandezu/entitlements/migrations"
	"github.com/nandezu/entitlements/modules/billing"
	"github.com/nandezu/entitlements/pkg/clientip"
	"github.com/nandezu/entitlements/pkg/httpserver"
	"github.com/nandezu/entitlements/pkg/jwt"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/metrics"
	"github.com/nandezu/entitlements/pkg/pg"
	"github.com/nandezu/entitlements/pkg/queue"
	"github.com/nandezu/entitlements/pkg/redis"
	"github.com/nandezu/entitlements/pkg/requestid"
	"github.com/nandezu/entitlements/pkg/retry"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the webhook endpoints and the background worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadAll()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), s)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply database migrations before serving")
}

func serve(ctx context.Context, s settings) error {
	log := newLogger(s.Log)

	pool, err := connectDB(ctx, s, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if serveMigrate {
		if err := pg.Migrate(ctx, pool, s.PG, migrations.FS, log); err != nil {
			return err
		}
	}

	rdb, err := redis.Connect(ctx, s.Redis)
	if err != nil {
		log.ErrorContext(ctx, "redis connection failed", logger.Error(err), logger.Component("redis"))
		return err
	}
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc, meter, err := newEntitlements(s, pool, log, m)
	if err != nil {
		return err
	}

	verifiers, stripeVerifier, err := newVerifiers(ctx, s, log, m)
	if err != nil {
		return err
	}

	tasks := queue.NewPostgresStorage(pool)
	enq, err := queue.NewEnqueuer(tasks, queue.WithDefaultMaxAttempts(s.Queue.MaxAttempts))
	if err != nil {
		return err
	}

	rec := reconciler.New(s.Webhook, svc, verifiers, enq,
		reconciler.WithLogger(log),
		reconciler.WithRecorder(m),
		reconciler.WithDedup(reconciler.NewRedisDedup(rdb, s.Webhook.DedupPrefix, s.Webhook.DedupWindow)),
	)

	worker, err := queue.NewWorker(tasks,
		queue.WithWorkerLogger(log),
		queue.WithRecorder(m),
		queue.WithConcurrency(s.Queue.MaxConcurrentTasks),
		queue.WithPollInterval(s.Queue.PollInterval),
		queue.WithLockTimeout(s.Queue.LockTimeout),
		queue.WithRetryBackoff(retry.FixedBackoff{Interval: s.Webhook.RetryDelay}),
	)
	if err != nil {
		return err
	}
	worker.Register(
		rec.Handler(),
		queue.NewPeriodicTaskHandler(entitlement.SweepTaskName, func(ctx context.Context) error {
			n, err := svc.Sweep(ctx)
			if n > 0 {
				log.InfoContext(ctx, "expired entitlements rolled over", logger.Count(n), logger.Component("sweep"))
			}
			return err
		}),
	)

	scheduler, err := queue.NewScheduler(tasks,
		queue.WithCheckInterval(s.Queue.SchedulerInterval),
		queue.WithSchedulerLogger(log),
	)
	if err != nil {
		return err
	}
	if err := scheduler.AddTask(entitlement.SweepTaskName, s.Entitlement.SweepInterval); err != nil {
		return err
	}

	tokens, err := jwt.New(s.JWT)
	if err != nil {
		return err
	}

	opts := billing.RouterOptions{
		Entitlements:    svc,
		Meter:           meter,
		Verifiers:       verifiers,
		Webhooks:        rec,
		GoogleDecoder:   reconciler.NewGoogleDecoder(s.Webhook.GooglePackageName),
		GooglePushToken: s.Webhook.GooglePushToken,
		Auth:            jwt.Middleware(tokens),
		Logger:          log,
	}
	if stripeVerifier != nil {
		opts.PaymentLinks = stripeVerifier
		opts.StripeDecoder = reconciler.NewStripeDecoder(stripeVerifier)
	}
	if s.Webhook.AppleRootCertFile != "" {
		roots, err := reconciler.LoadRootPool(s.Webhook.AppleRootCertFile)
		if err != nil {
			return err
		}
		opts.AppleDecoder = reconciler.NewAppleDecoder(roots, s.Webhook.AppleBundleID)
	} else {
		log.WarnContext(ctx, "apple root certificate not configured, apple webhooks disabled", logger.Component("serve"))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestid.Middleware, clientip.Middleware, m.Middleware)
	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(log, pg.Healthcheck(pool), redis.Healthcheck(rdb)))
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Mount("/", billing.Router(opts))

	srv := httpserver.NewFromConfig(s.HTTP, httpserver.WithLogger(log))

	log.InfoContext(ctx, "entitlementd starting", slog.String("addr", s.HTTP.Addr), slog.String("version", version))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Run(ctx, r))
	g.Go(worker.Run(ctx))
	g.Go(scheduler.Run(ctx))
	return g.Wait()
}

// newVerifiers builds one verifier per configured platform. Stripe is
// returned separately because it also signs webhooks and payment links.
func newVerifiers(ctx context.Context, s settings, log *slog.Logger, m *metrics.Metrics) (verifier.Set, *verifier.StripeVerifier, error) {
	opts := []verifier.Option{
		verifier.WithConfig(s.Verifier),
		verifier.WithLogger(log),
		verifier.WithRecorder(m),
	}

	set := verifier.Set{
		entitlement.SourceApple: verifier.NewAppleVerifier(s.Apple, opts...),
	}

	google, err := verifier.NewGoogleVerifier(ctx, s.Google, opts...)
	switch {
	case err == nil:
		set[entitlement.SourceGoogle] = google
	case s.Google.CredentialsFile != "":
		return nil, nil, err
	default:
		// No service account file and no application default credentials.
		log.WarnContext(ctx, "google play verification disabled", logger.Error(err), logger.Component("serve"))
	}

	var stripe *verifier.StripeVerifier
	if s.Stripe.WebhookSecret != "" || s.Stripe.PaymentLinkURL != "" {
		stripe = verifier.NewStripeVerifier(s.Stripe, opts...)
		set[entitlement.SourceStripe] = stripe
	} else {
		log.WarnContext(ctx, "stripe not configured, credit top-ups disabled", logger.Component("serve"))
	}
	return set, stripe, nil
}
