package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nandezu/entitlements/pkg/clientip"
	"github.com/nandezu/entitlements/pkg/config"
	"github.com/nandezu/entitlements/pkg/httpserver"
	"github.com/nandezu/entitlements/pkg/jwt"
	"github.com/nandezu/entitlements/pkg/logger"
	"github.com/nandezu/entitlements/pkg/pg"
	"github.com/nandezu/entitlements/pkg/queue"
	"github.com/nandezu/entitlements/pkg/redis"
	"github.com/nandezu/entitlements/pkg/requestid"
	"github.com/nandezu/entitlements/svc/entitlement"
	"github.com/nandezu/entitlements/svc/entitlement/pgstore"
	"github.com/nandezu/entitlements/svc/reconciler"
	"github.com/nandezu/entitlements/svc/verifier"
)

// settings groups every environment section the binary reads.
type settings struct {
	Log         logger.Config
	PG          pg.Config
	Redis       redis.Config
	HTTP        httpserver.Config
	Queue       queue.Config
	JWT         jwt.Config
	Entitlement entitlement.Config
	Verifier    verifier.Config
	Apple       verifier.AppleConfig
	Google      verifier.GoogleConfig
	Stripe      verifier.StripeConfig
	Webhook     reconciler.Config
}

// loadDB reads only what the database commands need.
func loadDB() (settings, error) {
	var s settings
	err := errors.Join(
		config.Load(&s.Log),
		config.Load(&s.PG),
		config.Load(&s.Entitlement),
	)
	return s, err
}

func loadAll() (settings, error) {
	s, err := loadDB()
	if err != nil {
		return s, err
	}
	err = errors.Join(
		config.Load(&s.Redis),
		config.Load(&s.HTTP),
		config.Load(&s.Queue),
		config.Load(&s.JWT),
		config.Load(&s.Verifier),
		config.Load(&s.Apple),
		config.Load(&s.Google),
		config.Load(&s.Stripe),
		config.Load(&s.Webhook),
	)
	return s, err
}

func newLogger(cfg logger.Config) *slog.Logger {
	opts := logger.FromConfig(cfg)
	opts = append(opts, logger.WithContextExtractors(requestid.LogExtractor, clientip.LogExtractor, jwt.LogExtractor))
	return logger.New(opts...)
}

// newEntitlements builds the Postgres backed service and meter.
func newEntitlements(s settings, pool *pgxpool.Pool, log *slog.Logger, rec entitlement.Recorder) (*entitlement.Service, *entitlement.Meter, error) {
	products, err := entitlement.LoadProductMapping(s.Entitlement.ProductsFile)
	if err != nil {
		return nil, nil, err
	}
	opts := append(entitlement.FromConfig(s.Entitlement), entitlement.WithLogger(log))
	if rec != nil {
		opts = append(opts, entitlement.WithRecorder(rec))
	}
	store := pgstore.New(pool)
	return entitlement.NewService(store, products, opts...), entitlement.NewMeter(store, opts...), nil
}

func connectDB(ctx context.Context, s settings, log *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pg.Connect(ctx, s.PG)
	if err != nil {
		log.ErrorContext(ctx, "postgres connection failed", logger.Error(err), logger.Component("pg"))
		return nil, err
	}
	return pool, nil
}
