// Package main запускает HTTP-сервер и фоновые процессы сервиса резервирования.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stockreserve/internal/commission"
	"github.com/mmeshcher/stockreserve/internal/config"
	"github.com/mmeshcher/stockreserve/internal/dedup"
	"github.com/mmeshcher/stockreserve/internal/handler"
	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/metrics"
	"github.com/mmeshcher/stockreserve/internal/middleware"
	"github.com/mmeshcher/stockreserve/internal/observability"
	"github.com/mmeshcher/stockreserve/internal/outbox"
	"github.com/mmeshcher/stockreserve/internal/payment"
	"github.com/mmeshcher/stockreserve/internal/pricing"
	"github.com/mmeshcher/stockreserve/internal/repository"
	"github.com/mmeshcher/stockreserve/internal/storage/memory"
	"github.com/mmeshcher/stockreserve/internal/sweeper"
)

var buildVersion = "dev"

const outboxBatch = 100

// storage объединяет хранилище заказов и источник outbox.
type storage interface {
	ledger.Store
	outbox.Source
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("application terminated with error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func seedMemory(ctx context.Context, mem *memory.Store, path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	res, err := mem.Load(ctx, f)
	if err != nil {
		return fmt.Errorf("seed in-memory store: %w", err)
	}
	logger.Info("in-memory store seeded",
		zap.String("file", path),
		zap.Int("products", res.Products),
		zap.Int("units", res.Units),
		zap.Int("buyers", res.Buyers),
		zap.Int("coupons", res.Coupons))
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, buildVersion)
	if err != nil {
		return fmt.Errorf("tracing initialization: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var (
		store  storage
		checks []func(ctx context.Context) error
	)
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
		if err != nil {
			return fmt.Errorf("database initialization: %w", err)
		}
		defer repo.Close()
		store = repo
		checks = append(checks, repo.Ping)
	} else {
		logger.Warn("DATABASE_URI is empty, orders are kept in memory")
		mem := memory.New()
		if cfg.SeedFile != "" {
			if err := seedMemory(ctx, mem, cfg.SeedFile, logger); err != nil {
				return err
			}
		}
		store = mem
	}

	tiers, err := cfg.Tiers()
	if err != nil {
		return err
	}

	m := metrics.New("stockreserve")
	l := ledger.New(store, pricing.NewEngine(tiers), commission.New(cfg.ReferralPercent),
		ledger.Settings{HoldTTL: cfg.HoldTTL, SweepBatch: cfg.SweepBatch},
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
	)

	var publisher outbox.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	} else {
		logger.Info("kafka brokers are not configured, order events go to the log")
		publisher = outbox.NewLogPublisher(logger)
	}
	relay := outbox.NewRelay(store, publisher, cfg.OutboxInterval, outboxBatch, logger, m)

	sw := sweeper.New(l, cfg.SweepInterval, logger,
		sweeper.WithNotifier(relay),
		sweeper.WithMetrics(m),
	)

	opts := []handler.Option{
		handler.WithMetrics(m.Handler()),
		handler.WithWebhookSecret(cfg.PaymentWebhookSecret),
	}
	if cfg.RedisAddress != "" {
		rd := dedup.NewRedis(cfg.RedisAddress, cfg.DedupTTL)
		defer rd.Close()
		if err := rd.Ping(ctx); err != nil {
			logger.Warn("redis is unreachable, webhook deduplication degraded", zap.Error(err))
		}
		opts = append(opts, handler.WithDeduper(rd))
		checks = append(checks, rd.Ping)
	}
	opts = append(opts, handler.WithHealthCheck(func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}))

	auth := middleware.NewBuyerAuth(cfg.AuthSecret)
	h := handler.NewHandler(l, pricing.NewEngine(tiers), logger, auth, opts...)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sw.Run(ctx)
	})

	g.Go(func() error {
		return relay.Run(ctx)
	})

	if cfg.PaymentStatusAddress != "" {
		rec := payment.NewReconciler(l, payment.NewClient(cfg.PaymentStatusAddress), cfg.PaymentPollPeriod, cfg.SweepBatch, logger)
		g.Go(func() error {
			return rec.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting stockreserve server",
			zap.String("addr", cfg.RunAddress),
			zap.Duration("holdTTL", cfg.HoldTTL),
			zap.String("version", buildVersion))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Остановка сервера при сигнале или ошибке в другой горутине
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
