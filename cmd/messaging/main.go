package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/scheduled-messaging/internal/api"
	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/config"
	"github.com/LeventeLantos/scheduled-messaging/internal/inbound"
	"github.com/LeventeLantos/scheduled-messaging/internal/ledger"
	"github.com/LeventeLantos/scheduled-messaging/internal/logging"
	"github.com/LeventeLantos/scheduled-messaging/internal/metrics"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
	"github.com/LeventeLantos/scheduled-messaging/internal/scheduler"
	"github.com/LeventeLantos/scheduled-messaging/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	logger.Info("messaging app starting",
		zap.String("addr", cfg.Server.Address),
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.Int("batch", cfg.Scheduler.BatchSize),
		zap.Bool("postgres", cfg.Database.Enabled()),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("amqp", cfg.Inbound.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("messaging app stopped with error", zap.Error(err))
	}
	logger.Info("messaging app stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := metrics.NewEngine(reg)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.close()

	webhook := client.NewWebhookClient(cfg.Webhook.URL,
		client.WithTimeout(cfg.Webhook.Timeout),
		client.WithRateLimit(cfg.Webhook.RatePerSecond, cfg.Webhook.Burst),
	)

	dispatcher := service.NewDispatcher(st.messages, webhook, st.ledger, engineMetrics, logger)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		dispatcher.WithSentCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
	}

	engine := service.NewEngine(st.messages, dispatcher, engineMetrics, logger, service.EngineConfig{
		BatchSize:    cfg.Scheduler.BatchSize,
		PageSize:     cfg.Server.PageSize,
		RecoverEvery: cfg.Scheduler.RecoverEvery,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout,
	})

	sched, err := scheduler.New(cfg.Scheduler.Interval, engine.Tick, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(sched, engine, st.messages, st.ledger).
		WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).
		WithLogger(logger)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	sched.Start()

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Inbound.Enabled {
		consumer := inbound.NewConsumer(inbound.ConsumeOptions{
			URL:   cfg.Inbound.AMQPURL,
			Queue: cfg.Inbound.Queue,
		}, inbound.NewProcessor(engine, logger), logger)

		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// the scheduler waits for the in-flight tick, which finishes any
		// claimed message before returning
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type store struct {
	messages repo.MessageRepository
	ledger   ledger.Ledger
	close    func()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store, error) {
	if !cfg.Enabled() {
		zap.L().Warn("POSTGRES_URL not set, keeping messages and credits in memory")
		return &store{
			messages: repo.NewMemoryMessageRepo(),
			ledger:   ledger.NewMemoryLedger(),
			close:    func() {},
		}, nil
	}

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := repo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &store{
		messages: repo.NewPostgresMessageRepo(db),
		ledger:   ledger.NewPostgresLedger(db),
		close:    func() { _ = db.Close() },
	}, nil
}
