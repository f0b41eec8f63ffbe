// Command escrowd runs the escrow saga workers: the step executor and the
// recovery sweeper.
//
// Configuration is read from ESCROW_* environment variables; see package config.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rbaliyan/escrow/config"
	"github.com/rbaliyan/escrow/escrow"
	"github.com/rbaliyan/escrow/queue"
	"github.com/rbaliyan/escrow/ratelimit"
	"github.com/rbaliyan/escrow/saga"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// closer releases one resource on shutdown.
type closer func(ctx context.Context) error

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				logger.Warn("shutdown step failed", "error", err)
			}
		}
	}()

	shutdownTracing, err := setupTracing(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	closers = append(closers, shutdownTracing)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	jobs, locker, publisher, err := openTransport(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}

	registry := saga.NewRegistry()
	if err := escrow.Register(registry, escrow.Services{
		Balances: escrow.NewMemoryLedger(),
		Chain:    escrow.NewMemoryChain(cfg.ChainNetwork),
		Notifier: escrow.NewMemoryNotifier(logger),
		Assets:   assetLimits(cfg.Assets),
	}); err != nil {
		return fmt.Errorf("register sagas: %w", err)
	}

	orch, err := saga.NewOrchestrator(registry, store, jobs,
		saga.WithLogger(logger),
		saga.WithLocker(locker),
		saga.WithPublisher(publisher),
		saga.WithMetrics(saga.NewMetricsRecorder(cfg.MetricsNamespace)),
		saga.WithMaxRetries(cfg.MaxRetries),
		saga.WithDefaultTTL(cfg.TransactionTTL),
		saga.WithDefaultStepTimeout(cfg.StepTimeout),
		saga.WithLease(cfg.LeaseTTL, cfg.LeaseWait),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	limiter, err := dispatchLimiter(cfg)
	if err != nil {
		return err
	}

	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	exec := saga.NewExecutor(orch,
		saga.WithWorkers(cfg.Workers),
		saga.WithConsumerName(consumer),
		saga.WithLimiter(limiter),
	)
	sweeper := saga.NewSweeper(orch,
		saga.WithSchedule(cfg.SweepSchedule),
		saga.WithStaleAfter(cfg.SweepStaleAfter),
		saga.WithRetention(cfg.Retention),
	)

	reportHealth(ctx, logger, map[string]any{"store": store, "queue": jobs, "limiter": limiter})
	logger.Info("escrowd started",
		"store", cfg.Store,
		"redis", rdb != nil,
		"workers", cfg.Workers,
		"consumer", consumer,
		"types", registry.Types())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	err = g.Wait()
	logger.Info("escrowd stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (saga.Store, closer, error) {
	nop := func(context.Context) error { return nil }

	switch strings.ToLower(cfg.Store) {
	case config.StoreMemory:
		return saga.NewMemoryStore(), nop, nil

	case config.StoreSQLite:
		store, err := saga.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store := saga.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, func(context.Context) error { return db.Close() }, nil

	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		store := saga.NewMongoStore(client.Database(cfg.MongoDB))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return store, client.Disconnect, nil

	case config.StoreRedis:
		return saga.NewRedisStore(rdb).WithKeyPrefix(cfg.RedisPrefix), nop, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// openTransport picks the queue, locker and publisher. Redis backs all three
// when configured, so several escrowd processes can share the work.
func openTransport(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (queue.Queue, saga.Locker, saga.Publisher, error) {
	qopts := []queue.Option{
		queue.WithMaxDeliveries(cfg.MaxDeliveries),
		queue.WithLogger(logger),
	}
	if rdb == nil {
		logger.Warn("no redis configured, jobs are kept in memory")
		return queue.NewMemoryQueue(qopts...), saga.NewMemoryLocker(), saga.NopPublisher{}, nil
	}

	jobs := queue.NewRedisQueue(rdb, cfg.QueueStream, cfg.QueueGroup, qopts...)
	if err := jobs.EnsureGroup(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("create consumer group: %w", err)
	}
	locker := saga.NewRedisLocker(rdb).WithKeyPrefix(cfg.RedisPrefix + "lease:")
	publisher := saga.NewRedisPublisher(rdb).WithChannel(cfg.RedisPrefix + "events")
	return jobs, locker, publisher, nil
}

func dispatchLimiter(cfg config.Config) (*ratelimit.MetricsLimiter, error) {
	metrics, err := ratelimit.NewMetrics(ratelimit.WithMetricsNamespace(cfg.MetricsNamespace))
	if err != nil {
		return nil, fmt.Errorf("create limiter metrics: %w", err)
	}
	bucket := ratelimit.NewTokenBucket("dispatch", cfg.DispatchRate, cfg.DispatchBurst)
	return ratelimit.NewMetricsLimiter(bucket, "dispatch", metrics), nil
}

// assetLimits accepts every configured asset without amount bounds. No
// assets configured accepts everything.
func assetLimits(assets []string) map[string]escrow.Limits {
	if len(assets) == 0 {
		return nil
	}
	out := make(map[string]escrow.Limits, len(assets))
	for _, a := range assets {
		if a = strings.TrimSpace(a); a != "" {
			out[strings.ToUpper(a)] = escrow.Limits{Min: 1}
		}
	}
	return out
}

func reportHealth(ctx context.Context, logger *slog.Logger, components map[string]any) {
	for name, c := range components {
		checker, ok := c.(health.Checker)
		if !ok {
			continue
		}
		res := checker.Health(ctx)
		logger.Info("component health",
			"component", name,
			"status", res.Status,
			"message", res.Message)
	}
}
