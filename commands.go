package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/dcarunner/pkg/analytics"
	"github.com/speedrun-hq/dcarunner/pkg/chainclient"
	"github.com/speedrun-hq/dcarunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/dcarunner/pkg/config"
	"github.com/speedrun-hq/dcarunner/pkg/gateway"
	"github.com/speedrun-hq/dcarunner/pkg/health"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/marketcap"
	"github.com/speedrun-hq/dcarunner/pkg/queue"
	"github.com/speedrun-hq/dcarunner/pkg/scheduler"
	"github.com/speedrun-hq/dcarunner/pkg/store/postgres"
	"github.com/speedrun-hq/dcarunner/pkg/worker"
)

var commands = map[config.Role]func(ctx context.Context, cfg *config.Config) error{
	config.RoleScheduler: runScheduler,
	config.RoleWorker:    runWorker,
	config.RoleReaper:    runReaper,
	config.RoleMigrate:   runMigrate,
}

func newLogger(cfg *config.Config, component string) *logger.StdLogger {
	return logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level).WithComponent(component)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// needsRedis reports whether any component of the role is backed by Redis
func needsRedis(cfg *config.Config, role config.Role) bool {
	if cfg.Queue.Backend == config.QueueBackendRedis {
		return true
	}
	return role == config.RoleScheduler && cfg.MarketCap.CacheBackend == config.CacheBackendRedis
}

func openQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client, log logger.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return queue.NewSQS(awsCfg, queue.SQSConfig{
			QueueURL:          cfg.Queue.SQSQueueURL,
			WaitTimeSeconds:   cfg.Queue.SQSWaitTimeSeconds,
			VisibilityTimeout: cfg.Queue.Lease,
		}, log)
	case config.QueueBackendRedis:
		return queue.NewRedis(rdb, queue.RedisConfig{
			Name:  cfg.Queue.Name,
			Lease: cfg.Queue.Lease,
		}, log), nil
	}
	return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
}

// openStore connects to Postgres and makes sure the schema is current
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (*pgxpool.Pool, *postgres.Store, error) {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, postgres.New(pool), nil
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg, "migrate")
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return postgres.Migrate(ctx, pool, log)
}

func runScheduler(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg, "scheduler")

	pool, st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if needsRedis(cfg, config.RoleScheduler) {
		if rdb, err = connectRedis(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}

	q, err := openQueue(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	defer q.Close()

	var cache marketcap.Cache = marketcap.NewMemoryCache(cfg.MarketCap.CacheTTL)
	if cfg.MarketCap.CacheBackend == config.CacheBackendRedis && rdb != nil {
		cache = marketcap.NewRedisCache(rdb, cfg.MarketCap.CacheTTL)
	}
	provider := marketcap.NewCached(marketcap.NewCoinGecko(marketcap.ClientConfig{
		APIKey:          cfg.MarketCap.CoinGeckoAPIKey,
		BaseURL:         cfg.MarketCap.CoinGeckoURL,
		RateLimitPerMin: cfg.MarketCap.RateLimitPerMin,
		Logger:          log,
	}), cache, log)

	opts := []scheduler.Option{scheduler.WithMarketCap(provider)}
	if tracker, ok := q.(queue.Tracker); ok {
		opts = append(opts, scheduler.WithTracker(tracker))
	}
	if rdb != nil {
		opts = append(opts, scheduler.WithLocker(redislock.New(rdb)))
	}

	sched := scheduler.New(st, st, q, scheduler.Config{
		Interval: cfg.Scheduler.Interval,
		LockTTL:  cfg.Scheduler.LockTTL,
		LockKey:  cfg.Queue.Name + ":scheduler",
	}, log, opts...)

	if cfg.Scheduler.Interval > 0 {
		server := health.NewServer(cfg.MetricsPort, string(config.RoleScheduler), cfg.MetricsAPIKey, log)
		server.AddCheck("database", st)
		server.AddCheck("queue", q)
		server.SetQueue(q)
		go server.Start(ctx)
	}

	return sched.Run(ctx)
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg, "worker")

	pool, st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if needsRedis(cfg, config.RoleWorker) {
		if rdb, err = connectRedis(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}

	q, err := openQueue(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	defer q.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Enabled:   cfg.CircuitBreaker.Enabled,
		Threshold: cfg.CircuitBreaker.Threshold,
		Window:    cfg.CircuitBreaker.WindowDuration,
		Cooldown:  cfg.CircuitBreaker.ResetTimeout,
	}, log)
	gw := gateway.New(cfg.Gateway.URL, cfg.Gateway.UserHeader, cfg.Gateway.Timeout, breaker, log)

	server := health.NewServer(cfg.MetricsPort, string(config.RoleWorker), cfg.MetricsAPIKey, log)
	server.AddCheck("database", st)
	server.AddCheck("queue", q)
	server.SetQueue(q)
	server.SetBreaker(gw.Breaker())

	opts := []worker.Option{worker.WithAnalytics(analytics.NewPostgres(pool, log))}
	if cfg.RPCURL != "" {
		chain, err := chainclient.New(ctx, cfg.RPCURL)
		if err != nil {
			log.Error("Chain client unavailable, gas metrics disabled: %v", err)
		} else {
			defer chain.Close()
			opts = append(opts, worker.WithGasReader(chain))
			server.SetChain(chain)
		}
	}

	go server.Start(ctx)

	processor := worker.NewProcessor(st, st, gw, worker.Config{
		PollInterval:     cfg.Worker.PollInterval,
		PollTimeout:      cfg.Worker.PollTimeout,
		RetryDelay:       cfg.Worker.RetryDelay,
		AbandonThreshold: cfg.Worker.AbandonThreshold,
	}, log, opts...)

	return worker.NewPool(q, processor, cfg.Worker.Concurrency, log).Run(ctx)
}

func runReaper(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg, "reaper")

	rdb, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q := queue.NewRedis(rdb, queue.RedisConfig{Name: cfg.Queue.Name, Lease: cfg.Queue.Lease}, log)

	server := health.NewServer(cfg.MetricsPort, string(config.RoleReaper), cfg.MetricsAPIKey, log)
	server.AddCheck("queue", q)
	server.SetQueue(q)
	go server.Start(ctx)

	return queue.NewReaper(q, cfg.Queue.ReaperInterval, log).Run(ctx)
}
