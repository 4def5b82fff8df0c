package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
)

// Config holds the configuration shared by the scheduler, worker, reaper and migrate commands
type Config struct {
	DatabaseURL    string
	RedisURL       string
	Queue          QueueConfig
	Gateway        GatewayConfig
	Worker         WorkerConfig
	Scheduler      SchedulerConfig
	MarketCap      MarketCapConfig
	RPCURL         string
	MetricsPort    string
	MetricsAPIKey  string
	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// QueueConfig holds dispatch queue configuration
type QueueConfig struct {
	Backend            string
	Name               string
	SQSQueueURL        string
	SQSWaitTimeSeconds int32
	Lease              time.Duration
	ReaperInterval     time.Duration
}

// GatewayConfig holds trade execution gateway configuration
type GatewayConfig struct {
	URL        string
	UserHeader string
	Timeout    time.Duration
}

// WorkerConfig holds the job lifecycle settings
type WorkerConfig struct {
	Concurrency      int
	PollInterval     time.Duration
	PollTimeout      time.Duration
	RetryDelay       time.Duration
	AbandonThreshold int
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// MarketCapConfig holds limit order market cap lookup settings
type MarketCapConfig struct {
	CoinGeckoURL    string
	CoinGeckoAPIKey string
	RateLimitPerMin int
	CacheBackend    string
	CacheTTL        time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// Role selects which settings are mandatory
type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleReaper    Role = "reaper"
	RoleMigrate   Role = "migrate"
)

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	databaseURL, err := GetEnvDatabaseURL()
	if err != nil {
		return nil, err
	}

	redisURL, err := GetEnvRedisURL()
	if err != nil {
		return nil, err
	}

	queueBackend, err := GetEnvQueueBackend()
	if err != nil {
		return nil, err
	}

	sqsQueueURL, err := GetEnvSQSQueueURL()
	if err != nil {
		return nil, err
	}

	sqsWait, err := GetEnvSQSWaitTimeSeconds()
	if err != nil {
		return nil, err
	}

	queueLease, err := getEnvDuration("QUEUE_LEASE", DefaultQueueLease)
	if err != nil {
		return nil, err
	}

	reaperInterval, err := getEnvDuration("REAPER_INTERVAL", DefaultReaperInterval)
	if err != nil {
		return nil, err
	}

	gatewayURL, err := GetEnvGatewayURL()
	if err != nil {
		return nil, err
	}

	gatewayTimeout, err := getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout)
	if err != nil {
		return nil, err
	}

	concurrency, err := GetEnvWorkerConcurrency()
	if err != nil {
		return nil, err
	}

	pollInterval, err := getEnvDuration("POLL_INTERVAL", DefaultPollInterval)
	if err != nil {
		return nil, err
	}

	pollTimeout, err := getEnvDuration("POLL_TIMEOUT", DefaultPollTimeout)
	if err != nil {
		return nil, err
	}

	retryDelay, err := getEnvDuration("RETRY_DELAY", DefaultRetryDelay)
	if err != nil {
		return nil, err
	}

	abandonThreshold, err := GetEnvAbandonThreshold()
	if err != nil {
		return nil, err
	}

	schedulerInterval, err := getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval)
	if err != nil {
		return nil, err
	}

	schedulerLockTTL, err := getEnvDuration("SCHEDULER_LOCK_TTL", DefaultSchedulerLockTTL)
	if err != nil {
		return nil, err
	}

	coingeckoURL, err := GetEnvCoinGeckoURL()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvCoinGeckoRateLimit()
	if err != nil {
		return nil, err
	}

	cacheBackend, err := GetEnvMarketCapCache()
	if err != nil {
		return nil, err
	}

	cacheTTL, err := getEnvDuration("MARKET_CAP_CACHE_TTL", DefaultMarketCapCacheTTL)
	if err != nil {
		return nil, err
	}

	rpcURL, err := GetEnvRPCURL()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabaseURL: databaseURL,
		RedisURL:    redisURL,
		Queue: QueueConfig{
			Backend:            queueBackend,
			Name:               GetEnvQueueName(),
			SQSQueueURL:        sqsQueueURL,
			SQSWaitTimeSeconds: sqsWait,
			Lease:              queueLease,
			ReaperInterval:     reaperInterval,
		},
		Gateway: GatewayConfig{
			URL:        gatewayURL,
			UserHeader: GetEnvGatewayUserHeader(),
			Timeout:    gatewayTimeout,
		},
		Worker: WorkerConfig{
			Concurrency:      concurrency,
			PollInterval:     pollInterval,
			PollTimeout:      pollTimeout,
			RetryDelay:       retryDelay,
			AbandonThreshold: abandonThreshold,
		},
		Scheduler: SchedulerConfig{
			Interval: schedulerInterval,
			LockTTL:  schedulerLockTTL,
		},
		MarketCap: MarketCapConfig{
			CoinGeckoURL:    coingeckoURL,
			CoinGeckoAPIKey: os.Getenv("COINGECKO_API_KEY"),
			RateLimitPerMin: rateLimit,
			CacheBackend:    cacheBackend,
			CacheTTL:        cacheTTL,
		},
		RPCURL:        rpcURL,
		MetricsPort:   metricsPort,
		MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}, nil
}

// Validate checks that the settings required by the given role are present
func (c *Config) Validate(role Role) error {
	if c.DatabaseURL == "" && role != RoleReaper {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if role == RoleMigrate {
		return nil
	}
	if c.Queue.Backend == QueueBackendSQS && c.Queue.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL environment variable is required when QUEUE_BACKEND is 'sqs'")
	}
	if role == RoleReaper && c.Queue.Backend != QueueBackendRedis {
		return fmt.Errorf("the reaper only applies to the redis queue backend")
	}
	if role == RoleWorker {
		if c.Worker.PollInterval <= 0 {
			return fmt.Errorf("POLL_INTERVAL must be greater than 0")
		}
		if c.Worker.PollTimeout < c.Worker.PollInterval {
			return fmt.Errorf("POLL_TIMEOUT must not be shorter than POLL_INTERVAL")
		}
		// a delivery must not be redelivered while its job can still be polling
		if c.Queue.Lease <= c.Worker.PollTimeout {
			return fmt.Errorf("QUEUE_LEASE must be longer than POLL_TIMEOUT")
		}
		if c.Queue.Backend == QueueBackendSQS && c.Queue.Lease > MaxSQSVisibilityTimeout {
			return fmt.Errorf("QUEUE_LEASE must not exceed %v on the sqs backend", MaxSQSVisibilityTimeout)
		}
	}
	if role == RoleScheduler && c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("SCHEDULER_LOCK_TTL must be greater than 0")
	}
	return nil
}
