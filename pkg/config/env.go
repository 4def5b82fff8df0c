package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/logger"
)

const (
	// DefaultRedisURL defines the default Redis connection URL
	DefaultRedisURL = "redis://localhost:6379/0"

	// DefaultQueueBackend defines the default dispatch queue implementation
	DefaultQueueBackend = QueueBackendRedis

	// DefaultQueueName defines the default dispatch queue name, used as the Redis key prefix
	DefaultQueueName = "dca-orders"

	// DefaultSQSWaitTimeSeconds defines the default SQS long polling wait
	DefaultSQSWaitTimeSeconds = 20

	// DefaultQueueLease defines how long a dequeued job may stay unacknowledged before redelivery
	DefaultQueueLease = 15 * time.Minute

	// MaxSQSVisibilityTimeout is the longest visibility timeout SQS accepts
	MaxSQSVisibilityTimeout = 12 * time.Hour

	// DefaultReaperInterval defines how often expired processing leases are requeued
	DefaultReaperInterval = time.Minute

	// DefaultGatewayURL defines the default trade execution gateway base URL
	DefaultGatewayURL = "http://localhost:3000/api"

	// DefaultGatewayUserHeader defines the header carrying the order owner's user id
	DefaultGatewayUserHeader = "genesis-bot-user-id"

	// DefaultGatewayTimeout defines the default per request timeout for the gateway
	DefaultGatewayTimeout = 30 * time.Second

	// DefaultWorkerConcurrency defines the default number of in-flight jobs per worker process
	DefaultWorkerConcurrency = 50

	// DefaultPollInterval defines the interval between two job status polls
	DefaultPollInterval = 2 * time.Second

	// DefaultPollTimeout defines the overall deadline for a job to reach a terminal state
	DefaultPollTimeout = 10 * time.Minute

	// DefaultRetryDelay defines how far nextUpdateAt is pushed back after a failed installment
	DefaultRetryDelay = 12 * time.Minute

	// DefaultAbandonThreshold defines the number of consecutive failures that abandons an order
	DefaultAbandonThreshold = 5

	// DefaultSchedulerInterval of zero runs a single sweep and exits
	DefaultSchedulerInterval = time.Duration(0)

	// DefaultSchedulerLockTTL defines the TTL of the single active scheduler lock
	DefaultSchedulerLockTTL = 5 * time.Minute

	// DefaultCoinGeckoURL defines the market cap source
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

	// DefaultCoinGeckoRateLimit defines the CoinGecko request budget per minute
	DefaultCoinGeckoRateLimit = 25

	// DefaultMarketCapCacheTTL defines how long market caps are cached
	DefaultMarketCapCacheTTL = 5 * time.Minute

	// DefaultMarketCapCache defines the default market cap cache implementation
	DefaultMarketCapCache = CacheBackendRedis

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15

	// DefaultLogLevel defines the default log level
	DefaultLogLevel = logger.InfoLevel

	// DefaultLogColoring defines whether log prefixes are colored
	DefaultLogColoring = true
)

const (
	QueueBackendRedis = "redis"
	QueueBackendSQS   = "sqs"

	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// GetEnvDatabaseURL returns the Postgres connection string
func GetEnvDatabaseURL() (string, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return "", nil
	}
	if _, err := url.Parse(dsn); err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL value, must be a valid connection URL")
	}
	return dsn, nil
}

// GetEnvRedisURL returns the Redis connection URL
func GetEnvRedisURL() (string, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return DefaultRedisURL, nil
	}
	u, err := url.Parse(redisURL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return "", fmt.Errorf("invalid REDIS_URL value: %s, must be a redis:// or rediss:// URL", redisURL)
	}
	return redisURL, nil
}

// GetEnvQueueBackend returns the dispatch queue implementation
func GetEnvQueueBackend() (string, error) {
	backend := os.Getenv("QUEUE_BACKEND")
	if backend == "" {
		return DefaultQueueBackend, nil
	}
	if backend != QueueBackendRedis && backend != QueueBackendSQS {
		return "", fmt.Errorf("invalid QUEUE_BACKEND value: %s, must be 'redis' or 'sqs'", backend)
	}
	return backend, nil
}

// GetEnvQueueName returns the dispatch queue name
func GetEnvQueueName() string {
	name := os.Getenv("QUEUE_NAME")
	if name == "" {
		return DefaultQueueName
	}
	return name
}

// GetEnvSQSQueueURL returns the SQS queue URL
func GetEnvSQSQueueURL() (string, error) {
	queueURL := os.Getenv("SQS_QUEUE_URL")
	if queueURL == "" {
		return "", nil
	}
	if _, err := url.ParseRequestURI(queueURL); err != nil {
		return "", fmt.Errorf("invalid SQS_QUEUE_URL value: %s, must be a valid URL", queueURL)
	}
	return queueURL, nil
}

// GetEnvSQSWaitTimeSeconds returns the SQS long polling wait
func GetEnvSQSWaitTimeSeconds() (int32, error) {
	wait := os.Getenv("SQS_WAIT_TIME_SECONDS")
	if wait == "" {
		return DefaultSQSWaitTimeSeconds, nil
	}
	seconds, err := strconv.Atoi(wait)
	if err != nil {
		return 0, fmt.Errorf("invalid SQS_WAIT_TIME_SECONDS value: %s, must be an integer", wait)
	}
	if seconds < 0 || seconds > 20 {
		return 0, fmt.Errorf("SQS_WAIT_TIME_SECONDS must be between 0 and 20")
	}
	return int32(seconds), nil
}

// GetEnvGatewayURL returns the trade execution gateway base URL
func GetEnvGatewayURL() (string, error) {
	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		return DefaultGatewayURL, nil
	}
	if _, err := url.ParseRequestURI(gatewayURL); err != nil {
		return "", fmt.Errorf("invalid GATEWAY_URL value: %s, must be a valid URL", gatewayURL)
	}
	return gatewayURL, nil
}

// GetEnvGatewayUserHeader returns the header name carrying the user id
func GetEnvGatewayUserHeader() string {
	header := os.Getenv("GATEWAY_USER_HEADER")
	if header == "" {
		return DefaultGatewayUserHeader
	}
	return header
}

// GetEnvWorkerConcurrency returns the number of in-flight jobs per worker from environment variables
func GetEnvWorkerConcurrency() (int, error) {
	concurrency := os.Getenv("WORKER_CONCURRENCY")
	if concurrency == "" {
		return DefaultWorkerConcurrency, nil
	}

	count, err := strconv.Atoi(concurrency)
	if err != nil {
		return 0, fmt.Errorf("invalid WORKER_CONCURRENCY value: %s, must be an integer", concurrency)
	}
	if count <= 0 {
		return 0, fmt.Errorf("WORKER_CONCURRENCY must be greater than 0")
	}
	return count, nil
}

// GetEnvAbandonThreshold returns the number of consecutive failures that abandons an order
func GetEnvAbandonThreshold() (int, error) {
	threshold := os.Getenv("ABANDON_THRESHOLD")
	if threshold == "" {
		return DefaultAbandonThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid ABANDON_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("ABANDON_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvCoinGeckoRateLimit returns the CoinGecko request budget per minute
func GetEnvCoinGeckoRateLimit() (int, error) {
	limit := os.Getenv("COINGECKO_RATE_LIMIT")
	if limit == "" {
		return DefaultCoinGeckoRateLimit, nil
	}

	limitInt, err := strconv.Atoi(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid COINGECKO_RATE_LIMIT value: %s, must be an integer", limit)
	}
	if limitInt <= 0 {
		return 0, fmt.Errorf("COINGECKO_RATE_LIMIT must be greater than 0")
	}
	return limitInt, nil
}

// GetEnvCoinGeckoURL returns the CoinGecko API base URL
func GetEnvCoinGeckoURL() (string, error) {
	coingeckoURL := os.Getenv("COINGECKO_URL")
	if coingeckoURL == "" {
		return DefaultCoinGeckoURL, nil
	}
	if _, err := url.ParseRequestURI(coingeckoURL); err != nil {
		return "", fmt.Errorf("invalid COINGECKO_URL value: %s, must be a valid URL", coingeckoURL)
	}
	return coingeckoURL, nil
}

// GetEnvMarketCapCache returns the market cap cache implementation
func GetEnvMarketCapCache() (string, error) {
	backend := os.Getenv("MARKET_CAP_CACHE")
	if backend == "" {
		return DefaultMarketCapCache, nil
	}
	if backend != CacheBackendRedis && backend != CacheBackendMemory {
		return "", fmt.Errorf("invalid MARKET_CAP_CACHE value: %s, must be 'redis' or 'memory'", backend)
	}
	return backend, nil
}

// GetEnvRPCURL returns the optional Ethereum RPC URL
func GetEnvRPCURL() (string, error) {
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		return "", nil
	}
	if _, err := url.ParseRequestURI(rpcURL); err != nil {
		return "", fmt.Errorf("invalid RPC_URL value: %s, must be a valid URL", rpcURL)
	}
	return rpcURL, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultCircuitBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return DefaultLogLevel, nil
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return DefaultLogLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be 'debug', 'info', 'notice' or 'error'", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log coloring is enabled from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

// getEnvDuration parses a positive duration string such as "2s" or "12m"
func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", name)
	}
	return parsed, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}
