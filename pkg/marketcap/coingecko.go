package marketcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/retry"
	"golang.org/x/time/rate"
)

var _ Provider = (*CoinGecko)(nil)

// ClientConfig holds configuration for the CoinGecko client.
type ClientConfig struct {
	// APIKey is an optional CoinGecko Pro key.
	APIKey string

	// BaseURL defaults to the public v3 API.
	BaseURL string

	Timeout time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RateLimitPerMin is the request budget per minute.
	RateLimitPerMin int

	Logger     logger.Logger
	HTTPClient *http.Client
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		BaseURL:         "https://api.coingecko.com/api/v3",
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		RateLimitPerMin: 25,
		Logger:          &logger.EmptyLogger{},
	}
}

func applyDefaults(config *ClientConfig, defaults ClientConfig) {
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RateLimitPerMin == 0 {
		config.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
}

// CoinGecko reads token market caps from the simple/token_price endpoint
type CoinGecko struct {
	config      ClientConfig
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryConfig retry.Config
	logger      logger.Logger
}

// NewCoinGecko creates a new CoinGecko client
func NewCoinGecko(config ClientConfig) *CoinGecko {
	applyDefaults(&config, ClientConfigDefaults())
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	rps := float64(config.RateLimitPerMin) / 60.0

	return &CoinGecko{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retryConfig: retry.Config{
			MaxRetries:     config.MaxRetries,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			BackoffFactor:  2.0,
		},
		logger: config.Logger,
	}
}

type tokenPrice struct {
	USD          decimal.Decimal `json:"usd"`
	USDMarketCap decimal.Decimal `json:"usd_market_cap"`
}

// MarketCap returns the USD market cap of an Ethereum mainnet token
func (c *CoinGecko) MarketCap(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	address := strings.ToLower(tokenAddress)
	params := url.Values{
		"contract_addresses": {address},
		"vs_currencies":      {"usd"},
		"include_market_cap": {"true"},
	}
	endpoint := fmt.Sprintf("%s/simple/token_price/ethereum?%s", c.config.BaseURL, params.Encode())

	isRetryable := func(err error) bool {
		var nonRetryable *nonRetryableError
		return !errors.As(err, &nonRetryable)
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Debug("CoinGecko request failed (attempt %d/%d), retrying in %v: %v",
			attempt, c.retryConfig.MaxRetries, backoff, err)
	}

	response, err := retry.Do(ctx, c.retryConfig, isRetryable, onRetry, func() (map[string]tokenPrice, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &nonRetryableError{err: fmt.Errorf("rate limiter: %w", err)}
		}
		return c.doSingleRequest(ctx, endpoint)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch market cap for %s: %w", tokenAddress, err)
	}

	price, ok := response[address]
	if !ok || !price.USDMarketCap.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, tokenAddress)
	}

	return price.USDMarketCap, nil
}

func (c *CoinGecko) doSingleRequest(ctx context.Context, endpoint string) (map[string]tokenPrice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &nonRetryableError{err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("Failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limited (HTTP 429)")
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &nonRetryableError{err: fmt.Errorf("client error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var result map[string]tokenPrice
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &nonRetryableError{err: fmt.Errorf("parsing response: %w", err)}
	}

	return result, nil
}

// nonRetryableError wraps errors that should not be retried.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}
