// Package gateway provides a client for the trade execution gateway that performs the on-chain swaps.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
	"github.com/speedrun-hq/dcarunner/pkg/models"
	"github.com/speedrun-hq/dcarunner/pkg/retry"
)

// Status is the state of a submitted gateway job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	statusError     Status = "ERROR"
)

// JobStatus is the result of polling a gateway job
type JobStatus struct {
	Status          Status `json:"status"`
	Message         string `json:"message,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Terminal reports whether the job reached success or failure
func (s JobStatus) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed
}

// Gateway is the execution collaborator used by the worker
type Gateway interface {
	// Submit asks the gateway to execute one installment and returns the job handle to poll
	Submit(ctx context.Context, job models.DispatchJob) (string, error)
	// Poll returns the current status of a submitted job
	Poll(ctx context.Context, handle string) (*JobStatus, error)
}

// Client is the HTTP implementation of Gateway
type Client struct {
	baseURL     string
	userHeader  string
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	retryConfig retry.Config
	logger      logger.Logger
}

var _ Gateway = (*Client)(nil)

// New creates a new gateway client. breaker may be nil.
func New(baseURL, userHeader string, timeout time.Duration, breaker *circuitbreaker.Breaker, log logger.Logger) *Client {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{}, log)
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userHeader:  userHeader,
		httpClient:  createHTTPClient(timeout),
		breaker:     breaker,
		retryConfig: retry.DefaultConfig(),
		logger:      log,
	}
}

// Breaker exposes the circuit breaker for the health server
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

type submitRequest struct {
	WalletOwnerAddress    string      `json:"walletOwnerAddress"`
	DepositedTokenAddress string      `json:"depositedTokenAddress"`
	DesiredTokenAddress   string      `json:"desiredTokenAddress"`
	DepositedTokenAmount  json.Number `json:"depositedTokenAmount"`
	IsNativeETH           bool        `json:"isNativeETH"`
	OrderID               string      `json:"orderId"`
}

type submitResponse struct {
	JobHandle string `json:"jobHandle"`
	JobID     string `json:"jobId"`
	Message   string `json:"message"`
}

func (r submitResponse) handle() string {
	if r.JobHandle != "" {
		return r.JobHandle
	}
	if r.JobID != "" {
		return r.JobID
	}
	return r.Message
}

// Submit posts the installment to /order/buy or /order/sell
func (c *Client) Submit(ctx context.Context, job models.DispatchJob) (string, error) {
	payload, err := json.Marshal(submitRequest{
		WalletOwnerAddress:    job.WalletOwnerAddress,
		DepositedTokenAddress: job.DepositedTokenAddress,
		DesiredTokenAddress:   job.DesiredTokenAddress,
		DepositedTokenAmount:  json.Number(job.DepositedTokenAmount.String()),
		IsNativeETH:           job.IsNativeETH,
		OrderID:               job.OrderID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+job.Side.Path(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.userHeader, job.UserID)

	statusCode, body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	decodeErr := json.Unmarshal(body, &resp)

	if statusCode >= 400 {
		message := resp.Message
		if decodeErr != nil || message == "" {
			message = strings.TrimSpace(string(body))
		}
		kind := Classify(message)
		if kind == KindExecution {
			kind = KindRejected
		}
		metrics.GatewayErrors.WithLabelValues(string(kind)).Inc()
		return "", &ExecutionError{Kind: kind, Message: message, Rejected: true, StatusCode: statusCode}
	}

	if decodeErr != nil {
		return "", transportError("failed to decode submit response", decodeErr)
	}

	handle := resp.handle()
	if handle == "" {
		return "", transportError("gateway returned an empty job handle", nil)
	}

	c.logger.DebugWithOrder(job.OrderID, "Submitted %s installment, job handle %s", job.Side, handle)
	return handle, nil
}

// Poll fetches the job status, retrying transient transport errors
func (c *Client) Poll(ctx context.Context, handle string) (*JobStatus, error) {
	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Debug("Polling job %s failed (attempt %d), retrying in %v: %v", handle, attempt, backoff, err)
	}

	return retry.Do(ctx, c.retryConfig, isTransient, onRetry, func() (*JobStatus, error) {
		return c.pollOnce(ctx, handle)
	})
}

func (c *Client) pollOnce(ctx context.Context, handle string) (*JobStatus, error) {
	endpoint := fmt.Sprintf("%s/order/job?%s", c.baseURL, url.Values{"id": {handle}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	statusCode, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	// A failed job is reported with a 400, so the body is decoded before the status code is considered
	var status JobStatus
	if err := json.Unmarshal(body, &status); err != nil || status.Status == "" {
		return nil, transportError(fmt.Sprintf("unexpected job status response (HTTP %d): %s", statusCode, strings.TrimSpace(string(body))), err)
	}

	switch status.Status {
	case StatusPending, StatusSucceeded, StatusFailed:
	case statusError:
		status.Status = StatusFailed
	default:
		return nil, transportError(fmt.Sprintf("unknown job status %q", status.Status), nil)
	}

	if status.Status == StatusFailed {
		metrics.GatewayErrors.WithLabelValues(string(Classify(status.Message))).Inc()
	}

	return &status, nil
}

// do executes the request through the circuit breaker and returns status code and body.
// Transport failures and 5xx answers count against the breaker.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	if !c.breaker.Allow() {
		metrics.GatewayErrors.WithLabelValues(string(KindTransport)).Inc()
		return 0, nil, &ExecutionError{Kind: KindTransport, Message: "gateway unavailable", Err: ErrCircuitOpen}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Failure()
		metrics.GatewayErrors.WithLabelValues(string(KindTransport)).Inc()
		return 0, nil, transportError(fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Failure()
		return 0, nil, transportError("failed to read response body", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.Failure()
		metrics.GatewayErrors.WithLabelValues(string(KindTransport)).Inc()
		return resp.StatusCode, body, &ExecutionError{
			Kind:       KindTransport,
			Message:    fmt.Sprintf("gateway error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body))),
			StatusCode: resp.StatusCode,
		}
	}

	c.breaker.Success()
	return resp.StatusCode, body, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
