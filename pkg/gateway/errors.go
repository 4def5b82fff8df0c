package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why an installment did not execute
type FailureKind string

const (
	KindInsufficientFunds    FailureKind = "insufficient_funds"
	KindPairNotFound         FailureKind = "pair_not_found"
	KindInsufficientReserves FailureKind = "insufficient_reserves"
	KindExecution            FailureKind = "execution_error"
	KindTransport            FailureKind = "transport_error"
	KindTimeout              FailureKind = "timeout"
	KindRejected             FailureKind = "rejected"
)

// ErrCircuitOpen is returned without contacting the gateway while the circuit breaker is open
var ErrCircuitOpen = errors.New("execution gateway circuit breaker is open")

// ExecutionError is a failure reported by, or while talking to, the execution gateway
type ExecutionError struct {
	Kind    FailureKind
	Message string
	// Rejected is set when the gateway refused the job before submitting anything on chain
	Rejected   bool
	StatusCode int
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func transportError(message string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindTransport, Message: message, Err: err}
}

// Classify maps a gateway failure message onto the failure taxonomy
func Classify(message string) FailureKind {
	msg := strings.ToLower(message)

	if strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "missing gas fee") ||
		strings.Contains(msg, "insufficient balance") {
		return KindInsufficientFunds
	}

	if strings.Contains(msg, "pair does not exist") ||
		strings.Contains(msg, "error getting reserves") ||
		strings.Contains(msg, "pair not found") {
		return KindPairNotFound
	}

	if strings.Contains(msg, "insufficient reserves") ||
		strings.Contains(msg, "not have enough liquidity") {
		return KindInsufficientReserves
	}

	return KindExecution
}

// KindOf returns the failure kind of any error produced while executing a job
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindTransport
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindTransport
}

// isTransient reports whether a poll error is worth retrying within the same poll tick
func isTransient(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind == KindTransport && !errors.Is(err, ErrCircuitOpen)
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF")
}
