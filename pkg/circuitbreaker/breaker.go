// Package circuitbreaker stops the worker from submitting installments to an
// execution gateway that keeps failing.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
)

// State of the breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen lets a single trial request through after the cooldown
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config holds the breaker settings
type Config struct {
	Enabled bool
	// Threshold failures inside Window open the circuit
	Threshold int
	Window    time.Duration
	// Cooldown is how long the circuit stays open before a trial request
	Cooldown time.Duration
}

// Snapshot is a point-in-time view for the status endpoint
type Snapshot struct {
	Enabled     bool
	State       State
	Failures    int
	Threshold   int
	OpenedAt    time.Time
	LastFailure time.Time
}

// Breaker guards calls to the execution gateway. Callers ask Allow before a
// request and report its result with Success or Failure.
type Breaker struct {
	config   Config
	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	probing  bool
	logger   logger.Logger
	now      func() time.Time
}

// New creates a breaker. A disabled breaker allows every request.
func New(cfg Config, log logger.Logger) *Breaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &Breaker{config: cfg, logger: log, now: time.Now}
}

// Allow reports whether a request may go out. Once the cooldown has passed an
// open circuit admits exactly one trial request.
func (b *Breaker) Allow() bool {
	if !b.config.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.logger.Notice("Gateway circuit half-open, sending a trial request")
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Success closes a half-open circuit and forgets earlier failures
func (b *Breaker) Success() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Notice("Gateway trial request succeeded, closing circuit")
	}
	b.failures = b.failures[:0]
	b.probing = false
	b.setState(StateClosed)
}

// Failure records a failed request. It reports whether the circuit is open afterwards.
func (b *Breaker) Failure() bool {
	if !b.config.Enabled {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		b.logger.Error("Gateway trial request failed, reopening circuit")
		b.open(now)
		return true
	}

	cutoff := now.Add(-b.config.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.config.Threshold {
		b.logger.Error("Gateway circuit opened: %d failures within %v", len(b.failures), b.config.Window)
		b.open(now)
		return true
	}
	return false
}

// Reset closes the circuit, e.g. from the admin endpoint
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.probing = false
	b.setState(StateClosed)
}

// State returns the current state without admitting a trial request
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Enabled:   b.config.Enabled,
		State:     b.state,
		Failures:  len(b.failures),
		Threshold: b.config.Threshold,
		OpenedAt:  b.openedAt,
	}
	if n := len(b.failures); n > 0 {
		snap.LastFailure = b.failures[n-1]
	}
	return snap
}

// open must be called with mu held
func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.probing = false
	b.setState(StateOpen)
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.GatewayCircuitState.Set(float64(s))
}
