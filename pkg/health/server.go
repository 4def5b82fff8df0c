package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/dcarunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
)

// Pinger is a dependency whose reachability decides readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// DepthReader reports the number of jobs waiting in the dispatch queue
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// BlockReader reports the latest block of the execution chain
type BlockReader interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
}

type check struct {
	name   string
	pinger Pinger
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	role          string
	checks        []check
	breaker       *circuitbreaker.Breaker
	queue         DepthReader
	chain         BlockReader
	metricsAPIKey string
	logger        logger.Logger
}

// NewServer creates a new health check server
func NewServer(port, role, metricsAPIKey string, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Server{
		port:          port,
		role:          role,
		metricsAPIKey: metricsAPIKey,
		logger:        log,
	}
}

// AddCheck registers a dependency pinged by /ready
func (s *Server) AddCheck(name string, p Pinger) {
	s.checks = append(s.checks, check{name: name, pinger: p})
}

// SetBreaker exposes the gateway circuit breaker on /status and /circuit/reset
func (s *Server) SetBreaker(cb *circuitbreaker.Breaker) {
	s.breaker = cb
}

// SetQueue exposes the dispatch queue depth on /status
func (s *Server) SetQueue(q DepthReader) {
	s.queue = q
}

// SetChain exposes the latest block on /status and adds the chain to /ready
func (s *Server) SetChain(c BlockReader) {
	s.chain = c
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routes served by the health server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	// Circuit breaker admin control endpoint
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.breaker == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("No circuit breaker configured"))
			return
		}

		s.breaker.Reset()
		s.logger.Notice("Gateway circuit breaker reset through the admin endpoint")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Circuit breaker reset"))
	})

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	return mux
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, c := range s.checks {
		if err := c.pinger.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("%s not reachable: %v", c.name, err)))
			return
		}
	}

	if s.chain != nil {
		if _, err := s.chain.GetLatestBlockNumber(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("chain not reachable: %v", err)))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"role": s.role,
	}

	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		circuit := map[string]interface{}{
			"enabled":       snap.Enabled,
			"state":         snap.State.String(),
			"failure_count": snap.Failures,
			"threshold":     snap.Threshold,
		}
		if snap.State != circuitbreaker.StateClosed {
			circuit["opened_at"] = snap.OpenedAt.UTC()
		}
		if !snap.LastFailure.IsZero() {
			circuit["last_failure"] = snap.LastFailure.UTC()
		}
		status["circuit"] = circuit
	}

	if s.queue != nil {
		if depth, err := s.queue.Depth(ctx); err == nil {
			status["queue_depth"] = depth
		} else {
			status["queue_error"] = err.Error()
		}
	}

	if s.chain != nil {
		if blockNumber, err := s.chain.GetLatestBlockNumber(ctx); err == nil {
			status["latest_block"] = blockNumber
		} else {
			status["chain_error"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Error encoding status JSON: %v", err)
	}
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Health server error: %v", err)
	}
}
