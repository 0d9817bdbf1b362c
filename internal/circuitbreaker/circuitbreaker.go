package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hookbox/internal/metrics"
)

// State is the breaker position.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    OpenTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the guarded function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes a CircuitBreaker.
type Config struct {
	// Name labels logs and metrics, e.g. "webpush".
	Name string

	MaxFailures int
	OpenTimeout time.Duration
	ProbeLimit  int

	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every error except context cancellation.
	IsFailure func(error) bool
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		ProbeLimit:  1,
	}
}

// CircuitBreaker stops calls to a downstream that keeps failing and lets a
// limited number of probes through once OpenTimeout has passed.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state           State
	failures        int
	lastFailure     time.Time
	lastStateChange time.Time
	probes          int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = 1
	}

	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.config.Name)
	}

	err := fn(ctx)
	if err != nil && cb.countsAsFailure(err) {
		cb.RecordFailure()
		return err
	}
	// An error that does not count still releases a half-open probe.
	cb.RecordSuccess()
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return true
}

// Allow reports whether a call may proceed. In half-open state only
// ProbeLimit calls are let through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) < cb.config.OpenTimeout {
			cb.totalRejected++
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.probes = 1
		return true

	case StateHalfOpen:
		if cb.probes < cb.config.ProbeLimit {
			cb.probes++
			return true
		}
		cb.totalRejected++
		return false
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a snapshot for health output.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.config.Name))
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.lastStateChange = time.Now()
	cb.probes = 0
	metrics.SetBreakerState(cb.config.Name, int(next))

	fields := []zap.Field{
		zap.String("name", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	}
	if next == StateOpen {
		cb.logger.Warn("circuit breaker opened", append(fields, zap.Int("failures", cb.failures))...)
		return
	}
	cb.logger.Info("circuit breaker state change", fields...)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}
