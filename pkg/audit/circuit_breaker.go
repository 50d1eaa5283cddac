/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed: publishes flow through to the broker.
	CircuitClosed CircuitState = iota
	// CircuitOpen: the broker is considered down and publishes fail fast.
	CircuitOpen
	// CircuitHalfOpen: a limited number of probe publishes are let through.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to wait before transitioning from open to half-open.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the maximum number of concurrent probes in half-open state.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is an optional callback when the circuit state changes.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a publish.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops hammering an unavailable broker: once it trips, publishes
// fail immediately with ErrCircuitOpen until OpenTimeout elapses.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	consecutiveSuccs int
	halfOpenInFlight int
	lastStateChange  time.Time
	lastFailureTime  time.Time
	lastError        error

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: logger.Named("circuit-breaker").With(zap.String("sink", name)),
		now:    time.Now,
	}
	cb.lastStateChange = cb.now()
	metrics.AuditCircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))

	cb.logger.Debug("circuit breaker created",
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Int("success_threshold", cfg.SuccessThreshold),
		zap.Duration("open_timeout", cfg.OpenTimeout))

	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, ok := cb.admit()
	if !ok {
		metrics.AuditCircuitBreakerRejections.WithLabelValues(cb.name).Inc()
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed; probe is true for half-open calls.
func (cb *CircuitBreaker) admit() (probe bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.OpenTimeout {
		cb.transitionLocked(CircuitHalfOpen)
	}

	switch cb.state {
	case CircuitClosed:
		cb.totalRequests++
		return false, true
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxRequests {
			cb.totalRejections++
			return false, false
		}
		cb.halfOpenInFlight++
		cb.totalRequests++
		return true, true
	default:
		cb.totalRejections++
		return false, false
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.totalFailures++
		cb.consecutiveSuccs = 0
		cb.consecutiveFails++
		cb.lastError = err
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case CircuitClosed:
			if cb.consecutiveFails >= cb.config.FailureThreshold {
				cb.transitionLocked(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionLocked(CircuitOpen)
		}
		return
	}

	cb.totalSuccesses++
	cb.consecutiveFails = 0
	cb.consecutiveSuccs++
	if cb.state == CircuitHalfOpen && cb.consecutiveSuccs >= cb.config.SuccessThreshold {
		cb.transitionLocked(CircuitClosed)
	}
}

// transitionLocked changes the circuit state. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.consecutiveFails = 0
	cb.consecutiveSuccs = 0
	cb.halfOpenInFlight = 0

	if newState == CircuitOpen {
		cb.logger.Warn("broker circuit opened, publishes will fail fast",
			zap.String("from", oldState.String()),
			zap.Duration("retry_after", cb.config.OpenTimeout))
	} else {
		cb.logger.Info("circuit breaker state changed",
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
	}

	metrics.AuditCircuitBreakerState.WithLabelValues(cb.name).Set(float64(newState))

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State            CircuitState
	ConsecutiveFails int
	TotalRequests    int64
	TotalSuccesses   int64
	TotalFailures    int64
	TotalRejections  int64
	LastFailureTime  time.Time
	LastStateChange  time.Time
	LastError        error
}

// Stats returns the current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalRequests:    cb.totalRequests,
		TotalSuccesses:   cb.totalSuccesses,
		TotalFailures:    cb.totalFailures,
		TotalRejections:  cb.totalRejections,
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
		LastError:        cb.lastError,
	}
}

// ForceOpen forces the circuit to open state (maintenance).
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitOpen)
}

// ForceClose forces the circuit to closed state (recovery).
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitClosed)
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreaker) IsHealthy() bool {
	return cb.State() == CircuitClosed
}

// CircuitBreakerSink wraps a broker sink with circuit breaker protection.
type CircuitBreakerSink struct {
	sink    Sink
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewCircuitBreakerSink wraps a sink with circuit breaker protection.
func NewCircuitBreakerSink(sink Sink, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerSink {
	return &CircuitBreakerSink{
		sink:    sink,
		breaker: NewCircuitBreaker(sink.Name(), cfg, logger),
		logger:  logger.Named("cb-sink").With(zap.String("sink", sink.Name())),
	}
}

// Write implements Sink with circuit breaker protection.
func (s *CircuitBreakerSink) Write(ctx context.Context, event *Event) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.sink.Write(ctx, event)
	})
}

// EnsureStream forwards to the wrapped sink when it supports it.
func (s *CircuitBreakerSink) EnsureStream(ctx context.Context) error {
	if e, ok := s.sink.(StreamEnsurer); ok {
		return e.EnsureStream(ctx)
	}
	return nil
}

// Close closes the underlying sink.
func (s *CircuitBreakerSink) Close() error {
	s.logger.Info("closing circuit breaker sink",
		zap.String("state", s.breaker.State().String()))
	return s.sink.Close()
}

// Name returns the sink name.
func (s *CircuitBreakerSink) Name() string {
	return s.sink.Name()
}

// Unwrap returns the protected sink.
func (s *CircuitBreakerSink) Unwrap() Sink {
	return s.sink
}

// CircuitBreaker returns the underlying circuit breaker for status checks.
func (s *CircuitBreakerSink) CircuitBreaker() *CircuitBreaker {
	return s.breaker
}
