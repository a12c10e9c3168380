// Package circuitbreaker wraps sony/gobreaker for guarding snapshot
// and store reads, so a flapping persistence layer sheds refresh
// bursts instead of queueing them.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// GaugeValue maps the state onto the conventional numeric encoding:
// 0 closed, 1 open, 2 half-open.
func (s State) GaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the consecutive failures before opening
	FailureThreshold uint32
	// OnStateChange is invoked after each state transition. Optional.
	OnStateChange func(name string, state State)
}

// DefaultConfig returns defaults suitable for local store reads:
// short recovery, low tolerance for consecutive failures.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
	}
}

// Breaker wraps gobreaker with logging and metrics
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger

	meter          metric.Meter
	requestCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter
	onStateChange  func(name string, state State)

	currentState State
	stateMu      sync.RWMutex
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:          cfg.Name,
		logger:        logger,
		meter:         otel.Meter("circuit-breaker"),
		currentState:  StateClosed,
		onStateChange: cfg.OnStateChange,
	}

	var err error
	b.requestCounter, err = b.meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	b.rejectCounter, err = b.meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Requests rejected by an open circuit"))
	if err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.handleStateChange(from, to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)

	return b, nil
}

// IsRejection reports whether the error came from the breaker itself
// rather than the wrapped call.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Execute runs fn through the circuit breaker
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	b.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))

	result, err := b.cb.Execute(fn)
	if err != nil {
		if IsRejection(err) {
			b.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))
		}
		return nil, err
	}
	return result, nil
}

// GetState returns the current state
func (b *Breaker) GetState() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.currentState
}

// IsOpen reports whether the circuit is open
func (b *Breaker) IsOpen() bool {
	return b.GetState() == StateOpen
}

func (b *Breaker) handleStateChange(from, to gobreaker.State) {
	toState := mapState(to)

	b.stateMu.Lock()
	b.currentState = toState
	b.stateMu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))

	if b.onStateChange != nil {
		b.onStateChange(b.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
