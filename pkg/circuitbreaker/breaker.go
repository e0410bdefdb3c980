// Package circuitbreaker guards calls to the CARE backend with sony/gobreaker.
// One breaker is kept per backend host; spans and otel counters record every call.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the guarded host
	Name string
	// MaxRequests is how many probes pass while half-open; that many successes close it
	MaxRequests uint32
	// Interval clears the closed-state counts periodically
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold trips on consecutive failures while traffic is below MinRequests
	FailureThreshold uint32
	// FailureRatio trips once MinRequests calls were seen in the interval
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for an interactive backend: trip fast, probe again soon
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      20,
	}
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return counts.ConsecutiveFailures >= cfg.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

// CircuitBreaker is a named gobreaker with tracing and call counters
type CircuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	name     string
	logger   *zap.Logger
	tracer   trace.Tracer
	calls    metric.Int64Counter
	onChange func(name string, from, to State)
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:     cfg.Name,
		logger:   logger,
		tracer:   otel.Tracer("circuit-breaker"),
		calls:    calls,
		onChange: cfg.OnStateChange,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.transition(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the backend
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Execute runs fn unless the breaker is open
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	result, err := c.cb.Execute(fn)

	outcome := "success"
	switch {
	case IsRejected(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
	case err != nil:
		outcome = "failure"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("result", outcome)))

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// IsRejected reports an error produced by the breaker itself rather than the call
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current state
func (c *CircuitBreaker) State() State { return mapState(c.cb.State()) }

// IsOpen returns true if calls are being rejected
func (c *CircuitBreaker) IsOpen() bool { return c.State() == StateOpen }

// IsClosed returns true if calls flow normally
func (c *CircuitBreaker) IsClosed() bool { return c.State() == StateClosed }

// Counts returns the counts of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

func (c *CircuitBreaker) transition(from, to State) {
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if c.onChange != nil {
		c.onChange(c.name, from, to)
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

// Manager keeps one breaker per host
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker of name, creating it from cfg on first use
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus is the readiness view of one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health reports every breaker, sorted by name
func (m *Manager) Health() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    cb.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  cb.IsClosed(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
