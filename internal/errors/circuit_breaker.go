package errors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentcore/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the circuit
	SuccessThreshold int           // Consecutive half-open successes that close it
	Cooldown         time.Duration // Time spent open before a trial call is allowed
	OnStateChange    func(name string, from, to CircuitState)
	Logger           logging.Logger
	Now              func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency for a cool-down period.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failures     int
	successes    int
	openedAt     time.Time
	stateChanged time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:         name,
		config:       config,
		logger:       logging.OrNop(config.Logger),
		now:          now,
		state:        StateClosed,
		stateChanged: now(),
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// ExecuteFunc is the value-returning form of Execute.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.Mark(err)
	return result, err
}

// Allow reports whether a call may proceed. An open circuit fails fast with a
// transient runtime error so callers report it like any other outage.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	elapsed := cb.now().Sub(cb.openedAt)
	if elapsed >= cb.config.Cooldown {
		cb.transition(StateHalfOpen)
		cb.successes = 0
		cb.logger.Info("[%s] circuit half-open, allowing trial call", cb.name)
		return nil
	}
	return Runtime(fmt.Errorf("circuit open for %s, retry in %s", cb.name,
		(cb.config.Cooldown - elapsed).Round(time.Millisecond)), true)
}

// Mark records a call outcome. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
				cb.failures = 0
				cb.successes = 0
				cb.logger.Info("[%s] circuit closed", cb.name)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
			cb.logger.Warn("[%s] circuit opened after %d consecutive failures", cb.name, cb.failures)
		}
	case StateHalfOpen:
		cb.open()
		cb.logger.Warn("[%s] trial call failed, circuit reopened", cb.name)
	case StateOpen:
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.stateChanged = cb.now()
	if cb.config.OnStateChange != nil && from != to {
		go cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns current circuit breaker statistics.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerSnapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		Failures:     cb.failures,
		OpenedAt:     cb.openedAt,
		StateChanged: cb.stateChanged,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.transition(StateClosed)
}

// CircuitBreakerSnapshot contains circuit breaker statistics
type CircuitBreakerSnapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	StateChanged time.Time `json:"state_changed"`
}

// CircuitBreakerSet lazily creates one breaker per name.
type CircuitBreakerSet struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerSet creates a set sharing one configuration.
func NewCircuitBreakerSet(config CircuitBreakerConfig) *CircuitBreakerSet {
	return &CircuitBreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *CircuitBreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, s.config)
	s.breakers[name] = b
	return b
}

// Snapshots returns statistics for every breaker ordered by name.
func (s *CircuitBreakerSet) Snapshots() []CircuitBreakerSnapshot {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make([]CircuitBreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
