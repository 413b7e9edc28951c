// Package circuitbreaker stops a cycle from calling a notification provider
// that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a provider breaker.
//
//	closed    -> open       MaxFailures consecutive send failures
//	open      -> half-open  RecoveryTimeout after the breaker opened
//	half-open -> closed     a probe send succeeds
//	half-open -> open       a probe send fails
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

// ErrCircuitOpen is returned instead of calling a provider whose breaker is
// open. The reminder stays due and is retried by a later cycle.
var ErrCircuitOpen = errors.New("provider circuit open")

// Config for one provider breaker.
type Config struct {
	// Name of the provider ("ses", "twilio", "sns"). Used in logs and metrics.
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange runs after every transition with the breaker locked.
	// It must not call back into the breaker.
	OnStateChange func(name string, to State)
}

// DefaultConfig opens after 5 consecutive failures and probes once after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive send failures for a single provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	failures int // consecutive, reset by any success
	openedAt time.Time
	probes   int // admitted while half-open
}

// New returns a closed breaker. Zero config fields take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	logger.Debug("provider breaker ready",
		zap.String("provider", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Allow reports whether a send may go to the provider now. Every true
// result must be followed by RecordSuccess, RecordFailure or Abandon.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("provider breaker probing",
			zap.String("provider", cb.cfg.Name),
		)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

// RecordSuccess clears the failure streak and closes a probing breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		cb.logger.Info("provider recovered, breaker closed",
			zap.String("provider", cb.cfg.Name),
		)
	}
}

// RecordFailure extends the failure streak. A failed probe re-opens the
// breaker at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case StateHalfOpen:
		cb.trip()
		cb.logger.Warn("provider probe failed, breaker re-opened",
			zap.String("provider", cb.cfg.Name),
		)
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			cb.logger.Warn("provider failing, breaker opened",
				zap.String("provider", cb.cfg.Name),
				zap.Int("consecutive_failures", cb.failures),
			)
		}
	}
}

// Abandon releases an admitted send without judging the provider, for
// calls the cycle gave up on before the provider answered.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// trip opens the breaker; caller holds mu.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.probes = 0

	cb.logger.Debug("provider breaker transition",
		zap.String("provider", cb.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, to)
	}
}
