package engine

import (
	"sync"
	"time"

	"github.com/rendis/credflow/pkg/schema"
)

// CircuitState is the position of one gateway breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig configures the gateway circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive gateway failures open the breaker.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax probes may be in flight while half-open.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	return c
}

// BreakerSnapshot is the diagnostic view of one breaker. It is the payload
// of circuit_breaker_open events.
type BreakerSnapshot struct {
	Kind             schema.WaitKind `json:"kind"`
	State            string          `json:"state"`
	Failures         int             `json:"consecutive_failures"`
	FailureThreshold int             `json:"failure_threshold"`
	Cooldown         string          `json:"cooldown"`
}

// breaker is the state of one gateway kind. Callers hold mu.
type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// settle moves an open breaker whose cooldown has passed to half-open.
func (b *breaker) settle(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
}

// CircuitBreakerRegistry keeps one breaker per gateway kind, so a failing
// signature vendor does not stop approvals from being initiated.
type CircuitBreakerRegistry struct {
	cfg      CircuitBreakerConfig
	now      func() time.Time
	mu       sync.Mutex
	breakers map[schema.WaitKind]*breaker
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take the defaults.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[schema.WaitKind]*breaker),
	}
}

// with runs fn on the breaker for kind under its lock.
func (r *CircuitBreakerRegistry) with(kind schema.WaitKind, fn func(b *breaker)) {
	r.mu.Lock()
	b := r.breakers[kind]
	if b == nil {
		b = &breaker{}
		r.breakers[kind] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// Allow returns nil when a gateway call of kind may proceed, or a retryable
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) Allow(kind schema.WaitKind) error {
	var err error
	r.with(kind, func(b *breaker) {
		now := r.now()
		b.settle(now, r.cfg.Cooldown)
		switch b.state {
		case CircuitOpen:
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s gateway circuit open after %d consecutive failures", kind, b.failures).
				WithDetails(map[string]any{
					"kind":               string(kind),
					"cooldown_remaining": (r.cfg.Cooldown - now.Sub(b.openedAt)).String(),
				})
		case CircuitHalfOpen:
			if b.probes >= r.cfg.HalfOpenMax {
				err = schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s gateway circuit half-open: probe in flight", kind)
				return
			}
			b.probes++
		}
	})
	return err
}

// Success closes the breaker for kind.
func (r *CircuitBreakerRegistry) Success(kind schema.WaitKind) {
	r.with(kind, func(b *breaker) {
		b.state, b.failures, b.probes, b.openedAt = CircuitClosed, 0, 0, time.Time{}
	})
}

// Failure counts a failed gateway call and returns the resulting state.
// Any failure while half-open reopens the breaker.
func (r *CircuitBreakerRegistry) Failure(kind schema.WaitKind) CircuitState {
	var state CircuitState
	r.with(kind, func(b *breaker) {
		b.failures++
		if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = r.now()
		}
		state = b.state
	})
	return state
}

// State returns the current state of the breaker for kind.
func (r *CircuitBreakerRegistry) State(kind schema.WaitKind) CircuitState {
	var state CircuitState
	r.with(kind, func(b *breaker) {
		b.settle(r.now(), r.cfg.Cooldown)
		state = b.state
	})
	return state
}

// Snapshot returns the diagnostic view of the breaker for kind.
func (r *CircuitBreakerRegistry) Snapshot(kind schema.WaitKind) BreakerSnapshot {
	snap := BreakerSnapshot{
		Kind:             kind,
		FailureThreshold: r.cfg.FailureThreshold,
		Cooldown:         r.cfg.Cooldown.String(),
	}
	r.with(kind, func(b *breaker) {
		snap.State = b.state.String()
		snap.Failures = b.failures
	})
	return snap
}
