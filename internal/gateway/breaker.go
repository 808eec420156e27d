package gateway

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes the per-partner circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count that opens a closed breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open after the last failure
	// before admitting a trial call.
	OpenTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of consecutive trial successes
	// needed to close the breaker again.
	HalfOpenSuccessThreshold int
	// CountTransportErrors makes timeouts and transport failures count as
	// breaker failures. When false they are neutral.
	CountTransportErrors bool
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         5,
		OpenTimeout:              30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		CountTransportErrors:     true,
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral releases a trial slot without moving the state machine.
	outcomeNeutral
)

// ticket identifies an admitted call. Outcomes recorded against a ticket
// from an older generation are dropped.
type ticket struct {
	generation uint64
	trial      bool
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State             string     `json:"state"`
	Failures          int        `json:"failures"`
	HalfOpenSuccesses int        `json:"halfOpenSuccesses"`
	LastFailureAt     *time.Time `json:"lastFailureAt,omitempty"`
	TrialInFlight     bool       `json:"trialInFlight"`
}

// Breaker is a mutex guarded circuit breaker state machine.
type Breaker struct {
	mu                sync.Mutex
	cfg               BreakerConfig
	state             State
	failures          int
	halfOpenSuccesses int
	lastFailure       time.Time
	generation        uint64
	trialInFlight     bool

	now          func() time.Time
	onTransition func(from, to State)
}

// NewBreaker creates a closed breaker. Zero config values fall back to the
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// State returns the current state, applying the open timeout first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot returns the breaker counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	snap := BreakerSnapshot{
		State:             b.state.String(),
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		TrialInFlight:     b.trialInFlight,
	}
	if !b.lastFailure.IsZero() {
		at := b.lastFailure
		snap.LastFailureAt = &at
	}
	return snap
}

func (b *Breaker) allow() (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case StateOpen:
		return ticket{}, false
	case StateHalfOpen:
		if b.trialInFlight {
			return ticket{}, false
		}
		b.trialInFlight = true
		return ticket{generation: b.generation, trial: true}, true
	default:
		return ticket{generation: b.generation}, true
	}
}

func (b *Breaker) record(t ticket, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}
	if t.trial {
		b.trialInFlight = false
	}

	switch b.state {
	case StateClosed:
		switch o {
		case outcomeSuccess:
			if b.failures > 0 {
				b.failures--
			}
		case outcomeFailure:
			b.failures++
			b.lastFailure = b.now()
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
			}
		}
	case StateHalfOpen:
		switch o {
		case outcomeSuccess:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
				b.failures = 0
				b.halfOpenSuccesses = 0
				b.transition(StateClosed)
			}
		case outcomeFailure:
			b.lastFailure = b.now()
			b.halfOpenSuccesses = 0
			b.transition(StateOpen)
		}
	}
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) > b.cfg.OpenTimeout {
		b.halfOpenSuccesses = 0
		b.trialInFlight = false
		b.transition(StateHalfOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.generation++
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}
