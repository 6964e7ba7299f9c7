package resilience

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
)

// State is the circuit state of one remote target.
type State int

// Circuit states.
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished call for the breaker.
type Outcome int

// Call outcomes. OutcomeIgnored covers permanent and canceled calls, which
// say nothing about the health of the target.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeIgnored
)

// BreakerConfig controls when a circuit opens and how long it stays open.
// A non-positive Threshold disables the breaker.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// Breaker tracks consecutive transient failures for one target. All state
// changes happen under mu, one outcome at a time.
type Breaker struct {
	mu       sync.Mutex
	target   string
	cfg      BreakerConfig
	clock    captcha.Clock
	onChange func(target string, from, to State)

	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Allow reports whether a call may proceed. After the cooldown one probe is
// let through in the half-open state; others fail fast until it reports.
func (b *Breaker) Allow() error {
	if b.cfg.Threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return captcha.CircuitOpen(b.target)
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return captcha.CircuitOpen(b.target)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record applies the outcome of a call that Allow admitted.
func (b *Breaker) Record(outcome Outcome) {
	if b.cfg.Threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		b.failures = 0
		b.probing = false
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
	case OutcomeFailure:
		b.failures++
		b.probing = false
		switch {
		case b.state == StateHalfOpen:
			b.open()
		case b.state == StateClosed && b.failures >= b.cfg.Threshold:
			b.open()
		}
	case OutcomeIgnored:
		b.probing = false
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(next State) {
	prev := b.state
	b.state = next
	if b.onChange != nil && prev != next {
		b.onChange(b.target, prev, next)
	}
}

// Breakers owns one Breaker per target. It belongs to a session and is
// shared by every resolution targeting the same remote.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	clock    captcha.Clock
	onChange func(target string, from, to State)
	byTarget map[string]*Breaker
}

// NewBreakers creates an empty registry. A nil clock uses the system clock.
func NewBreakers(cfg BreakerConfig, clock captcha.Clock, onChange func(target string, from, to State)) *Breakers {
	if clock == nil {
		clock = system.New()
	}
	return &Breakers{
		cfg:      cfg,
		clock:    clock,
		onChange: onChange,
		byTarget: make(map[string]*Breaker),
	}
}

// For returns the breaker for target, creating it on first use.
func (s *Breakers) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTarget[target]
	if !ok {
		b = &Breaker{target: target, cfg: s.cfg, clock: s.clock, onChange: s.onChange}
		s.byTarget[target] = b
	}
	return b
}
