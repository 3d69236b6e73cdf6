// Package resilience provides reliability patterns for calls to the model
// gateway and the billing service.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states as reported by State and to transition observers.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker guards one upstream. It opens after maxFailures consecutive
// failures and rejects calls until the cool-down has passed; then exactly one
// trial call is admitted, whose outcome closes or reopens the circuit.
//
// Errors matched by the neutral predicate count neither way. By default that
// is context cancellation, which is how a user stops a stream.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	neutral     func(error) bool
	observe     func(name, from, to string)
	now         func() time.Time

	mu       sync.Mutex
	state    string
	failures int
	probing  bool
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNeutral replaces the predicate for errors that do not affect breaker state.
func WithNeutral(fn func(error) bool) Option {
	return func(b *Breaker) { b.neutral = fn }
}

// WithName labels the breaker in logs and transition callbacks.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// WithObserver registers fn to be called after every state change.
func WithObserver(fn func(name, from, to string)) Option {
	return func(b *Breaker) { b.observe = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, coolDown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:        "upstream",
		maxFailures: maxFailures,
		coolDown:    coolDown,
		neutral:     func(err error) bool { return errors.Is(err, context.Canceled) },
		now:         time.Now,
		state:       StateClosed,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	trial, from, ok := b.admit()
	if from != "" {
		b.transitioned(from, StateHalfOpen)
	}
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	if from, to := b.record(trial, err); from != to {
		b.transitioned(from, to)
	}
	return err
}

// State reports StateClosed, StateOpen or StateHalfOpen.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides whether a call may run. from is set when the cool-down just
// ended and the breaker moved to half-open.
func (b *Breaker) admit() (trial bool, from string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, "", true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false, "", false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, StateOpen, true
	default:
		if b.probing {
			return false, "", false
		}
		b.probing = true
		return true, "", true
	}
}

func (b *Breaker) record(trial bool, err error) (from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from = b.state
	if trial {
		b.probing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case b.neutral != nil && b.neutral(err):
		// a neutral trial frees the half-open slot for the next caller
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	return from, b.state
}

func (b *Breaker) transitioned(from, to string) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed", "breaker", b.name, "from", from, "to", to)
	if b.observe != nil {
		b.observe(b.name, from, to)
	}
}
