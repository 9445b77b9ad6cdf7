// Package resilience provides the per-broker circuit breaker used by the
// dispatcher.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open" // one probe call in flight
)

// ErrOpen is returned without calling the protected function.
var ErrOpen = errors.New("circuit breaker is open")

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	// Threshold is the number of consecutive counted failures that opens
	// the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before letting a
	// single probe through.
	Cooldown time.Duration
	// IsFailure selects the errors that count. Nil counts every error.
	IsFailure func(error) bool
	// OnTransition is called outside the breaker lock after every state change.
	OnTransition func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards calls to one broker.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	rejected int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs fn unless the breaker is open. While half-open only the
// probe call runs; concurrent callers get ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	counted := err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err))
	b.record(probe, counted)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			b.mu.Unlock()
			return false, ErrOpen
		}
		from = b.state
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

func (b *Breaker) record(probe, failed bool) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	switch {
	case failed && (probe || b.state == StateHalfOpen):
		b.trip()
	case failed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.trip()
		}
	case probe:
		b.state = StateClosed
		b.failures = 0
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// trip opens the breaker. Callers hold mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.name, from, to)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Failures int       `json:"consecutive_failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Rejected int64     `json:"rejected"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state, Failures: b.failures, Rejected: b.rejected}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}
