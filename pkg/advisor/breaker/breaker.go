// Package breaker implements a per-provider circuit breaker.
//
// A closed breaker passes calls and counts consecutive failures. Reaching the
// threshold opens it; open breakers fail fast until the recovery timeout has
// elapsed, then move to half-open, where exactly one trial call is admitted.
// The trial's outcome closes the breaker or re-opens it with a fresh timer.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Calls rejected immediately.
	HalfOpen              // One trial call allowed to test recovery.
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow when the call is short-circuited.
var ErrOpen = errors.New("breaker: open")

// StateChangeFunc observes transitions. It is called without the breaker lock held.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive failure count that trips the breaker open.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before half-open.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
	OpenedAt            time.Time
	RecoveryDeadline    time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	lastFailure     time.Time
	openedAt        time.Time
	trialInFlight   bool
	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
	onChange        StateChangeFunc
}

// New creates a breaker with defaults of 5 failures and a 30s recovery timeout.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:            name,
		state:           Closed,
		threshold:       5,
		recoveryTimeout: 30 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In half-open state only the first
// caller acquires the trial; everyone else is rejected as if still open. A
// caller that was admitted must report RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpen()

	var err error
	switch b.state {
	case Closed:
	case HalfOpen:
		if b.trialInFlight {
			err = ErrOpen
		} else {
			b.trialInFlight = true
		}
	default:
		err = ErrOpen
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.trialInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	now := b.now()
	b.lastFailure = now
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			b.openedAt = now
		}
	case HalfOpen:
		b.failures++
		b.state = Open
		b.openedAt = now
		b.trialInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release gives back a half-open trial slot without reporting an outcome, for
// callers that were admitted but never reached the provider.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state, applying any due open -> half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpen()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
	}
	if b.state == Open {
		s.RecoveryDeadline = b.openedAt.Add(b.recoveryTimeout)
	}
	return s
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == Open && !b.now().Before(b.openedAt.Add(b.recoveryTimeout)) {
		b.state = HalfOpen
		b.trialInFlight = false
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Set lazily creates one breaker per provider, all sharing the same options.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewSet creates an empty set.
func NewSet(opts ...Option) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns provider's breaker, creating it on first use.
func (s *Set) Get(provider string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		return b
	}
	b = New(provider, s.opts...)
	s.breakers[provider] = b
	return b
}

// Snapshot returns snapshots of every breaker, ordered by provider.
func (s *Set) Snapshot() []Snapshot {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
