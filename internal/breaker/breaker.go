// Package breaker guards repeated attempts against a failing target.
//
// A Breaker starts closed. After Threshold consecutive failures it opens and
// rejects calls with ErrOpen until Cooldown has elapsed; the next call then
// runs as a single half-open trial. A successful trial closes the breaker,
// a failed one reopens it with a fresh cooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without running the guarded call.
var ErrOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool // a half-open call is in flight
}

// New returns a closed breaker. Non-positive arguments take the defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Do runs fn unless the breaker is open. fn's error is returned unchanged and
// counts as a failure; context cancellation by the caller does not.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err, ctx.Err() != nil && errors.Is(err, ctx.Err()))
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.trial = true
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) record(err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasTrial := b.state == HalfOpen
	if wasTrial {
		b.trial = false
	}
	switch {
	case err == nil:
		b.state = Closed
		b.failures = 0
	case cancelled:
		// The caller gave up; say nothing about the target.
	case wasTrial:
		b.state = Open
		b.openedAt = b.now()
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports HalfOpen, since the next call will be let through.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.trial = false
	b.openedAt = time.Time{}
	b.mu.Unlock()
}
