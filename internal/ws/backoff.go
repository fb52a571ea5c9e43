package ws

import "time"

// Backoff is a bounded exponential reconnect policy: Base, 2*Base, 4*Base...
// capped at Max, giving up after MaxAttempts (0 = unbounded).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	attempt     int
}

func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt, or false once MaxAttempts
// delays have been handed out.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Max
	if b.attempt < 32 {
		if shifted := b.Base << b.attempt; shifted > 0 && shifted < b.Max {
			d = shifted
		}
	}
	b.attempt++
	return d, true
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
