package transport

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with jitter. Any success resets
// the sequence; the delay never exceeds the cap.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	cap      time.Duration
	failures int
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return &Backoff{base: base, cap: max}
}

// Next records a failure and returns how long to wait before the next
// attempt: base * 2^failures, capped, with up to 25% random jitter so a
// fleet of clients doesn't retry in lockstep.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base << uint(b.failures)
	if delay > b.cap || delay <= 0 {
		delay = b.cap
	}
	b.failures++

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
