package search

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"rewards-automation/internal/stealth"
)

// Breaker tracks consecutive misses. Each miss doubles a cooldown, capped at
// max; threshold consecutive misses open the breaker for the rest of the
// phase. A success closes it again. A threshold of zero disables it, so a
// miss simply moves on to the next term.
type Breaker struct {
	mu               sync.Mutex
	threshold        int
	base             time.Duration
	max              time.Duration
	consecutiveFails int
	backoffDuration  time.Duration
	rand             *rand.Rand
	sleep            stealth.SleepFunc
}

// NewBreaker builds a breaker that cools down through sleep; nil means real
// time.
func NewBreaker(threshold int, base, max time.Duration, sleep stealth.SleepFunc) *Breaker {
	if max < base {
		max = base
	}
	if sleep == nil {
		sleep = stealth.Sleep
	}
	return &Breaker{
		threshold: threshold,
		base:      base,
		max:       max,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleep,
	}
}

func (b *Breaker) Enabled() bool { return b.threshold > 0 }

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.backoffDuration = 0
}

// RecordFailure counts a miss. It does nothing while the breaker is disabled.
func (b *Breaker) RecordFailure() {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++

	// base -> 2*base -> 4*base ... capped at max
	if b.backoffDuration == 0 {
		b.backoffDuration = b.base
	} else {
		b.backoffDuration *= 2
	}
	if b.backoffDuration > b.max {
		b.backoffDuration = b.max
	}
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold > 0 && b.consecutiveFails >= b.threshold
}

func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoffDuration
}

// Wait sleeps for the current cooldown with ±20% jitter.
func (b *Breaker) Wait(ctx context.Context) error {
	b.mu.Lock()
	d := b.backoffDuration
	jitter := time.Duration(float64(d) * 0.2 * (b.rand.Float64()*2 - 1))
	b.mu.Unlock()

	if d <= 0 {
		return ctx.Err()
	}
	return b.sleep(ctx, d+jitter)
}
