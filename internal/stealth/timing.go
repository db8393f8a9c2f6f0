package stealth

import (
	"context"
	"math/rand"
	"time"
)

// Pace names the moment a delay is requested for.
type Pace int

const (
	PaceAction Pace = iota
	PaceNavigate
	PaceBetweenSearches
	PaceBetweenActivities
)

func (p Pace) String() string {
	switch p {
	case PaceAction:
		return "action"
	case PaceNavigate:
		return "navigate"
	case PaceBetweenSearches:
		return "between_searches"
	case PaceBetweenActivities:
		return "between_activities"
	}
	return "unknown"
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pacer is consulted before every browser action and after every navigation.
// Sleep carries the finer pauses inside an action: keystrokes, scroll steps
// and cursor movement.
type Pacer interface {
	Wait(ctx context.Context, pace Pace) error
	Sleep(ctx context.Context, d time.Duration) error
}

// NoDelay never waits. Used by tests and dry runs.
type NoDelay struct{}

func (NoDelay) Wait(ctx context.Context, _ Pace) error { return ctx.Err() }

func (NoDelay) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func orSleep(fn SleepFunc) SleepFunc {
	if fn == nil {
		return Sleep
	}
	return fn
}

// Range is a closed delay interval.
type Range struct {
	Min, Max time.Duration
}

// MinSearchDelay is the floor applied to the between-searches range.
const MinSearchDelay = time.Second

type Timing struct {
	ranges map[Pace]Range
	rand   *rand.Rand
	sleep  SleepFunc
}

func NewTiming(action, betweenSearches Range) *Timing {
	if betweenSearches.Min < MinSearchDelay {
		betweenSearches.Min = MinSearchDelay
	}
	if betweenSearches.Max < betweenSearches.Min {
		betweenSearches.Max = betweenSearches.Min
	}
	return &Timing{
		ranges: map[Pace]Range{
			PaceAction:            action,
			PaceNavigate:          {Min: 1500 * time.Millisecond, Max: 4 * time.Second},
			PaceBetweenSearches:   betweenSearches,
			PaceBetweenActivities: {Min: 2 * time.Second, Max: 5 * time.Second},
		},
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: Sleep,
	}
}

// Wait sleeps for a gaussian delay inside the range configured for pace.
func (t *Timing) Wait(ctx context.Context, pace Pace) error {
	return t.sleep(ctx, t.Delay(pace))
}

func (t *Timing) Sleep(ctx context.Context, d time.Duration) error {
	return t.sleep(ctx, d)
}

// Delay draws a delay for pace without sleeping.
func (t *Timing) Delay(pace Pace) time.Duration {
	r := t.ranges[pace]
	return t.gaussian(r.Min, r.Max)
}

func (t *Timing) gaussian(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	// Gaussian, not uniform: most delays land near the middle of the range.
	mean := float64(min+max) / 2
	stdDev := float64(max-min) / 6

	delay := time.Duration(t.rand.NormFloat64()*stdDev + mean)
	if delay < min {
		delay = min
	}
	if delay > max {
		delay = max
	}
	return delay
}

// ReadTime estimates how long reading wordCount words takes at 200-250 wpm.
func (t *Timing) ReadTime(wordCount int) time.Duration {
	wpm := 200 + t.rand.Intn(50)
	wordsPerSecond := float64(wpm) / 60.0
	return time.Duration(float64(wordCount) / wordsPerSecond * float64(time.Second))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
