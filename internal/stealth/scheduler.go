package stealth

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Break is a pause inside the operating window, as offsets from midnight.
type Break struct {
	From, To time.Duration
}

var ErrNoWindow = errors.New("stealth: no operating window within a week")

var defaultBreaks = []Break{
	{From: 10 * time.Hour, To: 10*time.Hour + 15*time.Minute},
	{From: 12 * time.Hour, To: 13 * time.Hour},
	{From: 15 * time.Hour, To: 15*time.Hour + 15*time.Minute},
}

// Scheduler decides whether runs may start now: inside the operating hours
// of a work day and outside the breaks.
type Scheduler struct {
	location  *time.Location
	startHour int
	endHour   int
	workDays  map[time.Weekday]bool
	breaks    []Break
	jitter    time.Duration
	rand      *rand.Rand
	now       func() time.Time
}

func NewScheduler(location *time.Location, start, end int, workDays []time.Weekday, jitter time.Duration) *Scheduler {
	days := make(map[time.Weekday]bool, len(workDays))
	for _, d := range workDays {
		days[d] = true
	}
	if len(days) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			days[d] = true
		}
	}
	return &Scheduler{
		location:  location,
		startHour: start,
		endHour:   end,
		workDays:  days,
		breaks:    defaultBreaks,
		jitter:    jitter,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

func (s *Scheduler) Location() *time.Location { return s.location }

func (s *Scheduler) ShouldOperate() bool {
	return s.OperatingAt(s.now())
}

func (s *Scheduler) OperatingAt(t time.Time) bool {
	t = t.In(s.location)
	if !s.workDays[t.Weekday()] {
		return false
	}
	if t.Hour() < s.startHour || t.Hour() >= s.endHour {
		return false
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.location)
	offset := t.Sub(midnight)
	for _, b := range s.breaks {
		if offset >= b.From && offset < b.To {
			return false
		}
	}
	return true
}

// NextOperating returns the first minute at or after t inside the window.
// It returns the zero time when no window opens within a week.
func (s *Scheduler) NextOperating(t time.Time) time.Time {
	if s.OperatingAt(t) {
		return t
	}
	candidate := t.In(s.location).Truncate(time.Minute).Add(time.Minute)
	for limit := candidate.Add(8 * 24 * time.Hour); candidate.Before(limit); candidate = candidate.Add(time.Minute) {
		if s.OperatingAt(candidate) {
			return candidate
		}
	}
	return time.Time{}
}

// WaitUntilOperating blocks until the window opens or ctx is done.
func (s *Scheduler) WaitUntilOperating(ctx context.Context) error {
	now := s.now()
	next := s.NextOperating(now)
	if next.IsZero() {
		return ErrNoWindow
	}
	return Sleep(ctx, next.Sub(now))
}

// Jitter draws a random start delay so runs do not begin on the same minute
// every day.
func (s *Scheduler) Jitter() time.Duration {
	if s.jitter <= 0 {
		return 0
	}
	return time.Duration(s.rand.Int63n(int64(s.jitter)))
}
