package stealth

import (
	"context"
	"math/rand"
	"time"
)

// Wheel scrolls the page by a pixel delta.
type Wheel interface {
	Scroll(ctx context.Context, dx, dy float64) error
}

type Scroller struct {
	rand  *rand.Rand
	sleep SleepFunc
}

func NewScroller(sleep SleepFunc) *Scroller {
	return &Scroller{
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: orSleep(sleep),
	}
}

// ScrollNaturally scrolls roughly distance pixels (negative scrolls up) in
// 50px steps with easing, occasional scroll-backs and reading pauses.
func (s *Scroller) ScrollNaturally(ctx context.Context, w Wheel, distance int) error {
	direction := 1.0
	if distance < 0 {
		direction, distance = -1, -distance
	}
	totalSteps := distance / 50
	if totalSteps == 0 {
		totalSteps = 1
	}

	for i := 0; i < totalSteps; i++ {
		amount := float64(50 + int(s.rand.Float64()*20-10))
		if err := w.Scroll(ctx, 0, direction*amount); err != nil {
			return err
		}
		delay := time.Duration(50.0/scrollSpeed(i, totalSteps)) * time.Millisecond
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		if s.rand.Float64() < 0.15 {
			if err := w.Scroll(ctx, 0, -direction*10); err != nil {
				return err
			}
			if err := s.sleep(ctx, 200*time.Millisecond); err != nil {
				return err
			}
		}

		if s.rand.Float64() < 0.1 {
			if err := s.sleep(ctx, time.Duration(500+s.rand.Intn(1500))*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

// RandomScroll scrolls 200-600px down, as if glancing over the page.
func (s *Scroller) RandomScroll(ctx context.Context, w Wheel) error {
	return s.ScrollNaturally(ctx, w, 200+s.rand.Intn(400))
}

func scrollSpeed(step, totalSteps int) float64 {
	progress := float64(step) / float64(totalSteps)
	switch {
	case progress < 0.2:
		return 0.5 + progress*2.5
	case progress > 0.8:
		return 1.0 - (progress-0.8)*2.5
	}
	return 1.0
}
