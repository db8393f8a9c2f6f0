package stealth

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type Point struct {
	X, Y float64
}

// Pointer moves the page's mouse cursor to an absolute position.
type Pointer interface {
	MoveMouse(ctx context.Context, x, y float64) error
}

// Mouse moves along cubic bezier paths with acceleration, jitter and a small
// overshoot. It remembers where it left the cursor.
type Mouse struct {
	rand    *rand.Rand
	sleep   SleepFunc
	current Point
}

func NewMouse(sleep SleepFunc) *Mouse {
	return &Mouse{
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: orSleep(sleep),
	}
}

func (m *Mouse) Position() Point { return m.current }

func (m *Mouse) MoveTo(ctx context.Context, p Pointer, target Point) error {
	cp1, cp2 := m.controlPoints(m.current, target)

	steps := int(distance(m.current, target) / 5) // 5px per step
	if steps < 10 {
		steps = 10
	}
	path := cubicBezier(m.current, cp1, cp2, target, steps)

	for i, point := range path {
		if err := p.MoveMouse(ctx, point.X, point.Y); err != nil {
			return err
		}
		m.current = point
		if err := m.sleep(ctx, time.Duration(5.0/speed(i, len(path))*float64(time.Second))); err != nil {
			return err
		}

		if m.rand.Float64() < 0.1 {
			jx, jy := m.rand.Float64()*4-2, m.rand.Float64()*4-2
			if err := p.MoveMouse(ctx, point.X+jx, point.Y+jy); err != nil {
				return err
			}
			if err := m.sleep(ctx, 50*time.Millisecond); err != nil {
				return err
			}
		}
	}

	overshoot := 3 + m.rand.Float64()*5
	if err := p.MoveMouse(ctx, target.X+overshoot, target.Y); err != nil {
		return err
	}
	if err := m.sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := p.MoveMouse(ctx, target.X, target.Y); err != nil {
		return err
	}
	m.current = target
	return nil
}

func (m *Mouse) controlPoints(start, end Point) (Point, Point) {
	dx := end.X - start.X
	dy := end.Y - start.Y

	cp1 := Point{
		X: start.X + dx/3 + (m.rand.Float64()*2-1)*math.Abs(dy)*0.3,
		Y: start.Y + dy/3 + (m.rand.Float64()*2-1)*math.Abs(dx)*0.3,
	}
	cp2 := Point{
		X: start.X + 2*dx/3 + (m.rand.Float64()*2-1)*math.Abs(dy)*0.3,
		Y: start.Y + 2*dy/3 + (m.rand.Float64()*2-1)*math.Abs(dx)*0.3,
	}
	return cp1, cp2
}

// B(t) = (1-t)^3 P0 + 3(1-t)^2 t P1 + 3(1-t) t^2 P2 + t^3 P3
func cubicBezier(p0, p1, p2, p3 Point, steps int) []Point {
	points := make([]Point, steps)
	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps-1)

		b0 := math.Pow(1-t, 3)
		b1 := 3 * math.Pow(1-t, 2) * t
		b2 := 3 * (1 - t) * math.Pow(t, 2)
		b3 := math.Pow(t, 3)

		points[i] = Point{
			X: b0*p0.X + b1*p1.X + b2*p2.X + b3*p3.X,
			Y: b0*p0.Y + b1*p1.Y + b2*p2.Y + b3*p3.Y,
		}
	}
	return points
}

// speed in px/s: accelerate over the first 30%, decelerate over the last 30%.
func speed(step, totalSteps int) float64 {
	progress := float64(step) / float64(totalSteps)
	switch {
	case progress < 0.3:
		return 100 + progress*1000
	case progress > 0.7:
		return 400 - (progress-0.7)*666
	}
	return 400
}

func distance(p1, p2 Point) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}
