package stealth

import (
	"context"
	"math/rand"
	"time"
)

// Target is anything the cursor can rest on.
type Target interface {
	Visible(ctx context.Context) (bool, error)
	Center(ctx context.Context) (x, y float64, err error)
}

type HoverBehavior struct {
	mouse *Mouse
	rand  *rand.Rand
	sleep SleepFunc
}

// NewHoverBehavior pauses through the same sleep as mouse.
func NewHoverBehavior(mouse *Mouse) *HoverBehavior {
	return &HoverBehavior{
		mouse: mouse,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: mouse.sleep,
	}
}

// HoverRandom rests the cursor on one visible candidate for 0.5-2s. It
// reports whether a target was found.
func HoverRandom[T Target](ctx context.Context, h *HoverBehavior, p Pointer, candidates []T) (bool, error) {
	order := h.rand.Perm(len(candidates))
	for _, i := range order {
		target := candidates[i]
		visible, err := target.Visible(ctx)
		if err != nil || !visible {
			continue
		}
		x, y, err := target.Center(ctx)
		if err != nil {
			continue
		}
		// Land somewhere near the middle rather than on it.
		x += h.rand.Float64()*10 - 5
		y += h.rand.Float64()*6 - 3
		if err := h.mouse.MoveTo(ctx, p, Point{X: x, Y: y}); err != nil {
			return false, err
		}
		return true, h.sleep(ctx, time.Duration(500+h.rand.Intn(1500))*time.Millisecond)
	}
	return false, nil
}
