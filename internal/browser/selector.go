package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"rewards-automation/internal/stealth"
)

// Selector is a named list of CSS strategies tried in order. The first
// strategy with any match wins.
type Selector struct {
	Name string
	CSS  []string
}

func NewSelector(name string, css ...string) Selector {
	return Selector{Name: name, CSS: css}
}

func (s Selector) String() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.Join(s.CSS, " | ")
}

// Action runs against the matches of a Selector.
type Action func(ctx context.Context, matches []Element) error

// Exists succeeds as soon as the selector matched.
func Exists(context.Context, []Element) error { return nil }

// ClickFirst clicks the first visible match.
func (s *Session) ClickFirst() Action {
	return func(ctx context.Context, matches []Element) error {
		el, err := firstVisible(ctx, matches)
		if err != nil {
			return err
		}
		return s.Click(ctx, el)
	}
}

// ClickRandom clicks one visible match picked at random.
func (s *Session) ClickRandom(rng *rand.Rand) Action {
	return func(ctx context.Context, matches []Element) error {
		visible := make([]Element, 0, len(matches))
		for _, el := range matches {
			if ok, err := el.Visible(ctx); err == nil && ok {
				visible = append(visible, el)
			}
		}
		if len(visible) == 0 {
			return fmt.Errorf("%w: no visible match", ErrNotInteractable)
		}
		return s.Click(ctx, visible[rng.Intn(len(visible))])
	}
}

// TypeInto focuses the first visible match, clears it and types text like a
// person. Clearing first keeps a retried attempt from doubling the text.
func (s *Session) TypeInto(text string, submit bool) Action {
	return func(ctx context.Context, matches []Element) error {
		el, err := firstVisible(ctx, matches)
		if err != nil {
			return err
		}
		if err := s.Click(ctx, el); err != nil {
			return err
		}
		if err := el.Clear(ctx); err != nil {
			return err
		}
		if err := s.typer.Type(ctx, keyboard{el}, text); err != nil {
			return err
		}
		if submit {
			return el.Press(ctx, KeyEnter)
		}
		return nil
	}
}

// Type waits for sel and types text into it. The attempt budget is the
// element timeout plus the time the typer may need for text.
func (s *Session) Type(ctx context.Context, sel Selector, text string, submit bool) error {
	return s.FindAndActWithin(ctx, sel, s.TypeInto(text, submit), s.opts.ElementTimeout+s.typer.Budget(text))
}

func firstVisible(ctx context.Context, matches []Element) (Element, error) {
	for _, el := range matches {
		if ok, err := el.Visible(ctx); err == nil && ok {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: no visible match", ErrNotInteractable)
}

// keyboard adapts an Element to the typer.
type keyboard struct{ el Element }

func (k keyboard) Input(ctx context.Context, text string) error { return k.el.Input(ctx, text) }
func (k keyboard) Backspace(ctx context.Context) error        { return k.el.Press(ctx, KeyBackspace) }

var _ stealth.Keyboard = keyboard{}
