package activity

import (
	"context"
	"regexp"
	"strconv"

	"rewards-automation/internal/browser"
)

// poll votes for one option at random.
func (e *Engine) poll(ctx context.Context, s *browser.Session) error {
	return s.FindAndAct(ctx, e.opts.PollOptions, s.ClickRandom(e.rand))
}

// quiz answers arbitrary options until the completion banner shows or the
// options disappear.
func (e *Engine) quiz(ctx context.Context, s *browser.Session) error {
	if err := e.start(ctx, s); err != nil {
		return err
	}
	for step := 0; step < e.opts.QuizMaxSteps; step++ {
		if step > 0 {
			finished, err := e.nextStep(ctx, s)
			if err != nil || finished {
				return err
			}
		}
		if err := s.FindAndAct(ctx, e.opts.AnswerOptions, s.ClickRandom(e.rand)); err != nil {
			return err
		}
	}
	return e.finalCheck(ctx, s)
}

// trivia clicks through steps until the progress indicator reads N/N or the
// completion banner shows.
func (e *Engine) trivia(ctx context.Context, s *browser.Session) error {
	if err := e.start(ctx, s); err != nil {
		return err
	}
	for step := 0; step < e.opts.TriviaMaxSteps; step++ {
		if done, err := e.progressDone(ctx, s); err != nil || done {
			return err
		}
		if step > 0 {
			finished, err := e.nextStep(ctx, s)
			if err != nil || finished {
				return err
			}
		}
		if err := s.FindAndAct(ctx, e.opts.AnswerOptions, s.ClickRandom(e.rand)); err != nil {
			return err
		}
	}
	if done, err := e.progressDone(ctx, s); err != nil || done {
		return err
	}
	return e.finalCheck(ctx, s)
}

// start clicks the start button when the activity shows one.
func (e *Engine) start(ctx context.Context, s *browser.Session) error {
	els, err := s.Query(ctx, e.opts.Start)
	if err != nil || len(els) == 0 {
		return err
	}
	return s.FindAndAct(ctx, e.opts.Start, s.ClickFirst())
}

// nextStep waits for either the banner (finished) or the next set of
// options. When neither appears the activity has moved on: finished.
func (e *Engine) nextStep(ctx context.Context, s *browser.Session) (bool, error) {
	idx, err := s.WaitAny(ctx, e.opts.StepTimeout, e.opts.CompleteBanner, e.opts.AnswerOptions)
	switch {
	case err == nil:
		return idx == 0, nil
	case browser.IsFatal(err), ctx.Err() != nil:
		return false, err
	}
	if err := s.CheckChallenge(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// finalCheck gives the banner one last chance after the step limit.
func (e *Engine) finalCheck(ctx context.Context, s *browser.Session) error {
	_, err := s.WaitAny(ctx, e.opts.StepTimeout, e.opts.CompleteBanner)
	switch {
	case err == nil:
		return nil
	case browser.IsFatal(err), ctx.Err() != nil:
		return err
	}
	return ErrStepsExhausted
}

var progressPattern = regexp.MustCompile(`(\d+)\s*(?:/|of)\s*(\d+)`)

// progressDone reads an "N/M" or "N of M" indicator.
func (e *Engine) progressDone(ctx context.Context, s *browser.Session) (bool, error) {
	els, err := s.Query(ctx, e.opts.Progress)
	if err != nil {
		return false, err
	}
	for _, el := range els {
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		if m := progressPattern.FindStringSubmatch(text); m != nil {
			n, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			return total > 0 && n >= total, nil
		}
	}
	return false, nil
}
