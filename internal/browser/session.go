package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rewards-automation/internal/auth"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

// RetryPolicy bounds every interaction: at most Attempts tries with
// exponential backoff between them.
type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Session is one authenticated browser context. Every interaction goes
// through the same retry wrapper, pacing and challenge detection.
type Session struct {
	profile  Profile
	page     Page
	opts     Options
	detector ChallengeDetector
	pacer    stealth.Pacer
	typer    *stealth.Typer
	mouse    *stealth.Mouse
	scroller *stealth.Scroller
	hover    *stealth.HoverBehavior
	state    *auth.StateFile
	logger   logger.Logger

	mu     sync.Mutex
	closed bool
}

func (s *Session) Profile() Profile { return s.profile }

// Alive reports whether the session has not been closed.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) check() error {
	if !s.Alive() {
		return &SessionError{Profile: s.profile, Reason: "session closed"}
	}
	return nil
}

// Navigate loads url, paces, then checks for a challenge wall.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.check(); err != nil {
		return err
	}
	err := s.retry(ctx, "navigate "+url, func() error {
		nctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
		defer cancel()
		return attemptErr(ctx, s.page.Navigate(nctx, url))
	})
	if err != nil {
		return err
	}
	if err := s.pacer.Wait(ctx, stealth.PaceNavigate); err != nil {
		return err
	}
	return s.detector.Check(ctx, s.page)
}

// FindAndAct waits for sel within the element timeout and runs act on its
// matches, retrying transient failures.
func (s *Session) FindAndAct(ctx context.Context, sel Selector, act Action) error {
	return s.FindAndActWithin(ctx, sel, act, s.opts.ElementTimeout)
}

func (s *Session) FindAndActWithin(ctx context.Context, sel Selector, act Action, budget time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.retry(ctx, sel.String(), func() error {
		if err := s.pacer.Wait(ctx, stealth.PaceAction); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		matches, err := s.poll(actx, sel)
		if err != nil {
			return attemptErr(ctx, err)
		}
		return attemptErr(ctx, act(actx, matches))
	})
}

// Query returns the current matches of sel without waiting or retrying.
func (s *Session) Query(ctx context.Context, sel Selector) ([]Element, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	for _, css := range sel.CSS {
		els, err := s.page.Elements(ctx, css)
		if err != nil {
			if errors.Is(err, ErrPageClosed) {
				return nil, &SessionError{Profile: s.profile, Reason: "browser went away", Err: err}
			}
			continue
		}
		if len(els) > 0 {
			return els, nil
		}
	}
	return nil, nil
}

// WaitAny polls until one of sels matches and returns its index.
func (s *Session) WaitAny(ctx context.Context, budget time.Duration, sels ...Selector) (int, error) {
	if err := s.check(); err != nil {
		return -1, err
	}
	wctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	for {
		for i, sel := range sels {
			els, err := s.Query(wctx, sel)
			if err != nil {
				return -1, err
			}
			if len(els) > 0 {
				return i, nil
			}
		}
		if err := stealth.Sleep(wctx, s.opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, fmt.Errorf("%w: none of %d selectors appeared", ErrNotFound, len(sels))
		}
	}
}

func (s *Session) URL(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.page.URL(ctx)
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.page.HTML(ctx)
}

// CheckChallenge runs the challenge detector against the current page.
func (s *Session) CheckChallenge(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.detector.Check(ctx, s.page)
}

// Click moves the cursor onto el when mouse moves are enabled, then clicks.
func (s *Session) Click(ctx context.Context, el Element) error {
	if s.opts.MouseMoves {
		if x, y, err := el.Center(ctx); err == nil {
			if err := s.mouse.MoveTo(ctx, s.page, stealth.Point{X: x, Y: y}); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return el.Click(ctx)
}

var browseTargets = NewSelector("links", "a[href]", "button")

// Browse scrolls a little and rests the cursor on a random link. Failures
// other than cancellation are ignored.
func (s *Session) Browse(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.scroller.RandomScroll(ctx, s.page); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.opts.MouseMoves {
		return nil
	}
	links, _ := s.Query(ctx, browseTargets)
	if len(links) > 20 {
		links = links[:20]
	}
	if _, err := stealth.HoverRandom(ctx, s.hover, s.page, links); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Close tears the browser down. Only the first call does anything.
func (s *Session) Close() error {
	return s.close(s.opts.SaveState)
}

func (s *Session) close(saveState bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if saveState && s.state != nil {
		s.saveState()
	}
	if err := s.page.Close(); err != nil {
		return fmt.Errorf("close %s session: %w", s.profile, err)
	}
	s.logger.Info("session closed")
	return nil
}

func (s *Session) saveState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cookies, err := s.page.Cookies(ctx)
	if err != nil {
		s.logger.Warn("failed to read cookies", "error", err)
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := s.state.Save(cookies); err != nil {
		s.logger.Warn("failed to save storage state", "path", s.state.Path(), "error", err)
		return
	}
	s.logger.Debug("storage state saved", "cookies", len(cookies))
}

func (s *Session) poll(ctx context.Context, sel Selector) ([]Element, error) {
	for {
		for _, css := range sel.CSS {
			els, err := s.page.Elements(ctx, css)
			if err != nil {
				if errors.Is(err, ErrPageClosed) {
					return nil, err
				}
				continue
			}
			if len(els) > 0 {
				return els, nil
			}
		}
		if err := stealth.Sleep(ctx, s.opts.PollInterval); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
		}
	}
}

// retry runs op under the session's retry policy. Challenges, cancellation
// and non-transient errors stop immediately; exhausted retries become an
// *InteractionError.
func (s *Session) retry(ctx context.Context, target string, op func() error) error {
	var (
		attempts  int
		last      error
		permanent bool
	)
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		last = err

		stop := func(err error) error {
			permanent = true
			return backoff.Permanent(err)
		}
		switch {
		case ctx.Err() != nil:
			return stop(ctx.Err())
		case errors.Is(err, ErrChallengeDetected):
			return stop(err)
		case errors.Is(err, ErrPageClosed):
			return stop(&SessionError{Profile: s.profile, Reason: "browser went away", Err: err})
		}
		if challenge := s.detector.Check(ctx, s.page); challenge != nil {
			return stop(challenge)
		}
		if !retryable(err) {
			return stop(err)
		}
		s.logger.Debug("interaction attempt failed", "target", target, "attempt", attempts, "error", err)
		return err
	}, backoff.WithContext(s.opts.Retry.backOff(), ctx))

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &InteractionError{Target: target, Attempts: attempts, Err: last}
}

// attemptErr turns a per-attempt deadline into a retryable error while
// leaving parent cancellation alone.
func attemptErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
	}
	return err
}
