package activity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"rewards-automation/internal/browser"
	"rewards-automation/internal/config"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

// ErrStepsExhausted means a multi-step activity did not finish within its
// step limit.
var ErrStepsExhausted = errors.New("activity: step limit reached before completion")

type Options struct {
	DashboardURL string

	Cards     browser.Selector
	Title     []string
	Points    []string
	Completed []string

	PollOptions    browser.Selector
	AnswerOptions  browser.Selector
	Start          browser.Selector
	Progress       browser.Selector
	CompleteBanner browser.Selector

	QuizMaxSteps   int
	TriviaMaxSteps int
	// StepTimeout bounds the wait for the next question or the banner.
	StepTimeout time.Duration

	DryRun bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	a := cfg.Activities
	return Options{
		DashboardURL:   a.DashboardURL,
		Cards:          browser.NewSelector("activity cards", a.CardSelectors...),
		Title:          a.TitleSelectors,
		Points:         a.PointsSelectors,
		Completed:      a.CompletedMarkers,
		PollOptions:    browser.NewSelector("poll options", a.PollOptions...),
		AnswerOptions:  browser.NewSelector("answer options", a.AnswerOptions...),
		Start:          browser.NewSelector("start button", a.StartSelectors...),
		Progress:       browser.NewSelector("progress indicator", a.ProgressSelectors...),
		CompleteBanner: browser.NewSelector("completion banner", a.CompleteBanners...),
		QuizMaxSteps:   a.QuizMaxSteps,
		TriviaMaxSteps: a.TriviaMaxSteps,
		StepTimeout:    cfg.ElementTimeout(),
	}
}

// ClassifierFromConfig builds the default rules. A start button counts as a
// trivia marker.
func ClassifierFromConfig(cfg config.ActivitiesConfig) RuleClassifier {
	trivia := append(append([]string(nil), cfg.TriviaMarkers...), cfg.StartSelectors...)
	return RuleClassifier{Poll: cfg.PollMarkers, Quiz: cfg.QuizMarkers, Trivia: trivia}
}

// Ledger is the part of the progress tracker the engine uses.
type Ledger interface {
	Today() progress.Day
	HasCompletedActivity(ctx context.Context, day progress.Day, cardID string) (bool, error)
	RecordActivity(ctx context.Context, day progress.Day, cardID, title string) error
	RecordSkipped(ctx context.Context, day progress.Day, cardID, title string) error
}

type Result struct {
	Discovered  int
	Completed   int
	Skipped     int
	Missed      int
	AlreadyDone int
	Cards       []Card
	AbortReason string
}

type Engine struct {
	ledger     Ledger
	classifier Classifier
	pacer      stealth.Pacer
	opts       Options
	logger     logger.Logger
	rand       *rand.Rand
}

func NewEngine(ledger Ledger, classifier Classifier, pacer stealth.Pacer, opts Options, log logger.Logger) *Engine {
	if pacer == nil {
		pacer = stealth.NoDelay{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.QuizMaxSteps <= 0 {
		opts.QuizMaxSteps = 10
	}
	if opts.TriviaMaxSteps <= 0 {
		opts.TriviaMaxSteps = 15
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	return &Engine{
		ledger:     ledger,
		classifier: classifier,
		pacer:      pacer,
		opts:       opts,
		logger:     log,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Discover loads the dashboard and parses every activity card on it.
func (e *Engine) Discover(ctx context.Context, s *browser.Session) ([]Card, error) {
	if err := s.Navigate(ctx, e.opts.DashboardURL); err != nil {
		return nil, err
	}
	// cards render after the shell; a dashboard without any is not an error
	if _, err := s.WaitAny(ctx, e.opts.StepTimeout, e.opts.Cards); err != nil {
		if browser.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		e.logger.Info("no activity cards on dashboard")
		return nil, nil
	}
	els, err := s.Query(ctx, e.opts.Cards)
	if err != nil {
		return nil, err
	}

	parser := CardParser{Title: e.opts.Title, Points: e.opts.Points, Completed: e.opts.Completed}
	if base, err := url.Parse(e.opts.DashboardURL); err == nil {
		parser.Base = base
	}

	cards := make([]Card, 0, len(els))
	for i, el := range els {
		card, ok, err := parser.Parse(ctx, el, i)
		if err != nil {
			e.logger.Debug("failed to parse activity card", "position", i, "error", err)
			continue
		}
		if ok {
			card.Kind = e.classifier.Classify(card.HTML, "")
			cards = append(cards, card)
		}
	}
	disambiguate(cards)
	return cards, nil
}

// Run completes every pending card once. Session errors and challenges stop
// the pass and are returned together with the results so far; any other
// failure is counted as a miss.
func (e *Engine) Run(ctx context.Context, s *browser.Session) (Result, error) {
	var res Result
	day := e.ledger.Today()

	cards, err := e.Discover(ctx, s)
	if err != nil {
		return e.abort(res, err)
	}
	res.Discovered = len(cards)
	e.logger.Info("activity cards discovered", "cards", len(cards))

	attempted := 0
	for i := range cards {
		card := &cards[i]
		log := e.logger.With("card", card.ID, "title", card.Title)

		if card.State == StateCompleted {
			res.AlreadyDone++
			res.Cards = append(res.Cards, *card)
			continue
		}
		done, err := e.ledger.HasCompletedActivity(ctx, day, card.ID)
		if err != nil {
			return e.abort(res, fmt.Errorf("read ledger: %w", err))
		}
		if done {
			log.Debug("activity already handled today")
			res.AlreadyDone++
			res.Cards = append(res.Cards, *card)
			continue
		}

		if e.opts.DryRun {
			log.Info("dry run: would open activity", "kind", card.Kind, "points", card.Points, "link", card.Link)
			res.Cards = append(res.Cards, *card)
			continue
		}

		if attempted > 0 {
			if err := e.pacer.Wait(ctx, stealth.PaceBetweenActivities); err != nil {
				return e.abort(res, err)
			}
		}
		attempted++

		err = e.complete(ctx, s, card)
		res.Cards = append(res.Cards, *card)
		switch {
		case err == nil && card.State == StateSkipped:
			if err := e.ledger.RecordSkipped(ctx, day, card.ID, card.Title); err != nil {
				return e.abort(res, fmt.Errorf("record skipped activity: %w", err))
			}
			res.Skipped++
			log.Info("activity not recognised, skipped")

		case err == nil:
			if err := e.ledger.RecordActivity(ctx, day, card.ID, card.Title); err != nil {
				return e.abort(res, fmt.Errorf("record activity: %w", err))
			}
			res.Completed++
			log.Info("activity completed", "kind", card.Kind, "points", card.Points)

		case browser.IsFatal(err), ctx.Err() != nil:
			return e.abort(res, err)

		default:
			res.Missed++
			log.Warn("activity missed", "kind", card.Kind, "error", err)
		}

		if i < len(cards)-1 {
			if err := s.Navigate(ctx, e.opts.DashboardURL); err != nil {
				if browser.IsFatal(err) || ctx.Err() != nil {
					return e.abort(res, err)
				}
				log.Warn("failed to return to dashboard", "error", err)
			}
		}
	}

	e.logger.Info("activity pass finished",
		"completed", res.Completed, "skipped", res.Skipped, "missed", res.Missed, "already_done", res.AlreadyDone)
	return res, nil
}

func (e *Engine) abort(res Result, err error) (Result, error) {
	res.AbortReason = err.Error()
	e.logger.Error("aborting activity pass", "error", err, "completed", res.Completed)
	return res, err
}

// complete opens the card, classifies the page and runs the matching
// routine. card.State reflects the outcome.
func (e *Engine) complete(ctx context.Context, s *browser.Session, card *Card) error {
	card.State = StateInProgress
	if err := s.Navigate(ctx, card.Link); err != nil {
		card.State = StatePending
		return err
	}

	if mk, ok := e.classifier.(interface{ Markers() []string }); ok {
		markers := browser.NewSelector("activity markers", mk.Markers()...)
		if _, err := s.WaitAny(ctx, e.opts.StepTimeout, markers); err != nil && (browser.IsFatal(err) || ctx.Err() != nil) {
			return err
		}
	}
	page, err := s.HTML(ctx)
	if err != nil {
		card.State = StatePending
		return err
	}
	card.Kind = e.classifier.Classify(card.HTML, page)

	switch card.Kind {
	case KindPoll:
		err = e.poll(ctx, s)
	case KindQuiz:
		err = e.quiz(ctx, s)
	case KindTrivia:
		err = e.trivia(ctx, s)
	default:
		card.State = StateSkipped
		return nil
	}
	if err != nil {
		card.State = StatePending
		return err
	}
	card.State = StateCompleted
	return nil
}
