// Package search submits the day's search quota for one device profile.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"rewards-automation/internal/browser"
	"rewards-automation/internal/config"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/query"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

type State int

const (
	Pending State = iota
	Searching
	Completed
	Exhausted
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Searching:
		return "searching"
	case Completed:
		return "completed"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Submit modes.
const (
	SubmitURL  = "url"
	SubmitType = "type"
)

type Options struct {
	BaseURL string
	Submit  string
	Market  string
	Results browser.Selector
	Box     browser.Selector

	BreakerThreshold int
	BreakerBase      time.Duration
	BreakerMax       time.Duration
}

func OptionsFromConfig(cfg config.SearchConfig) Options {
	return Options{
		BaseURL:          cfg.BaseURL,
		Submit:           cfg.Submit,
		Market:           cfg.Market,
		Results:          browser.NewSelector("search results", cfg.ResultsSelectors...),
		Box:              browser.NewSelector("search box", cfg.BoxSelectors...),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerBase:      time.Duration(cfg.BreakerBaseSec * float64(time.Second)),
		BreakerMax:       time.Duration(cfg.BreakerMaxSec * float64(time.Second)),
	}
}

// SearchURL builds the results URL for term. A market such as "en-US" adds
// the country and language parameters.
func SearchURL(base, term, market string) string {
	v := url.Values{}
	v.Set("q", term)
	v.Set("form", "QBRE")
	if market != "" {
		m := strings.ToLower(market)
		cc := m
		if i := strings.LastIndexAny(m, "-_"); i >= 0 {
			cc = m[i+1:]
		}
		v.Set("cc", cc)
		v.Set("setlang", m)
	}
	return strings.TrimRight(base, "/") + "/search?" + v.Encode()
}

// Ledger is the part of the progress tracker the runner uses.
type Ledger interface {
	Today() progress.Day
	HasCompletedSearch(ctx context.Context, day progress.Day, profile, queryHash string) (bool, error)
	RecordSearch(ctx context.Context, day progress.Day, profile, queryHash, query string) error
	SearchCount(ctx context.Context, day progress.Day, profile string) (int, error)
}

type Result struct {
	Profile     browser.Profile
	State       State
	Quota       int
	Attempts    int
	Completed   int
	Misses      int
	Skipped     int
	AbortReason string
}

// Runner drives one profile's searches through an open session.
type Runner struct {
	session *browser.Session
	ledger  Ledger
	terms   *query.Generator
	pacer   stealth.Pacer
	opts    Options
	logger  logger.Logger
}

func NewRunner(session *browser.Session, ledger Ledger, terms *query.Generator, pacer stealth.Pacer, opts Options, log logger.Logger) *Runner {
	if pacer == nil {
		pacer = stealth.NoDelay{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.Submit == "" {
		opts.Submit = SubmitURL
	}
	return &Runner{
		session: session,
		ledger:  ledger,
		terms:   terms,
		pacer:   pacer,
		opts:    opts,
		logger:  log.With("profile", string(session.Profile())),
	}
}

// Run searches until the day's count for the profile reaches quota, the
// terms run out or the session fails. Only session errors, challenges and
// cancellation are returned as errors; misses are counted.
func (r *Runner) Run(ctx context.Context, quota int) (Result, error) {
	profile := string(r.session.Profile())
	res := Result{Profile: r.session.Profile(), State: Pending, Quota: quota}

	day := r.ledger.Today()
	done, err := r.ledger.SearchCount(ctx, day, profile)
	if err != nil {
		return r.abort(res, fmt.Errorf("read search count: %w", err))
	}
	remaining := quota - done
	if remaining <= 0 {
		r.logger.Info("search quota already met", "quota", quota, "done", done)
		res.State = Completed
		return res, nil
	}

	r.logger.Info("starting searches", "quota", quota, "done", done, "remaining", remaining)
	res.State = Searching
	breaker := NewBreaker(r.opts.BreakerThreshold, r.opts.BreakerBase, r.opts.BreakerMax, r.pacer.Sleep)
	seq := r.terms.Sequence(ctx, profile, remaining)

	for res.Completed < remaining {
		if err := ctx.Err(); err != nil {
			return r.abort(res, err)
		}

		term, ok := seq.Next()
		if !ok {
			if ctx.Err() != nil {
				return r.abort(res, ctx.Err())
			}
			r.logger.Info("no more search terms", "reason", query.ErrQuotaExhausted, "completed", res.Completed, "remaining", remaining-res.Completed)
			res.State = Exhausted
			return res, nil
		}

		hash := query.HashQuery(term)
		seen, err := r.ledger.HasCompletedSearch(ctx, day, profile, hash)
		if err != nil {
			return r.abort(res, fmt.Errorf("read ledger: %w", err))
		}
		if seen {
			res.Skipped++
			seq.Extend(1)
			continue
		}

		if res.Attempts > 0 {
			if err := r.pacer.Wait(ctx, stealth.PaceBetweenSearches); err != nil {
				return r.abort(res, err)
			}
		}
		res.Attempts++

		err = r.submit(ctx, term)
		switch {
		case err == nil:
			if err := r.ledger.RecordSearch(ctx, day, profile, hash, term); err != nil {
				return r.abort(res, fmt.Errorf("record search: %w", err))
			}
			res.Completed++
			breaker.RecordSuccess()
			r.logger.Debug("search completed", "query", term, "completed", res.Completed, "remaining", remaining-res.Completed)

		case browser.IsFatal(err), ctx.Err() != nil:
			return r.abort(res, err)

		default:
			res.Misses++
			seq.Extend(1)
			breaker.RecordFailure()
			r.logger.Warn("search missed", "query", term, "error", err, "misses", res.Misses, "cooldown", breaker.Cooldown())
			if breaker.Open() {
				res.State = Aborted
				res.AbortReason = fmt.Sprintf("%d consecutive misses", r.opts.BreakerThreshold)
				r.logger.Error("too many consecutive misses, ending phase", "misses", res.Misses)
				return res, nil
			}
			if err := breaker.Wait(ctx); err != nil {
				return r.abort(res, err)
			}
		}
	}

	res.State = Completed
	r.logger.Info("search quota met", "completed", res.Completed, "misses", res.Misses)
	return res, nil
}

func (r *Runner) abort(res Result, err error) (Result, error) {
	res.State = Aborted
	res.AbortReason = err.Error()
	if errors.Is(err, browser.ErrChallengeDetected) {
		r.logger.Error("challenge detected, aborting searches", "error", err)
	} else {
		r.logger.Error("aborting searches", "error", err)
	}
	return res, err
}

// submit runs one search and waits for the results page.
func (r *Runner) submit(ctx context.Context, term string) error {
	switch r.opts.Submit {
	case SubmitType:
		if err := r.session.Navigate(ctx, strings.TrimRight(r.opts.BaseURL, "/")+"/"); err != nil {
			return err
		}
		if err := r.session.Type(ctx, r.opts.Box, term, true); err != nil {
			return err
		}
	default:
		if err := r.session.Navigate(ctx, SearchURL(r.opts.BaseURL, term, r.opts.Market)); err != nil {
			return err
		}
	}
	if err := r.session.FindAndAct(ctx, r.opts.Results, browser.Exists); err != nil {
		return err
	}
	return r.session.Browse(ctx)
}
