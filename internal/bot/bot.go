// Package bot runs the phases of a rewards session: daily activities and
// the desktop and mobile searches, one browser session per phase.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rewards-automation/internal/activity"
	"rewards-automation/internal/browser"
	"rewards-automation/internal/config"
	"rewards-automation/internal/metrics"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/query"
	"rewards-automation/internal/search"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

type Mode string

const (
	ModeSearch Mode = "search"
	ModeMobile Mode = "mobile"
	ModeDaily  Mode = "daily"
	ModeRun    Mode = "run"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSearch, ModeMobile, ModeDaily, ModeRun:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type phase struct {
	name     string
	profile  browser.Profile
	activity bool
}

var (
	dailyPhase   = phase{name: "daily", profile: browser.Desktop, activity: true}
	desktopPhase = phase{name: "desktop", profile: browser.Desktop}
	mobilePhase  = phase{name: "mobile", profile: browser.Mobile}
)

func (m Mode) phases() []phase {
	switch m {
	case ModeSearch:
		return []phase{desktopPhase}
	case ModeMobile:
		return []phase{mobilePhase}
	case ModeDaily:
		return []phase{dailyPhase}
	case ModeRun:
		return []phase{dailyPhase, desktopPhase, mobilePhase}
	}
	return nil
}

type Options struct {
	DryRun        bool
	Quotas        map[browser.Profile]int
	LockTTL       time.Duration
	RetentionDays int
	MetricsFile   string

	Query      query.Options
	Search     search.Options
	Activities activity.Options
}

func OptionsFromConfig(cfg *config.Config, dryRun bool) Options {
	acts := activity.OptionsFromConfig(cfg)
	acts.DryRun = dryRun
	return Options{
		DryRun: dryRun,
		Quotas: map[browser.Profile]int{
			browser.Desktop: cfg.Profiles.Desktop.Target(),
			browser.Mobile:  cfg.Profiles.Mobile.Target(),
		},
		LockTTL:       time.Duration(cfg.Progress.LockTTLMin) * time.Minute,
		RetentionDays: cfg.Progress.RetentionDays,
		MetricsFile:   cfg.Metrics.Textfile,
		Query:         query.Options{HistoryDays: cfg.Query.HistoryDays, Recycle: cfg.Query.RecycleRecent},
		Search:        search.OptionsFromConfig(cfg.Search),
		Activities:    acts,
	}
}

// Account is one signed-in browser profile and the manager that opens its
// sessions. The unnamed account keeps the ledger's short scopes.
type Account struct {
	Name     string
	Market   string
	Sessions *browser.Manager
}

func (a Account) label() string {
	if a.Name == "" {
		return "default"
	}
	return a.Name
}

// Deps are the collaborators a Bot drives. Metrics may be nil.
type Deps struct {
	Accounts   []Account
	Tracker    *progress.Tracker
	Sources    []query.Source
	Classifier activity.Classifier
	Pacer      stealth.Pacer
	Metrics    *metrics.Metrics
	Logger     logger.Logger
}

type Bot struct {
	accounts   []Account
	tracker    *progress.Tracker
	sources    []query.Source
	classifier activity.Classifier
	pacer      stealth.Pacer
	metrics    *metrics.Metrics
	opts       Options
	logger     logger.Logger
	now        func() time.Time
}

func New(deps Deps, opts Options) *Bot {
	if deps.Pacer == nil {
		deps.Pacer = stealth.NoDelay{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	return &Bot{
		accounts:   deps.Accounts,
		tracker:    deps.Tracker,
		sources:    deps.Sources,
		classifier: deps.Classifier,
		pacer:      deps.Pacer,
		metrics:    deps.Metrics,
		opts:       opts,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// accountRun is the state of one account's pass through the phases.
type accountRun struct {
	account Account
	tracker *progress.Tracker
	terms   *query.Generator
	sum     *Summary
	log     logger.Logger
}

// Run executes the phases of mode for every account in order, holding the
// ledger lock throughout. It returns one summary per account it started.
// A session error stops that account only; a challenge or cancellation also
// skips the accounts after it. Misses and exhausted terms are reported in
// the summaries only.
func (b *Bot) Run(ctx context.Context, mode Mode) ([]*Summary, error) {
	phases := mode.phases()
	if phases == nil {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if len(b.accounts) == 0 {
		return nil, errors.New("no accounts configured")
	}

	runID := uuid.NewString()
	log := b.logger.With("run", runID, "mode", string(mode))
	log.Info("run started", "day", string(b.tracker.Today()), "accounts", len(b.accounts), "dry_run", b.opts.DryRun)

	if !b.opts.DryRun {
		release, err := b.tracker.Acquire(ctx, runID, b.opts.LockTTL)
		if err != nil {
			if errors.Is(err, progress.ErrLocked) {
				return nil, fmt.Errorf("another run holds the ledger: %w", err)
			}
			return nil, fmt.Errorf("acquire ledger lock: %w", err)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				log.Warn("failed to release ledger lock", "error", err)
			}
		}()
		b.prune(ctx, log)
	}

	var (
		sums []*Summary
		errs []error
	)
	for i, acct := range b.accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sum, err := b.runAccount(ctx, mode, phases, acct, log)
		sums = append(sums, sum)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("account %s: %w", acct.label(), err))
		if errors.Is(err, browser.ErrChallengeDetected) || ctx.Err() != nil {
			if left := len(b.accounts) - i - 1; left > 0 {
				log.Warn("skipping remaining accounts", "accounts", left, "error", err)
			}
			break
		}
	}

	b.metrics.MarkRun(string(mode), b.now())
	if err := b.metrics.WriteTextfile(b.opts.MetricsFile); err != nil {
		log.Warn("failed to write metrics", "error", err)
	}
	return sums, errors.Join(errs...)
}

func (b *Bot) runAccount(ctx context.Context, mode Mode, phases []phase, acct Account, log logger.Logger) (*Summary, error) {
	tracker := b.tracker.ForAccount(acct.Name)
	sum := newSummary(progress.RunRecord{
		ID:        uuid.NewString(),
		Account:   acct.Name,
		Mode:      string(mode),
		Day:       tracker.Today(),
		DryRun:    b.opts.DryRun,
		StartedAt: b.now(),
	})
	log = log.With("account", acct.label())
	log.Info("account started", "record", sum.Record.ID)

	qopts := b.opts.Query
	qopts.Seed = acct.Name
	run := &accountRun{
		account: acct,
		tracker: tracker,
		terms:   query.NewGenerator(b.sources, tracker, qopts, log),
		sum:     sum,
		log:     log,
	}

	var runErr error
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := b.runPhase(ctx, run, ph); err != nil {
			runErr = err
			break
		}
	}

	sum.Record.FinishedAt = b.now()
	if runErr != nil {
		sum.Record.AbortReason = runErr.Error()
		log.Error("account aborted", "error", runErr)
	} else {
		log.Info("account finished", "elapsed", sum.Record.FinishedAt.Sub(sum.Record.StartedAt).Round(time.Second).String())
	}
	b.saveRun(sum, log)
	return sum, runErr
}

func (b *Bot) prune(ctx context.Context, log logger.Logger) {
	if b.opts.RetentionDays <= 0 {
		return
	}
	n, err := b.tracker.Prune(ctx, b.opts.RetentionDays)
	if err != nil {
		log.Warn("failed to prune ledger", "error", err)
		return
	}
	if n > 0 {
		log.Info("pruned old ledger entries", "entries", n, "retention_days", b.opts.RetentionDays)
	}
}

// runPhase opens a session for the phase and closes it exactly once,
// whatever the outcome.
func (b *Bot) runPhase(ctx context.Context, run *accountRun, ph phase) (err error) {
	log := run.log.With("phase", ph.name)
	start := b.now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "aborted"
			b.metrics.IncAbort(ph.name, abortReason(err))
		}
		b.metrics.ObservePhase(ph.name, status, b.now().Sub(start))
	}()

	quota := b.opts.Quotas[ph.profile]
	if !ph.activity {
		if quota <= 0 {
			log.Info("search quota is zero, phase skipped")
			return nil
		}
		if b.opts.DryRun {
			return b.previewSearches(ctx, run, ph.profile, quota, log)
		}
	}

	session, err := run.account.Sessions.Open(ctx, ph.profile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("failed to close session", "error", cerr)
		}
	}()

	if ph.activity {
		return b.runActivities(ctx, run, session, log)
	}
	return b.runSearches(ctx, run, session, quota, log)
}

func (b *Bot) runSearches(ctx context.Context, run *accountRun, s *browser.Session, quota int, log logger.Logger) error {
	opts := b.opts.Search
	if run.account.Market != "" {
		opts.Market = run.account.Market
	}
	runner := search.NewRunner(s, run.tracker, run.terms, b.pacer, opts, log)
	res, err := runner.Run(ctx, quota)
	run.sum.addSearch(res)

	account, profile := run.account.label(), string(res.Profile)
	b.metrics.AddSearches(account, profile, "completed", res.Completed)
	b.metrics.AddSearches(account, profile, "missed", res.Misses)
	b.metrics.AddSearches(account, profile, "skipped", res.Skipped)
	if err == nil && res.State == search.Aborted {
		b.metrics.IncAbort(profile, "breaker")
	}
	return err
}

func (b *Bot) runActivities(ctx context.Context, run *accountRun, s *browser.Session, log logger.Logger) error {
	engine := activity.NewEngine(run.tracker, b.classifier, b.pacer, b.opts.Activities, log)
	res, err := engine.Run(ctx, s)
	run.sum.addActivities(res)

	account := run.account.label()
	b.metrics.AddActivities(account, "completed", res.Completed)
	b.metrics.AddActivities(account, "skipped", res.Skipped)
	b.metrics.AddActivities(account, "missed", res.Missed)
	b.metrics.AddActivities(account, "already_done", res.AlreadyDone)
	return err
}

// previewSearches lists the terms a search phase would use, without a
// browser and without touching the ledger.
func (b *Bot) previewSearches(ctx context.Context, run *accountRun, profile browser.Profile, quota int, log logger.Logger) error {
	done, err := run.tracker.SearchCount(ctx, run.tracker.Today(), string(profile))
	if err != nil {
		return fmt.Errorf("read search count: %w", err)
	}
	remaining := quota - done
	if remaining <= 0 {
		log.Info("dry run: search quota already met", "quota", quota, "done", done)
		return nil
	}
	planned := run.terms.Generate(ctx, string(profile), remaining)
	for i, term := range planned {
		log.Info("dry run: would search", "n", i+1, "query", term)
	}
	run.sum.Planned[profile] = planned
	return nil
}

func (b *Bot) saveRun(sum *Summary, log logger.Logger) {
	if b.opts.DryRun {
		return
	}
	// the run context may already be cancelled; the record is still wanted
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.tracker.SaveRun(ctx, sum.Record); err != nil {
		log.Warn("failed to save run record", "error", err)
	}
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, browser.ErrChallengeDetected):
		return "challenge"
	case errors.Is(err, browser.ErrSession):
		return "session"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
