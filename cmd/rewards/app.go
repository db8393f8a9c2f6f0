package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-automation/internal/activity"
	"rewards-automation/internal/auth"
	"rewards-automation/internal/bot"
	"rewards-automation/internal/browser"
	"rewards-automation/internal/config"
	"rewards-automation/internal/metrics"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/query"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

// app holds what every command needs: config, logger and the ledger.
type app struct {
	cfg     *config.Config
	logger  logger.Logger
	store   progress.Store
	tracker *progress.Tracker
	metrics *metrics.Metrics
}

func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	log, err := logger.NewWithOptions(logger.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Warn("log file unavailable, logging to stdout", "error", err)
	}

	store, err := progress.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  log,
		store:   store,
		tracker: progress.NewTracker(store, loc),
		metrics: metrics.New(),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close progress store", "error", err)
	}
}

// accounts is every configured account, or only the one named by --account.
func (a *app) accounts(only string) ([]config.AccountConfig, error) {
	if only == "" {
		return a.cfg.AccountList(), nil
	}
	acct, err := a.cfg.Account(only)
	if err != nil {
		return nil, err
	}
	return []config.AccountConfig{acct}, nil
}

// account is the single account a command acts on: the one named by
// --account, or the only one configured.
func (a *app) account(only string) (config.AccountConfig, error) {
	accts, err := a.accounts(only)
	if err != nil {
		return config.AccountConfig{}, err
	}
	if len(accts) > 1 {
		return config.AccountConfig{}, errors.New("several accounts are configured, pick one with --account")
	}
	return accts[0], nil
}

func (a *app) stateFile(acct config.AccountConfig) (*auth.StateFile, error) {
	if acct.StateFile == "" {
		return nil, nil
	}
	c, err := auth.CipherFromEnv()
	if err != nil {
		return nil, fmt.Errorf("storage state %s: %w", acct.StateFile, err)
	}
	return auth.NewStateFile(acct.StateFile, c), nil
}

func (a *app) pacer() stealth.Pacer {
	p := a.cfg.Pacing
	return stealth.NewTiming(
		stealth.Range{
			Min: time.Duration(p.MinActionDelayMS) * time.Millisecond,
			Max: time.Duration(p.MaxActionDelayMS) * time.Millisecond,
		},
		stealth.Range{
			Min: time.Duration(p.MinSearchDelaySec * float64(time.Second)),
			Max: time.Duration(p.MaxSearchDelaySec * float64(time.Second)),
		},
	)
}

func (a *app) sources() ([]query.Source, error) {
	sources, err := query.SourcesFromConfig(a.cfg.Query)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no query sources configured")
	}
	return sources, nil
}

func (a *app) newBot(flags *rootFlags) (*bot.Bot, error) {
	accts, err := a.accounts(flags.account)
	if err != nil {
		return nil, err
	}
	sources, err := a.sources()
	if err != nil {
		return nil, err
	}
	pacer := a.pacer()
	driver := browser.NewRodDriver(a.logger.With("component", "rod"))

	accounts := make([]bot.Account, 0, len(accts))
	for _, acct := range accts {
		state, err := a.stateFile(acct)
		if err != nil {
			return nil, err
		}
		log := a.logger.With("component", "browser")
		if acct.Name != "" {
			log = log.With("account", acct.Name)
		}
		accounts = append(accounts, bot.Account{
			Name:   acct.Name,
			Market: acct.Market,
			Sessions: browser.NewManager(
				driver,
				browser.OptionsFromConfig(a.cfg, acct),
				pacer,
				state,
				log,
			),
		})
	}
	return bot.New(bot.Deps{
		Accounts:   accounts,
		Tracker:    a.tracker,
		Sources:    sources,
		Classifier: activity.ClassifierFromConfig(a.cfg.Activities),
		Pacer:      pacer,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, bot.OptionsFromConfig(a.cfg, flags.dryRun)), nil
}

func (a *app) scheduler() (*stealth.Scheduler, error) {
	loc, err := a.cfg.ScheduleLocation()
	if err != nil {
		return nil, err
	}
	days, err := a.cfg.WorkDays()
	if err != nil {
		return nil, err
	}
	s := a.cfg.Schedule
	return stealth.NewScheduler(loc, s.StartHour, s.EndHour, days, time.Duration(s.JitterMinutes)*time.Minute), nil
}
