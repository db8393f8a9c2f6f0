package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewards-automation/internal/auth"
	"rewards-automation/internal/config"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

type Options struct {
	Headless    bool
	Bin         string
	UserDataDir string
	ProxyURL    string
	Language    string
	Devices     map[Profile]Device

	DashboardURL string
	SignedIn     Selector
	SignIn       Selector

	Retry             RetryPolicy
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	PollInterval      time.Duration
	Challenge         ChallengeDetector

	MouseMoves      bool
	SaveState       bool
	TypingWPM       [2]int
	TypoProbability float64
}

// OptionsFromConfig builds the session options for one account: its user
// data directory and the user agents of its market.
func OptionsFromConfig(cfg *config.Config, acct config.AccountConfig) Options {
	device := func(p config.ProfileConfig, mobile bool) Device {
		return Device{
			UserAgent:   p.UserAgentFor(acct.Market),
			Width:       p.Viewport.Width,
			Height:      p.Viewport.Height,
			ScaleFactor: p.ScaleFactor,
			Mobile:      mobile,
		}
	}
	var wpm [2]int
	copy(wpm[:], cfg.Pacing.TypingWPM)

	return Options{
		Headless:    cfg.Browser.Headless,
		Bin:         cfg.Browser.Bin,
		UserDataDir: acct.UserDataDir,
		ProxyURL:    cfg.Browser.ProxyURL,
		Language:    cfg.Browser.Language,
		Devices: map[Profile]Device{
			Desktop: device(cfg.Profiles.Desktop, false),
			Mobile:  device(cfg.Profiles.Mobile, true),
		},
		DashboardURL: cfg.Activities.DashboardURL,
		SignedIn:     NewSelector("signed-in marker", cfg.Activities.SignedInMarkers...),
		SignIn:       NewSelector("sign-in prompt", cfg.Activities.SignInMarkers...),
		Retry: RetryPolicy{
			Attempts:   cfg.Retry.Attempts,
			Initial:    time.Duration(cfg.Retry.InitialIntervalMS) * time.Millisecond,
			Max:        time.Duration(cfg.Retry.MaxIntervalMS) * time.Millisecond,
			Multiplier: cfg.Retry.Multiplier,
		},
		NavigationTimeout: cfg.NavigationTimeout(),
		ElementTimeout:    cfg.ElementTimeout(),
		PollInterval:      cfg.PollInterval(),
		Challenge: ChallengeDetector{
			URLPatterns: cfg.Challenge.URLPatterns,
			Selectors:   cfg.Challenge.Selectors,
		},
		MouseMoves:      cfg.Browser.MouseMoves,
		SaveState:       cfg.Browser.SaveState,
		TypingWPM:       wpm,
		TypoProbability: cfg.Pacing.TypoProbability,
	}
}

// Manager opens sessions. It owns no browser itself; each session it hands
// out must be closed by the caller.
type Manager struct {
	driver Driver
	opts   Options
	pacer  stealth.Pacer
	state  *auth.StateFile
	logger logger.Logger
}

// NewManager wires a driver to the session options. state may be nil when
// no storage-state file is configured.
func NewManager(driver Driver, opts Options, pacer stealth.Pacer, state *auth.StateFile, log logger.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 10 * time.Second
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if pacer == nil {
		pacer = stealth.NoDelay{}
	}
	return &Manager{driver: driver, opts: opts, pacer: pacer, state: state, logger: log}
}

// Open launches a browser for profile and verifies it is signed in on the
// rewards dashboard. On any failure after launch the browser is released
// before returning.
func (m *Manager) Open(ctx context.Context, profile Profile) (*Session, error) {
	device, ok := m.opts.Devices[profile]
	if !ok {
		return nil, &SessionError{Profile: profile, Reason: "unknown device profile"}
	}

	spec := LaunchSpec{
		Profile:     profile,
		Device:      device,
		Headless:    m.opts.Headless,
		Bin:         m.opts.Bin,
		UserDataDir: m.opts.UserDataDir,
		ProxyURL:    m.opts.ProxyURL,
		Language:    m.opts.Language,
	}
	if m.state != nil {
		cookies, err := m.state.Load()
		if err != nil {
			return nil, &SessionError{Profile: profile, Reason: "storage state unreadable", Err: err}
		}
		spec.Cookies = cookies
	}

	log := m.logger.With("profile", string(profile))
	log.Info("launching browser", "headless", spec.Headless, "cookies", len(spec.Cookies))

	page, err := m.driver.Launch(ctx, spec)
	if err != nil {
		return nil, &SessionError{Profile: profile, Reason: "launch failed", Err: err}
	}

	wpm := m.opts.TypingWPM
	s := &Session{
		profile:  profile,
		page:     page,
		opts:     m.opts,
		detector: m.opts.Challenge,
		pacer:    m.pacer,
		typer:    stealth.NewTyper(wpm[0], wpm[1], m.opts.TypoProbability, m.pacer.Sleep),
		mouse:    stealth.NewMouse(m.pacer.Sleep),
		scroller: stealth.NewScroller(m.pacer.Sleep),
		state:    m.state,
		logger:   log,
	}
	s.hover = stealth.NewHoverBehavior(s.mouse)

	if err := m.verifySignedIn(ctx, s); err != nil {
		if cerr := s.close(false); cerr != nil {
			log.Warn("failed to release browser", "error", cerr)
		}
		return nil, err
	}
	log.Info("session ready")
	return s, nil
}

func (m *Manager) verifySignedIn(ctx context.Context, s *Session) error {
	if m.opts.DashboardURL == "" {
		return nil
	}
	if err := s.Navigate(ctx, m.opts.DashboardURL); err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		return &SessionError{Profile: s.profile, Reason: "dashboard unreachable", Err: err}
	}
	if len(m.opts.SignedIn.CSS) == 0 {
		return nil
	}

	sels := []Selector{m.opts.SignedIn}
	if len(m.opts.SignIn.CSS) > 0 {
		sels = append(sels, m.opts.SignIn)
	}
	idx, err := s.WaitAny(ctx, m.opts.ElementTimeout, sels...)
	switch {
	case err == nil && idx == 0:
		return nil
	case err == nil:
		return &SessionError{Profile: s.profile, Reason: "not signed in: sign-in prompt shown"}
	case errors.Is(err, ErrNotFound):
		if challenge := s.detector.Check(ctx, s.page); challenge != nil {
			return challenge
		}
		return &SessionError{Profile: s.profile, Reason: "not signed in: no account marker found"}
	}
	return fmt.Errorf("verify sign-in: %w", err)
}
