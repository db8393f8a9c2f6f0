package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Accounts   []AccountConfig  `yaml:"accounts"`
	Browser    BrowserConfig    `yaml:"browser"`
	Profiles   ProfilesConfig   `yaml:"profiles"`
	Retry      RetryConfig      `yaml:"retry"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Pacing     PacingConfig     `yaml:"pacing"`
	Challenge  ChallengeConfig  `yaml:"challenge"`
	Search     SearchConfig     `yaml:"search"`
	Query      QueryConfig      `yaml:"query"`
	Activities ActivitiesConfig `yaml:"activities"`
	Progress   ProgressConfig   `yaml:"progress"`
	Storage    StorageConfig    `yaml:"storage"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	Bin         string `yaml:"bin"`
	UserDataDir string `yaml:"user_data_dir"`
	ProxyURL    string `yaml:"proxy_url"`
	StateFile   string `yaml:"state_file"` // encrypted cookie storage state
	SaveState   bool   `yaml:"save_state"`
	Language    string `yaml:"language"`
	MouseMoves  bool   `yaml:"mouse_moves"`
}

// AccountConfig is one signed-in browser profile. Each account has its own
// user data directory, storage state and ledger entries.
type AccountConfig struct {
	Name        string `yaml:"name"`
	UserDataDir string `yaml:"user_data_dir"`
	StateFile   string `yaml:"state_file"`
	Market      string `yaml:"market"` // overrides search.market and picks user agents
}

// AccountList is the configured accounts, or a single unnamed account built
// from the browser section when none are listed.
func (c *Config) AccountList() []AccountConfig {
	if len(c.Accounts) > 0 {
		return c.Accounts
	}
	return []AccountConfig{{
		UserDataDir: c.Browser.UserDataDir,
		StateFile:   c.Browser.StateFile,
		Market:      c.Search.Market,
	}}
}

// Account finds an account by name. The empty name matches the unnamed
// account when no accounts are listed.
func (c *Config) Account(name string) (AccountConfig, error) {
	for _, a := range c.AccountList() {
		if a.Name == name {
			return a, nil
		}
	}
	return AccountConfig{}, fmt.Errorf("no account named %q", name)
}

type ProfilesConfig struct {
	Desktop ProfileConfig `yaml:"desktop"`
	Mobile  ProfileConfig `yaml:"mobile"`
}

type ProfileConfig struct {
	UserAgent   string            `yaml:"user_agent"`
	UserAgents  map[string]string `yaml:"user_agents"` // per market, e.g. "en-GB" or "GB"
	Viewport    ViewportConfig    `yaml:"viewport"`
	ScaleFactor float64           `yaml:"scale_factor"`
	Quota       *int              `yaml:"quota"`
}

// UserAgentFor picks the user agent for market: an exact match first, then
// the region part of a locale ("en-GB" falls back to "GB"), then UserAgent.
func (p ProfileConfig) UserAgentFor(market string) string {
	if market == "" || len(p.UserAgents) == 0 {
		return p.UserAgent
	}
	keys := []string{market}
	if _, region, ok := strings.Cut(market, "-"); ok {
		keys = append(keys, region)
	}
	for _, k := range keys {
		for m, ua := range p.UserAgents {
			if strings.EqualFold(m, k) {
				return ua
			}
		}
	}
	return p.UserAgent
}

// Target is the daily search quota; zero disables the profile.
func (p ProfileConfig) Target() int {
	if p.Quota == nil {
		return 0
	}
	return *p.Quota
}

type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type RetryConfig struct {
	Attempts          int     `yaml:"attempts"`
	InitialIntervalMS int     `yaml:"initial_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	Multiplier        float64 `yaml:"multiplier"`
}

type TimeoutsConfig struct {
	NavigationSeconds int `yaml:"navigation_seconds"`
	ElementSeconds    int `yaml:"element_seconds"`
	PollIntervalMS    int `yaml:"poll_interval_ms"`
}

type PacingConfig struct {
	MinActionDelayMS  int     `yaml:"min_action_delay_ms"`
	MaxActionDelayMS  int     `yaml:"max_action_delay_ms"`
	MinSearchDelaySec float64 `yaml:"min_search_delay_seconds"`
	MaxSearchDelaySec float64 `yaml:"max_search_delay_seconds"`
	TypingWPM         []int   `yaml:"typing_wpm"`
	TypoProbability   float64 `yaml:"typo_probability"`
}

type ChallengeConfig struct {
	URLPatterns []string `yaml:"url_patterns"`
	Selectors   []string `yaml:"selectors"`
}

type SearchConfig struct {
	BaseURL          string   `yaml:"base_url"`
	Submit           string   `yaml:"submit"` // "url" or "type"
	Market           string   `yaml:"market"` // locale such as "en-US": adds cc=us&setlang=en-us
	ResultsSelectors []string `yaml:"results_selectors"`
	BoxSelectors     []string `yaml:"box_selectors"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerBaseSec   float64  `yaml:"breaker_base_seconds"`
	BreakerMaxSec    float64  `yaml:"breaker_max_seconds"`
}

type QueryConfig struct {
	Sources       []string `yaml:"sources"` // static, file, feed, combinator
	Static        []string `yaml:"static"`
	KeywordsFile  string   `yaml:"keywords_file"`
	FeedURL       string   `yaml:"feed_url"`
	FeedTimeout   int      `yaml:"feed_timeout_seconds"`
	HistoryDays   int      `yaml:"history_days"`
	RecycleRecent bool     `yaml:"recycle_recent"`
}

type ActivitiesConfig struct {
	DashboardURL      string   `yaml:"dashboard_url"`
	CardSelectors     []string `yaml:"card_selectors"`
	TitleSelectors    []string `yaml:"title_selectors"`
	PointsSelectors   []string `yaml:"points_selectors"`
	CompletedMarkers  []string `yaml:"completed_markers"`
	SignedInMarkers   []string `yaml:"signed_in_markers"`
	SignInMarkers     []string `yaml:"sign_in_markers"`
	QuizMarkers       []string `yaml:"quiz_markers"`
	PollMarkers       []string `yaml:"poll_markers"`
	TriviaMarkers     []string `yaml:"trivia_markers"`
	StartSelectors    []string `yaml:"start_selectors"`
	PollOptions       []string `yaml:"poll_options"`
	AnswerOptions     []string `yaml:"answer_options"`
	ProgressSelectors []string `yaml:"progress_selectors"`
	CompleteBanners   []string `yaml:"complete_banners"`
	QuizMaxSteps      int      `yaml:"quiz_max_steps"`
	TriviaMaxSteps    int      `yaml:"trivia_max_steps"`
}

type ProgressConfig struct {
	Backend       string `yaml:"backend"` // sqlite, mongo, memory
	Path          string `yaml:"path"`
	Timezone      string `yaml:"timezone"`
	RetentionDays int    `yaml:"retention_days"`
	LockTTLMin    int    `yaml:"lock_ttl_minutes"`
}

type StorageConfig struct {
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

type MongoDBConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ScheduleConfig struct {
	Cron          string   `yaml:"cron"`
	Timezone      string   `yaml:"timezone"`
	StartHour     int      `yaml:"start_hour"`
	EndHour       int      `yaml:"end_hour"`
	WorkDays      []string `yaml:"work_days"`
	JitterMinutes int      `yaml:"jitter_minutes"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads .env (when present), decodes the YAML file at path and applies
// environment overrides and defaults. A missing file yields a default config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	config := &Config{}

	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	applyEnv(config)
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) {
	if p := os.Getenv("REWARDS_PROGRESS_PATH"); p != "" {
		config.Progress.Path = p
	}
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		config.Storage.MongoDB.URI = uri
	}
	if dbName := os.Getenv("MONGODB_DATABASE"); dbName != "" {
		config.Storage.MongoDB.Database = dbName
	}
	if v := os.Getenv("REWARDS_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Browser.Headless = b
		}
	}
	if bin := os.Getenv("REWARDS_BROWSER_BIN"); bin != "" {
		config.Browser.Bin = bin
	}
	if lvl := os.Getenv("REWARDS_LOG_LEVEL"); lvl != "" {
		config.Logging.Level = lvl
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Profiles.Desktop.Target() < 0 || c.Profiles.Mobile.Target() < 0 {
		errs = append(errs, fmt.Errorf("profiles: quota must not be negative"))
	}
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		switch {
		case !accountName.MatchString(a.Name):
			errs = append(errs, fmt.Errorf("accounts[%d]: name %q must be letters, digits, '-' or '_'", i, a.Name))
		case names[a.Name]:
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate name %q", i, a.Name))
		}
		names[a.Name] = true
		if a.UserDataDir == "" && a.StateFile == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: %q needs user_data_dir or state_file", i, a.Name))
		}
	}
	for i, a := range c.Accounts {
		for _, b := range c.Accounts[i+1:] {
			if a.UserDataDir != "" && a.UserDataDir == b.UserDataDir {
				errs = append(errs, fmt.Errorf("accounts: %q and %q share user_data_dir %s", a.Name, b.Name, a.UserDataDir))
			}
		}
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1"))
	}
	if c.Pacing.MinActionDelayMS > c.Pacing.MaxActionDelayMS {
		errs = append(errs, fmt.Errorf("pacing: min_action_delay_ms exceeds max_action_delay_ms"))
	}
	if c.Pacing.MinSearchDelaySec > c.Pacing.MaxSearchDelaySec {
		errs = append(errs, fmt.Errorf("pacing: min_search_delay_seconds exceeds max_search_delay_seconds"))
	}
	switch c.Search.Submit {
	case "url", "type":
	default:
		errs = append(errs, fmt.Errorf("search.submit: unknown mode %q", c.Search.Submit))
	}
	switch c.Progress.Backend {
	case "sqlite", "memory":
	case "mongo":
		if c.Storage.MongoDB.URI == "" {
			errs = append(errs, fmt.Errorf("progress.backend is mongo but storage.mongodb.uri is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("progress.backend: unknown backend %q", c.Progress.Backend))
	}
	for _, src := range c.Query.Sources {
		switch src {
		case "static", "file", "feed", "combinator":
		default:
			errs = append(errs, fmt.Errorf("query.sources: unknown source %q", src))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("progress.timezone: %w", err))
	}
	if c.Schedule.StartHour < 0 || c.Schedule.EndHour > 24 || c.Schedule.StartHour >= c.Schedule.EndHour {
		errs = append(errs, fmt.Errorf("schedule: invalid operating hours %d-%d", c.Schedule.StartHour, c.Schedule.EndHour))
	}
	if _, err := c.ScheduleLocation(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if _, err := c.WorkDays(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location is the timezone that decides where a ledger day starts.
func (c *Config) Location() (*time.Location, error) {
	if c.Progress.Timezone == "" || strings.EqualFold(c.Progress.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Progress.Timezone)
}

func (c *Config) ScheduleLocation() (*time.Location, error) {
	if c.Schedule.Timezone == "" || strings.EqualFold(c.Schedule.Timezone, "local") {
		return c.Location()
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

func (c *Config) WorkDays() ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(c.Schedule.WorkDays))
	for _, name := range c.Schedule.WorkDays {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("schedule.work_days: unknown day %q", name)
		}
		days = append(days, d)
	}
	return days, nil
}

var accountName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func (c *Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Timeouts.NavigationSeconds) * time.Second
}

func (c *Config) ElementTimeout() time.Duration {
	return time.Duration(c.Timeouts.ElementSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Timeouts.PollIntervalMS) * time.Millisecond
}
