package config

const (
	DefaultDesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0"
	DefaultMobileUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

	DefaultDesktopQuota = 30
	DefaultMobileQuota  = 20
)

// ApplyDefaults fills every unset field. Selector lists are the ones the
// dashboard used when they were last checked; override them in YAML when the
// layout drifts.
func (c *Config) ApplyDefaults() {
	if c.Browser.Language == "" {
		c.Browser.Language = "en-US"
	}

	defaultProfile(&c.Profiles.Desktop, DefaultDesktopUA, 1366, 768, 1, DefaultDesktopQuota)
	defaultProfile(&c.Profiles.Mobile, DefaultMobileUA, 390, 844, 3, DefaultMobileQuota)

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.InitialIntervalMS == 0 {
		c.Retry.InitialIntervalMS = 500
	}
	if c.Retry.MaxIntervalMS == 0 {
		c.Retry.MaxIntervalMS = 5000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}

	if c.Timeouts.NavigationSeconds == 0 {
		c.Timeouts.NavigationSeconds = 30
	}
	if c.Timeouts.ElementSeconds == 0 {
		c.Timeouts.ElementSeconds = 10
	}
	if c.Timeouts.PollIntervalMS == 0 {
		c.Timeouts.PollIntervalMS = 250
	}

	if c.Pacing.MinActionDelayMS == 0 && c.Pacing.MaxActionDelayMS == 0 {
		c.Pacing.MinActionDelayMS = 800
		c.Pacing.MaxActionDelayMS = 2500
	}
	if c.Pacing.MinSearchDelaySec == 0 && c.Pacing.MaxSearchDelaySec == 0 {
		c.Pacing.MinSearchDelaySec = 6
		c.Pacing.MaxSearchDelaySec = 15
	}
	if len(c.Pacing.TypingWPM) != 2 {
		c.Pacing.TypingWPM = []int{40, 80}
	}
	if c.Pacing.TypoProbability == 0 {
		c.Pacing.TypoProbability = 0.02
	}

	defaultList(&c.Challenge.URLPatterns, "/challenge", "captcha", "/proofs/", "/identity/confirm", "/abuse")
	defaultList(&c.Challenge.Selectors,
		"iframe[src*='captcha']",
		"iframe[src*='recaptcha']",
		"#hipEnforcementContainer",
		"#iSelectProofTitle",
	)

	if c.Search.BaseURL == "" {
		c.Search.BaseURL = "https://www.bing.com"
	}
	if c.Search.Submit == "" {
		c.Search.Submit = "url"
	}
	defaultList(&c.Search.ResultsSelectors, "#b_results", "#b_content", "main[aria-label*='Search']")
	defaultList(&c.Search.BoxSelectors, "#sb_form_q", "textarea[name='q']", "input[name='q']")
	if c.Search.BreakerBaseSec == 0 {
		c.Search.BreakerBaseSec = 30
	}
	if c.Search.BreakerMaxSec == 0 {
		c.Search.BreakerMaxSec = 300
	}

	if len(c.Query.Sources) == 0 {
		c.Query.Sources = []string{"static", "file", "combinator"}
	}
	if c.Query.FeedURL == "" {
		c.Query.FeedURL = "https://trends.google.com/trending/rss?geo=US"
	}
	if c.Query.FeedTimeout == 0 {
		c.Query.FeedTimeout = 10
	}
	if c.Query.HistoryDays == 0 {
		c.Query.HistoryDays = 7
	}

	a := &c.Activities
	if a.DashboardURL == "" {
		a.DashboardURL = "https://rewards.bing.com/"
	}
	defaultList(&a.CardSelectors,
		"mee-card",
		"[class*='card'], [class*='Card']",
		"a[href*='daily'], a[href*='quiz'], a[href*='poll']",
	)
	defaultList(&a.TitleSelectors, "[class*='title'], [class*='Title'], h3, h4, [aria-label]")
	defaultList(&a.PointsSelectors, "[class*='point'], [class*='Point'], [class*='badge'], [class*='Badge']")
	defaultList(&a.CompletedMarkers,
		"[class*='complete'], [class*='Complete']",
		"[class*='check'], [class*='Check']",
		"[aria-label*='completed'], [aria-label*='Completed']",
	)
	defaultList(&a.SignedInMarkers, "#id_n", "[class*='mectrl_profilepic']", "#meControl", "[class*='user-name']", "#balanceToolTipDiv")
	defaultList(&a.SignInMarkers, "#id_l", "[class*='signIn'], [class*='SignIn']", "a[href*='login.live.com']")
	defaultList(&a.PollMarkers, "#btPollOverlay", "[class*='pollOption'], [class*='PollOption']", "[class*='bt_poll']", "[id*='btoption']")
	defaultList(&a.TriviaMarkers, "#rqStartQuiz", "[id*='StartQuiz']", "[class*='trivia'], [class*='Trivia']", "[class*='thisOrThat']", ".wk_Circle")
	defaultList(&a.QuizMarkers, "#rqQuestionState", "[class*='rqQuestion']", "[id*='rqAnswerOption']", "[class*='QuizQuestion']", ".wk_choicesInstOptionContainer")
	defaultList(&a.StartSelectors, "#rqStartQuiz", "[id*='StartQuiz']", "button[class*='start' i]")
	defaultList(&a.PollOptions, "[id*='btoption']", "[class*='pollOption'], [class*='PollOption']", "[class*='bt_poll'] [role='button']", "[class*='btOption']")
	defaultList(&a.AnswerOptions,
		"[id*='rqAnswerOption']",
		".wk_choicesInstOptionContainer",
		"[class*='AnswerOption'], [class*='answerOption']",
		".wk_Circle, [class*='btOptionCard'], [class*='TriviaOption']",
	)
	defaultList(&a.ProgressSelectors, "#rqHeaderCredits", "[class*='rqMCredits']", "[role='progressbar']", "[class*='progress']")
	defaultList(&a.CompleteBanners, "#quizCompleteContainer", "[class*='quizComplete'], [class*='QuizComplete']", "[class*='congratulations']")
	if a.QuizMaxSteps == 0 {
		a.QuizMaxSteps = 10
	}
	if a.TriviaMaxSteps == 0 {
		a.TriviaMaxSteps = 15
	}

	if c.Progress.Backend == "" {
		c.Progress.Backend = "sqlite"
	}
	if c.Progress.Path == "" {
		c.Progress.Path = "data/progress.db"
	}
	if c.Progress.RetentionDays == 0 {
		c.Progress.RetentionDays = 30
	}
	if c.Progress.LockTTLMin == 0 {
		c.Progress.LockTTLMin = 120
	}

	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "rewards"
	}
	if c.Storage.MongoDB.TimeoutSeconds == 0 {
		c.Storage.MongoDB.TimeoutSeconds = 10
	}

	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "30 9 * * *"
	}
	if c.Schedule.StartHour == 0 && c.Schedule.EndHour == 0 {
		c.Schedule.StartHour = 8
		c.Schedule.EndHour = 22
	}
	defaultList(&c.Schedule.WorkDays, "mon", "tue", "wed", "thu", "fri", "sat", "sun")

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

func defaultProfile(p *ProfileConfig, ua string, w, h int, scale float64, quota int) {
	if p.UserAgent == "" {
		p.UserAgent = ua
	}
	if p.Viewport.Width == 0 || p.Viewport.Height == 0 {
		p.Viewport = ViewportConfig{Width: w, Height: h}
	}
	if p.ScaleFactor == 0 {
		p.ScaleFactor = scale
	}
	if p.Quota == nil {
		q := quota
		p.Quota = &q
	}
}

func defaultList(dst *[]string, values ...string) {
	if len(*dst) == 0 {
		*dst = append([]string(nil), values...)
	}
}
