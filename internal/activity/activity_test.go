package activity

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewards-automation/internal/browser"
	"rewards-automation/internal/browser/browsertest"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

const dashboard = "https://rewards.test/"

const (
	pollCSS    = "[id*='btoption']"
	answerCSS  = "[id*='rqAnswerOption']"
	stateCSS   = "#rqQuestionState"
	startCSS   = "#rqStartQuiz"
	creditsCSS = "#rqHeaderCredits"
	bannerCSS  = "#quizCompleteContainer"
)

func sessionOptions() browser.Options {
	return browser.Options{
		Devices:           map[browser.Profile]browser.Device{browser.Desktop: {UserAgent: "ua", Width: 1366, Height: 768}},
		DashboardURL:      dashboard,
		SignedIn:          browser.NewSelector("signed-in", "#me"),
		SignIn:            browser.NewSelector("sign-in", "#signin"),
		Retry:             browser.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		NavigationTimeout: time.Second,
		ElementTimeout:    40 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Challenge: browser.ChallengeDetector{
			URLPatterns: []string{"/challenge"},
			Selectors:   []string{"#captcha"},
		},
	}
}

func engineOptions() Options {
	return Options{
		DashboardURL:   dashboard,
		Cards:          browser.NewSelector("cards", "mee-card"),
		Title:          []string{"h3", "[aria-label]"},
		Points:         []string{".points"},
		Completed:      []string{".complete"},
		PollOptions:    browser.NewSelector("poll options", pollCSS),
		AnswerOptions:  browser.NewSelector("answers", answerCSS),
		Start:          browser.NewSelector("start", startCSS),
		Progress:       browser.NewSelector("progress", creditsCSS),
		CompleteBanner: browser.NewSelector("banner", bannerCSS),
		QuizMaxSteps:   10,
		TriviaMaxSteps: 15,
		StepTimeout:    30 * time.Millisecond,
	}
}

func classifier() RuleClassifier {
	return RuleClassifier{
		Poll:   []string{pollCSS},
		Quiz:   []string{stateCSS},
		Trivia: []string{startCSS, ".trivia"},
	}
}

type countingLedger struct {
	*progress.Tracker
	recorded []string
	skipped  []string
}

func (l *countingLedger) RecordActivity(ctx context.Context, day progress.Day, id, title string) error {
	l.recorded = append(l.recorded, id)
	return l.Tracker.RecordActivity(ctx, day, id, title)
}

func (l *countingLedger) RecordSkipped(ctx context.Context, day progress.Day, id, title string) error {
	l.skipped = append(l.skipped, id)
	return l.Tracker.RecordSkipped(ctx, day, id, title)
}

func newLedger() *countingLedger {
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	tracker := progress.NewTracker(progress.NewMemoryStore(), time.UTC).WithClock(func() time.Time { return now })
	return &countingLedger{Tracker: tracker}
}

func card(title, href string) *browsertest.Element {
	return browsertest.NewElement(title).WithMarkup(fmt.Sprintf(
		`<mee-card><h3>%s</h3><a href="%s">open</a><span class="points">+10 points</span></mee-card>`, title, href))
}

type pollPage struct {
	screen  *browsertest.Screen
	options []*browsertest.Element
}

func newPollPage() *pollPage {
	p := &pollPage{screen: browsertest.NewScreen()}
	for i, label := range []string{"Yes", "No"} {
		el := browsertest.NewElement(label).WithMarkup(fmt.Sprintf(`<div id="btoption%d">%s</div>`, i, label))
		p.options = append(p.options, el)
		p.screen.Add(pollCSS, el)
	}
	return p
}

func (p *pollPage) clicks() int {
	n := 0
	for _, el := range p.options {
		n += el.Clicks()
	}
	return n
}

// quizScreen shows answer options until steps answers were clicked, then
// the completion banner.
func quizScreen(steps int) *browsertest.Screen {
	done := browsertest.NewScreen().Add(bannerCSS, browsertest.NewElement("done").WithMarkup(`<div id="quizCompleteContainer">Done</div>`))
	screen := browsertest.NewScreen().
		Add(stateCSS, browsertest.NewElement("state").WithMarkup(`<div id="rqQuestionState">1 of 3</div>`))
	clicks := 0
	for i := 0; i < 4; i++ {
		el := browsertest.NewElement(fmt.Sprintf("answer %d", i)).
			WithMarkup(fmt.Sprintf(`<div id="rqAnswerOption%d">A%d</div>`, i, i))
		el.OnClick = func(p *browsertest.Page) error {
			clicks++
			if steps > 0 && clicks >= steps {
				p.Show(done)
			}
			return nil
		}
		screen.Add(answerCSS, el)
	}
	return screen
}

func openSession(t *testing.T, d *browsertest.Driver) *browser.Session {
	t.Helper()
	m := browser.NewManager(d, sessionOptions(), stealth.NoDelay{}, nil, logger.Nop())
	s, err := m.Open(context.Background(), browser.Desktop)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dashboardScreen(cards ...*browsertest.Element) *browsertest.Screen {
	return browsertest.NewScreen().
		Add("#me", browsertest.NewElement("me")).
		Add("mee-card", cards...)
}

func TestRunCompletesPollsAndQuizSkipsUnknown(t *testing.T) {
	polls := []*pollPage{newPollPage(), newPollPage(), newPollPage()}

	d := browsertest.NewDriver()
	d.Route(dashboard, dashboardScreen(
		card("Daily poll one", "/poll/1"),
		card("Daily poll two", "/poll/2"),
		card("Weekly quiz", "/quiz/1"),
		card("Mystery offer", "/offer/1"),
		card("Daily poll three", "/poll/3"),
	))
	for i, p := range polls {
		d.Route(fmt.Sprintf("%spoll/%d", dashboard, i+1), p.screen)
	}
	d.Route(dashboard+"quiz/1", quizScreen(3))
	d.Route(dashboard+"offer/1", browsertest.NewScreen())

	s := openSession(t, d)
	ledger := newLedger()
	engine := NewEngine(ledger, classifier(), nil, engineOptions(), logger.Nop())

	res, err := engine.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Discovered)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Missed)
	assert.Len(t, ledger.recorded, 4)
	assert.Len(t, ledger.skipped, 1)
	for _, p := range polls {
		assert.Equal(t, 1, p.clicks())
	}

	kinds := map[string]Kind{}
	for _, c := range res.Cards {
		kinds[c.Title] = c.Kind
	}
	assert.Equal(t, KindQuiz, kinds["Weekly quiz"])
	assert.Equal(t, KindPoll, kinds["Daily poll two"])
	assert.Equal(t, KindUnknown, kinds["Mystery offer"])

	// a second pass the same day touches nothing
	again, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 5, again.AlreadyDone)
	assert.Zero(t, again.Completed)
	assert.Len(t, ledger.recorded, 4)
	for _, p := range polls {
		assert.Equal(t, 1, p.clicks())
	}
}

func TestChallengeAbortsPassButKeepsEarlierResults(t *testing.T) {
	first, last := newPollPage(), newPollPage()

	d := browsertest.NewDriver()
	d.Route(dashboard, dashboardScreen(
		card("Poll before", "/poll/1"),
		card("Walled poll", "/poll/2"),
		card("Poll after", "/poll/3"),
	))
	d.Route(dashboard+"poll/1", first.screen)
	d.Route(dashboard+"poll/2", browsertest.NewScreen().Add("#captcha", browsertest.NewElement("captcha")))
	d.Route(dashboard+"poll/3", last.screen)

	s := openSession(t, d)
	ledger := newLedger()
	res, err := NewEngine(ledger, classifier(), nil, engineOptions(), logger.Nop()).Run(context.Background(), s)

	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrChallengeDetected)
	assert.Equal(t, 1, res.Completed)
	assert.NotEmpty(t, res.AbortReason)
	assert.Equal(t, 1, first.clicks())
	assert.Zero(t, last.clicks())
	assert.Len(t, ledger.recorded, 1)

	for _, u := range d.Pages[0].Navigations() {
		assert.NotContains(t, u, "poll/3")
	}
}

func TestQuizThatNeverFinishesIsAMiss(t *testing.T) {
	d := browsertest.NewDriver()
	d.Route(dashboard, dashboardScreen(card("Endless quiz", "/quiz/1")))
	d.Route(dashboard+"quiz/1", quizScreen(0))

	s := openSession(t, d)
	ledger := newLedger()
	opts := engineOptions()
	opts.QuizMaxSteps = 3
	res, err := NewEngine(ledger, classifier(), nil, opts, logger.Nop()).Run(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Missed)
	assert.Zero(t, res.Completed)
	assert.Empty(t, ledger.recorded)

	done, err := ledger.HasCompletedActivity(context.Background(), ledger.Today(), res.Cards[0].ID)
	require.NoError(t, err)
	assert.False(t, done, "a missed card is retried on the next run")
}

func TestTriviaStopsWhenProgressIsFull(t *testing.T) {
	credits := browsertest.NewElement("credits").WithText("0/2").WithMarkup(`<div id="rqHeaderCredits">0/2</div>`)
	questions := browsertest.NewScreen().Add(creditsCSS, credits)
	answered := 0
	for i := 0; i < 2; i++ {
		el := browsertest.NewElement(fmt.Sprintf("option %d", i)).WithMarkup(fmt.Sprintf(`<div id="rqAnswerOption%d"></div>`, i))
		el.OnClick = func(*browsertest.Page) error {
			answered++
			credits.TextValue = fmt.Sprintf("%d/2", answered)
			return nil
		}
		questions.Add(answerCSS, el)
	}
	start := browsertest.NewElement("start").WithMarkup(`<button id="rqStartQuiz">Start</button>`).
		Do(func(p *browsertest.Page) error {
			p.Show(questions)
			return nil
		})

	d := browsertest.NewDriver()
	d.Route(dashboard, dashboardScreen(card("This or that", "/trivia/1")))
	d.Route(dashboard+"trivia/1", browsertest.NewScreen().Add(startCSS, start))

	s := openSession(t, d)
	ledger := newLedger()
	res, err := NewEngine(ledger, classifier(), nil, engineOptions(), logger.Nop()).Run(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, KindTrivia, res.Cards[0].Kind)
	assert.Equal(t, 1, start.Clicks())
	assert.Equal(t, 2, answered)
}

func TestDryRunOnlyDiscovers(t *testing.T) {
	poll := newPollPage()
	d := browsertest.NewDriver()
	d.Route(dashboard, dashboardScreen(
		card("Daily poll", "/poll/1"),
		browsertest.NewElement("done").WithMarkup(`<mee-card><h3>Finished quiz</h3><a href="/quiz/9">x</a><i class="complete"></i></mee-card>`),
	))
	d.Route(dashboard+"poll/1", poll.screen)

	s := openSession(t, d)
	ledger := newLedger()
	opts := engineOptions()
	opts.DryRun = true
	res, err := NewEngine(ledger, classifier(), nil, opts, logger.Nop()).Run(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Discovered)
	assert.Equal(t, 1, res.AlreadyDone)
	assert.Zero(t, res.Completed)
	assert.Zero(t, poll.clicks())
	assert.Empty(t, ledger.recorded)
	for _, u := range d.Pages[0].Navigations() {
		assert.NotContains(t, u, "poll/1")
	}
}

func TestCardParser(t *testing.T) {
	base, _ := url.Parse(dashboard)
	parser := CardParser{Title: []string{"h3", "[aria-label]"}, Points: []string{".points"}, Completed: []string{".complete"}, Base: base}
	ctx := context.Background()

	c, ok, err := parser.Parse(ctx, card("Daily  poll", "/poll/1?form=dset"), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Daily poll", c.Title)
	assert.Equal(t, "https://rewards.test/poll/1?form=dset", c.Link)
	assert.Equal(t, 10, c.Points)
	assert.Equal(t, StatePending, c.State)
	assert.Regexp(t, `^daily-poll-[0-9a-f]{8}$`, c.ID)

	again, _, _ := parser.Parse(ctx, card("Daily  poll", "/poll/1?form=dset"), 3)
	assert.Equal(t, c.ID, again.ID, "id does not depend on position")

	labelled := browsertest.NewElement("x").WithMarkup(`<mee-card><div aria-label="Word of the day"></div><a href="https://elsewhere.test/w">go</a><i class="complete"></i></mee-card>`)
	c, ok, err = parser.Parse(ctx, labelled, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Word of the day", c.Title)
	assert.Equal(t, "https://elsewhere.test/w", c.Link)
	assert.Equal(t, StateCompleted, c.State)
	assert.Zero(t, c.Points)

	_, ok, err = parser.Parse(ctx, browsertest.NewElement("no").WithMarkup(`<mee-card><h3>Hi</h3><a href="/x">x</a></mee-card>`), 2)
	require.NoError(t, err)
	assert.False(t, ok, "titles shorter than three characters are ignored")

	_, ok, err = parser.Parse(ctx, browsertest.NewElement("nolink").WithMarkup(`<mee-card><h3>No link here</h3></mee-card>`), 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateCardsGetOccurrenceSuffix(t *testing.T) {
	poll, quiz := cardID("Poll", "/p"), cardID("Quiz", "/q")
	cards := []Card{
		{ID: poll, Position: 0},
		{ID: poll, Position: 4},
		{ID: quiz, Position: 5},
		{ID: poll, Position: 7},
	}
	disambiguate(cards)
	assert.Equal(t, []string{poll, poll + "-2", quiz, poll + "-3"},
		[]string{cards[0].ID, cards[1].ID, cards[2].ID, cards[3].ID})

	// the same cards on a reshuffled dashboard keep their ids
	moved := []Card{
		{ID: quiz, Position: 0},
		{ID: poll, Position: 1},
		{ID: poll, Position: 2},
		{ID: poll, Position: 9},
	}
	disambiguate(moved)
	assert.Equal(t, []string{quiz, poll, poll + "-2", poll + "-3"},
		[]string{moved[0].ID, moved[1].ID, moved[2].ID, moved[3].ID})
}

func TestRuleClassifier(t *testing.T) {
	c := classifier()
	cases := []struct {
		name       string
		card, page string
		want       Kind
	}{
		{"poll", "", `<div id="btoption0">Yes</div>`, KindPoll},
		{"quiz wins over options", "", `<div id="btoption0"></div><div id="rqQuestionState">1 of 3</div>`, KindQuiz},
		{"start button is trivia", "", `<button id="rqStartQuiz">Start</button>`, KindTrivia},
		{"trivia class", "", `<section class="trivia"></section>`, KindTrivia},
		{"falls back to card", `<mee-card><div id="btoption1"></div></mee-card>`, `<p>nothing</p>`, KindPoll},
		{"unknown", `<mee-card>x</mee-card>`, `<p>read an article</p>`, KindUnknown},
		{"empty", "", "", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.card, tc.page))
		})
	}
}
