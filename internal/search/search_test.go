package search_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewards-automation/internal/browser"
	"rewards-automation/internal/browser/browsertest"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/query"
	"rewards-automation/internal/search"
	"rewards-automation/internal/stealth"
	"rewards-automation/pkg/logger"
)

const (
	dashboard  = "https://rewards.test/"
	searchBase = "https://search.test"
)

func sessionOptions() browser.Options {
	return browser.Options{
		Devices: map[browser.Profile]browser.Device{
			browser.Desktop: {UserAgent: "desktop-ua", Width: 1366, Height: 768},
			browser.Mobile:  {UserAgent: "mobile-ua", Width: 390, Height: 844, Mobile: true},
		},
		DashboardURL:      dashboard,
		SignedIn:          browser.NewSelector("signed-in", "#me"),
		SignIn:            browser.NewSelector("sign-in", "#signin"),
		Retry:             browser.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		NavigationTimeout: time.Second,
		ElementTimeout:    50 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		TypingWPM:         [2]int{3000, 3000},
		Challenge: browser.ChallengeDetector{
			URLPatterns: []string{"/challenge"},
			Selectors:   []string{"#captcha"},
		},
	}
}

func runnerOptions() search.Options {
	return search.Options{
		BaseURL:          searchBase,
		Submit:           search.SubmitURL,
		Results:          browser.NewSelector("results", "#results"),
		Box:              browser.NewSelector("box", "#q"),
		BreakerThreshold: 10,
		BreakerBase:      time.Millisecond,
		BreakerMax:       2 * time.Millisecond,
	}
}

func newDriver() *browsertest.Driver {
	d := browsertest.NewDriver()
	d.Route(dashboard, browsertest.NewScreen().Add("#me", browsertest.NewElement("me")))
	d.Route(searchBase+"/search", browsertest.NewScreen().Add("#results", browsertest.NewElement("results")))
	return d
}

func openSession(t *testing.T, d *browsertest.Driver, profile browser.Profile) *browser.Session {
	t.Helper()
	m := browser.NewManager(d, sessionOptions(), stealth.NoDelay{}, nil, logger.Nop())
	s, err := m.Open(context.Background(), profile)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTracker() *progress.Tracker {
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return progress.NewTracker(progress.NewMemoryStore(), time.UTC).WithClock(func() time.Time { return now })
}

func generator(ledger query.Ledger, terms ...string) *query.Generator {
	return query.NewGenerator([]query.Source{query.NewStaticSource(terms...)}, ledger, query.Options{HistoryDays: 7}, logger.Nop())
}

func termList(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("query %d", i)
	}
	return out
}

func searchNavigations(p *browsertest.Page) []string {
	var out []string
	for _, u := range p.Navigations() {
		if strings.HasPrefix(u, searchBase) {
			out = append(out, u)
		}
	}
	return out
}

func TestRunIssuesMinOfQuotaAndAvailable(t *testing.T) {
	cases := []struct {
		quota, available int
		state            search.State
	}{
		{quota: 3, available: 10, state: search.Completed},
		{quota: 5, available: 3, state: search.Exhausted},
		{quota: 4, available: 4, state: search.Completed},
		{quota: 0, available: 4, state: search.Completed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("Q%d_A%d", tc.quota, tc.available), func(t *testing.T) {
			d := newDriver()
			s := openSession(t, d, browser.Desktop)
			tracker := newTracker()
			r := search.NewRunner(s, tracker, generator(tracker, termList(tc.available)...), nil, runnerOptions(), logger.Nop())

			res, err := r.Run(context.Background(), tc.quota)
			require.NoError(t, err)

			want := min(tc.quota, tc.available)
			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, want, res.Attempts)
			assert.Equal(t, want, res.Completed)
			assert.Zero(t, res.Misses)

			navs := searchNavigations(d.Pages[0])
			assert.Len(t, navs, want)
			unique := map[string]bool{}
			for _, u := range navs {
				assert.False(t, unique[u], "query repeated: %s", u)
				unique[u] = true
			}

			n, err := tracker.SearchCount(context.Background(), tracker.Today(), "desktop")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		})
	}
}

func TestRerunSameDayNeverExceedsQuota(t *testing.T) {
	tracker := newTracker()
	terms := termList(30)

	for run := 0; run < 2; run++ {
		d := newDriver()
		s := openSession(t, d, browser.Desktop)
		r := search.NewRunner(s, tracker, generator(tracker, terms...), nil, runnerOptions(), logger.Nop())
		res, err := r.Run(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, search.Completed, res.State)
		if run == 1 {
			assert.Zero(t, res.Attempts)
			assert.Empty(t, searchNavigations(d.Pages[0]))
		}
	}

	n, err := tracker.SearchCount(context.Background(), tracker.Today(), "desktop")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRunResumesAfterPartialDay(t *testing.T) {
	tracker := newTracker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordSearch(ctx, tracker.Today(), "mobile", fmt.Sprintf("h%d", i), "earlier"))
	}

	d := newDriver()
	s := openSession(t, d, browser.Mobile)
	r := search.NewRunner(s, tracker, generator(tracker, termList(10)...), nil, runnerOptions(), logger.Nop())
	res, err := r.Run(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	n, err := tracker.SearchCount(ctx, tracker.Today(), "mobile")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestTimeoutsThenSuccessCountsAsCompleted(t *testing.T) {
	d := newDriver()
	box := browsertest.NewElement("search box")
	box.BlockClicks = 2
	box.OnEnter = func(p *browsertest.Page) error {
		p.Redirect(searchBase + "/search?q=typed")
		return nil
	}
	d.Route(searchBase+"/", browsertest.NewScreen().Add("#q", box))

	s := openSession(t, d, browser.Desktop)
	tracker := newTracker()
	opts := runnerOptions()
	opts.Submit = search.SubmitType
	r := search.NewRunner(s, tracker, generator(tracker, "weather"), nil, opts, logger.Nop())

	res, err := r.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, search.Completed, res.State)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Misses)
	assert.Equal(t, 3, box.Clicks())
	assert.Equal(t, "weather", box.Typed())
}

func TestMissedSearchIsSkippedNotFatal(t *testing.T) {
	d := newDriver()
	// this query never renders results
	d.Route(searchBase+"/search?form=QBRE&q=broken", browsertest.NewScreen())

	s := openSession(t, d, browser.Desktop)
	tracker := newTracker()
	r := search.NewRunner(s, tracker, generator(tracker, "broken", "alpha", "beta", "gamma"), nil, runnerOptions(), logger.Nop())

	res, err := r.Run(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, search.Exhausted, res.State)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 1, res.Misses)
	assert.Equal(t, 4, res.Attempts)

	done, err := tracker.HasCompletedSearch(context.Background(), tracker.Today(), "desktop", query.HashQuery("broken"))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestConsecutiveMissesOpenTheBreaker(t *testing.T) {
	d := browsertest.NewDriver()
	d.Route(dashboard, browsertest.NewScreen().Add("#me", browsertest.NewElement("me")))

	s := openSession(t, d, browser.Desktop)
	tracker := newTracker()
	opts := runnerOptions()
	opts.BreakerThreshold = 2
	r := search.NewRunner(s, tracker, generator(tracker, termList(10)...), nil, opts, logger.Nop())

	res, err := r.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, search.Aborted, res.State)
	assert.Equal(t, 2, res.Misses)
	assert.Zero(t, res.Completed)
	assert.NotEmpty(t, res.AbortReason)
}

func TestChallengeAbortsThePhase(t *testing.T) {
	d := newDriver()
	d.Route(searchBase+"/search", browsertest.NewScreen().Add("#captcha", browsertest.NewElement("captcha")))

	s := openSession(t, d, browser.Desktop)
	tracker := newTracker()
	r := search.NewRunner(s, tracker, generator(tracker, termList(5)...), nil, runnerOptions(), logger.Nop())

	res, err := r.Run(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrChallengeDetected)
	assert.Equal(t, search.Aborted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, searchNavigations(d.Pages[0]), 1)
}

func TestClosedSessionAborts(t *testing.T) {
	d := newDriver()
	s := openSession(t, d, browser.Desktop)
	require.NoError(t, s.Close())

	tracker := newTracker()
	r := search.NewRunner(s, tracker, generator(tracker, termList(5)...), nil, runnerOptions(), logger.Nop())
	res, err := r.Run(context.Background(), 2)
	assert.ErrorIs(t, err, browser.ErrSession)
	assert.Equal(t, search.Aborted, res.State)
}

func TestQueriesAlreadySearchedTodayAreSkipped(t *testing.T) {
	tracker := newTracker()
	ctx := context.Background()
	require.NoError(t, tracker.RecordSearch(ctx, tracker.Today(), "desktop", query.HashQuery("alpha"), "alpha"))

	d := newDriver()
	s := openSession(t, d, browser.Desktop)
	// one term per source keeps the order fixed; without history filtering
	// the generator hands out alpha again before beta
	gen := query.NewGenerator([]query.Source{
		query.NewStaticSource("alpha"),
		query.NewStaticSource("beta"),
	}, tracker, query.Options{}, logger.Nop())
	r := search.NewRunner(s, tracker, gen, nil, runnerOptions(), logger.Nop())

	res, err := r.Run(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, search.Completed, res.State)
	assert.Equal(t, []string{searchBase + "/search?form=QBRE&q=beta"}, searchNavigations(d.Pages[0]))
}

func TestSearchURL(t *testing.T) {
	assert.Equal(t, "https://www.bing.com/search?form=QBRE&q=best+coffee",
		search.SearchURL("https://www.bing.com/", "best coffee", ""))
	assert.Equal(t, "https://www.bing.com/search?cc=us&form=QBRE&q=x&setlang=en-us",
		search.SearchURL("https://www.bing.com", "x", "en-US"))
}

func TestBreaker(t *testing.T) {
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	b := search.NewBreaker(3, 10*time.Millisecond, 25*time.Millisecond, sleep)
	b.RecordFailure()
	assert.Equal(t, 10*time.Millisecond, b.Cooldown())
	assert.False(t, b.Open())
	b.RecordFailure()
	assert.Equal(t, 20*time.Millisecond, b.Cooldown())
	require.NoError(t, b.Wait(context.Background()))
	require.Len(t, slept, 1)
	assert.InDelta(t, float64(20*time.Millisecond), float64(slept[0]), float64(4*time.Millisecond))
	b.RecordFailure()
	assert.Equal(t, 25*time.Millisecond, b.Cooldown())
	assert.True(t, b.Open())

	b.RecordSuccess()
	assert.False(t, b.Open())
	assert.Zero(t, b.Cooldown())
}

func TestDisabledBreakerNeverOpens(t *testing.T) {
	b := search.NewBreaker(0, time.Hour, time.Hour, nil)
	for i := 0; i < 20; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Enabled())
	assert.False(t, b.Open())
	assert.Zero(t, b.Cooldown())
	assert.NoError(t, b.Wait(context.Background()), "no cooldown to sleep through")
}

func TestMissesMoveOnWithoutBreaker(t *testing.T) {
	d := newDriver()
	for i := 0; i < 8; i++ {
		d.Route(fmt.Sprintf("%s/search?form=QBRE&q=broken+%d", searchBase, i), browsertest.NewScreen())
	}
	terms := []string{"alpha"}
	for i := 0; i < 8; i++ {
		terms = append(terms, fmt.Sprintf("broken %d", i))
	}

	s := openSession(t, d, browser.Desktop)
	tracker := newTracker()
	opts := runnerOptions()
	opts.BreakerThreshold = 0
	opts.BreakerBase = time.Hour
	r := search.NewRunner(s, tracker, generator(tracker, terms...), nil, opts, logger.Nop())

	res, err := r.Run(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, search.Exhausted, res.State)
	assert.Equal(t, 8, res.Misses)
	assert.Equal(t, 1, res.Completed)
	assert.Empty(t, res.AbortReason)
}
