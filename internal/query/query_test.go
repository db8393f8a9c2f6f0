package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewards-automation/internal/config"
	"rewards-automation/internal/progress"
)

type fakeLedger struct {
	day    progress.Day
	recent map[string]bool
	since  progress.Day
}

func (l *fakeLedger) Today() progress.Day { return l.day }

func (l *fakeLedger) RecentQueries(_ context.Context, since progress.Day) (map[string]bool, error) {
	l.since = since
	return l.recent, nil
}

type failingSource struct{ calls int }

func (f *failingSource) Name() string { return "broken" }

func (f *failingSource) Terms(context.Context) ([]string, error) {
	f.calls++
	return nil, errors.New("boom")
}

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) Terms(ctx context.Context) ([]string, error) {
	c.calls++
	return c.Source.Terms(ctx)
}

func terms(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("term %02d", i)
	}
	return out
}

func TestGenerateExactCountDistinct(t *testing.T) {
	ledger := &fakeLedger{day: "2024-06-03"}
	g := NewGenerator([]Source{NewStaticSource(terms(50)...)}, ledger, Options{}, nil)

	got := g.Generate(context.Background(), "desktop", 20)
	require.Len(t, got, 20)

	set := map[string]bool{}
	for _, term := range got {
		assert.NotEmpty(t, term)
		assert.False(t, set[term], "repeated %q", term)
		set[term] = true
	}
}

func TestGenerateReturnsFewerWhenExhausted(t *testing.T) {
	g := NewGenerator([]Source{
		NewStaticSource("a", " A ", "b", "", "   ", "c  d", "c d"),
	}, &fakeLedger{day: "2024-06-03"}, Options{}, nil)

	seq := g.Sequence(context.Background(), "desktop", 10)
	var got []string
	for {
		term, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, term)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c d"}, got)
	assert.ErrorIs(t, seq.Err(), ErrQuotaExhausted)
}

func TestSequenceNeverRepeatsAcrossProfiles(t *testing.T) {
	g := NewGenerator([]Source{NewStaticSource(terms(10)...)}, &fakeLedger{day: "2024-06-03"}, Options{}, nil)
	ctx := context.Background()

	desktop := g.Generate(ctx, "desktop", 6)
	mobile := g.Generate(ctx, "mobile", 6)
	require.Len(t, desktop, 6)
	require.Len(t, mobile, 4)
	for _, m := range mobile {
		assert.NotContains(t, desktop, m)
	}
}

func TestShuffleIsStablePerDay(t *testing.T) {
	src := NewStaticSource(terms(40)...)
	ctx := context.Background()

	first := NewGenerator([]Source{src}, &fakeLedger{day: "2024-06-03"}, Options{}, nil).Generate(ctx, "desktop", 40)
	again := NewGenerator([]Source{src}, &fakeLedger{day: "2024-06-03"}, Options{}, nil).Generate(ctx, "desktop", 40)
	other := NewGenerator([]Source{src}, &fakeLedger{day: "2024-06-04"}, Options{}, nil).Generate(ctx, "desktop", 40)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.ElementsMatch(t, first, other)
}

func TestSeedGivesEachAccountItsOwnOrder(t *testing.T) {
	src := NewStaticSource(terms(40)...)
	ctx := context.Background()
	ledger := &fakeLedger{day: "2024-06-03"}

	home := NewGenerator([]Source{src}, ledger, Options{Seed: "home"}, nil).Generate(ctx, "desktop", 40)
	homeAgain := NewGenerator([]Source{src}, ledger, Options{Seed: "home"}, nil).Generate(ctx, "desktop", 40)
	work := NewGenerator([]Source{src}, ledger, Options{Seed: "work"}, nil).Generate(ctx, "desktop", 40)

	assert.Equal(t, home, homeAgain)
	assert.NotEqual(t, home, work)
	assert.ElementsMatch(t, home, work)
}

func TestRecentQueriesAreFilteredThenRecycled(t *testing.T) {
	ledger := &fakeLedger{
		day:    "2024-06-03",
		recent: map[string]bool{HashQuery("Term 00"): true, HashQuery("term 01"): true},
	}
	src := NewStaticSource(terms(4)...)
	ctx := context.Background()

	got := NewGenerator([]Source{src}, ledger, Options{HistoryDays: 7}, nil).Generate(ctx, "desktop", 4)
	assert.ElementsMatch(t, []string{"term 02", "term 03"}, got)
	assert.Equal(t, progress.Day("2024-05-27"), ledger.since)

	got = NewGenerator([]Source{src}, ledger, Options{HistoryDays: 7, Recycle: true}, nil).Generate(ctx, "desktop", 4)
	require.Len(t, got, 4)
	assert.ElementsMatch(t, []string{"term 00", "term 01"}, got[2:])
}

func TestSourcesAreLoadedLazilyAndFailuresSkipped(t *testing.T) {
	broken := &failingSource{}
	first := &countingSource{Source: NewStaticSource(terms(5)...)}
	second := &countingSource{Source: NewStaticSource("x", "y")}
	g := NewGenerator([]Source{broken, first, second}, &fakeLedger{day: "2024-06-03"}, Options{}, nil)

	got := g.Generate(context.Background(), "desktop", 3)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)

	got = g.Generate(context.Background(), "mobile", 4)
	assert.ElementsMatch(t, []string{"x", "y"}, got[2:])
}

func TestHashQueryIgnoresCaseAndSpacing(t *testing.T) {
	assert.Equal(t, HashQuery("Best  Coffee"), HashQuery(" best coffee "))
	assert.NotEqual(t, HashQuery("best coffee"), HashQuery("best tea"))
	assert.Len(t, HashQuery("x"), 32)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.txt")
	content := "# comment\n=== Section ===\n\nfirst term\n  second term  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := NewFileSource(path).Terms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first term", "second term"}, got)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.txt")).Terms(context.Background())
	assert.Error(t, err)
}

func TestFeedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss><channel><title>Daily trends</title>
<item><title>solar eclipse</title><link>https://example.com/1</link></item>
<item><title><![CDATA[world cup]]></title></item>
</channel></rss>`)
	}))
	defer srv.Close()

	got, err := NewFeedSource(srv.URL, 0).Terms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"solar eclipse", "world cup"}, got)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	_, err = NewFeedSource(failing.URL, 0).Terms(context.Background())
	assert.Error(t, err)
}

func TestCombinatorIsFinite(t *testing.T) {
	got, err := NewCombinatorSource().Terms(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, len(combinatorHeads)*len(combinatorNouns))
}

func TestSourcesFromConfig(t *testing.T) {
	srcs, err := SourcesFromConfig(config.QueryConfig{
		Sources: []string{"static", "file", "feed", "combinator"},
		FeedURL: "https://example.com/rss",
	})
	require.NoError(t, err)
	names := []string{}
	for _, s := range srcs {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"static", "feed", "combinator"}, names)

	_, err = SourcesFromConfig(config.QueryConfig{Sources: []string{"oracle"}})
	assert.Error(t, err)
}
