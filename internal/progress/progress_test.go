package progress

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStores(t *testing.T, c *clock) map[string]Store {
	t.Helper()

	mem := NewMemoryStore()
	mem.now = c.now

	lite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger", "progress.db"))
	require.NoError(t, err)
	lite.now = c.now
	t.Cleanup(func() { lite.Close() })

	stores := map[string]Store{"memory": mem, "sqlite": lite}

	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		ctx := context.Background()
		mongo, err := NewMongoStore(ctx, &MongoConfig{
			URI:      uri,
			Database: "rewards_test_" + strconv.FormatInt(time.Now().UnixNano(), 36),
			Timeout:  5 * time.Second,
		})
		require.NoError(t, err)
		mongo.now = c.now
		t.Cleanup(func() {
			_ = mongo.database.Drop(context.Background())
			mongo.Close()
		})
		stores["mongo"] = mongo
	}
	return stores
}

func base() time.Time {
	return time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
}

func TestStorePutNeverDowngrades(t *testing.T) {
	c := &clock{t: base()}
	for name, store := range newStores(t, c) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			day := Day("2024-06-03")

			require.NoError(t, store.Put(ctx, Entry{Day: day, Scope: ScopeActivity, ID: "a", Status: StatusSkipped, At: base()}))
			require.NoError(t, store.Put(ctx, Entry{Day: day, Scope: ScopeActivity, ID: "a", Status: StatusCompleted, Label: "Poll", At: base().Add(time.Minute)}))
			require.NoError(t, store.Put(ctx, Entry{Day: day, Scope: ScopeActivity, ID: "a", Status: StatusSkipped, At: base().Add(2 * time.Minute)}))

			e, ok, err := store.Get(ctx, day, ScopeActivity, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, StatusCompleted, e.Status)
			assert.Equal(t, "Poll", e.Label)

			n, err := store.Count(ctx, day, ScopeActivity, StatusCompleted)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	c := &clock{t: base()}
	for name, store := range newStores(t, c) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get(context.Background(), "2024-06-03", ScopeActivity, "nope")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreSinceAndPrune(t *testing.T) {
	c := &clock{t: base()}
	for name, store := range newStores(t, c) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put := func(day Day, scope, id string) {
				require.NoError(t, store.Put(ctx, Entry{Day: day, Scope: scope, ID: id, Status: StatusCompleted, At: base()}))
			}
			put("2024-05-30", SearchScope("", "desktop"), "old")
			put("2024-06-01", SearchScope("", "desktop"), "d1")
			put("2024-06-02", SearchScope("", "mobile"), "m1")
			put("2024-06-02", ScopeActivity, "card")

			got, err := store.Since(ctx, "search/", "2024-06-01")
			require.NoError(t, err)
			ids := map[string]bool{}
			for _, e := range got {
				ids[e.ID] = true
			}
			assert.Equal(t, map[string]bool{"d1": true, "m1": true}, ids)

			n, err := store.Prune(ctx, "2024-06-01")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err := store.Get(ctx, "2024-05-30", SearchScope("", "desktop"), "old")
			require.NoError(t, err)
			assert.False(t, ok)

			list, err := store.List(ctx, "2024-06-02")
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestStoreLock(t *testing.T) {
	c := &clock{t: base()}
	for name, store := range newStores(t, c) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.t = base()

			release, err := store.Acquire(ctx, "first", time.Hour)
			require.NoError(t, err)

			_, err = store.Acquire(ctx, "second", time.Hour)
			assert.ErrorIs(t, err, ErrLocked)

			// re-entrant for the same owner
			again, err := store.Acquire(ctx, "first", time.Hour)
			require.NoError(t, err)
			require.NotNil(t, again)

			require.NoError(t, release(ctx))
			release2, err := store.Acquire(ctx, "second", time.Hour)
			require.NoError(t, err)

			c.t = base().Add(2 * time.Hour)
			release3, err := store.Acquire(ctx, "third", time.Hour)
			require.NoError(t, err, "an expired lock is free")

			require.NoError(t, release2(ctx), "releasing a lost lock is harmless")
			_, err = store.Acquire(ctx, "fourth", time.Hour)
			assert.ErrorIs(t, err, ErrLocked)
			require.NoError(t, release3(ctx))
		})
	}
}

func TestStoreRuns(t *testing.T) {
	c := &clock{t: base()}
	for name, store := range newStores(t, c) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"r1", "r2", "r3"} {
				start := base().Add(time.Duration(i) * time.Hour)
				require.NoError(t, store.SaveRun(ctx, RunRecord{
					ID: id, Account: "acct-" + id, Mode: "daily", Day: "2024-06-03",
					StartedAt: start, FinishedAt: start.Add(time.Minute),
					DesktopSearches: i,
				}))
			}

			runs, err := store.Runs(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "r3", runs[0].ID)
			assert.Equal(t, "r2", runs[1].ID)
			assert.Equal(t, 2, runs[0].DesktopSearches)
			assert.Equal(t, "acct-r3", runs[0].Account)
			assert.True(t, runs[0].StartedAt.Equal(base().Add(2*time.Hour)))

			all, err := store.Runs(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestDayHelpers(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:00 UTC is still the previous evening in New York
	at := time.Date(2024, 6, 4, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, Day("2024-06-03"), DayOf(at, ny))
	assert.Equal(t, Day("2024-06-04"), DayOf(at, time.UTC))

	assert.Equal(t, Day("2024-03-01"), Day("2024-02-28").AddDays(2))
	assert.Equal(t, Day("2023-12-31"), Day("2024-01-01").AddDays(-1))

	assert.Equal(t, int64(1), Day("0001-01-01").Ordinal())
	assert.Equal(t, int64(738885), Day("2023-12-31").Ordinal())
	assert.Equal(t, Day("2024-06-04").Ordinal(), Day("2024-06-03").Ordinal()+1)

	_, err = ParseDay("2024-13-01")
	assert.Error(t, err)
}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC)
	tracker := NewTracker(store, time.UTC).WithClock(func() time.Time { return now })
	day := tracker.Today()
	assert.Equal(t, Day("2024-06-03"), day)

	require.NoError(t, tracker.RecordSearch(ctx, day, "desktop", "h1", "weather"))
	require.NoError(t, tracker.RecordSearch(ctx, day, "desktop", "h2", "news"))
	require.NoError(t, tracker.RecordSearch(ctx, day, "mobile", "h3", "recipes"))

	done, err := tracker.HasCompletedSearch(ctx, day, "desktop", "h1")
	require.NoError(t, err)
	assert.True(t, done)
	done, err = tracker.HasCompletedSearch(ctx, day, "mobile", "h1")
	require.NoError(t, err)
	assert.False(t, done)

	n, err := tracker.SearchCount(ctx, day, "desktop")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, tracker.RecordSkipped(ctx, day, "card-x", "Mystery"))
	require.NoError(t, tracker.RecordActivity(ctx, day, "card-y", "Daily poll"))
	skipped, err := tracker.HasCompletedActivity(ctx, day, "card-x")
	require.NoError(t, err)
	assert.True(t, skipped)

	snap, err := tracker.Snapshot(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"desktop": 2, "mobile": 1}, snap.Searches)
	assert.Equal(t, 1, snap.ActivitiesCompleted)
	assert.Equal(t, 1, snap.ActivitiesSkipped)

	recent, err := tracker.RecentQueries(ctx, day.AddDays(-3))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h1": true, "h2": true, "h3": true}, recent)

	// a new day starts with a clean slate
	now = now.Add(time.Hour)
	next := tracker.Today()
	assert.Equal(t, Day("2024-06-04"), next)
	n, err = tracker.SearchCount(ctx, next, "desktop")
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(10 * 24 * time.Hour)
	pruned, err := tracker.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, pruned)
}

func TestTrackerKeepsAccountsApart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	root := NewTracker(NewMemoryStore(), time.UTC).WithClock(func() time.Time { return now })
	home, work := root.ForAccount("home"), root.ForAccount("work")
	day := root.Today()

	require.NoError(t, home.RecordSearch(ctx, day, "desktop", "h1", "weather"))
	require.NoError(t, home.RecordSearch(ctx, day, "desktop", "h2", "news"))
	require.NoError(t, work.RecordSearch(ctx, day, "desktop", "h3", "recipes"))
	require.NoError(t, root.RecordSearch(ctx, day, "desktop", "h4", "maps"))
	require.NoError(t, home.RecordActivity(ctx, day, "card", "Daily poll"))

	for _, tc := range []struct {
		tracker  *Tracker
		searches int
		card     bool
		recent   map[string]bool
	}{
		{home, 2, true, map[string]bool{"h1": true, "h2": true}},
		{work, 1, false, map[string]bool{"h3": true}},
		{root, 1, false, map[string]bool{"h4": true}},
	} {
		name := tc.tracker.Account()
		n, err := tc.tracker.SearchCount(ctx, day, "desktop")
		require.NoError(t, err)
		assert.Equal(t, tc.searches, n, name)

		done, err := tc.tracker.HasCompletedActivity(ctx, day, "card")
		require.NoError(t, err)
		assert.Equal(t, tc.card, done, name)

		recent, err := tc.tracker.RecentQueries(ctx, day.AddDays(-1))
		require.NoError(t, err)
		assert.Equal(t, tc.recent, recent, name)

		snap, err := tc.tracker.Snapshot(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"desktop": tc.searches}, snap.Searches, name)
	}

	assert.Equal(t, "search/desktop", SearchScope("", "desktop"))
	assert.Equal(t, "search/home/mobile", SearchScope("home", "mobile"))
	assert.Equal(t, "activity/home", ActivityScope("home"))
}
