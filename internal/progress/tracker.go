package progress

import (
	"context"
	"sort"
	"time"
)

// Tracker answers "has this been done today?" on top of a Store, in the
// ledger's timezone. Every question is scoped to one account; the tracker
// NewTracker returns is the unnamed one.
type Tracker struct {
	store   Store
	loc     *time.Location
	now     func() time.Time
	account string
}

func NewTracker(store Store, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{store: store, loc: loc, now: time.Now}
}

// WithClock replaces the wall clock. Tests use it to simulate days.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// ForAccount returns a tracker over the same store whose entries are kept
// apart from every other account's.
func (t *Tracker) ForAccount(name string) *Tracker {
	c := *t
	c.account = name
	return &c
}

func (t *Tracker) Account() string { return t.account }

func (t *Tracker) Store() Store { return t.store }

func (t *Tracker) Today() Day {
	return DayOf(t.now(), t.loc)
}

func (t *Tracker) HasCompletedSearch(ctx context.Context, day Day, profile, queryHash string) (bool, error) {
	e, ok, err := t.store.Get(ctx, day, SearchScope(t.account, profile), queryHash)
	if err != nil || !ok {
		return false, err
	}
	return e.Status == StatusCompleted, nil
}

func (t *Tracker) RecordSearch(ctx context.Context, day Day, profile, queryHash, query string) error {
	return t.store.Put(ctx, Entry{
		Day:    day,
		Scope:  SearchScope(t.account, profile),
		ID:     queryHash,
		Status: StatusCompleted,
		Label:  query,
		At:     t.now(),
	})
}

func (t *Tracker) SearchCount(ctx context.Context, day Day, profile string) (int, error) {
	return t.store.Count(ctx, day, SearchScope(t.account, profile), StatusCompleted)
}

// HasCompletedActivity is true for completed and for skipped cards: neither
// is attempted again the same day.
func (t *Tracker) HasCompletedActivity(ctx context.Context, day Day, cardID string) (bool, error) {
	_, ok, err := t.store.Get(ctx, day, ActivityScope(t.account), cardID)
	return ok, err
}

func (t *Tracker) RecordActivity(ctx context.Context, day Day, cardID, title string) error {
	return t.put(ctx, day, cardID, title, StatusCompleted)
}

func (t *Tracker) RecordSkipped(ctx context.Context, day Day, cardID, title string) error {
	return t.put(ctx, day, cardID, title, StatusSkipped)
}

func (t *Tracker) put(ctx context.Context, day Day, id, label string, status Status) error {
	return t.store.Put(ctx, Entry{Day: day, Scope: ActivityScope(t.account), ID: id, Status: status, Label: label, At: t.now()})
}

// RecentQueries returns the hashes of every query the account searched, on
// any profile, from since on.
func (t *Tracker) RecentQueries(ctx context.Context, since Day) (map[string]bool, error) {
	entries, err := t.store.Since(ctx, searchScopePrefix, since)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if account, _, ok := parseSearchScope(e.Scope); !ok || account != t.account {
			continue
		}
		if e.Status == StatusCompleted {
			out[e.ID] = true
		}
	}
	return out, nil
}

type Snapshot struct {
	Day                 Day
	Searches            map[string]int
	ActivitiesCompleted int
	ActivitiesSkipped   int
	Entries             []Entry
}

func (t *Tracker) Snapshot(ctx context.Context, day Day) (Snapshot, error) {
	entries, err := t.store.List(ctx, day)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Day: day, Searches: map[string]int{}}
	activities := ActivityScope(t.account)
	for _, e := range entries {
		if e.Scope == activities {
			snap.Entries = append(snap.Entries, e)
			if e.Status == StatusCompleted {
				snap.ActivitiesCompleted++
			} else {
				snap.ActivitiesSkipped++
			}
			continue
		}
		account, profile, ok := parseSearchScope(e.Scope)
		if !ok || account != t.account {
			continue
		}
		snap.Entries = append(snap.Entries, e)
		if e.Status == StatusCompleted {
			snap.Searches[profile]++
		}
	}
	sort.SliceStable(snap.Entries, func(i, j int) bool { return snap.Entries[i].At.Before(snap.Entries[j].At) })
	return snap, nil
}

// Prune drops days older than retentionDays before today.
func (t *Tracker) Prune(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	return t.store.Prune(ctx, t.Today().AddDays(-retentionDays))
}

func (t *Tracker) Acquire(ctx context.Context, owner string, ttl time.Duration) (Release, error) {
	return t.store.Acquire(ctx, owner, ttl)
}

func (t *Tracker) SaveRun(ctx context.Context, r RunRecord) error {
	return t.store.SaveRun(ctx, r)
}

func (t *Tracker) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	return t.store.Runs(ctx, limit)
}
