// Package progress is the per-day ledger of completed searches and
// activities. It is what makes re-running the bot on the same day safe.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewards-automation/internal/config"
)

// ErrLocked means another run holds the ledger.
var ErrLocked = errors.New("progress: ledger is locked by another run")

const dayLayout = "2006-01-02"

// Day is a calendar date in the ledger's timezone, formatted YYYY-MM-DD so
// that string order is date order.
type Day string

func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(dayLayout))
}

func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day(s), nil
}

// AddDays returns the date n days later (earlier when n is negative).
func (d Day) AddDays(n int) Day {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return d
	}
	return Day(t.AddDate(0, 0, n).Format(dayLayout))
}

// unixEpochOrdinal is the proleptic Gregorian ordinal of 1970-01-01, with
// 0001-01-01 as day 1.
const unixEpochOrdinal = 719163

// Ordinal numbers the day from 0001-01-01 (day 1); it seeds the daily shuffle.
func (d Day) Ordinal() int64 {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return 0
	}
	return t.Unix()/86400 + unixEpochOrdinal
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// ScopeActivity holds the cards of the unnamed account.
const ScopeActivity = "activity"

const (
	searchScopePrefix   = "search/"
	activityScopePrefix = "activity/"
)

// SearchScope is the ledger scope of one device profile's searches for an
// account. The unnamed account keeps the short "search/<profile>" form.
func SearchScope(account, profile string) string {
	if account == "" {
		return searchScopePrefix + profile
	}
	return searchScopePrefix + account + "/" + profile
}

// ActivityScope is the ledger scope of an account's dashboard cards.
func ActivityScope(account string) string {
	if account == "" {
		return ScopeActivity
	}
	return activityScopePrefix + account
}

// parseSearchScope splits a search scope into account and device profile.
func parseSearchScope(scope string) (account, profile string, ok bool) {
	rest, ok := strings.CutPrefix(scope, searchScopePrefix)
	if !ok || rest == "" {
		return "", "", false
	}
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return "", rest, true
}

type Entry struct {
	Day    Day       `bson:"day" json:"day"`
	Scope  string    `bson:"scope" json:"scope"`
	ID     string    `bson:"id" json:"id"`
	Status Status    `bson:"status" json:"status"`
	Label  string    `bson:"label,omitempty" json:"label,omitempty"`
	At     time.Time `bson:"at" json:"at"`
}

type RunRecord struct {
	ID                  string    `bson:"_id" json:"id"`
	Account             string    `bson:"account,omitempty" json:"account,omitempty"`
	Mode                string    `bson:"mode" json:"mode"`
	Day                 Day       `bson:"day" json:"day"`
	DryRun              bool      `bson:"dry_run" json:"dry_run"`
	StartedAt           time.Time `bson:"started_at" json:"started_at"`
	FinishedAt          time.Time `bson:"finished_at" json:"finished_at"`
	DesktopSearches     int       `bson:"desktop_searches" json:"desktop_searches"`
	MobileSearches      int       `bson:"mobile_searches" json:"mobile_searches"`
	ActivitiesCompleted int       `bson:"activities_completed" json:"activities_completed"`
	ActivitiesSkipped   int       `bson:"activities_skipped" json:"activities_skipped"`
	ActivitiesMissed    int       `bson:"activities_missed" json:"activities_missed"`
	AbortReason         string    `bson:"abort_reason,omitempty" json:"abort_reason,omitempty"`
}

// Release gives up a ledger lock.
type Release func(ctx context.Context) error

// Store persists ledger entries. Put never downgrades a completed entry and
// nothing but Prune removes entries.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, day Day, scope, id string) (Entry, bool, error)
	Count(ctx context.Context, day Day, scope string, status Status) (int, error)
	List(ctx context.Context, day Day) ([]Entry, error)
	// Since lists entries whose scope starts with scopePrefix, from day on.
	Since(ctx context.Context, scopePrefix string, from Day) ([]Entry, error)
	// Prune deletes every entry older than before.
	Prune(ctx context.Context, before Day) (int, error)
	// Acquire takes the run lock for ttl. A lock whose ttl elapsed is free.
	Acquire(ctx context.Context, owner string, ttl time.Duration) (Release, error)
	SaveRun(ctx context.Context, r RunRecord) error
	Runs(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Progress.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.Progress.Path)
	case "mongo":
		return NewMongoStore(ctx, &MongoConfig{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
			Timeout:  time.Duration(cfg.Storage.MongoDB.TimeoutSeconds) * time.Second,
		})
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("progress: unknown backend %q", cfg.Progress.Backend)
}
