package progress

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default ledger: a single local database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS entries (
  day TEXT NOT NULL,
  scope TEXT NOT NULL,
  id TEXT NOT NULL,
  status TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  at TEXT NOT NULL,
  PRIMARY KEY (day, scope, id)
)`,
	`CREATE INDEX IF NOT EXISTS entries_scope_day ON entries (scope, day)`,
	`
CREATE TABLE IF NOT EXISTS locks (
  name TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_at INTEGER NOT NULL
)`,
	`
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  mode TEXT NOT NULL,
  day TEXT NOT NULL,
  dry_run INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  desktop_searches INTEGER NOT NULL,
  mobile_searches INTEGER NOT NULL,
  activities_completed INTEGER NOT NULL,
  activities_skipped INTEGER NOT NULL,
  activities_missed INTEGER NOT NULL,
  abort_reason TEXT NOT NULL DEFAULT '',
  account TEXT NOT NULL DEFAULT ''
)`,
}

// migrations bring ledgers created by older versions up to the schema. A
// "duplicate column" failure means the step already ran.
var migrations = []string{
	`ALTER TABLE runs ADD COLUMN account TEXT NOT NULL DEFAULT ''`,
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}
	for _, ddl := range migrations {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("migrate ledger schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	const stmt = `
INSERT INTO entries (day, scope, id, status, label, at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(day, scope, id) DO UPDATE SET
  status=excluded.status,
  label=excluded.label,
  at=excluded.at
WHERE entries.status <> 'completed';
`
	_, err := s.db.ExecContext(ctx, stmt,
		string(e.Day), e.Scope, e.ID, string(e.Status), e.Label, e.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, day Day, scope, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT day, scope, id, status, label, at FROM entries WHERE day = ? AND scope = ? AND id = ?`,
		string(day), scope, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get entry: %w", err)
	}
	return e, true, nil
}

func (s *SQLiteStore) Count(ctx context.Context, day Day, scope string, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE day = ? AND scope = ? AND status = ?`,
		string(day), scope, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) List(ctx context.Context, day Day) ([]Entry, error) {
	return s.query(ctx,
		`SELECT day, scope, id, status, label, at FROM entries WHERE day = ? ORDER BY at`,
		string(day))
}

func (s *SQLiteStore) Since(ctx context.Context, scopePrefix string, from Day) ([]Entry, error) {
	return s.query(ctx,
		`SELECT day, scope, id, status, label, at FROM entries WHERE day >= ? AND substr(scope, 1, ?) = ? ORDER BY at`,
		string(from), len(scopePrefix), scopePrefix)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e               Entry
		day, status, at string
	)
	if err := row.Scan(&day, &e.Scope, &e.ID, &status, &e.Label, &at); err != nil {
		return Entry{}, err
	}
	e.Day, e.Status = Day(day), Status(status)
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return Entry{}, err
	}
	e.At = t
	return e, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, before Day) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE day < ?`, string(before))
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Acquire upserts the lock row only when it is free, expired or already
// ours; zero affected rows means someone else holds it.
func (s *SQLiteStore) Acquire(ctx context.Context, owner string, ttl time.Duration) (Release, error) {
	const stmt = `
INSERT INTO locks (name, owner, expires_at) VALUES ('run', ?, ?)
ON CONFLICT(name) DO UPDATE SET
  owner=excluded.owner,
  expires_at=excluded.expires_at
WHERE locks.expires_at < ? OR locks.owner = excluded.owner;
`
	now := s.now()
	res, err := s.db.ExecContext(ctx, stmt, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = 'run' AND owner = ?`, owner); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r RunRecord) error {
	const stmt = `
INSERT INTO runs (id, mode, day, dry_run, started_at, finished_at, desktop_searches, mobile_searches,
  activities_completed, activities_skipped, activities_missed, abort_reason, account)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  finished_at=excluded.finished_at,
  desktop_searches=excluded.desktop_searches,
  mobile_searches=excluded.mobile_searches,
  activities_completed=excluded.activities_completed,
  activities_skipped=excluded.activities_skipped,
  activities_missed=excluded.activities_missed,
  abort_reason=excluded.abort_reason;
`
	_, err := s.db.ExecContext(ctx, stmt,
		r.ID, r.Mode, string(r.Day), r.DryRun,
		r.StartedAt.UTC().Format(timeLayout), r.FinishedAt.UTC().Format(timeLayout),
		r.DesktopSearches, r.MobileSearches,
		r.ActivitiesCompleted, r.ActivitiesSkipped, r.ActivitiesMissed, r.AbortReason, r.Account,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, mode, day, dry_run, started_at, finished_at, desktop_searches, mobile_searches,
  activities_completed, activities_skipped, activities_missed, abort_reason, account
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			day               string
			started, finished string
		)
		err := rows.Scan(&r.ID, &r.Mode, &day, &r.DryRun, &started, &finished,
			&r.DesktopSearches, &r.MobileSearches,
			&r.ActivitiesCompleted, &r.ActivitiesSkipped, &r.ActivitiesMissed, &r.AbortReason, &r.Account)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Day = Day(day)
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
