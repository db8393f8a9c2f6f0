package progress

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type entryKey struct {
	day   Day
	scope string
	id    string
}

// MemoryStore keeps the ledger in process. Used for dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[entryKey]Entry
	runs    []RunRecord
	owner   string
	expires time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[entryKey]Entry{}, now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{e.Day, e.Scope, e.ID}
	if old, ok := m.entries[k]; ok && old.Status == StatusCompleted {
		return nil
	}
	m.entries[k] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, day Day, scope, id string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey{day, scope, id}]
	return e, ok, nil
}

func (m *MemoryStore) Count(_ context.Context, day Day, scope string, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if k.day == day && k.scope == scope && e.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, day Day) ([]Entry, error) {
	return m.filter(func(e Entry) bool { return e.Day == day }), nil
}

func (m *MemoryStore) Since(_ context.Context, scopePrefix string, from Day) ([]Entry, error) {
	return m.filter(func(e Entry) bool {
		return e.Day >= from && strings.HasPrefix(e.Scope, scopePrefix)
	}), nil
}

func (m *MemoryStore) filter(keep func(Entry) bool) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *MemoryStore) Prune(_ context.Context, before Day) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if k.day < before {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Acquire(_ context.Context, owner string, ttl time.Duration) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.owner != "" && m.owner != owner && now.Before(m.expires) {
		return nil, ErrLocked
	}
	m.owner, m.expires = owner, now.Add(ttl)
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.owner == owner {
			m.owner = ""
		}
		return nil
	}, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *MemoryStore) Runs(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
