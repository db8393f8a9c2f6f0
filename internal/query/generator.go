// Package query produces the search terms of a run.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"rewards-automation/internal/progress"
	"rewards-automation/pkg/logger"
)

// ErrQuotaExhausted reports that the sources ran dry before the requested
// count was reached. It is informational: callers log it and stop early.
var ErrQuotaExhausted = errors.New("query: sources exhausted before quota was met")

// Normalize trims a term and collapses inner whitespace.
func Normalize(term string) string {
	return strings.Join(strings.Fields(term), " ")
}

// HashQuery is the ledger id of a term. Case and spacing do not matter.
func HashQuery(term string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(Normalize(term))))
	return hex.EncodeToString(sum[:16])
}

// Ledger is the part of the progress tracker the generator reads.
type Ledger interface {
	Today() progress.Day
	RecentQueries(ctx context.Context, since progress.Day) (map[string]bool, error)
}

type Options struct {
	// HistoryDays excludes terms searched in the last N days. Zero disables.
	HistoryDays int
	// Recycle yields recently searched terms once the fresh ones run out.
	Recycle bool
	// Seed is mixed into the day's shuffle so accounts searching on the
	// same day do not walk the terms in the same order.
	Seed string
}

// Generator hands out terms for one run. Its seen set spans every Sequence
// it creates, so a term is never repeated within the run.
type Generator struct {
	sources []Source
	ledger  Ledger
	opts    Options
	logger  logger.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func NewGenerator(sources []Source, ledger Ledger, opts Options, log logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{
		sources: sources,
		ledger:  ledger,
		opts:    opts,
		logger:  log,
		seen:    make(map[string]bool),
	}
}

func (g *Generator) today() progress.Day {
	if g.ledger == nil {
		return progress.DayOf(time.Now(), time.Local)
	}
	return g.ledger.Today()
}

func (g *Generator) seed(day progress.Day) int64 {
	if g.opts.Seed == "" {
		return day.Ordinal()
	}
	h := fnv.New64a()
	h.Write([]byte(g.opts.Seed))
	return day.Ordinal() ^ int64(h.Sum64()>>1)
}

// claim marks key as used by this run; false when it already was.
func (g *Generator) claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[key] {
		return false
	}
	g.seen[key] = true
	return true
}

// Sequence returns a lazy, finite stream of at most count terms for profile.
func (g *Generator) Sequence(ctx context.Context, profile string, count int) *Sequence {
	day := g.today()
	s := &Sequence{
		g:       g,
		ctx:     ctx,
		profile: profile,
		left:    count,
		rng:     rand.New(rand.NewSource(g.seed(day))),
	}
	if g.ledger != nil && g.opts.HistoryDays > 0 {
		recent, err := g.ledger.RecentQueries(ctx, day.AddDays(-g.opts.HistoryDays))
		if err != nil {
			g.logger.Warn("failed to load recent queries, not filtering", "error", err)
		}
		s.recent = recent
	}
	return s
}

// Generate drains a Sequence: exactly count distinct terms, or fewer when
// the sources run out.
func (g *Generator) Generate(ctx context.Context, profile string, count int) []string {
	seq := g.Sequence(ctx, profile, count)
	out := make([]string, 0, count)
	for {
		term, ok := seq.Next()
		if !ok {
			break
		}
		out = append(out, term)
	}
	return out
}

// Sequence is not safe for concurrent use.
type Sequence struct {
	g       *Generator
	ctx     context.Context
	profile string
	left    int
	rng     *rand.Rand

	recent map[string]bool

	nextSource int
	pending    []string
	recycled   []string
	recycling  bool
	dry        bool
}

// Next returns the next term, or false once count terms were handed out or
// every source is exhausted.
func (s *Sequence) Next() (string, bool) {
	for s.left > 0 {
		if len(s.pending) == 0 && !s.refill() {
			s.dry = true
			return "", false
		}
		term := s.pending[0]
		s.pending = s.pending[1:]

		key := strings.ToLower(term)
		if !s.recycling && s.recent[HashQuery(term)] {
			s.recycled = append(s.recycled, term)
			continue
		}
		if !s.g.claim(key) {
			continue
		}
		s.left--
		return term, true
	}
	return "", false
}

// Extend allows n more terms. Callers use it to replace a term that was
// spent without counting towards the quota.
func (s *Sequence) Extend(n int) {
	if n > 0 {
		s.left += n
	}
}

// Err is ErrQuotaExhausted when the sequence ended before reaching count.
func (s *Sequence) Err() error {
	if s.dry {
		return ErrQuotaExhausted
	}
	return nil
}

func (s *Sequence) refill() bool {
	for s.nextSource < len(s.g.sources) {
		if s.ctx.Err() != nil {
			return false
		}
		src := s.g.sources[s.nextSource]
		s.nextSource++

		terms, err := src.Terms(s.ctx)
		if err != nil {
			s.g.logger.Warn("query source failed", "source", src.Name(), "error", err)
			continue
		}
		s.pending = s.prepare(terms)
		s.g.logger.Debug("query source loaded", "source", src.Name(), "terms", len(s.pending), "profile", s.profile)
		if len(s.pending) > 0 {
			return true
		}
	}
	if s.g.opts.Recycle && !s.recycling && len(s.recycled) > 0 {
		s.recycling = true
		s.pending, s.recycled = s.recycled, nil
		s.g.logger.Info("fresh queries exhausted, reusing recent ones", "terms", len(s.pending))
		return true
	}
	return false
}

// prepare normalises, drops empties and in-batch duplicates, then shuffles
// with the day's seed so one day always yields the same order.
func (s *Sequence) prepare(terms []string) []string {
	out := make([]string, 0, len(terms))
	keys := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = Normalize(t)
		k := strings.ToLower(t)
		if t == "" || keys[k] {
			continue
		}
		keys[k] = true
		out = append(out, t)
	}
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
