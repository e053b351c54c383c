package fundex

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/fundex/utils"
)

// Tracker counts query frequencies and periodically re-executes the hottest
// ones so downstream derived caches stay warm. Eviction is score-based: when
// the table exceeds its cap it is pruned to the top entries by count, with no
// decay or TTL.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int

	cap      int // prune trigger
	keep     int // entries surviving a prune
	topK     int // queries executed per warm pass
	interval time.Duration
	logger   *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithHotQueryCap bounds the frequency table: above cap it is pruned down to
// keep entries by count.
func WithHotQueryCap(cap, keep int) TrackerOption {
	return func(t *Tracker) {
		if cap > 0 && keep > 0 && keep <= cap {
			t.cap = cap
			t.keep = keep
		}
	}
}

// WithWarmTopK sets how many queries each warm pass executes.
func WithWarmTopK(k int) TrackerOption {
	return func(t *Tracker) {
		if k > 0 {
			t.topK = k
		}
	}
}

// WithWarmInterval sets the warm pass period.
func WithWarmInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithTrackerLogger installs a structured logger on the Tracker.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a Tracker with bounded memory.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		counts:   make(map[string]int),
		cap:      1000,
		keep:     500,
		topK:     20,
		interval: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record counts one observed query. Queries shorter than two runes are
// ignored; the rest are normalized to lower case.
func (t *Tracker) Record(query string) {
	if utils.RuneLen(query) < 2 {
		return
	}
	normalized := utils.IfToLower(query)
	t.mu.Lock()
	t.counts[normalized]++
	if len(t.counts) > t.cap {
		t.pruneLocked()
	}
	t.mu.Unlock()
}

type queryCount struct {
	query string
	count int
}

// rankedLocked snapshots the table sorted by count descending, ties broken
// lexicographically so pruning and warming are deterministic.
func (t *Tracker) rankedLocked() []queryCount {
	ranked := make([]queryCount, 0, len(t.counts))
	for q, c := range t.counts {
		ranked = append(ranked, queryCount{query: q, count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].query < ranked[j].query
	})
	return ranked
}

func (t *Tracker) pruneLocked() {
	ranked := t.rankedLocked()
	if len(ranked) <= t.keep {
		return
	}
	pruned := make(map[string]int, t.keep)
	for _, qc := range ranked[:t.keep] {
		pruned[qc.query] = qc.count
	}
	t.counts = pruned
}

// TopK returns the k most frequent queries, hottest first.
func (t *Tracker) TopK(k int) []string {
	t.mu.Lock()
	ranked := t.rankedLocked()
	t.mu.Unlock()
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, qc := range ranked[:k] {
		out = append(out, qc.query)
	}
	return out
}

// Count returns the recorded frequency of a query.
func (t *Tracker) Count(query string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[utils.IfToLower(query)]
}

// Len returns the number of tracked queries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// Warm speculatively executes the current top-K queries against the engine.
// Results are discarded and the executions are not recorded back into the
// table, so the warm pass never feeds itself.
func (t *Tracker) Warm(ctx context.Context, engine *Engine) {
	for _, query := range t.TopK(t.topK) {
		if ctx.Err() != nil {
			return
		}
		if _, err := engine.search(ctx, query, false); err != nil {
			t.logger.Debug("warm query failed", "query", query, "error", err)
		}
	}
}

// Start runs the warm loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, engine *Engine) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Warm(ctx, engine)
		}
	}
}
