package fundex

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oarkflow/filters"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/fundex/utils"
)

// Index path reported in results, for observability and tests.
const (
	IndexNone     = "none"
	IndexHash     = "hash"
	IndexTrie     = "trie"
	IndexScan     = "scan"
	IndexInverted = "inverted"
)

// Engine routes queries against the current generation. It is constructed
// explicitly and injected by whatever composes the application; there is no
// process-wide instance.
type Engine struct {
	ID string

	maxResults     int
	minResults     int
	fuzzyThreshold int
	fuzzy          bool
	pinyin         bool
	logger         *slog.Logger
	tracker        *Tracker

	current atomic.Pointer[Generation]
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxResults caps the record count of every search result.
func WithMaxResults(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxResults = n
		}
	}
}

// WithMinResults sets the result count below which a prefix search falls
// back to the bounded substring scan.
func WithMinResults(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.minResults = n
		}
	}
}

// WithFuzzy toggles the substring-scan fallback.
func WithFuzzy(enable bool) Option {
	return func(e *Engine) {
		e.fuzzy = enable
	}
}

// WithPinyin toggles the pinyin trie on free-text searches.
func WithPinyin(enable bool) Option {
	return func(e *Engine) {
		e.pinyin = enable
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracker attaches a hot-query tracker fed by every user search.
func WithTracker(t *Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}

// NewEngine creates an Engine with no generation published yet.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		ID:             xid.New().String(),
		maxResults:     50,
		minResults:     5,
		fuzzyThreshold: 2,
		fuzzy:          true,
		pinyin:         true,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generation returns the currently published generation, nil before the
// first successful build.
func (e *Engine) Generation() *Generation {
	return e.current.Load()
}

// Ready reports whether a generation has been published.
func (e *Engine) Ready() bool {
	return e.current.Load() != nil
}

// Build constructs a generation from records and publishes it atomically.
// The previous generation stays live for readers until the swap.
func (e *Engine) Build(ctx context.Context, records []FundRecord) error {
	gen, err := buildGeneration(ctx, records, hashRecords(records))
	if err != nil {
		return err
	}
	e.publish(gen)
	return nil
}

func (e *Engine) publish(gen *Generation) {
	e.current.Store(gen)
	e.logger.Info("generation published",
		"engine", e.ID,
		"records", len(gen.Records),
		"content_hash", gen.ContentHash)
}

// Clear unpublishes the current generation; subsequent searches report not
// ready until the next build.
func (e *Engine) Clear() {
	e.current.Store(nil)
}

// SearchOptions tune one search call.
type SearchOptions struct {
	MaxResults int
	MinResults int
	SortBy     string // "code" (default), "name", "type"
	SortOrder  string // "asc" (default), "desc"
	Fuzzy      *bool  // override engine default
	Pinyin     *bool  // override engine default
}

// Result is the answer shape shared by the search and criteria paths.
type Result struct {
	Records   []FundRecord `json:"records"`
	Total     int          `json:"total"`
	ElapsedMS float64      `json:"elapsed_ms"`
	IndexUsed string       `json:"index_used"`
	NotReady  bool         `json:"not_ready,omitempty"`
}

func notReadyResult(start time.Time) *Result {
	return &Result{
		Records:   []FundRecord{},
		IndexUsed: IndexNone,
		NotReady:  true,
		ElapsedMS: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// Search answers a free-text query. Classification per query shape: exact
// code/name via the hash index, short prefixes via the merged tries, an
// under-returning prefix falls back to a bounded substring scan, anything
// else scans linearly. Sync failures never surface here; the worst case is a
// stale generation.
func (e *Engine) Search(ctx context.Context, query string, optFns ...func(*SearchOptions)) (*Result, error) {
	res, err := e.search(ctx, query, true, optFns...)
	return res, err
}

func (e *Engine) search(ctx context.Context, query string, record bool, optFns ...func(*SearchOptions)) (*Result, error) {
	start := time.Now()
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, ErrEmptyQuery
	}
	if record && e.tracker != nil {
		e.tracker.Record(trimmed)
	}
	gen := e.current.Load()
	if gen == nil {
		return notReadyResult(start), nil
	}

	opts := e.searchOptions(optFns)
	lower := utils.IfToLower(trimmed)
	runes := utils.RuneLen(trimmed)

	var (
		records   []FundRecord
		indexUsed string
	)
	switch {
	case IsFundCode(trimmed):
		indexUsed = IndexHash
		if pos, ok := gen.Hash.Lookup(trimmed); ok {
			if rec, ok := gen.record(pos); ok {
				records = append(records, rec)
			}
		}
		if len(records) == 0 {
			// Code-shaped but unknown: treat it as a prefix of longer keys.
			records = e.trieSearch(gen, lower, opts)
			indexUsed = IndexTrie
		}
	case runes >= 2 && runes <= 5:
		indexUsed = IndexTrie
		records = e.trieSearch(gen, lower, opts)
	default:
		if pos, ok := gen.Hash.LookupName(trimmed); ok {
			if rec, ok := gen.record(pos); ok {
				records = append(records, rec)
				indexUsed = IndexHash
			}
		}
		if len(records) == 0 {
			indexUsed = IndexScan
			records = e.scan(gen, lower, opts.MaxResults)
		}
	}

	// Under-returning prefix search falls back to a bounded substring scan.
	if indexUsed == IndexTrie && runes >= 2 && len(records) < opts.MinResults && opts.fuzzyEnabled(e) {
		scanned := e.scan(gen, lower, opts.MaxResults)
		records = mergeRecords(records, scanned)
		if len(scanned) > 0 {
			indexUsed = IndexTrie + "+" + IndexScan
		}
	}

	sortRecords(records, opts.SortBy, opts.SortOrder)
	if len(records) > opts.MaxResults {
		records = records[:opts.MaxResults]
	}
	if records == nil {
		records = []FundRecord{}
	}
	elapsed := time.Since(start)
	e.logger.Debug("search served",
		"query", trimmed,
		"index", indexUsed,
		"results", len(records),
		"elapsed", elapsed)
	return &Result{
		Records:   records,
		Total:     len(records),
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		IndexUsed: indexUsed,
	}, nil
}

func (e *Engine) searchOptions(optFns []func(*SearchOptions)) SearchOptions {
	opts := SearchOptions{
		MaxResults: e.maxResults,
		MinResults: e.minResults,
		SortBy:     "code",
		SortOrder:  "asc",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = e.maxResults
	}
	if opts.MinResults < 0 {
		opts.MinResults = e.minResults
	}
	return opts
}

func (o SearchOptions) fuzzyEnabled(e *Engine) bool {
	if o.Fuzzy != nil {
		return *o.Fuzzy
	}
	return e.fuzzy
}

func (o SearchOptions) pinyinEnabled(e *Engine) bool {
	if o.Pinyin != nil {
		return *o.Pinyin
	}
	return e.pinyin
}

// trieSearch unions the three tries and resolves record keys through the
// hash index.
func (e *Engine) trieSearch(gen *Generation, lower string, opts SearchOptions) []FundRecord {
	limit := opts.MaxResults
	keys := gen.CodeTrie.Collect(lower, limit)
	keys = append(keys, gen.NameTrie.Collect(lower, limit)...)
	if opts.pinyinEnabled(e) {
		keys = append(keys, gen.PinyinTrie.Collect(lower, limit)...)
	}
	seen := make(map[string]struct{}, len(keys))
	records := make([]FundRecord, 0, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pos, ok := gen.Hash.LookupCode(key)
		if !ok {
			continue
		}
		if rec, ok := gen.record(pos); ok {
			records = append(records, rec)
		}
	}
	return records
}

// scan is the bounded linear fallback: substring containment over code, name,
// pinyin and type, capped at limit matches. Code-shaped queries additionally
// match codes within the edit-distance threshold, catching typos.
func (e *Engine) scan(gen *Generation, lower string, limit int) []FundRecord {
	codeShaped := IsFundCode(lower)
	var records []FundRecord
	for _, rec := range gen.Records {
		match := strings.Contains(utils.IfToLower(rec.Code), lower) ||
			strings.Contains(utils.IfToLower(rec.Name), lower) ||
			strings.Contains(utils.IfToLower(rec.PinyinAbbr), lower) ||
			strings.Contains(utils.IfToLower(rec.PinyinFull), lower) ||
			strings.Contains(utils.IfToLower(rec.Type), lower)
		if !match && codeShaped {
			match = utils.BoundedLevenshtein(lower, utils.IfToLower(rec.Code), e.fuzzyThreshold) <= e.fuzzyThreshold
		}
		if match {
			records = append(records, rec)
			if len(records) >= limit {
				break
			}
		}
	}
	return records
}

func mergeRecords(base, extra []FundRecord) []FundRecord {
	seen := make(map[string]struct{}, len(base))
	for _, rec := range base {
		seen[rec.Code] = struct{}{}
	}
	for _, rec := range extra {
		if _, dup := seen[rec.Code]; dup {
			continue
		}
		seen[rec.Code] = struct{}{}
		base = append(base, rec)
	}
	return base
}

// sortRecords orders records lexicographically on one field. The sort is
// stable: ties retain prior relative order, no secondary field is applied.
func sortRecords(records []FundRecord, sortBy, sortOrder string) {
	key := func(rec FundRecord) string {
		switch sortBy {
		case "name":
			return rec.Name
		case "type":
			return rec.Type
		default:
			return rec.Code
		}
	}
	desc := strings.EqualFold(sortOrder, "desc")
	sort.SliceStable(records, func(i, j int) bool {
		if desc {
			return key(records[i]) > key(records[j])
		}
		return key(records[i]) < key(records[j])
	})
}

// Condition is one extra field-level restriction on a criteria search,
// evaluated with the filters rule engine.
type Condition struct {
	Field    string           `json:"field"`
	Operator filters.Operator `json:"operator"`
	Value    any              `json:"value"`
	Reverse  bool             `json:"reverse"`
	Lookup   *filters.Lookup  `json:"lookup"`
}

// CriteriaRequest is the structured filter API: attribute sets resolved by
// the inverted index plus optional rule conditions applied to candidates.
type CriteriaRequest struct {
	Criteria
	Conditions []Condition `json:"conditions,omitempty"`
	SortBy     string      `json:"sort_by,omitempty"`
	SortOrder  string      `json:"sort_order,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// SearchByCriteria answers a multi-attribute filter query exclusively from
// the inverted index; no free-text matching is applied on this path.
func (e *Engine) SearchByCriteria(ctx context.Context, req CriteriaRequest) (*Result, error) {
	start := time.Now()
	gen := e.current.Load()
	if gen == nil {
		return notReadyResult(start), nil
	}

	var rule *filters.Rule
	if len(req.Conditions) > 0 {
		conds := make([]filters.Condition, 0, len(req.Conditions))
		for _, c := range req.Conditions {
			if strings.TrimSpace(c.Field) == "" {
				return nil, &ValidationError{Reason: "condition field must not be empty"}
			}
			conds = append(conds, &filters.Filter{
				Field:    c.Field,
				Operator: c.Operator,
				Value:    c.Value,
				Reverse:  c.Reverse,
				Lookup:   c.Lookup,
			})
		}
		rule = filters.NewRule()
		rule.AddCondition(filters.Boolean("AND"), false, conds...)
	}

	positions := gen.Inverted.MultiCriteria(req.Criteria)
	records := make([]FundRecord, 0, positions.GetCardinality())
	it := positions.Iterator()
	for it.HasNext() {
		rec, ok := gen.record(int(it.Next()))
		if !ok {
			continue
		}
		if rule != nil && !rule.Match(recordMap(rec)) {
			continue
		}
		records = append(records, rec)
	}

	sortRecords(records, req.SortBy, req.SortOrder)
	limit := req.Limit
	if limit <= 0 {
		limit = e.maxResults
	}
	if len(records) > limit {
		records = records[:limit]
	}
	elapsed := time.Since(start)
	e.logger.Debug("criteria search served",
		"results", len(records),
		"elapsed", elapsed)
	return &Result{
		Records:   records,
		Total:     len(records),
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		IndexUsed: IndexInverted,
	}, nil
}

func recordMap(rec FundRecord) map[string]any {
	return map[string]any{
		"code":        rec.Code,
		"name":        rec.Name,
		"type":        rec.Type,
		"pinyin_abbr": rec.PinyinAbbr,
		"pinyin_full": rec.PinyinFull,
		"company":     CompanyOf(rec.Name),
		"risk_bucket": RiskBucket(rec.Type),
	}
}

// Suggest returns up to max fund names reachable under prefix across the
// three tries, walking with early termination.
func (e *Engine) Suggest(prefix string, max int) []string {
	gen := e.current.Load()
	if gen == nil || max <= 0 {
		return nil
	}
	lower := utils.IfToLower(strings.TrimSpace(prefix))
	if lower == "" {
		return nil
	}
	keys := gen.CodeTrie.Collect(lower, max)
	keys = append(keys, gen.NameTrie.Collect(lower, max)...)
	keys = append(keys, gen.PinyinTrie.Collect(lower, max)...)
	seen := make(map[string]struct{}, len(keys))
	suggestions := make([]string, 0, max)
	for _, key := range keys {
		pos, ok := gen.Hash.LookupCode(key)
		if !ok {
			continue
		}
		rec, ok := gen.record(pos)
		if !ok {
			continue
		}
		if _, dup := seen[rec.Code]; dup {
			continue
		}
		seen[rec.Code] = struct{}{}
		suggestions = append(suggestions, rec.Name)
		if len(suggestions) >= max {
			break
		}
	}
	return suggestions
}

// Stats describes the current generation for observability.
type Stats struct {
	RecordCount    int            `json:"record_count"`
	IndexSizes     map[string]int `json:"index_sizes"`
	MemoryEstimate int            `json:"memory_estimate"`
	IsBuilt        bool           `json:"is_built"`
	ContentHash    string         `json:"content_hash,omitempty"`
	BuiltAt        time.Time      `json:"built_at,omitzero"`
}

// Stats reports record count, per-index sizes and a memory estimate.
func (e *Engine) Stats() Stats {
	gen := e.current.Load()
	if gen == nil {
		return Stats{IndexSizes: map[string]int{}}
	}
	return Stats{
		RecordCount: len(gen.Records),
		IndexSizes: map[string]int{
			"hash":        gen.Hash.Len(),
			"code_trie":   gen.CodeTrie.NodeCount(),
			"name_trie":   gen.NameTrie.NodeCount(),
			"pinyin_trie": gen.PinyinTrie.NodeCount(),
			"inverted":    gen.Inverted.TermCount(),
		},
		MemoryEstimate: gen.memoryEstimate(),
		IsBuilt:        true,
		ContentHash:    gen.ContentHash,
		BuiltAt:        gen.BuiltAt,
	}
}
