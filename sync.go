package fundex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oarkflow/json"
	"github.com/oarkflow/xid"
	"golang.org/x/sync/singleflight"
)

// Sync cycle states. Fetching/Diffing failures land in StateError and keep
// the previous generation live.
const (
	StateIdle       = "idle"
	StateFetching   = "fetching"
	StateDiffing    = "diffing"
	StateRebuilding = "rebuilding"
	StatePersisting = "persisting"
	StateError      = "error"
)

// Fetcher pulls one full raw catalog snapshot from the external source.
// There is no incremental wire protocol; deltas are computed locally.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// HTTPFetcher retrieves the catalog from a URL with a bounded timeout.
type HTTPFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return body, nil
}

// hashPayload digests a raw snapshot so unchanged payloads short-circuit the
// whole parse/diff/rebuild pipeline.
func hashPayload(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// hashRecords digests an in-process record set, for builds that bypass the
// remote source.
func hashRecords(records []FundRecord) string {
	d := xxhash.New()
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		_, _ = d.Write(b)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// Diff is the keyed comparison between two record generations.
type Diff struct {
	Added   []FundRecord
	Updated []FundRecord
	Deleted []FundRecord
}

// diffRecords compares old and new sets keyed by code: added = N\O,
// deleted = O\N, updated = records present in both whose mutable fields
// differ. Comparison is per-field, never object identity.
func diffRecords(old, next []FundRecord) Diff {
	oldByCode := make(map[string]FundRecord, len(old))
	for _, rec := range old {
		oldByCode[rec.Code] = rec
	}
	nextCodes := make(map[string]struct{}, len(next))
	var d Diff
	for _, rec := range next {
		nextCodes[rec.Code] = struct{}{}
		prev, ok := oldByCode[rec.Code]
		switch {
		case !ok:
			d.Added = append(d.Added, rec)
		case !prev.Equal(rec):
			d.Updated = append(d.Updated, rec)
		}
	}
	for _, rec := range old {
		if _, ok := nextCodes[rec.Code]; !ok {
			d.Deleted = append(d.Deleted, rec)
		}
	}
	return d
}

// applyDiff reconstructs the next record set from the previous one plus a
// diff: deletions removed, updates patched in place, additions appended.
func applyDiff(old []FundRecord, d Diff) []FundRecord {
	deleted := make(map[string]struct{}, len(d.Deleted))
	for _, rec := range d.Deleted {
		deleted[rec.Code] = struct{}{}
	}
	updated := make(map[string]FundRecord, len(d.Updated))
	for _, rec := range d.Updated {
		updated[rec.Code] = rec
	}
	next := make([]FundRecord, 0, len(old)+len(d.Added))
	for _, rec := range old {
		if _, gone := deleted[rec.Code]; gone {
			continue
		}
		if patch, ok := updated[rec.Code]; ok {
			rec = patch
		}
		next = append(next, rec)
	}
	next = append(next, d.Added...)
	return next
}

// SyncReport summarizes one refresh cycle.
type SyncReport struct {
	CycleID     string        `json:"cycle_id"`
	Skipped     bool          `json:"skipped"`   // freshness window still open
	NoChange    bool          `json:"no_change"` // content hash matched
	Added       int           `json:"added"`
	Updated     int           `json:"updated"`
	Deleted     int           `json:"deleted"`
	Dropped     int           `json:"dropped"` // invalid records in payload
	RecordCount int           `json:"record_count"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Syncer owns the fetch → hash-compare → parse → diff → rebuild → swap →
// persist cycle. All index mutation happens here; at most one cycle runs at a
// time, concurrent callers coalesce onto the in-flight one.
type Syncer struct {
	engine  *Engine
	fetcher Fetcher
	store   *Store
	logger  *slog.Logger

	updateInterval time.Duration
	maxAge         time.Duration

	group singleflight.Group

	// Only one cycle writes these, but State/Metadata read them from other
	// goroutines while a cycle runs.
	mu        sync.Mutex
	meta      CacheMetadata
	state     string
	forceFull bool
}

// SyncOption configures a Syncer.
type SyncOption func(*Syncer)

// WithStore attaches durable storage for records and metadata.
func WithStore(store *Store) SyncOption {
	return func(s *Syncer) {
		s.store = store
	}
}

// WithUpdateInterval sets the freshness window between remote refreshes.
func WithUpdateInterval(d time.Duration) SyncOption {
	return func(s *Syncer) {
		if d > 0 {
			s.updateInterval = d
		}
	}
}

// WithMaxAge caps how stale the cache may get before a refresh is forced
// regardless of the update interval.
func WithMaxAge(d time.Duration) SyncOption {
	return func(s *Syncer) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithSyncLogger installs a structured logger on the Syncer.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSyncer creates a Syncer bound to an engine and a snapshot source.
func NewSyncer(engine *Engine, fetcher Fetcher, opts ...SyncOption) *Syncer {
	s := &Syncer{
		engine:         engine,
		fetcher:        fetcher,
		logger:         slog.Default(),
		updateInterval: time.Hour,
		maxAge:         24 * time.Hour,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the most recent cycle state, for status endpoints.
func (s *Syncer) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metadata returns a copy of the in-memory cache metadata.
func (s *Syncer) Metadata() CacheMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Syncer) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Syncer) setMeta(meta CacheMetadata) {
	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
}

func (s *Syncer) fullResyncNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceFull
}

func (s *Syncer) setFullResync(v bool) {
	s.mu.Lock()
	s.forceFull = v
	s.mu.Unlock()
}

// RestoreFromStore loads persisted records and metadata on cold start. The
// two stores are read independently: a corrupt or missing record store only
// forces a fresh fetch, it never prevents metadata detection and vice versa.
func (s *Syncer) RestoreFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	meta, err := s.store.LoadMetadata(ctx)
	if err == nil {
		s.setMeta(meta)
	} else {
		s.logger.Warn("cache metadata unavailable, full fetch required", "error", err)
	}
	records, err := s.store.LoadRecords(ctx)
	if err != nil {
		s.logger.Warn("record store unavailable, full fetch required", "error", err)
		return err
	}
	if len(records) == 0 {
		return nil
	}
	gen, err := buildGeneration(ctx, records, meta.ContentHash)
	if err != nil {
		return err
	}
	s.engine.publish(gen)
	s.logger.Info("generation restored from store", "records", len(records))
	return nil
}

// Refresh runs one sync cycle. Cycles serialize: a call arriving while one is
// in flight waits for and shares that cycle's outcome instead of racing a
// second rebuild. On any failure before the swap the previous generation
// stays authoritative and the next attempt performs a full resync.
func (s *Syncer) Refresh(ctx context.Context, force bool) (*SyncReport, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.cycle(ctx, force)
	})
	report, _ := v.(*SyncReport)
	return report, err
}

func (s *Syncer) cycle(ctx context.Context, force bool) (*SyncReport, error) {
	start := time.Now()
	report := &SyncReport{CycleID: xid.New().String()}
	log := s.logger.With("cycle", report.CycleID)

	if !force && s.fresh() {
		report.Skipped = true
		report.RecordCount = s.recordCount()
		s.setState(StateIdle)
		return report, nil
	}

	s.setState(StateFetching)
	payload, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.fail(log, "fetch failed", err)
		report.Elapsed = time.Since(start)
		return report, err
	}

	// The hash compare is unconditional: force bypasses the freshness window
	// but an unchanged payload is still a no-op.
	contentHash := hashPayload(payload)
	if !s.fullResyncNeeded() && contentHash == s.Metadata().ContentHash && s.recordCount() > 0 {
		// Idempotent no-op: only the timestamp moves.
		s.touch(ctx, log)
		report.NoChange = true
		report.RecordCount = s.recordCount()
		report.Elapsed = time.Since(start)
		s.setState(StateIdle)
		return report, nil
	}

	s.setState(StateDiffing)
	records, dropped, err := DecodeSnapshot(payload)
	if err != nil {
		s.fail(log, "parse failed", err)
		report.Dropped = dropped
		report.Elapsed = time.Since(start)
		return report, err
	}
	report.Dropped = dropped
	if dropped > 0 {
		log.Warn("invalid records dropped from snapshot", "dropped", dropped)
	}

	old := s.currentRecords()
	diff := diffRecords(old, records)
	next := applyDiff(old, diff)
	report.Added = len(diff.Added)
	report.Updated = len(diff.Updated)
	report.Deleted = len(diff.Deleted)

	s.setState(StateRebuilding)
	gen, err := buildGeneration(ctx, next, contentHash)
	if err != nil {
		s.fail(log, "rebuild failed", err)
		report.Elapsed = time.Since(start)
		return report, err
	}
	s.engine.publish(gen)
	report.RecordCount = len(next)

	s.setState(StatePersisting)
	meta := CacheMetadata{
		ContentHash:   contentHash,
		LastUpdate:    time.Now(),
		SchemaVersion: SchemaVersion,
	}
	s.setMeta(meta)
	s.persist(ctx, log, meta, next)

	s.setFullResync(false)
	s.setState(StateIdle)
	report.Elapsed = time.Since(start)
	log.Info("sync cycle complete",
		"added", report.Added,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"records", report.RecordCount,
		"elapsed", report.Elapsed)
	return report, nil
}

// fresh reports whether the cache is inside its freshness window and the
// engine has records to serve.
func (s *Syncer) fresh() bool {
	lastUpdate := s.Metadata().LastUpdate
	if s.recordCount() == 0 || lastUpdate.IsZero() {
		return false
	}
	age := time.Since(lastUpdate)
	return age < s.updateInterval && age < s.maxAge
}

func (s *Syncer) recordCount() int {
	if gen := s.engine.Generation(); gen != nil {
		return len(gen.Records)
	}
	return 0
}

func (s *Syncer) currentRecords() []FundRecord {
	if gen := s.engine.Generation(); gen != nil {
		return gen.Records
	}
	return nil
}

func (s *Syncer) fail(log *slog.Logger, msg string, err error) {
	s.mu.Lock()
	s.state = StateError
	s.forceFull = true
	s.mu.Unlock()
	log.Error(msg, "error", err)
}

// touch refreshes the last-update timestamp without rebuilding.
func (s *Syncer) touch(ctx context.Context, log *slog.Logger) {
	s.mu.Lock()
	s.meta.LastUpdate = time.Now()
	meta := s.meta
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.SaveMetadata(ctx, meta); err != nil {
		log.Warn("metadata refresh not persisted", "error", err)
	}
}

// persist batch-writes the generation and metadata. Persistence failures are
// degraded-but-available: the in-memory generation keeps serving.
func (s *Syncer) persist(ctx context.Context, log *slog.Logger, meta CacheMetadata, records []FundRecord) {
	if s.store == nil {
		return
	}
	written, err := s.store.SaveRecords(ctx, records)
	if err != nil {
		log.Warn("record store write failed, serving from memory", "error", err)
		return
	}
	if written < len(records) {
		log.Warn("record store truncated at persist limit",
			"written", written,
			"dropped", len(records)-written)
	}
	if err := s.store.SaveMetadata(ctx, meta); err != nil {
		log.Warn("metadata write failed", "error", err)
	}
}

// Start runs the refresh loop until ctx is cancelled. Cycles run on this
// goroutine, off the query-serving path.
func (s *Syncer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx, false); err != nil {
				s.logger.Warn("scheduled refresh failed, previous generation stays live", "error", err)
			}
		}
	}
}
