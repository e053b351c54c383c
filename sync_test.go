package fundex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffRecords(t *testing.T) {
	old := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},
		{Code: "000198", Name: "天弘余额宝货币", Type: "货币型"},
		{Code: "110011", Name: "易方达中小盘混合", Type: "混合型"},
	}
	next := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},    // unchanged
		{Code: "000198", Name: "天弘余额宝货币B", Type: "货币型"}, // renamed
		{Code: "510300", Name: "华泰柏瑞沪深300ETF", Type: "ETF"}, // new
	}

	d := diffRecords(old, next)
	assert.Equal(t, []string{"510300"}, codes(d.Added))
	assert.Equal(t, []string{"000198"}, codes(d.Updated))
	assert.Equal(t, []string{"110011"}, codes(d.Deleted))
}

func TestDiffRecordsComparesFieldsNotIdentity(t *testing.T) {
	rec := FundRecord{Code: "000001", Name: "华夏成长混合", Type: "混合型"}
	d := diffRecords([]FundRecord{rec}, []FundRecord{rec})
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Updated)
	assert.Empty(t, d.Deleted)
}

func TestApplyDiffReconstructsNextSet(t *testing.T) {
	old := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},
		{Code: "000198", Name: "天弘余额宝货币", Type: "货币型"},
		{Code: "110011", Name: "易方达中小盘混合", Type: "混合型"},
	}
	next := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},
		{Code: "000198", Name: "天弘余额宝货币B", Type: "货币型"},
		{Code: "510300", Name: "华泰柏瑞沪深300ETF", Type: "ETF"},
	}

	got := applyDiff(old, diffRecords(old, next))
	assert.ElementsMatch(t, next, got)
}

func TestHashRecordsStableAndOrderSensitive(t *testing.T) {
	records := testFunds()
	assert.Equal(t, hashRecords(records), hashRecords(testFunds()))

	reversed := make([]FundRecord, len(records))
	for i, rec := range records {
		reversed[len(records)-1-i] = rec
	}
	assert.NotEqual(t, hashRecords(records), hashRecords(reversed))
}

func snapshotPayload(t *testing.T, records []FundRecord) []byte {
	t.Helper()
	b, err := json.Marshal(records)
	require.NoError(t, err)
	return b
}

func TestRefreshFullCycle(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	report, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, len(testFunds()), report.Added)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, len(testFunds()), report.RecordCount)
	assert.Equal(t, StateIdle, syncer.State())
	assert.True(t, engine.Ready())
}

func TestRefreshSkippedInsideFreshnessWindow(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)

	report, err := syncer.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, len(testFunds()), report.RecordCount)
}

func TestRefreshUnchangedPayloadIsNoOp(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	fetches := 0
	engine := NewEngine()
	syncer := NewSyncer(engine,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			fetches++
			return payload, nil
		}),
		WithUpdateInterval(time.Nanosecond))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	genBefore := engine.Generation()
	updateBefore := syncer.Metadata().LastUpdate

	report, err := syncer.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
	assert.True(t, report.NoChange)
	// Same generation still published, only the timestamp moved.
	assert.Same(t, genBefore, engine.Generation())
	assert.True(t, syncer.Metadata().LastUpdate.After(updateBefore) ||
		syncer.Metadata().LastUpdate.Equal(updateBefore))
}

func TestRefreshForcedUnchangedPayloadIsNoOp(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	genBefore := engine.Generation()

	// force bypasses the freshness window, not the content-hash compare.
	report, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.NoChange)
	assert.Same(t, genBefore, engine.Generation())
}

func TestStatusAccessorsDuringRefresh(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = syncer.State()
				_ = syncer.Metadata()
			}
		}()
	}
	for range 5 {
		_, err := syncer.Refresh(context.Background(), true)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, StateIdle, syncer.State())
	assert.NotEmpty(t, syncer.Metadata().ContentHash)
}

func TestRefreshComputesDelta(t *testing.T) {
	first := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},
		{Code: "000198", Name: "天弘余额宝货币", Type: "货币型"},
		{Code: "110011", Name: "易方达中小盘混合", Type: "混合型"},
	}
	second := []FundRecord{
		{Code: "000001", Name: "华夏成长混合", Type: "混合型"},
		{Code: "000198", Name: "天弘余额宝货币B", Type: "货币型"},
		{Code: "510300", Name: "华泰柏瑞沪深300ETF", Type: "ETF"},
	}
	payload := snapshotPayload(t, first)
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)

	payload = snapshotPayload(t, second)
	report, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 3, report.RecordCount)

	res, err := engine.Search(context.Background(), "000198")
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "天弘余额宝货币B", res.Records[0].Name)

	res, err = engine.Search(context.Background(), "110011")
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestRefreshFetchFailureKeepsPreviousGeneration(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	var failing bool
	engine := NewEngine()
	syncer := NewSyncer(engine,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			if failing {
				return nil, &FetchError{Status: 503}
			}
			return payload, nil
		}),
		WithUpdateInterval(time.Nanosecond))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)

	failing = true
	_, err = syncer.Refresh(context.Background(), false)
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, StateError, syncer.State())

	// Stale data keeps serving.
	res, err := engine.Search(context.Background(), "000001")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	failing = false
	report, err := syncer.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, syncer.State())
	assert.Equal(t, len(testFunds()), report.RecordCount)
}

func TestRefreshParseFailureKeepsPreviousGeneration(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	engine := NewEngine()
	syncer := NewSyncer(engine,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			return payload, nil
		}),
		WithUpdateInterval(time.Nanosecond))

	_, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)

	payload = []byte(`{"broken"`)
	_, err = syncer.Refresh(context.Background(), true)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateError, syncer.State())
	assert.Equal(t, len(testFunds()), len(engine.Generation().Records))
}

func TestRefreshReportsDroppedRecords(t *testing.T) {
	payload := []byte(`[
		{"code":"000001","name":"华夏成长混合","type":"混合型"},
		{"code":"","name":"invalid"}
	]`)
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return payload, nil
	}))

	report, err := syncer.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.RecordCount)
}

func TestHTTPFetcher(t *testing.T) {
	payload := snapshotPayload(t, testFunds())
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer src.Close()

	f := &HTTPFetcher{URL: src.URL}
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHTTPFetcherNonOKStatus(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer src.Close()

	f := &HTTPFetcher{URL: src.URL}
	_, err := f.Fetch(context.Background())
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusServiceUnavailable, ferr.Status)
}

func TestRestoreFromStoreWithoutStore(t *testing.T) {
	engine := NewEngine()
	syncer := NewSyncer(engine, FetcherFunc(func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("unused")
	}))
	require.NoError(t, syncer.RestoreFromStore(context.Background()))
	assert.False(t, engine.Ready())
}
