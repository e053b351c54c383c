package fundex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "funds.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsRoundTrip(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	written, err := store.SaveRecords(ctx, testFunds())
	require.NoError(t, err)
	assert.Equal(t, len(testFunds()), written)

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, testFunds(), loaded)
}

func TestStoreSaveReplacesPreviousSet(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	_, err := store.SaveRecords(ctx, testFunds())
	require.NoError(t, err)

	smaller := testFunds()[:2]
	_, err = store.SaveRecords(ctx, smaller)
	require.NoError(t, err)

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, smaller, loaded)
}

func TestStorePersistLimitTruncatesInSourceOrder(t *testing.T) {
	store := tempStore(t, WithPersistLimit(3))
	ctx := context.Background()

	records := testFunds()
	written, err := store.SaveRecords(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, records[:3], loaded)
}

func TestStoreSaveFailureKeepsPreviousSet(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	_, err := store.SaveRecords(ctx, testFunds())
	require.NoError(t, err)

	// The duplicated primary key aborts the batch; the transaction rolls the
	// delete back too.
	dup := []FundRecord{
		{Code: "999999", Name: "fund a"},
		{Code: "999999", Name: "fund b"},
	}
	_, err = store.SaveRecords(ctx, dup)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, testFunds(), loaded)
}

func TestStoreMetadataRoundTrip(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	meta := CacheMetadata{
		ContentHash:   "00deadbeef00cafe",
		LastUpdate:    time.Now().UTC().Truncate(time.Second),
		SchemaVersion: SchemaVersion,
	}
	require.NoError(t, store.SaveMetadata(ctx, meta))

	loaded, err := store.LoadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.ContentHash, loaded.ContentHash)
	assert.Equal(t, meta.SchemaVersion, loaded.SchemaVersion)
	assert.WithinDuration(t, meta.LastUpdate, loaded.LastUpdate, time.Second)

	// Second save overwrites the single row.
	meta.ContentHash = "1111111111111111"
	require.NoError(t, store.SaveMetadata(ctx, meta))
	loaded, err = store.LoadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1111111111111111", loaded.ContentHash)
}

func TestStoreMetadataMissing(t *testing.T) {
	store := tempStore(t)
	_, err := store.LoadMetadata(context.Background())
	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestStoreSchemaVersionMismatch(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveMetadata(ctx, CacheMetadata{
		ContentHash:   "00deadbeef00cafe",
		LastUpdate:    time.Now(),
		SchemaVersion: SchemaVersion + 1,
	}))
	_, err := store.LoadMetadata(ctx)
	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestStoreWipesAreIndependent(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	_, err := store.SaveRecords(ctx, testFunds())
	require.NoError(t, err)
	require.NoError(t, store.SaveMetadata(ctx, CacheMetadata{
		ContentHash:   "00deadbeef00cafe",
		LastUpdate:    time.Now(),
		SchemaVersion: SchemaVersion,
	}))

	require.NoError(t, store.WipeRecords(ctx))
	loaded, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
	_, err = store.LoadMetadata(ctx)
	assert.NoError(t, err)

	require.NoError(t, store.WipeMetadata(ctx))
	_, err = store.LoadMetadata(ctx)
	assert.Error(t, err)
}

func TestSyncerRestoreFromStore(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()
	payload := snapshotPayload(t, testFunds())

	engine := NewEngine()
	syncer := NewSyncer(engine,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			return payload, nil
		}),
		WithStore(store))
	_, err := syncer.Refresh(ctx, true)
	require.NoError(t, err)

	// Cold start: a second process restores without fetching.
	engine2 := NewEngine()
	syncer2 := NewSyncer(engine2,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			t.Fatal("restore must not fetch")
			return nil, nil
		}),
		WithStore(store))
	require.NoError(t, syncer2.RestoreFromStore(ctx))
	assert.True(t, engine2.Ready())
	assert.Equal(t, syncer.Metadata().ContentHash, syncer2.Metadata().ContentHash)

	res, err := engine2.Search(ctx, "000001")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestSyncerPersistTruncationKeepsFullSetInMemory(t *testing.T) {
	store := tempStore(t, WithPersistLimit(2))
	ctx := context.Background()
	payload := snapshotPayload(t, testFunds())

	engine := NewEngine()
	syncer := NewSyncer(engine,
		FetcherFunc(func(ctx context.Context) ([]byte, error) {
			return payload, nil
		}),
		WithStore(store))
	report, err := syncer.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, len(testFunds()), report.RecordCount)

	// Memory serves the full set, the store only the capped prefix.
	assert.Equal(t, len(testFunds()), len(engine.Generation().Records))
	persisted, err := store.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}
