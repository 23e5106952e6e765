// store_test.go - Tests for the archive store, index and delete gate
package archive

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/models"
	"github.com/gpx-parts/backend/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// createTestStore opens a store over a temporary DuckDB file and in-memory blobs.
func createTestStore(t *testing.T) (*Store, *testutil.MockBlobs) {
	t.Helper()
	index, err := OpenIndex(filepath.Join(t.TempDir(), "archive.duckdb"), IndexOptions{})
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	blobs := testutil.NewMockBlobs()
	store, err := Open(index, blobs, Options{Logger: zerolog.Nop(), Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, blobs
}

func incoming(t *testing.T, filename string, build time.Time) Incoming {
	t.Helper()
	data := testutil.NewGPX().BuildDate(build).Marker("m", 1, 1).Track("Loop", 3).Bytes()
	h, err := gpx.ReadHeader(data)
	require.NoError(t, err)
	return Incoming{Filename: filename, Data: data, Header: h, ReceivedAt: testNow}
}

func extracted(t *testing.T, data []byte) *gpx.Result {
	t.Helper()
	res, err := gpx.ExtractAll(context.Background(), data, gpx.Options{SourceName: "x.gpx", BaseName: "x"})
	require.NoError(t, err)
	return res
}

func TestStore_UpsertCreated(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()

	res, err := store.Upsert(ctx, incoming(t, "morningtrip.gpx", time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Equal(t, models.ActionCreated, res.Action)
	assert.Equal(t, "morningtrip_20260102", res.Entry.UniqueID)
	assert.Equal(t, models.EntryStatusUploaded, res.Entry.Status)
	assert.Empty(t, res.Entry.OutputDirectory)
	assert.Len(t, res.Entry.ContentHash, 64)
	assert.True(t, blobs.HasOriginal("morningtrip_20260102"))

	got, err := store.Get(ctx, "morningtrip_20260102")
	require.NoError(t, err)
	assert.Equal(t, "morningtrip.gpx", got.OriginalFilename)
	assert.Equal(t, "morningtrip", got.CleanName)
	assert.Equal(t, "2026-01-02", got.BuildDate.Format(models.BuildDateLayout))
	assert.Equal(t, "morningtrip (2026-01-02)", got.DisplayName())
}

func TestStore_UpsertIdempotent(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()
	build := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)

	first, err := store.Upsert(ctx, incoming(t, "morningtrip.gpx", build))
	require.NoError(t, err)

	// Same build day, different bytes.
	again := incoming(t, "morningtrip.gpx", build.Add(3*time.Hour))
	second, err := store.Upsert(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, models.ActionSkipped, second.Action)
	assert.Equal(t, first.Entry.UniqueID, second.Entry.UniqueID)
	assert.Equal(t, 1, blobs.OriginalCount())

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_UpsertOlderSkipped(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	res, err := store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkipped, res.Action)
	assert.Equal(t, "trip_20260105", res.Entry.UniqueID)
}

func TestStore_UpsertReplaced(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = store.UpdateDescription(ctx, first.Entry.UniqueID, "keep me")
	require.NoError(t, err)
	_, err = store.CompleteExtraction(ctx, first.Entry.UniqueID, extracted(t, incoming(t, "trip.gpx", testNow).Data))
	require.NoError(t, err)
	require.True(t, blobs.OutputDirExists("trip_20260102"))

	res, err := store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Equal(t, models.ActionReplaced, res.Action)
	assert.Equal(t, "trip_20260201", res.Entry.UniqueID)
	assert.Equal(t, "trip_20260102", res.Superseded)
	assert.Equal(t, models.EntryStatusUploaded, res.Entry.Status)
	assert.Equal(t, "keep me", res.Entry.Description)

	_, err = store.Get(ctx, "trip_20260102")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, blobs.HasOriginal("trip_20260102"))
	assert.False(t, blobs.OutputDirExists("trip_20260102"))
	assert.True(t, blobs.HasOriginal("trip_20260201"))
}

func TestStore_UndatedEntrySuperseded(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()

	undated := func(filename string) Incoming {
		data := testutil.NewGPX().Marker("m", 1, 1).Bytes()
		h, err := gpx.ReadHeader(data)
		require.NoError(t, err)
		return Incoming{Filename: filename, Data: data, Header: h, ReceivedAt: testNow}
	}

	first, err := store.Upsert(ctx, undated("trip.gpx"))
	require.NoError(t, err)
	assert.Equal(t, "trip_20260301", first.Entry.UniqueID)
	got, err := store.Get(ctx, first.Entry.UniqueID)
	require.NoError(t, err)
	assert.False(t, got.DateDeclared, "receipt day is not a declared build date")

	// A declared date wins even though it is earlier than the receipt day.
	res, err := store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, models.ActionReplaced, res.Action)
	assert.Equal(t, "trip_20260102", res.Entry.UniqueID)
	assert.Equal(t, "trip_20260301", res.Superseded)
	assert.True(t, res.Entry.DateDeclared)
	assert.False(t, blobs.HasOriginal("trip_20260301"))

	// Once dated, an older declared date is skipped again.
	res, err = store.Upsert(ctx, incoming(t, "trip.gpx", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkipped, res.Action)
	assert.Equal(t, "trip_20260102", res.Entry.UniqueID)
}

func TestStore_UndatedEntrySupersededSameDay(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()

	data := testutil.NewGPX().Marker("m", 1, 1).Bytes()
	h, err := gpx.ReadHeader(data)
	require.NoError(t, err)
	first, err := store.Upsert(ctx, Incoming{Filename: "loop.gpx", Data: data, Header: h, ReceivedAt: testNow})
	require.NoError(t, err)
	_, err = store.CompleteExtraction(ctx, first.Entry.UniqueID, extracted(t, data))
	require.NoError(t, err)
	require.True(t, blobs.OutputDirExists("loop_20260301"))

	dated := incoming(t, "loop.gpx", testNow)
	res, err := store.Upsert(ctx, dated)
	require.NoError(t, err)
	assert.Equal(t, models.ActionReplaced, res.Action)
	assert.Equal(t, "loop_20260301", res.Entry.UniqueID)
	assert.True(t, res.Entry.DateDeclared)

	original, err := store.ReadOriginal(ctx, "loop_20260301")
	require.NoError(t, err)
	assert.Equal(t, dated.Data, original, "the new original survives the same-id replace")
	assert.False(t, blobs.OutputDirExists("loop_20260301"))
	_, err = store.Outputs(ctx, "loop_20260301")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestStore_ConcurrentUpsertSameFile(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()
	in := incoming(t, "same.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[models.UploadAction]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Upsert(ctx, in)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			actions[res.Action]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, actions[models.ActionCreated])
	assert.Equal(t, 7, actions[models.ActionSkipped])
}

func TestStore_StatusTransitions(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()
	in := incoming(t, "ride.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	up, err := store.Upsert(ctx, in)
	require.NoError(t, err)
	id := up.Entry.UniqueID

	e, err := store.MarkQueued(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusQueued, e.Status)

	e, err = store.MarkProcessing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusProcessing, e.Status)
	assert.Empty(t, e.OutputDirectory)

	_, err = store.Outputs(ctx, id)
	assert.ErrorIs(t, err, ErrNotReady)

	e, err = store.CompleteExtraction(ctx, id, extracted(t, in.Data))
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusReady, e.Status)
	assert.Equal(t, id, e.OutputDirectory)

	e, err = store.MarkFailed(ctx, id, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusFailed, e.Status)
	assert.Empty(t, e.OutputDirectory, "output directory is only set while ready")
	assert.Equal(t, "boom", e.ErrorMessage)

	_, err = store.MarkQueued(ctx, "missing_20260101")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Outputs(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()
	in := incoming(t, "ride.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	up, err := store.Upsert(ctx, in)
	require.NoError(t, err)

	_, err = store.CompleteExtraction(ctx, up.Entry.UniqueID, extracted(t, in.Data))
	require.NoError(t, err)

	files, err := store.Outputs(ctx, up.Entry.UniqueID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "x_markers.gpx", files[0].Name)
	assert.Equal(t, "markers", files[0].Kind)
	assert.Equal(t, 1, files[0].Points)
	assert.Equal(t, "Loop.gpx", files[1].Name)
	assert.Equal(t, "track", files[1].Kind)
	assert.Equal(t, 3, files[1].Points)
	assert.Equal(t, "summary", files[2].Kind)
	assert.Positive(t, files[1].Size)

	data, err := store.ReadOutput(ctx, up.Entry.UniqueID, "Loop.gpx")
	require.NoError(t, err)
	assert.Contains(t, string(data), "<trk>")

	_, err = store.ReadOutput(ctx, up.Entry.UniqueID, manifestName)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ReadOutput(ctx, up.Entry.UniqueID, "nope.gpx")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_OutputsMissingOnDisk(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()
	in := incoming(t, "ride.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	up, err := store.Upsert(ctx, in)
	require.NoError(t, err)
	_, err = store.CompleteExtraction(ctx, up.Entry.UniqueID, extracted(t, in.Data))
	require.NoError(t, err)

	require.NoError(t, blobs.RemoveOutputs(up.Entry.UniqueID))

	_, err = store.Outputs(ctx, up.Entry.UniqueID)
	assert.ErrorIs(t, err, ErrOutputsMissing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Outputs(ctx, "nope_20260101")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrOutputsMissing, "an unknown entry is not a missing directory")
}

func TestStore_CompleteAfterRemove(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()
	in := incoming(t, "gone.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	up, err := store.Upsert(ctx, in)
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, up.Entry.UniqueID))

	_, err = store.CompleteExtraction(ctx, up.Entry.UniqueID, extracted(t, in.Data))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, blobs.OutputDirExists(up.Entry.UniqueID), "no outputs for a deleted entry")
}

func TestStore_RemoveToleratesBlobFailure(t *testing.T) {
	store, blobs := createTestStore(t)
	ctx := context.Background()
	up, err := store.Upsert(ctx, incoming(t, "orphan.gpx", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	blobs.FailRemoveOriginal = testutil.ErrInjected
	blobs.FailRemoveOutputs = testutil.ErrInjected

	require.NoError(t, store.Remove(ctx, up.Entry.UniqueID))
	_, err = store.Get(ctx, up.Entry.UniqueID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, blobs.HasOriginal(up.Entry.UniqueID), "orphaned bytes are left behind")
}

func TestStore_UpsertStorageFailure(t *testing.T) {
	store, blobs := createTestStore(t)
	blobs.FailSaveOriginal = testutil.ErrInjected

	_, err := store.Upsert(context.Background(), incoming(t, "x.gpx", testNow))
	assert.ErrorIs(t, err, testutil.ErrInjected)

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.duckdb")
	ctx := context.Background()

	index, err := OpenIndex(path, IndexOptions{Threads: 1, MemoryLimit: "64MB"})
	require.NoError(t, err)
	entry := &models.ArchiveEntry{
		UniqueID:         "persist_20260102",
		OriginalFilename: "persist.gpx",
		CleanName:        "persist",
		BuildDate:        time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Status:           models.EntryStatusReady,
		OutputDirectory:  "persist_20260102",
		Description:      "hello",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	require.NoError(t, index.Insert(ctx, entry))
	require.NoError(t, index.Close())

	index, err = OpenIndex(path, IndexOptions{})
	require.NoError(t, err)
	defer index.Close()

	got, err := index.Get(ctx, "persist_20260102")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Description)
	assert.Equal(t, models.EntryStatusReady, got.Status)
	assert.Equal(t, "persist_20260102", got.OutputDirectory)
	assert.False(t, got.DateDeclared)
	assert.WithinDuration(t, testNow, got.CreatedAt, time.Second)
}

func TestOpen_FileLock(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Store, error) {
		index, err := OpenIndex(filepath.Join(t.TempDir(), "a.duckdb"), IndexOptions{})
		require.NoError(t, err)
		s, err := Open(index, testutil.NewMockBlobs(), Options{LockDir: dir, Logger: zerolog.Nop()})
		if err != nil {
			index.Close()
		}
		return s, err
	}

	first, err := open()
	require.NoError(t, err)

	_, err = open()
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := open()
	require.NoError(t, err)
	second.Close()
}

func TestGate(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong token leaves entry untouched", func(t *testing.T) {
		store, blobs := createTestStore(t)
		up, err := store.Upsert(ctx, incoming(t, "keep.gpx", testNow))
		require.NoError(t, err)
		before, _ := store.Get(ctx, up.Entry.UniqueID)

		gate := NewGate("s3cret", store, zerolog.Nop())
		err = gate.Delete(ctx, up.Entry.UniqueID, "guess")
		assert.ErrorIs(t, err, ErrUnauthorized)

		after, err := store.Get(ctx, up.Entry.UniqueID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.True(t, blobs.HasOriginal(up.Entry.UniqueID))
	})

	t.Run("token is checked before existence", func(t *testing.T) {
		store, _ := createTestStore(t)
		gate := NewGate("s3cret", store, zerolog.Nop())
		assert.ErrorIs(t, gate.Delete(ctx, "nope_20260101", "guess"), ErrUnauthorized)
		assert.ErrorIs(t, gate.Delete(ctx, "nope_20260101", "s3cret"), ErrNotFound)
	})

	t.Run("empty secret disables deletion", func(t *testing.T) {
		store, _ := createTestStore(t)
		up, err := store.Upsert(ctx, incoming(t, "keep.gpx", testNow))
		require.NoError(t, err)

		gate := NewGate("", store, zerolog.Nop())
		assert.False(t, gate.Enabled())
		assert.ErrorIs(t, gate.Delete(ctx, up.Entry.UniqueID, ""), ErrUnauthorized)
	})

	t.Run("correct token removes everything", func(t *testing.T) {
		store, blobs := createTestStore(t)
		in := incoming(t, "bye.gpx", testNow)
		up, err := store.Upsert(ctx, in)
		require.NoError(t, err)
		_, err = store.CompleteExtraction(ctx, up.Entry.UniqueID, extracted(t, in.Data))
		require.NoError(t, err)

		gate := NewGate("s3cret", store, zerolog.Nop())
		require.NoError(t, gate.Delete(ctx, up.Entry.UniqueID, "s3cret"))

		_, err = store.Get(ctx, up.Entry.UniqueID)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, blobs.HasOriginal(up.Entry.UniqueID))
		assert.False(t, blobs.OutputDirExists(up.Entry.UniqueID))
	})
}
