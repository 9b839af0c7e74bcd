package simpleblob_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-blob/pkg/simpleblob"
	fsstorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/fs"
	memorystorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/memory"
)

// countingRecorder is a minimal MetricsRecorder for store tests.
type countingRecorder struct {
	mu    sync.Mutex
	count int64
	size  int64
}

func (r *countingRecorder) RecordAddition(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.size += size
}

func (r *countingRecorder) RecordDeletion(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count--
	r.size -= size
}

func (r *countingRecorder) ClearCountMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.size = 0, 0
}

func (r *countingRecorder) Current() simpleblob.AggregateMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return simpleblob.AggregateMetrics{BlobCount: r.count, TotalSize: r.size}
}

func newTestStore(t *testing.T, opts ...simpleblob.Option) (*simpleblob.Store, *countingRecorder, *memorystorage.Backend) {
	t.Helper()
	rec := &countingRecorder{}
	backend := memorystorage.New()
	opts = append([]simpleblob.Option{simpleblob.WithMetricsRecorder(rec)}, opts...)
	store, err := simpleblob.New("default", backend, opts...)
	require.NoError(t, err)
	return store, rec, backend
}

func createBlob(t *testing.T, store *simpleblob.Store, size int) *simpleblob.Blob {
	t.Helper()
	blob, err := store.Create(context.Background(), strings.NewReader(strings.Repeat("x", size)),
		map[string]string{simpleblob.HeaderBlobName: "file.bin"})
	require.NoError(t, err)
	return blob
}

func TestStore_CreateAndGet(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, rec, _ := newTestStore(t, simpleblob.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	blob, err := store.Create(ctx, strings.NewReader("hello"), map[string]string{
		simpleblob.HeaderBlobName:  "greeting.txt",
		simpleblob.HeaderCreatedBy: "tester",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, blob.ID)
	assert.Equal(t, int64(5), blob.Metrics.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", blob.Metrics.SHA256)
	assert.Equal(t, fixed, blob.Metrics.CreationTime)

	got, err := store.Get(ctx, blob.ID, false)
	require.NoError(t, err)
	assert.Equal(t, blob.Headers, got.Headers)
	assert.Equal(t, blob.Metrics.SHA256, got.Metrics.SHA256)
	assert.True(t, blob.Metrics.CreationTime.Equal(got.Metrics.CreationTime))

	rc, err := store.Open(ctx, blob.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 5}, rec.Current())
}

func TestStore_GetMissing(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Get(context.Background(), simpleblob.NewBlobID(), true)
	assert.ErrorIs(t, err, simpleblob.ErrBlobNotFound)
	assert.True(t, simpleblob.IsNotFound(err))
}

func TestStore_SoftDeleteScenario(t *testing.T) {
	store, rec, _ := newTestStore(t)
	ctx := context.Background()

	createBlob(t, store, 10)
	b20 := createBlob(t, store, 20)
	createBlob(t, store, 30)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 3, TotalSize: 60}, rec.Current())

	deleted, err := store.SoftDelete(ctx, b20.ID, "cleanup")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 40}, rec.Current())

	t.Run("second soft delete is a no-op", func(t *testing.T) {
		deleted, err := store.SoftDelete(ctx, b20.ID, "again")
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 40}, rec.Current())
	})

	t.Run("hidden from get unless asked for", func(t *testing.T) {
		_, err := store.Get(ctx, b20.ID, false)
		assert.ErrorIs(t, err, simpleblob.ErrBlobNotFound)

		got, err := store.Get(ctx, b20.ID, true)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Equal(t, "cleanup", got.DeletedReason)
	})

	t.Run("missing blob", func(t *testing.T) {
		deleted, err := store.SoftDelete(ctx, simpleblob.NewBlobID(), "x")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStore_IncludeSoftDeletedPolicy(t *testing.T) {
	store, rec, _ := newTestStore(t, simpleblob.WithAccountingPolicy(simpleblob.IncludeSoftDeleted))
	ctx := context.Background()

	b := createBlob(t, store, 20)
	createBlob(t, store, 10)

	_, err := store.SoftDelete(ctx, b.ID, "gone")
	require.NoError(t, err)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 30}, rec.Current())

	// Space is released when the blob is physically removed
	result, err := store.Compact(ctx, simpleblob.NeverInUse)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 10}, rec.Current())
}

func TestStore_Undelete(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		checker     simpleblob.UsageChecker
		wantRestore bool
		wantMetrics simpleblob.AggregateMetrics
	}{
		{
			name:        "referenced blob is restored",
			checker:     simpleblob.AlwaysInUse,
			wantRestore: true,
			wantMetrics: simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 15},
		},
		{
			name:        "unreferenced blob stays deleted",
			checker:     simpleblob.NeverInUse,
			wantRestore: false,
			wantMetrics: simpleblob.AggregateMetrics{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, rec, _ := newTestStore(t)
			b := createBlob(t, store, 15)
			_, err := store.SoftDelete(ctx, b.ID, "test")
			require.NoError(t, err)

			restored, err := store.Undelete(ctx, b.ID, tt.checker)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRestore, restored)
			assert.Equal(t, tt.wantMetrics, rec.Current())

			got, err := store.Get(ctx, b.ID, true)
			require.NoError(t, err)
			assert.Equal(t, !tt.wantRestore, got.Deleted)
		})
	}

	t.Run("checker error is returned", func(t *testing.T) {
		store, _, _ := newTestStore(t)
		b := createBlob(t, store, 1)
		_, err := store.SoftDelete(ctx, b.ID, "test")
		require.NoError(t, err)

		boom := errors.New("db down")
		_, err = store.Undelete(ctx, b.ID, simpleblob.UsageCheckerFunc(
			func(context.Context, string, simpleblob.BlobID, map[string]string) (bool, error) {
				return false, boom
			}))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("live blob is left alone", func(t *testing.T) {
		store, rec, _ := newTestStore(t)
		b := createBlob(t, store, 3)
		restored, err := store.Undelete(ctx, b.ID, simpleblob.AlwaysInUse)
		require.NoError(t, err)
		assert.False(t, restored)
		assert.Equal(t, int64(1), rec.Current().BlobCount)
	})
}

func TestStore_DeleteHard(t *testing.T) {
	store, rec, backend := newTestStore(t)
	ctx := context.Background()

	b := createBlob(t, store, 7)
	removed, err := store.DeleteHard(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, simpleblob.AggregateMetrics{}, rec.Current())
	assert.Equal(t, 0, backend.Len())

	removed, err = store.DeleteHard(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	t.Run("soft-deleted blob is not released twice", func(t *testing.T) {
		b := createBlob(t, store, 9)
		_, err := store.SoftDelete(ctx, b.ID, "x")
		require.NoError(t, err)
		_, err = store.DeleteHard(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, simpleblob.AggregateMetrics{}, rec.Current())
	})
}

// failingStore fails uploads of keys with the given suffix.
type failingStore struct {
	*memorystorage.Backend
	suffix string
}

func (f *failingStore) Upload(ctx context.Context, key string, r io.Reader) error {
	if strings.HasSuffix(key, f.suffix) {
		_, _ = io.Copy(io.Discard, r)
		return errors.New("disk full")
	}
	return f.Backend.Upload(ctx, key, r)
}

func TestStore_CreateFailureLeavesNothing(t *testing.T) {
	for _, suffix := range []string{".bytes", ".attrs.json"} {
		t.Run(suffix, func(t *testing.T) {
			inner := memorystorage.New()
			rec := &countingRecorder{}
			store, err := simpleblob.New("failing", &failingStore{Backend: inner, suffix: suffix},
				simpleblob.WithMetricsRecorder(rec))
			require.NoError(t, err)

			_, err = store.Create(context.Background(), strings.NewReader("data"), nil)
			require.Error(t, err)

			var storageErr *simpleblob.StorageError
			assert.ErrorAs(t, err, &storageErr)
			assert.Equal(t, "memory", storageErr.Backend)
			assert.Equal(t, 0, inner.Len())
			assert.Equal(t, simpleblob.AggregateMetrics{}, rec.Current())
		})
	}
}

func TestStore_BlobIDs(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	want := map[simpleblob.BlobID]bool{}
	for i := 0; i < 5; i++ {
		want[createBlob(t, store, i+1).ID] = true
	}
	b := createBlob(t, store, 1)
	_, err := store.SoftDelete(ctx, b.ID, "x")
	require.NoError(t, err)
	want[b.ID] = true

	collect := func() map[simpleblob.BlobID]bool {
		got := map[simpleblob.BlobID]bool{}
		for id, err := range store.BlobIDs(ctx) {
			require.NoError(t, err)
			got[id] = true
		}
		return got
	}
	assert.Equal(t, want, collect())
	// Restartable
	assert.Equal(t, want, collect())

	t.Run("early break", func(t *testing.T) {
		n := 0
		for range store.BlobIDs(ctx) {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})
}

func TestStore_CompactRemovesOrphans(t *testing.T) {
	store, rec, backend := newTestStore(t)
	ctx := context.Background()

	live := createBlob(t, store, 4)
	kept := createBlob(t, store, 5)
	_, err := store.SoftDelete(ctx, kept.ID, "x")
	require.NoError(t, err)

	// Content without an attributes record, as left by a crash mid-create
	orphan := simpleblob.NewBlobID()
	require.NoError(t, backend.Upload(ctx, "content/"+string(orphan)[:2]+"/"+string(orphan)+".bytes", strings.NewReader("zz")))

	result, err := store.Compact(ctx, simpleblob.AlwaysInUse)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphansRemoved)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 2, result.Retained)
	assert.Equal(t, 4, backend.Len())
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 4}, rec.Current())

	_, err = store.Get(ctx, live.ID, false)
	assert.NoError(t, err)
}

func TestStore_ConcurrentSoftDeleteCountsOnce(t *testing.T) {
	store, rec, _ := newTestStore(t)
	ctx := context.Background()
	b := createBlob(t, store, 11)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SoftDelete(ctx, b.ID, "race")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, simpleblob.AggregateMetrics{}, rec.Current())
}

func TestStore_RejectsMalformedBlobIDs(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := fsstorage.New(fsstorage.Config{BaseDir: filepath.Join(root, "blobs"), NoSync: true})
	require.NoError(t, err)
	rec := &countingRecorder{}
	store, err := simpleblob.New("default", backend, simpleblob.WithMetricsRecorder(rec))
	require.NoError(t, err)
	createBlob(t, store, 7)

	// A record outside the store's directory shaped like an attributes file
	outside := filepath.Join(root, "secret.attrs.json")
	original := []byte(`{"id":"../secret","metrics":{"size":5}}`)
	require.NoError(t, os.WriteFile(outside, original, 0644))

	ids := []simpleblob.BlobID{
		"../secret",
		"../../secret",
		"",
		"not-a-uuid",
		simpleblob.BlobID(strings.ToUpper(string(simpleblob.NewBlobID()))),
	}
	for _, id := range ids {
		t.Run(string(id), func(t *testing.T) {
			_, err := store.Get(ctx, id, true)
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)

			_, err = store.Open(ctx, id)
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)

			_, err = store.Attributes(ctx, id)
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)

			ok, err := store.SoftDelete(ctx, id, "x")
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)
			assert.False(t, ok)

			ok, err = store.Undelete(ctx, id, simpleblob.AlwaysInUse)
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)
			assert.False(t, ok)

			ok, err = store.DeleteHard(ctx, id)
			assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID)
			assert.False(t, ok)
		})
	}

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, original, data)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 7}, rec.Current())
}

func TestParseBlobID(t *testing.T) {
	id := simpleblob.NewBlobID()
	parsed, err := simpleblob.ParseBlobID(string(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.True(t, id.Valid())

	for _, s := range []string{"", "../x", strings.ReplaceAll(string(id), "-", ""), "{" + string(id) + "}"} {
		_, err := simpleblob.ParseBlobID(s)
		assert.ErrorIs(t, err, simpleblob.ErrInvalidBlobID, s)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := simpleblob.New("", memorystorage.New())
	var verr *simpleblob.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	_, err = simpleblob.New("x", nil)
	assert.Error(t, err)
}
