package recalc_test

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-blob/pkg/simpleblob"
	"github.com/tendant/simple-blob/pkg/simpleblob/metrics"
	"github.com/tendant/simple-blob/pkg/simpleblob/recalc"
	memorystorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/memory"
)

func newStore(t *testing.T, name string, opts ...simpleblob.Option) (*simpleblob.Store, *metrics.Store, *memorystorage.Backend) {
	t.Helper()
	m := metrics.NewStore(name)
	backend := memorystorage.New()
	store, err := simpleblob.New(name, backend, append([]simpleblob.Option{simpleblob.WithMetricsRecorder(m)}, opts...)...)
	require.NoError(t, err)
	return store, m, backend
}

func create(t *testing.T, store *simpleblob.Store, size int) *simpleblob.Blob {
	t.Helper()
	b, err := store.Create(context.Background(), strings.NewReader(strings.Repeat("a", size)), nil)
	require.NoError(t, err)
	return b
}

func TestExecute_Scenario(t *testing.T) {
	ctx := context.Background()
	store, m, _ := newStore(t, "default")

	create(t, store, 10)
	b20 := create(t, store, 20)
	create(t, store, 30)
	_, err := store.SoftDelete(ctx, b20.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 40}, m.Current())

	result, err := recalc.New().Execute(ctx, store)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(3), result.Scanned)
	assert.Equal(t, int64(2), result.Counted)
	assert.Equal(t, int64(1), result.Excluded)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 40}, m.Current())
}

func TestExecute_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	store, m, _ := newStore(t, "default")
	create(t, store, 5)
	create(t, store, 7)

	m.RecordAddition(1000)
	m.RecordDeletion(3)

	_, err := recalc.New().Execute(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 12}, m.Current())
}

func TestExecute_IncludeSoftDeleted(t *testing.T) {
	ctx := context.Background()
	store, m, _ := newStore(t, "s3", simpleblob.WithAccountingPolicy(simpleblob.IncludeSoftDeleted))
	create(t, store, 10)
	b := create(t, store, 20)
	_, err := store.SoftDelete(ctx, b.ID, "test")
	require.NoError(t, err)

	m.ClearCountMetrics()
	_, err = recalc.New().Execute(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 30}, m.Current())
}

func TestExecute_SkipsUnreadableAttributes(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	store, m, backend := newStore(t, "default")
	create(t, store, 4)
	broken := create(t, store, 9)

	id := string(broken.ID)
	require.NoError(t, backend.Upload(ctx, "content/"+id[:2]+"/"+id+".attrs.json", strings.NewReader("{garbage")))

	job := recalc.New(recalc.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	result, err := job.Execute(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 1, TotalSize: 4}, m.Current())
	assert.Contains(t, logs.String(), "Skipping unreadable blob attributes")
}

func TestExecute_SkipsDelegatingStores(t *testing.T) {
	a, ma, _ := newStore(t, "a")
	create(t, a, 3)
	group, err := simpleblob.NewGroup("group", a)
	require.NoError(t, err)

	job := recalc.New()
	assert.False(t, job.AppliesTo(group))
	assert.True(t, job.AppliesTo(a))

	result, err := job.Execute(context.Background(), group)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(0), result.Scanned)
	assert.Equal(t, int64(3), ma.Current().TotalSize)
}

// syntheticStore yields n blobs of size 1 and can run a hook per attribute load.
type syntheticStore struct {
	n       int
	metrics *metrics.Store
	onLoad  func(i int)
	loads   int
	listErr error
}

func (s *syntheticStore) Name() string { return "synthetic" }
func (s *syntheticStore) Metrics() simpleblob.MetricsRecorder { return s.metrics }
func (s *syntheticStore) CountsSoftDeleted() bool { return false }

func (s *syntheticStore) BlobIDs(ctx context.Context) iter.Seq2[simpleblob.BlobID, error] {
	return func(yield func(simpleblob.BlobID, error) bool) {
		for i := 0; i < s.n; i++ {
			if !yield(simpleblob.NewBlobID(), nil) {
				return
			}
		}
		if s.listErr != nil {
			yield("", s.listErr)
		}
	}
}

func (s *syntheticStore) Attributes(ctx context.Context, id simpleblob.BlobID) (*simpleblob.Attributes, error) {
	s.loads++
	if s.onLoad != nil {
		s.onLoad(s.loads)
	}
	return &simpleblob.Attributes{ID: id, Metrics: simpleblob.BlobMetrics{Size: 1}}, nil
}

func TestExecute_CancelIsPolledEvery300Blobs(t *testing.T) {
	job := recalc.New()
	target := &syntheticStore{n: 1000, metrics: metrics.NewStore("synthetic")}
	target.onLoad = func(i int) {
		if i == 10 {
			job.Cancel()
		}
	}

	result, err := job.Execute(context.Background(), target)
	assert.ErrorIs(t, err, recalc.ErrCanceled)
	assert.Equal(t, int64(300), result.Scanned)
	// Partial counters are left in place
	assert.Equal(t, int64(300), target.metrics.Current().BlobCount)
	assert.False(t, job.Running())
}

func TestExecute_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := &syntheticStore{n: 5, metrics: metrics.NewStore("synthetic")}
	_, err := recalc.New().Execute(ctx, target)
	assert.ErrorIs(t, err, recalc.ErrCanceled)
	assert.Equal(t, 0, target.loads)
}

func TestExecute_ListError(t *testing.T) {
	boom := errors.New("listing failed")
	target := &syntheticStore{n: 2, metrics: metrics.NewStore("synthetic"), listErr: boom}

	_, err := recalc.New().Execute(context.Background(), target)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_LogsProgress(t *testing.T) {
	var logs bytes.Buffer
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(25 * time.Second)
		return now
	}

	job := recalc.New(
		recalc.WithClock(clock),
		recalc.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	result, err := job.Execute(context.Background(), &syntheticStore{n: 6, metrics: metrics.NewStore("synthetic")})
	require.NoError(t, err)

	// Each blob advances the clock 25s, so progress is logged every third blob
	assert.Equal(t, 2, strings.Count(logs.String(), "Metrics recalculation progress"))
	assert.Equal(t, 175*time.Second, result.Duration)
}

func TestExecute_RejectsOverlappingRuns(t *testing.T) {
	ctx := context.Background()
	job := recalc.New(recalc.WithCancelCheckEvery(1))

	started := make(chan struct{})
	release := make(chan struct{})
	first := &syntheticStore{n: 50, metrics: metrics.NewStore("synthetic")}
	first.onLoad = func(i int) {
		if i == 1 {
			close(started)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := job.Execute(ctx, first)
		done <- err
	}()
	<-started
	require.True(t, job.Running())

	job.Cancel()

	second := &syntheticStore{n: 5, metrics: first.metrics}
	result, err := job.Execute(ctx, second)
	assert.ErrorIs(t, err, recalc.ErrAlreadyRunning)
	assert.False(t, result.Applied)
	assert.Equal(t, 0, second.loads)

	// The rejected call must not clear the pending cancellation
	close(release)
	assert.ErrorIs(t, <-done, recalc.ErrCanceled)
	assert.False(t, job.Running())
	assert.Equal(t, int64(1), first.metrics.Current().BlobCount)

	// The job is usable again once the run is over
	third := &syntheticStore{n: 5, metrics: first.metrics}
	result, err = job.Execute(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Counted)
	assert.Equal(t, int64(5), first.metrics.Current().BlobCount)
}
