package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-blob/pkg/simpleblob"
	memorystorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/memory"
)

func TestStore_Counters(t *testing.T) {
	s := NewStore("default")

	s.RecordAddition(10)
	s.RecordAddition(20)
	s.RecordAddition(30)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 3, TotalSize: 60}, s.Current())

	s.RecordDeletion(20)
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 2, TotalSize: 40}, s.Current())

	s.ClearCountMetrics()
	assert.Equal(t, simpleblob.AggregateMetrics{}, s.Current())

	t.Run("snapshots floor at zero", func(t *testing.T) {
		s.RecordDeletion(5)
		assert.Equal(t, simpleblob.AggregateMetrics{}, s.Current())
		s.RecordAddition(5)
		assert.Equal(t, simpleblob.AggregateMetrics{}, s.Current())
	})
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := NewStore("default")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordAddition(3)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, simpleblob.AggregateMetrics{BlobCount: 5000, TotalSize: 15000}, s.Current())
}

func TestStore_FlushAndLoad(t *testing.T) {
	ctx := context.Background()
	backend := memorystorage.New()
	space := func(path string) (int64, error) {
		if path == "/broken" {
			return 0, errors.New("no such volume")
		}
		return 1 << 30, nil
	}

	s := NewStore("default",
		WithPersister(NewBytePersister(backend)),
		WithVolumes("/data", "/broken"),
		WithUsableSpaceFunc(space))
	s.RecordAddition(10)
	s.RecordAddition(30)

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, map[string]int64{"/data": 1 << 30}, s.Current().UsableSpace)

	rc, err := backend.Download(ctx, "metrics/default.json")
	require.NoError(t, err)
	rc.Close()

	restored := NewStore("default", WithPersister(NewBytePersister(backend)))
	ok, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, s.Current(), restored.Current())

	t.Run("nothing persisted yet", func(t *testing.T) {
		fresh := NewStore("other", WithPersister(NewBytePersister(backend)))
		ok, err := fresh.Load(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBytePersister_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	backend := memorystorage.New()
	require.NoError(t, backend.Upload(ctx, "metrics/default.json", strings.NewReader("not json")))

	_, _, err := NewBytePersister(backend).Load(ctx, "default")
	assert.Error(t, err)
}

type failingPersister struct {
	mu    sync.Mutex
	saves int
}

func (p *failingPersister) Load(context.Context, string) (simpleblob.AggregateMetrics, bool, error) {
	return simpleblob.AggregateMetrics{}, false, nil
}

func (p *failingPersister) Save(context.Context, string, simpleblob.AggregateMetrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	return errors.New("write failed")
}

func (p *failingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func TestStore_StartKeepsFlushingThroughErrors(t *testing.T) {
	p := &failingPersister{}
	s := NewStore("default", WithPersister(p), WithFlushInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.count() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStore_StartFlushesOnExit(t *testing.T) {
	backend := memorystorage.New()
	s := NewStore("default", WithPersister(NewBytePersister(backend)), WithFlushInterval(time.Hour))
	s.RecordAddition(7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	m, ok, err := NewBytePersister(backend).Load(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), m.TotalSize)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewStore("a")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(NewStore("b")))
	assert.Error(t, r.Register(NewStore("a")))

	a.RecordAddition(4)
	m, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(4), m.TotalSize)

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.Unregister("b")
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestCollector(t *testing.T) {
	r := NewRegistry()
	s := NewStore("default", WithVolumes("/data"), WithUsableSpaceFunc(func(string) (int64, error) { return 100, nil }))
	require.NoError(t, r.Register(s))
	s.RecordAddition(10)
	s.RecordAddition(30)
	require.NoError(t, s.Flush(context.Background()))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(r)))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			got[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"simpleblob_store_blob_count":         2,
		"simpleblob_store_total_size_bytes":   40,
		"simpleblob_store_usable_space_bytes": 100,
	}, got)
}
