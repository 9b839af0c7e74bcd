// Package metrics keeps the live usage counters of each blob store and
// persists them periodically.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// DefaultFlushInterval is how often Start persists the counters.
const DefaultFlushInterval = 2 * time.Second

// Store holds the usage counters of one blob store. Updates are lock-free;
// Flush and Load serialize among themselves only.
type Store struct {
	name      string
	count     atomic.Int64
	size      atomic.Int64
	usable    atomic.Pointer[map[string]int64]
	persister Persister
	volumes   []string
	interval  time.Duration
	logger    *slog.Logger
	spaceFn   func(path string) (int64, error)

	flushMu sync.Mutex
}

// Option represents a functional option for configuring a metrics Store
type Option func(*Store)

// WithPersister sets where Flush writes and Load reads the counters
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithVolumes sets the paths whose usable space is recorded on every flush
func WithVolumes(paths ...string) Option {
	return func(s *Store) {
		s.volumes = append(s.volumes, paths...)
	}
}

// WithFlushInterval sets the period used by Start
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithUsableSpaceFunc replaces the volume space lookup, mostly for tests
func WithUsableSpaceFunc(fn func(path string) (int64, error)) Option {
	return func(s *Store) {
		s.spaceFn = fn
	}
}

// NewStore creates the counters for the blob store named name.
func NewStore(name string, options ...Option) *Store {
	s := &Store{
		name:     name,
		interval: DefaultFlushInterval,
		logger:   slog.Default(),
		spaceFn:  UsableSpace,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Name returns the blob store name.
func (s *Store) Name() string {
	return s.name
}

// RecordAddition accounts for a new blob of size bytes.
func (s *Store) RecordAddition(size int64) {
	s.count.Add(1)
	s.size.Add(size)
}

// RecordDeletion releases a blob of size bytes.
func (s *Store) RecordDeletion(size int64) {
	s.count.Add(-1)
	s.size.Add(-size)
}

// ClearCountMetrics resets blob count and total size. Usable space is kept.
func (s *Store) ClearCountMetrics() {
	s.count.Store(0)
	s.size.Store(0)
}

// Current returns a snapshot. Counters transiently below zero read as zero.
func (s *Store) Current() simpleblob.AggregateMetrics {
	m := simpleblob.AggregateMetrics{
		BlobCount: max(s.count.Load(), 0),
		TotalSize: max(s.size.Load(), 0),
	}
	if p := s.usable.Load(); p != nil {
		m.UsableSpace = make(map[string]int64, len(*p))
		for k, v := range *p {
			m.UsableSpace[k] = v
		}
	}
	return m
}

// Flush reads usable space of the configured volumes and persists the current snapshot.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if len(s.volumes) > 0 {
		usable := make(map[string]int64, len(s.volumes))
		for _, path := range s.volumes {
			space, err := s.spaceFn(path)
			if err != nil {
				s.logger.Warn("Failed to read usable space", "store", s.name, "path", path, "err", err)
				continue
			}
			usable[path] = space
		}
		s.usable.Store(&usable)
	}

	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, s.name, s.Current()); err != nil {
		return fmt.Errorf("flush metrics for store %s: %w", s.name, err)
	}
	return nil
}

// Load seeds the counters from the last persisted snapshot, if any.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	m, ok, err := s.persister.Load(ctx, s.name)
	if err != nil {
		return false, fmt.Errorf("load metrics for store %s: %w", s.name, err)
	}
	if !ok {
		return false, nil
	}
	s.count.Store(m.BlobCount)
	s.size.Store(m.TotalSize)
	if m.UsableSpace != nil {
		s.usable.Store(&m.UsableSpace)
	}
	return true, nil
}

// Start flushes every interval until ctx is done, then flushes once more.
// Flush failures are logged and do not stop the loop.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("Final metrics flush failed", "store", s.name, "err", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("Metrics flush failed", "store", s.name, "err", err)
			}
		}
	}
}
