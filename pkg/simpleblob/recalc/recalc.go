// Package recalc rebuilds a blob store's usage counters from its attributes records.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// ErrCanceled is returned when a run stops early because it was cancelled.
// The counters are left with whatever the run had accumulated.
var ErrCanceled = errors.New("recalculation canceled")

// ErrAlreadyRunning is returned when Execute is called while the job is
// already running. The running execution is not affected.
var ErrAlreadyRunning = errors.New("recalculation already running")

const (
	defaultProgressInterval = 60 * time.Second
	defaultCancelCheckEvery = 300
)

// Target is a blob store whose metrics can be rebuilt.
type Target interface {
	Name() string
	BlobIDs(ctx context.Context) iter.Seq2[simpleblob.BlobID, error]
	Attributes(ctx context.Context, id simpleblob.BlobID) (*simpleblob.Attributes, error)
	Metrics() simpleblob.MetricsRecorder
	CountsSoftDeleted() bool
}

// delegating is implemented by stores that only forward to other stores.
type delegating interface {
	Delegating() bool
}

// Result summarizes a run.
type Result struct {
	Store     string        `json:"store"`
	Applied   bool          `json:"applied"`
	Scanned   int64         `json:"scanned"`
	Counted   int64         `json:"counted"`
	Excluded  int64         `json:"excluded"`
	Skipped   int64         `json:"skipped"`
	TotalSize int64         `json:"total_size"`
	Duration  time.Duration `json:"duration"`
}

// Job recalculates store metrics. A Job may be reused but runs at most one
// execution at a time; Cancel affects the run in progress.
type Job struct {
	clock            func() time.Time
	logger           *slog.Logger
	progressInterval time.Duration
	cancelCheckEvery int64

	canceled atomic.Bool
	running  atomic.Bool
}

// Option represents a functional option for configuring a Job
type Option func(*Job)

// WithClock sets the time source used for progress and duration
func WithClock(clock func() time.Time) Option {
	return func(j *Job) {
		j.clock = clock
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

// WithProgressInterval sets how often progress is logged
func WithProgressInterval(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.progressInterval = d
		}
	}
}

// WithCancelCheckEvery sets how many blobs are processed between cancellation checks
func WithCancelCheckEvery(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.cancelCheckEvery = int64(n)
		}
	}
}

// New creates a recalculation job
func New(options ...Option) *Job {
	j := &Job{
		clock:            time.Now,
		logger:           slog.Default(),
		progressInterval: defaultProgressInterval,
		cancelCheckEvery: defaultCancelCheckEvery,
	}
	for _, option := range options {
		option(j)
	}
	return j
}

// AppliesTo reports whether target keeps counters of its own.
func (j *Job) AppliesTo(target Target) bool {
	if d, ok := target.(delegating); ok && d.Delegating() {
		return false
	}
	return true
}

// Cancel asks the running execution to stop at its next check.
func (j *Job) Cancel() {
	j.canceled.Store(true)
}

// Running reports whether an execution is in progress.
func (j *Job) Running() bool {
	return j.running.Load()
}

// Execute clears target's counters and rebuilds them from every readable
// attributes record. Unreadable records are logged and skipped. Soft-deleted
// blobs are counted only if the store counts them.
func (j *Job) Execute(ctx context.Context, target Target) (*Result, error) {
	result := &Result{Store: target.Name()}
	if !j.AppliesTo(target) {
		j.logger.Info("Skipping metrics recalculation for delegating store", "store", target.Name())
		return result, nil
	}

	// One run at a time: a second run would clear the counters under the
	// first and both would then add every blob.
	if !j.running.CompareAndSwap(false, true) {
		return result, ErrAlreadyRunning
	}
	defer j.running.Store(false)
	j.canceled.Store(false)
	result.Applied = true

	start := j.clock()
	lastProgress := start
	recorder := target.Metrics()
	countDeleted := target.CountsSoftDeleted()

	j.logger.Info("Recalculating blob store metrics", "store", target.Name())
	recorder.ClearCountMetrics()

	finish := func() {
		result.Duration = j.clock().Sub(start)
	}

	for id, err := range target.BlobIDs(ctx) {
		if err != nil {
			finish()
			return result, fmt.Errorf("list blobs of store %s: %w", target.Name(), err)
		}

		if result.Scanned%j.cancelCheckEvery == 0 {
			if j.canceled.Load() {
				finish()
				j.logger.Info("Metrics recalculation canceled", "store", target.Name(), "scanned", result.Scanned)
				return result, ErrCanceled
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				finish()
				return result, fmt.Errorf("%w: %v", ErrCanceled, ctxErr)
			}
		}
		result.Scanned++

		attrs, err := target.Attributes(ctx, id)
		if err != nil {
			result.Skipped++
			if !simpleblob.IsNotFound(err) {
				j.logger.Warn("Skipping unreadable blob attributes", "store", target.Name(), "blob_id", id, "err", err)
			}
			continue
		}

		if attrs.Deleted && !countDeleted {
			result.Excluded++
		} else {
			recorder.RecordAddition(attrs.Metrics.Size)
			result.Counted++
			result.TotalSize += attrs.Metrics.Size
		}

		if now := j.clock(); now.Sub(lastProgress) >= j.progressInterval {
			lastProgress = now
			j.logger.Info("Metrics recalculation progress", "store", target.Name(),
				"scanned", result.Scanned, "counted", result.Counted, "total_size", result.TotalSize)
		}
	}

	finish()
	j.logger.Info("Metrics recalculation finished", "store", target.Name(),
		"counted", result.Counted, "excluded", result.Excluded, "skipped", result.Skipped,
		"total_size", result.TotalSize, "duration", result.Duration)
	return result, nil
}
