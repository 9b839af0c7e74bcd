// Package cooperation deduplicates concurrent, identically keyed work.
//
// The first caller for a key becomes the leader and runs the work. Callers
// arriving while it runs follow: they wait for the leader's result, polling a
// caller-supplied check at every minor tick, for at most the major timeout.
// A follower whose wait expires runs the work itself. At most threadsPerKey
// executions of one key run at the same time.
package cooperation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrFallbackExhausted is returned when a caller could not obtain an
// execution slot for its key within the major timeout.
var ErrFallbackExhausted = errors.New("cooperation fallback exhausted")

// Defaults used by Configure.
const (
	DefaultMajorTimeout  = 30 * time.Second
	DefaultMinorTimeout  = 1 * time.Second
	DefaultThreadsPerKey = 100
)

// WorkFunc produces the value for a key.
type WorkFunc func(ctx context.Context) (any, error)

// CheckFunc reports whether a usable value already exists elsewhere, for
// example in an external cache. It returns the value and true when it does.
type CheckFunc func(ctx context.Context) (any, bool, error)

// Engine runs work cooperatively.
type Engine interface {
	// ID names the engine in logs and metrics.
	ID() string
	// Cooperate runs work for key, or adopts the result of a concurrent
	// execution of the same key. check may be nil.
	Cooperate(ctx context.Context, key Key, work WorkFunc, check CheckFunc) (any, error)
	// ThreadCountPerKey returns, per active key, how many callers are inside Cooperate.
	ThreadCountPerKey() map[string]int
}

// Builder configures an Engine.
type Builder struct {
	majorTimeout  time.Duration
	minorTimeout  time.Duration
	threadsPerKey int
	enabled       bool
	logger        *slog.Logger
	metrics       *Metrics
}

// Configure starts a Builder with the default settings.
func Configure() *Builder {
	return &Builder{
		majorTimeout:  DefaultMajorTimeout,
		minorTimeout:  DefaultMinorTimeout,
		threadsPerKey: DefaultThreadsPerKey,
		enabled:       true,
	}
}

// MajorTimeout bounds how long a follower waits before running the work itself.
func (b *Builder) MajorTimeout(d time.Duration) *Builder {
	b.majorTimeout = d
	return b
}

// MinorTimeout is the interval at which followers run the check.
func (b *Builder) MinorTimeout(d time.Duration) *Builder {
	b.minorTimeout = d
	return b
}

// ThreadsPerKey caps concurrent executions of one key.
func (b *Builder) ThreadsPerKey(n int) *Builder {
	b.threadsPerKey = n
	return b
}

// Enabled turns deduplication on or off.
func (b *Builder) Enabled(enabled bool) *Builder {
	b.enabled = enabled
	return b
}

// Logger sets the structured logger.
func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Metrics sets the Prometheus counters. Defaults to DefaultMetrics().
func (b *Builder) Metrics(m *Metrics) *Builder {
	b.metrics = m
	return b
}

// Build creates the engine named id. Out of range settings are clamped:
// timeouts to at least 1ms, the minor timeout to at most the major one and
// threadsPerKey to at least 1.
func (b *Builder) Build(id string) Engine {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := b.metrics
	if metrics == nil {
		metrics = DefaultMetrics()
	}

	if !b.enabled {
		return &disabled{id: id, metrics: metrics}
	}

	major := max(b.majorTimeout, time.Millisecond)
	minor := min(max(b.minorTimeout, time.Millisecond), major)
	return newLocal(id, major, minor, max(b.threadsPerKey, 1), logger, metrics)
}

// Do is Cooperate with typed work and check functions.
func Do[T any](ctx context.Context, engine Engine, key Key, work func(context.Context) (T, error), check func(context.Context) (T, bool, error)) (T, error) {
	var checkFn CheckFunc
	if check != nil {
		checkFn = func(ctx context.Context) (any, bool, error) {
			return check(ctx)
		}
	}

	v, err := engine.Cooperate(ctx, key, func(ctx context.Context) (any, error) {
		return work(ctx)
	}, checkFn)
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cooperation %s: got value of type %T, want %T", key, v, zero)
	}
	return typed, nil
}

// disabled runs every call directly.
type disabled struct {
	id      string
	metrics *Metrics
}

func (d *disabled) ID() string {
	return d.id
}

func (d *disabled) Cooperate(ctx context.Context, key Key, work WorkFunc, check CheckFunc) (any, error) {
	d.metrics.observe(d.id, outcomeDirect)
	return work(ctx)
}

func (d *disabled) ThreadCountPerKey() map[string]int {
	return map[string]int{}
}
