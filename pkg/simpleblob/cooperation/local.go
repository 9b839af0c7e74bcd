package cooperation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const shardCount = 32

// flight is one leader execution. done is closed once val and err are set.
type flight struct {
	done chan struct{}
	val  any
	err  error
}

// entry is the state of one key. It lives while any caller is inside
// Cooperate for the key.
type entry struct {
	refs   int
	flight *flight
	sem    *semaphore.Weighted
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// local coordinates callers within one process. The registry is sharded so
// unrelated keys rarely share a lock.
type local struct {
	id            string
	majorTimeout  time.Duration
	minorTimeout  time.Duration
	threadsPerKey int
	logger        *slog.Logger
	metrics       *Metrics

	shards [shardCount]shard
}

func newLocal(id string, major, minor time.Duration, threads int, logger *slog.Logger, metrics *Metrics) *local {
	l := &local{
		id:            id,
		majorTimeout:  major,
		minorTimeout:  minor,
		threadsPerKey: threads,
		logger:        logger,
		metrics:       metrics,
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[Key]*entry)
	}
	return l
}

func (l *local) ID() string {
	return l.id
}

func (l *local) shard(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

type waitResult int

const (
	leaderSucceeded waitResult = iota
	leaderFailed
	checkSucceeded
	waitExpired
	waitCanceled
)

func (l *local) Cooperate(ctx context.Context, key Key, work WorkFunc, check CheckFunc) (any, error) {
	deadline := time.Now().Add(l.majorTimeout)
	sh := l.shard(key)
	e := l.join(sh, key)
	defer l.leave(sh, key, e)

	for {
		sh.mu.Lock()
		f := e.flight
		if f == nil {
			f = &flight{done: make(chan struct{})}
			e.flight = f
			sh.mu.Unlock()
			l.metrics.observe(l.id, outcomeLeader)
			return l.lead(ctx, sh, e, f, work)
		}
		sh.mu.Unlock()

		val, res := l.follow(ctx, f, check, deadline)
		switch res {
		case leaderSucceeded:
			l.metrics.observe(l.id, outcomeAdopted)
			return f.val, nil
		case checkSucceeded:
			l.metrics.observe(l.id, outcomeChecked)
			return val, nil
		case leaderFailed:
			// Rejoin as an idle caller; the budget keeps counting from arrival.
			continue
		case waitCanceled:
			l.metrics.observe(l.id, outcomeCanceled)
			return nil, ctx.Err()
		default:
			l.logger.Warn("Cooperation wait expired, running work locally",
				"engine", l.id, "key", key, "timeout", l.majorTimeout)
			return l.fallback(ctx, e, work)
		}
	}
}

func (l *local) join(sh *shard, key Key) *entry {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(int64(l.threadsPerKey))}
		sh.entries[key] = e
	}
	e.refs++
	return e
}

func (l *local) leave(sh *shard, key Key, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.flight == nil {
		delete(sh.entries, key)
	}
}

// lead runs work as the key's leader. The flight is always finished, also
// when work panics, so followers are never left waiting.
func (l *local) lead(ctx context.Context, sh *shard, e *entry, f *flight, work WorkFunc) (val any, err error) {
	finished := false
	finish := func(v any, err error) {
		sh.mu.Lock()
		f.val, f.err = v, err
		if e.flight == f {
			e.flight = nil
		}
		sh.mu.Unlock()
		close(f.done)
		finished = true
	}
	defer func() {
		if !finished {
			finish(nil, errLeaderPanicked)
		}
	}()

	if err := l.acquire(ctx, e); err != nil {
		finish(nil, err)
		return nil, err
	}
	defer e.sem.Release(1)

	val, err = work(ctx)
	finish(val, err)
	return val, err
}

// follow waits for f, polling check every minor tick, until the deadline.
func (l *local) follow(ctx context.Context, f *flight, check CheckFunc, deadline time.Time) (any, waitResult) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(l.minorTimeout)
	defer ticker.Stop()

	leaderResult := func() waitResult {
		if f.err != nil {
			return leaderFailed
		}
		return leaderSucceeded
	}

	for {
		select {
		case <-f.done:
			return nil, leaderResult()
		case <-ctx.Done():
			return nil, waitCanceled
		case <-timer.C:
			select {
			case <-f.done:
				return nil, leaderResult()
			default:
				return nil, waitExpired
			}
		case <-ticker.C:
			if check == nil {
				continue
			}
			v, ok, err := check(ctx)
			if err != nil {
				l.logger.Warn("Cooperation check failed", "engine", l.id, "err", err)
				continue
			}
			if ok {
				return v, checkSucceeded
			}
		}
	}
}

// fallback runs work without publishing its result.
func (l *local) fallback(ctx context.Context, e *entry, work WorkFunc) (any, error) {
	if err := l.acquire(ctx, e); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	l.metrics.observe(l.id, outcomeFallback)
	return work(ctx)
}

// acquire takes an execution slot for the key, waiting at most the major timeout.
func (l *local) acquire(ctx context.Context, e *entry) error {
	if e.sem.TryAcquire(1) {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.majorTimeout)
	defer cancel()
	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.metrics.observe(l.id, outcomeExhausted)
		return ErrFallbackExhausted
	}
	return nil
}

func (l *local) ThreadCountPerKey() map[string]int {
	out := make(map[string]int)
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			out[string(key)] = e.refs
		}
		sh.mu.Unlock()
	}
	return out
}
