package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-blob/pkg/simpleblob"
	"github.com/tendant/simple-blob/pkg/simpleblob/cooperation"
	"github.com/tendant/simple-blob/pkg/simpleblob/metrics"
	metricspg "github.com/tendant/simple-blob/pkg/simpleblob/metrics/postgres"
	"github.com/tendant/simple-blob/pkg/simpleblob/quota"
	"github.com/tendant/simple-blob/pkg/simpleblob/recalc"
	fsstorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/fs"
	memorystorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/memory"
	s3storage "github.com/tendant/simple-blob/pkg/simpleblob/storage/s3"
	zstdstorage "github.com/tendant/simple-blob/pkg/simpleblob/storage/zstd"
	usagepg "github.com/tendant/simple-blob/pkg/simpleblob/usage/postgres"
)

// Runtime holds the stores and services built from a Config.
type Runtime struct {
	Config      *Config
	Stores      map[string]*simpleblob.Store
	Groups      map[string]*simpleblob.Group
	Metrics     *metrics.Registry
	Quota       *quota.Service
	Cooperation cooperation.Engine
	Usage       simpleblob.UsageChecker

	// Unloaded lists stores that had no persisted metrics at start-up.
	Unloaded []string

	logger *slog.Logger
	pool   *pgxpool.Pool

	mu   sync.Mutex
	jobs map[string]*recalc.Job
}

// BuildOption customizes BuildRuntime
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger             *slog.Logger
	pool               *pgxpool.Pool
	cooperationMetrics *cooperation.Metrics
}

// WithLogger sets the logger used by every component
func WithLogger(logger *slog.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithPool uses an existing connection pool instead of opening one
func WithPool(pool *pgxpool.Pool) BuildOption {
	return func(o *buildOptions) {
		o.pool = pool
	}
}

// WithCooperationMetrics sets the Prometheus counters of the cooperation engine
func WithCooperationMetrics(m *cooperation.Metrics) BuildOption {
	return func(o *buildOptions) {
		o.cooperationMetrics = m
	}
}

// BuildRuntime creates every configured store and the services around them,
// and seeds the metrics from their persisted snapshots.
func (c *Config) BuildRuntime(ctx context.Context, opts ...BuildOption) (*Runtime, error) {
	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		Config:  c,
		Stores:  make(map[string]*simpleblob.Store),
		Groups:  make(map[string]*simpleblob.Group),
		Metrics: metrics.NewRegistry(),
		Quota:   quota.NewService(quota.WithLogger(o.logger)),
		Usage:   simpleblob.AlwaysInUse,
		logger:  o.logger,
		pool:    o.pool,
		jobs:    make(map[string]*recalc.Job),
	}

	if c.DatabaseType == "postgres" && r.pool == nil {
		pool, err := NewPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to build database pool: %w", err)
		}
		r.pool = pool
	}
	if r.pool != nil {
		r.Usage = usagepg.NewWithPool(r.pool)
	}

	for _, sc := range c.Stores {
		store, err := r.buildStore(ctx, sc)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to build store %s: %w", sc.Name, err)
		}
		r.Stores[sc.Name] = store
	}

	for _, gc := range c.Groups {
		members := make([]*simpleblob.Store, 0, len(gc.Members))
		for _, name := range gc.Members {
			members = append(members, r.Stores[name])
		}
		group, err := simpleblob.NewGroup(gc.Name, members...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to build group %s: %w", gc.Name, err)
		}
		r.Groups[gc.Name] = group
	}

	r.Cooperation = cooperation.Configure().
		MajorTimeout(c.Cooperation.MajorTimeout).
		MinorTimeout(c.Cooperation.MinorTimeout).
		ThreadsPerKey(c.Cooperation.ThreadsPerKey).
		Enabled(c.Cooperation.Enabled).
		Logger(o.logger).
		Metrics(o.cooperationMetrics).
		Build("simpleblob")

	return r, nil
}

func (r *Runtime) buildStore(ctx context.Context, sc StoreConfig) (*simpleblob.Store, error) {
	bytes, err := buildByteStore(sc)
	if err != nil {
		return nil, err
	}
	if sc.Compress {
		bytes = zstdstorage.New(bytes, zstdstorage.Config{})
	}

	mopts := []metrics.Option{
		metrics.WithFlushInterval(r.Config.MetricsFlushInterval),
		metrics.WithLogger(r.logger),
	}
	if v, ok := bytes.(simpleblob.VolumeReporter); ok {
		mopts = append(mopts, metrics.WithVolumes(v.VolumePaths()...))
	}
	switch r.Config.MetricsPersistence {
	case PersistStore:
		mopts = append(mopts, metrics.WithPersister(metrics.NewBytePersister(bytes)))
	case PersistPostgres:
		mopts = append(mopts, metrics.WithPersister(metricspg.NewWithPool(r.pool)))
	}
	m := metrics.NewStore(sc.Name, mopts...)
	if err := r.Metrics.Register(m); err != nil {
		return nil, err
	}

	loaded, err := m.Load(ctx)
	if err != nil {
		r.logger.Warn("Failed to load persisted metrics", "store", sc.Name, "err", err)
	}
	if !loaded {
		r.Unloaded = append(r.Unloaded, sc.Name)
	}

	return simpleblob.New(sc.Name, bytes,
		simpleblob.WithMetricsRecorder(m),
		simpleblob.WithLogger(r.logger))
}

func buildByteStore(sc StoreConfig) (simpleblob.ByteStore, error) {
	switch sc.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{
			BaseDir: getString(sc.Config, "base_dir", "./data/blobs"),
			NoSync:  getBool(sc.Config, "no_sync", false),
		})

	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 getString(sc.Config, "region", "us-east-1"),
			Bucket:                 getString(sc.Config, "bucket", ""),
			Prefix:                 getString(sc.Config, "prefix", ""),
			AccessKeyID:            getString(sc.Config, "access_key_id", ""),
			SecretAccessKey:        getString(sc.Config, "secret_access_key", ""),
			Endpoint:               getString(sc.Config, "endpoint", ""),
			UsePathStyle:           getBool(sc.Config, "use_path_style", false),
			EnableSSE:              getBool(sc.Config, "enable_sse", false),
			SSEAlgorithm:           getString(sc.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(sc.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(sc.Config, "create_bucket_if_not_exist", false),
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", sc.Type)
	}
}

// NewPool opens a connection pool and sets search_path to schema on every connection.
func NewPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// Close releases the database pool, if any.
func (r *Runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// StoreNames returns the names of every store and group, sorted.
func (r *Runtime) StoreNames() []string {
	names := make([]string, 0, len(r.Stores)+len(r.Groups))
	for name := range r.Stores {
		names = append(names, name)
	}
	for name := range r.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecalcTarget returns the store or group named name.
func (r *Runtime) RecalcTarget(name string) (recalc.Target, bool) {
	if s, ok := r.Stores[name]; ok {
		return s, true
	}
	if g, ok := r.Groups[name]; ok {
		return g, true
	}
	return nil, false
}

func (r *Runtime) job(name string) *recalc.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[name]
	if !ok {
		j = recalc.New(recalc.WithLogger(r.logger))
		r.jobs[name] = j
	}
	return j
}

// Recalculate rebuilds the metrics of the store named name. Concurrent
// requests for the same store share one run. A request that gives up waiting
// while that run is still going gets recalc.ErrAlreadyRunning.
func (r *Runtime) Recalculate(ctx context.Context, name string) (*recalc.Result, error) {
	target, ok := r.RecalcTarget(name)
	if !ok {
		return nil, fmt.Errorf("store '%s' not configured", name)
	}
	job := r.job(name)

	return cooperation.Do(ctx, r.Cooperation, cooperation.NewKey("recalculate", name),
		func(ctx context.Context) (*recalc.Result, error) {
			return job.Execute(ctx, target)
		}, nil)
}

// CancelRecalculation cancels the running recalculation of name, if any.
func (r *Runtime) CancelRecalculation(name string) bool {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok || !j.Running() {
		return false
	}
	j.Cancel()
	return true
}

// QuotaTargets pairs every store and group with its quota configuration.
func (r *Runtime) QuotaTargets() []quota.Target {
	var targets []quota.Target
	for _, sc := range r.Config.Stores {
		targets = append(targets, quota.WithConfig(r.Stores[sc.Name], sc.Quota))
	}
	for _, gc := range r.Config.Groups {
		targets = append(targets, quota.WithConfig(r.Groups[gc.Name], gc.Quota))
	}
	return targets
}

// CheckQuotas evaluates every configured quota and returns the results of
// stores that have one.
func (r *Runtime) CheckQuotas() []*quota.Result {
	var results []*quota.Result
	for _, target := range r.QuotaTargets() {
		result, err := r.Quota.CheckQuota(target)
		if err != nil {
			r.logger.Error("Quota check failed", "store", target.Name(), "err", err)
			continue
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results
}
