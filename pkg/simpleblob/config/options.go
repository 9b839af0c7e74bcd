package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-blob/pkg/simpleblob/quota"
)

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *Config) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *Config) error {
		c.DBSchema = schema
		return nil
	}
}

// WithDefaultStore sets the default store name
func WithDefaultStore(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("default store name cannot be empty")
		}
		c.DefaultStore = name
		return nil
	}
}

// WithStore adds or replaces a store
func WithStore(store StoreConfig) Option {
	return func(c *Config) error {
		if store.Name == "" {
			return fmt.Errorf("store name cannot be empty")
		}
		c.Stores = upsertStore(c.Stores, store)
		return nil
	}
}

// WithMemoryStore adds an in-memory store
func WithMemoryStore(name string) Option {
	return WithStore(StoreConfig{Name: name, Type: "memory"})
}

// WithFilesystemStore adds a filesystem store rooted at baseDir
func WithFilesystemStore(name, baseDir string) Option {
	return func(c *Config) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		return WithStore(StoreConfig{
			Name:   name,
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": baseDir},
		})(c)
	}
}

// WithS3Store adds an S3 store
func WithS3Store(name, bucket, region, endpoint string) Option {
	return func(c *Config) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		cfg := map[string]interface{}{"bucket": bucket}
		if region != "" {
			cfg["region"] = region
		}
		if endpoint != "" {
			cfg["endpoint"] = endpoint
			cfg["use_path_style"] = true
		}
		return WithStore(StoreConfig{Name: name, Type: "s3", Config: cfg})(c)
	}
}

// WithCompression turns zstd compression of content on or off for a store
func WithCompression(storeName string, enabled bool) Option {
	return func(c *Config) error {
		for i := range c.Stores {
			if c.Stores[i].Name == storeName {
				c.Stores[i].Compress = enabled
				return nil
			}
		}
		return fmt.Errorf("store '%s' not configured", storeName)
	}
}

// WithGroup adds a group store over already configured members
func WithGroup(name string, members ...string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("group name cannot be empty")
		}
		for i := range c.Groups {
			if c.Groups[i].Name == name {
				c.Groups[i].Members = members
				return nil
			}
		}
		c.Groups = append(c.Groups, GroupConfig{Name: name, Members: members})
		return nil
	}
}

// WithQuota sets the soft quota of a store or group
func WithQuota(storeName string, q quota.Config) Option {
	return func(c *Config) error {
		for i := range c.Stores {
			if c.Stores[i].Name == storeName {
				c.Stores[i].Quota = q
				return nil
			}
		}
		for i := range c.Groups {
			if c.Groups[i].Name == storeName {
				c.Groups[i].Quota = q
				return nil
			}
		}
		return fmt.Errorf("store '%s' not configured", storeName)
	}
}

// WithMetricsFlushInterval sets how often metrics are persisted
func WithMetricsFlushInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("metrics flush interval must be positive")
		}
		c.MetricsFlushInterval = d
		return nil
	}
}

// WithMetricsPersistence sets where metrics are persisted ("store", "postgres", "none")
func WithMetricsPersistence(mode string) Option {
	return func(c *Config) error {
		c.MetricsPersistence = mode
		return nil
	}
}

// WithRecalculationInterval schedules metrics recalculation; zero disables it
func WithRecalculationInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("recalculation interval cannot be negative")
		}
		c.RecalculationInterval = d
		return nil
	}
}

// WithQuotaCheckInterval schedules quota checks; zero disables them
func WithQuotaCheckInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("quota check interval cannot be negative")
		}
		c.QuotaCheckInterval = d
		return nil
	}
}

// WithCooperation configures the cooperation engine
func WithCooperation(cc CooperationConfig) Option {
	return func(c *Config) error {
		c.Cooperation = cc
		return nil
	}
}

func upsertStore(stores []StoreConfig, store StoreConfig) []StoreConfig {
	if store.Config == nil {
		store.Config = map[string]interface{}{}
	}
	for i := range stores {
		if stores[i].Name == store.Name {
			stores[i] = store
			return stores
		}
	}
	return append(stores, store)
}
