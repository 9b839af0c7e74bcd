// Package config assembles blob stores and their supporting services from
// programmatic options and environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tendant/simple-blob/pkg/simpleblob/cooperation"
	"github.com/tendant/simple-blob/pkg/simpleblob/metrics"
	"github.com/tendant/simple-blob/pkg/simpleblob/quota"
)

// Metrics persistence modes.
const (
	PersistStore    = "store"    // JSON record in the store's own byte store
	PersistPostgres = "postgres" // blob_store_metrics table
	PersistNone     = "none"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Environment:  "development",
		DatabaseType: "memory",
		DBSchema:     "blob",
		DefaultStore: "default",
		Stores: []StoreConfig{
			{
				Name:   "default",
				Type:   "memory",
				Config: map[string]interface{}{},
			},
		},
		MetricsFlushInterval: metrics.DefaultFlushInterval,
		MetricsPersistence:   PersistStore,
		QuotaCheckInterval:   time.Minute,
		Cooperation: CooperationConfig{
			Enabled:       true,
			MajorTimeout:  cooperation.DefaultMajorTimeout,
			MinorTimeout:  cooperation.DefaultMinorTimeout,
			ThreadsPerKey: cooperation.DefaultThreadsPerKey,
		},
	}
}

// Config represents the configuration of a set of blob stores
type Config struct {
	Environment string // development, production, testing

	// Database configuration, used for metrics persistence and usage checks
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: blob)

	// Stores
	DefaultStore string
	Stores       []StoreConfig
	Groups       []GroupConfig

	// Metrics
	MetricsFlushInterval time.Duration
	MetricsPersistence   string // "store", "postgres", "none"

	// Scheduled jobs; zero disables them
	RecalculationInterval time.Duration
	QuotaCheckInterval    time.Duration

	Cooperation CooperationConfig
}

// StoreConfig represents configuration for one blob store
type StoreConfig struct {
	Name     string
	Type     string // "memory", "fs", "s3"
	Config   map[string]interface{}
	Compress bool // zstd-compress content at rest
	Quota    quota.Config
}

// GroupConfig represents a federated store over existing stores
type GroupConfig struct {
	Name    string
	Members []string
	Quota   quota.Config
}

// CooperationConfig configures the cooperation engine
type CooperationConfig struct {
	Enabled       bool
	MajorTimeout  time.Duration
	MinorTimeout  time.Duration
	ThreadsPerKey int
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.MetricsPersistence {
	case PersistStore, PersistNone:
	case PersistPostgres:
		if c.DatabaseType != "postgres" {
			return errors.New("postgres metrics persistence requires a postgres database")
		}
	default:
		return fmt.Errorf("unsupported metrics persistence: %s", c.MetricsPersistence)
	}

	if len(c.Stores) == 0 {
		return errors.New("at least one store is required")
	}

	quotas := quota.NewService()
	names := make(map[string]bool)
	for _, store := range c.Stores {
		if store.Name == "" {
			return errors.New("store name is required")
		}
		if names[store.Name] {
			return fmt.Errorf("duplicate store name '%s'", store.Name)
		}
		names[store.Name] = true

		switch store.Type {
		case "memory", "fs", "s3":
		default:
			return fmt.Errorf("unsupported storage backend type '%s' for store '%s'", store.Type, store.Name)
		}
		if err := quotas.ValidateSoftQuotaConfig(store.Quota); err != nil {
			return fmt.Errorf("store '%s': %w", store.Name, err)
		}
	}

	for _, group := range c.Groups {
		if group.Name == "" {
			return errors.New("group name is required")
		}
		if names[group.Name] {
			return fmt.Errorf("duplicate store name '%s'", group.Name)
		}
		if len(group.Members) == 0 {
			return fmt.Errorf("group '%s' has no members", group.Name)
		}
		for _, member := range group.Members {
			if !names[member] {
				return fmt.Errorf("group '%s' member '%s' is not a configured store", group.Name, member)
			}
		}
		if err := quotas.ValidateSoftQuotaConfig(group.Quota); err != nil {
			return fmt.Errorf("group '%s': %w", group.Name, err)
		}
		names[group.Name] = true
	}

	if !names[c.DefaultStore] {
		return fmt.Errorf("default store '%s' not found in configured stores", c.DefaultStore)
	}

	if c.Cooperation.Enabled {
		if c.Cooperation.MajorTimeout <= 0 {
			return errors.New("cooperation major timeout must be positive")
		}
		if c.Cooperation.MinorTimeout <= 0 || c.Cooperation.MinorTimeout > c.Cooperation.MajorTimeout {
			return errors.New("cooperation minor timeout must be positive and not exceed the major timeout")
		}
		if c.Cooperation.ThreadsPerKey < 1 {
			return errors.New("cooperation threads per key must be at least 1")
		}
	}

	return nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}
