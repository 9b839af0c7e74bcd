// Package quota checks blob store usage against soft limits.
//
// Quota results are advisory: a violation is reported as a Result and the
// caller decides whether to reject writes or only warn.
package quota

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Config is the quota section of a blob store's configuration.
// An empty Type means no quota.
type Config struct {
	Type  string `json:"type" yaml:"type"`
	Limit int64  `json:"limit" yaml:"limit"`
}

// Result is the outcome of a quota check.
type Result struct {
	IsViolation bool   `json:"is_violation"`
	StoreName   string `json:"store_name"`
	Message     string `json:"message"`
}

// Store is the view of a blob store a strategy needs.
type Store interface {
	Name() string
	Metrics() simpleblob.MetricsRecorder
}

// Target is a blob store together with its quota configuration.
type Target interface {
	Store
	QuotaConfig() Config
}

// Strategy is a named quota policy.
type Strategy interface {
	ID() string
	DisplayName() string
	ValidateConfig(cfg Config) error
	Check(store Store, cfg Config) *Result
}

// Service resolves quota strategies by ID.
type Service struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	logger     *slog.Logger
}

// Option represents a functional option for configuring the Service
type Option func(*Service)

// WithStrategy registers an additional strategy
func WithStrategy(strategy Strategy) Option {
	return func(s *Service) {
		s.strategies[strategy.ID()] = strategy
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a service with the built-in strategies registered.
func NewService(options ...Option) *Service {
	s := &Service{
		strategies: make(map[string]Strategy),
		logger:     slog.Default(),
	}
	for _, strategy := range []Strategy{SpaceUsed(), SpaceRemaining()} {
		s.strategies[strategy.ID()] = strategy
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Register adds strategy, replacing any strategy with the same ID.
func (s *Service) Register(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[strategy.ID()] = strategy
}

// Strategy returns the strategy registered under id.
func (s *Service) Strategy(id string) (Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy, ok := s.strategies[id]
	return strategy, ok
}

// Strategies returns every registered strategy ordered by ID.
func (s *Service) Strategies() []Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Strategy, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		out = append(out, strategy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ValidateSoftQuotaConfig checks cfg. A config without a type is valid.
func (s *Service) ValidateSoftQuotaConfig(cfg Config) error {
	if cfg.Type == "" {
		return nil
	}
	strategy, ok := s.Strategy(cfg.Type)
	if !ok {
		return &simpleblob.ValidationError{
			Field:   "quota.type",
			Message: fmt.Sprintf("unknown quota type %q", cfg.Type),
		}
	}
	return strategy.ValidateConfig(cfg)
}

// CheckQuota evaluates the target's quota. It returns nil, nil when the
// target has no quota configured.
func (s *Service) CheckQuota(target Target) (*Result, error) {
	cfg := target.QuotaConfig()
	if cfg.Type == "" {
		return nil, nil
	}
	strategy, ok := s.Strategy(cfg.Type)
	if !ok {
		return nil, &simpleblob.ValidationError{
			Field:   "quota.type",
			Message: fmt.Sprintf("unknown quota type %q", cfg.Type),
		}
	}

	result := strategy.Check(target, cfg)
	if result != nil && result.IsViolation {
		s.logger.Warn("Blob store quota violated", "store", target.Name(), "quota", cfg.Type, "message", result.Message)
	}
	return result, nil
}

// WithConfig pairs store with its quota configuration.
func WithConfig(store Store, cfg Config) Target {
	return configured{Store: store, cfg: cfg}
}

type configured struct {
	Store
	cfg Config
}

func (c configured) QuotaConfig() Config {
	return c.cfg
}
