package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-blob/pkg/simpleblob/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Settings configures the process itself. Store configuration is read
// separately by config.WithEnv using EnvPrefix.
type Settings struct {
	LogLevel        string        `yaml:"log_level" env:"SIMPLEBLOB_LOG_LEVEL" env-default:"info"`
	LogFormat       string        `yaml:"log_format" env:"SIMPLEBLOB_LOG_FORMAT" env-default:"text"`
	Listen          string        `yaml:"listen" env:"SIMPLEBLOB_LISTEN" env-default:":8080"`
	EnvPrefix       string        `yaml:"env_prefix" env:"SIMPLEBLOB_ENV_PREFIX" env-default:"SIMPLEBLOB_"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SIMPLEBLOB_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type app struct {
	settings Settings
	logger   *slog.Logger
}

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	var configFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "simpleblob",
		Short: "Blob store operations daemon and tooling",
		Long: `simpleblob runs and maintains content-addressed blob stores.

Stores are configured through SIMPLEBLOB_* environment variables
(SIMPLEBLOB_STORAGE_URL, SIMPLEBLOB_DATABASE_URL, SIMPLEBLOB_QUOTA_TYPE, ...).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadSettings(configFile, &a.settings); err != nil {
				return fmt.Errorf("failed to read settings: %w", err)
			}
			if logLevel != "" {
				a.settings.LogLevel = logLevel
			}
			logger, err := newLogger(cmd.ErrOrStderr(), a.settings.LogLevel, a.settings.LogFormat)
			if err != nil {
				return err
			}
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "settings file (optional, YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(NewServeCommand(a))
	rootCmd.AddCommand(NewStoresCommand(a))
	rootCmd.AddCommand(NewRecalculateCommand(a))
	rootCmd.AddCommand(NewQuotaCommand(a))
	rootCmd.AddCommand(NewCompactCommand(a))

	return rootCmd
}

func loadSettings(path string, s *Settings) error {
	if path != "" {
		return cleanenv.ReadConfig(path, s)
	}
	return cleanenv.ReadEnv(s)
}

// runtime loads the store configuration and builds every store.
func (a *app) runtime(ctx context.Context, opts ...config.BuildOption) (*config.Runtime, error) {
	cfg, err := config.Load(config.WithEnv(a.settings.EnvPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	opts = append([]config.BuildOption{config.WithLogger(a.logger)}, opts...)
	rt, err := cfg.BuildRuntime(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build stores: %w", err)
	}
	a.logger.Info("Blob stores ready",
		"environment", cfg.Environment,
		"stores", rt.StoreNames(),
		"default", cfg.DefaultStore)
	return rt, nil
}
