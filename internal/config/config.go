// Package config loads engine settings and owns the .stagegate directory
// layout every governed project gets.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// StagegateDir is the directory created in each governed project.
const StagegateDir = ".stagegate"

// Config holds the runtime settings for the gating engine. Paths left empty
// in the config file are derived from RootDir.
type Config struct {
	// RootDir is the engine's state directory, normally <project>/.stagegate.
	RootDir string `mapstructure:"root_dir"`
	// SchemaPath points at the workflow schema document.
	SchemaPath string `mapstructure:"schema_path"`
	// StagesDir is the stage-worker tree scanned by discovery.
	StagesDir string `mapstructure:"stages_dir"`
	// StoreDir holds instance records and event logs.
	StoreDir string `mapstructure:"store_dir"`
	// AuditPath is the append-only security log.
	AuditPath string `mapstructure:"audit_path"`

	MetricsTimeout  time.Duration `mapstructure:"metrics_timeout"`
	IdentityTimeout time.Duration `mapstructure:"identity_timeout"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads stagegate.yaml from the project directory (overridable via
// STAGEGATE_* environment variables). A missing config file yields the
// defaults; a malformed one propagates unmodified.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("stagegate")
	v.SetConfigType("yaml")
	v.AddConfigPath(projectDir)
	v.AddConfigPath(filepath.Join(projectDir, StagegateDir))
	v.SetEnvPrefix("STAGEGATE")
	v.AutomaticEnv()

	v.SetDefault("root_dir", filepath.Join(projectDir, StagegateDir))
	v.SetDefault("metrics_timeout", 5*time.Second)
	v.SetDefault("identity_timeout", 2*time.Second)
	v.SetDefault("lock_timeout", 5*time.Second)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read stagegate.yaml: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.applyDerivedPaths()
	return &cfg, nil
}

// Default returns the configuration used when no file or environment is
// consulted at all.
func Default(projectDir string) *Config {
	cfg := &Config{
		RootDir:         filepath.Join(projectDir, StagegateDir),
		MetricsTimeout:  5 * time.Second,
		IdentityTimeout: 2 * time.Second,
		LockTimeout:     5 * time.Second,
		LogLevel:        "info",
	}
	cfg.applyDerivedPaths()
	return cfg
}

func (c *Config) applyDerivedPaths() {
	if c.SchemaPath == "" {
		c.SchemaPath = filepath.Join(c.RootDir, "workflow.yaml")
	}
	if c.StagesDir == "" {
		c.StagesDir = filepath.Join(c.RootDir, "stages")
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(c.RootDir, "instances")
	}
	if c.AuditPath == "" {
		c.AuditPath = filepath.Join(c.RootDir, "audit", "audit.log")
	}
}
