// Package config loads the correo runtime configuration from a YAML file,
// with sane defaults and CORREO_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// WorkDir is the root for the database, generated artifacts and logs.
	WorkDir string `yaml:"work_dir"`

	// DatabasePath overrides the default <work_dir>/correo.db location.
	DatabasePath string `yaml:"database_path"`

	// Workers bounds concurrent document composition per session.
	Workers int `yaml:"workers"`

	// RetentionHours is how long transient session rows are kept after
	// completion. Counter history is permanent and never cleaned.
	RetentionHours int `yaml:"retention_hours"`

	// DefaultDelimiter for uploads that do not declare one.
	DefaultDelimiter string `yaml:"default_delimiter"`

	// Page geometry in millimeters. Defaults to OFICIO (Mexico).
	PageWidthMM  float64 `yaml:"page_width_mm"`
	PageHeightMM float64 `yaml:"page_height_mm"`

	// BaseCacheSize bounds the number of base documents held in memory.
	BaseCacheSize int `yaml:"base_cache_size"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		WorkDir:          ".correo",
		Workers:          4,
		RetentionHours:   24,
		DefaultDelimiter: ",",
		PageWidthMM:      215.9,
		PageHeightMM:     340.1,
		BaseCacheSize:    8,
		Logging:          LoggingConfig{Debug: false, Level: "info"},
	}
}

// Load reads the config at path, falling back to defaults when the file
// does not exist. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64, got %d", c.Workers)
	}
	if c.RetentionHours < 1 {
		return fmt.Errorf("retention_hours must be positive, got %d", c.RetentionHours)
	}
	if c.PageWidthMM <= 0 || c.PageHeightMM <= 0 {
		return fmt.Errorf("page dimensions must be positive")
	}
	if c.BaseCacheSize < 1 {
		return fmt.Errorf("base_cache_size must be positive, got %d", c.BaseCacheSize)
	}
	return nil
}

// Database returns the effective database path.
func (c *Config) Database() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.WorkDir, "correo.db")
}

// OutputDir returns the artifact directory for a session.
func (c *Config) OutputDir(sessionID string) string {
	return filepath.Join(c.WorkDir, "generados", sessionID)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORREO_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CORREO_DATABASE"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CORREO_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CORREO_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
}
