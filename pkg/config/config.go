// Package config handles graphpersist configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--backend, --data-dir, etc.)
//  2. Environment variables (GRAPHPERSIST_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Environment Variables (all use GRAPHPERSIST_ prefix):
//
// Storage:
//   - GRAPHPERSIST_BACKEND="memory", "file" or "badger"
//   - GRAPHPERSIST_DATA_DIR="./data"
//   - GRAPHPERSIST_IN_MEMORY=true
//   - GRAPHPERSIST_SYNC_WRITES=true
//   - GRAPHPERSIST_LOW_MEMORY=true
//   - GRAPHPERSIST_INDEX_SAVE_DELAY="250ms"
//
// Persistence:
//   - GRAPHPERSIST_MAX_SAVE_PASSES=50
//   - GRAPHPERSIST_AUTO_WATCH=true
//
// Logging:
//   - GRAPHPERSIST_LOG_LEVEL="INFO"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

// Storage backends accepted by StorageConfig.Backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config holds all graphpersist configuration.
//
// Configuration is organized into logical sections:
//   - Storage: which datasource backs the controller and where it keeps data
//   - Persistence: controller behaviour
//   - Logging: logging configuration
type Config struct {
	Storage     StorageConfig
	Persistence PersistenceConfig
	Logging     LoggingConfig
}

// StorageConfig selects and tunes the datasource.
type StorageConfig struct {
	// Backend is one of memory, file or badger.
	Backend string
	// DataDir is the document root (file) or database directory (badger).
	DataDir string
	// InMemory runs badger without touching disk.
	InMemory bool
	// SyncWrites makes badger fsync every commit.
	SyncWrites bool
	// LowMemory shrinks badger's tables and caches.
	LowMemory bool
	// IndexSaveDelay debounces writes of the file backend's db.json.
	IndexSaveDelay time.Duration
}

// PersistenceConfig tunes the controller.
type PersistenceConfig struct {
	// MaxSavePasses bounds the dependency-queue passes of one flush.
	MaxSavePasses int
	// AutoWatch captures property changes of every loaded or saved object.
	AutoWatch bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("file backend requires a data directory")
		}
	case BackendBadger:
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("badger backend requires a data directory or in_memory")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Storage.IndexSaveDelay < 0 {
		return fmt.Errorf("invalid index save delay: %v", c.Storage.IndexSaveDelay)
	}

	if c.Persistence.MaxSavePasses <= 0 {
		return fmt.Errorf("invalid max save passes: %d", c.Persistence.MaxSavePasses)
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	return nil
}

// String returns a one-line summary of the Config, suitable for logging.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.Backend == BackendMemory || (c.Storage.Backend == BackendBadger && c.Storage.InMemory) {
		dir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{Backend: %s, DataDir: %s, MaxSavePasses: %d, AutoWatch: %v, LogLevel: %s}",
		c.Storage.Backend, dir,
		c.Persistence.MaxSavePasses, c.Persistence.AutoWatch,
		c.Logging.Level,
	)
}

// ControllerOptions returns controller options built from the persistence
// section, with reg and logger filled in.
func (c *Config) ControllerOptions(reg *persistence.Registry, logger persistence.Logger) persistence.ControllerOptions {
	opts := persistence.DefaultControllerOptions()
	opts.Registry = reg
	opts.Logger = logger
	if c.Persistence.MaxSavePasses > 0 {
		opts.MaxSavePasses = c.Persistence.MaxSavePasses
	}
	opts.AutoWatch = c.Persistence.AutoWatch
	return opts
}

// YAMLConfig represents the YAML configuration file structure.
// Durations are strings accepted by time.ParseDuration.
type YAMLConfig struct {
	Storage struct {
		Backend        string `yaml:"backend"`
		DataDir        string `yaml:"data_dir"`
		Path           string `yaml:"path"` // Alias for data_dir
		InMemory       *bool  `yaml:"in_memory"`
		SyncWrites     *bool  `yaml:"sync_writes"`
		LowMemory      *bool  `yaml:"low_memory"`
		IndexSaveDelay string `yaml:"index_save_delay"`
	} `yaml:"storage"`

	Persistence struct {
		MaxSavePasses int   `yaml:"max_save_passes"`
		AutoWatch     *bool `yaml:"auto_watch"`
	} `yaml:"persistence"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadDefaults returns a Config with all built-in defaults.
// This is the base configuration before any overrides are applied.
func LoadDefaults() *Config {
	config := &Config{}

	config.Storage.Backend = BackendMemory
	config.Storage.DataDir = "./data"
	config.Storage.IndexSaveDelay = 250 * time.Millisecond

	config.Persistence.MaxSavePasses = persistence.DefaultMaxSavePasses
	config.Persistence.AutoWatch = true

	config.Logging.Level = "INFO"
	return config
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// applyEnvVars applies environment variable overrides to an existing config.
// Environment variables take precedence over config file values.
func applyEnvVars(config *Config) {
	config.Storage.Backend = strings.ToLower(getEnv("GRAPHPERSIST_BACKEND", config.Storage.Backend))
	config.Storage.DataDir = getEnv("GRAPHPERSIST_DATA_DIR", config.Storage.DataDir)
	config.Storage.InMemory = getEnvBool("GRAPHPERSIST_IN_MEMORY", config.Storage.InMemory)
	config.Storage.SyncWrites = getEnvBool("GRAPHPERSIST_SYNC_WRITES", config.Storage.SyncWrites)
	config.Storage.LowMemory = getEnvBool("GRAPHPERSIST_LOW_MEMORY", config.Storage.LowMemory)
	config.Storage.IndexSaveDelay = getEnvDuration("GRAPHPERSIST_INDEX_SAVE_DELAY", config.Storage.IndexSaveDelay)

	config.Persistence.MaxSavePasses = getEnvInt("GRAPHPERSIST_MAX_SAVE_PASSES", config.Persistence.MaxSavePasses)
	config.Persistence.AutoWatch = getEnvBool("GRAPHPERSIST_AUTO_WATCH", config.Persistence.AutoWatch)

	config.Logging.Level = strings.ToUpper(getEnv("GRAPHPERSIST_LOG_LEVEL", config.Logging.Level))
}

// ApplyEnvVars applies environment variable overrides to an existing config.
// This is the exported version for use in main.go.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI args)
//
// Command-line arguments are applied by the caller (main.go) after this.
// An empty or missing configPath yields the defaults with environment
// overrides.
//
// Example YAML:
//
//	storage:
//	  backend: file
//	  data_dir: ./site
//	  index_save_delay: 500ms
//	persistence:
//	  max_save_passes: 20
//	logging:
//	  level: DEBUG
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath == "" {
		applyEnvVars(config)
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvVars(config)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Storage Settings ===
	if yamlCfg.Storage.Backend != "" {
		config.Storage.Backend = strings.ToLower(yamlCfg.Storage.Backend)
	}
	if yamlCfg.Storage.Path != "" {
		config.Storage.DataDir = yamlCfg.Storage.Path
	}
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	if yamlCfg.Storage.InMemory != nil {
		config.Storage.InMemory = *yamlCfg.Storage.InMemory
	}
	if yamlCfg.Storage.SyncWrites != nil {
		config.Storage.SyncWrites = *yamlCfg.Storage.SyncWrites
	}
	if yamlCfg.Storage.LowMemory != nil {
		config.Storage.LowMemory = *yamlCfg.Storage.LowMemory
	}
	if yamlCfg.Storage.IndexSaveDelay != "" {
		d, err := time.ParseDuration(yamlCfg.Storage.IndexSaveDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.index_save_delay: %w", err)
		}
		config.Storage.IndexSaveDelay = d
	}

	// === Persistence Settings ===
	if yamlCfg.Persistence.MaxSavePasses > 0 {
		config.Persistence.MaxSavePasses = yamlCfg.Persistence.MaxSavePasses
	}
	if yamlCfg.Persistence.AutoWatch != nil {
		config.Persistence.AutoWatch = *yamlCfg.Persistence.AutoWatch
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = strings.ToUpper(yamlCfg.Logging.Level)
	}

	applyEnvVars(config)
	return config, nil
}

// FindConfigFile searches for config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.graphpersist/config.yaml
//  2. Current working directory (config.yaml, graphpersist.yaml)
//  3. ~/.config/graphpersist/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".graphpersist", "config.yaml"))
	}

	candidates = append(candidates,
		"config.yaml",
		"graphpersist.yaml",
	)

	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "graphpersist", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are milliseconds
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
