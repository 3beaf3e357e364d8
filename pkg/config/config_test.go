package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orneryd/graphpersist/pkg/persistence"
)

var envVars = []string{
	"GRAPHPERSIST_BACKEND",
	"GRAPHPERSIST_DATA_DIR",
	"GRAPHPERSIST_IN_MEMORY",
	"GRAPHPERSIST_SYNC_WRITES",
	"GRAPHPERSIST_LOW_MEMORY",
	"GRAPHPERSIST_INDEX_SAVE_DELAY",
	"GRAPHPERSIST_MAX_SAVE_PASSES",
	"GRAPHPERSIST_AUTO_WATCH",
	"GRAPHPERSIST_LOG_LEVEL",
}

// clearEnvVars blanks every GRAPHPERSIST_ variable for the test's duration.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearEnvVars(t)
	cfg := LoadFromEnv()

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("expected backend %q, got %q", BackendMemory, cfg.Storage.Backend)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("expected data dir './data', got %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.IndexSaveDelay != 250*time.Millisecond {
		t.Errorf("expected index save delay 250ms, got %v", cfg.Storage.IndexSaveDelay)
	}
	if cfg.Persistence.MaxSavePasses != 50 {
		t.Errorf("expected 50 save passes, got %d", cfg.Persistence.MaxSavePasses)
	}
	if !cfg.Persistence.AutoWatch {
		t.Error("expected AutoWatch to be true by default")
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected log level INFO, got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv_CustomValues(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("GRAPHPERSIST_BACKEND", "Badger")
	t.Setenv("GRAPHPERSIST_DATA_DIR", "/var/lib/graphpersist")
	t.Setenv("GRAPHPERSIST_SYNC_WRITES", "yes")
	t.Setenv("GRAPHPERSIST_LOW_MEMORY", "1")
	t.Setenv("GRAPHPERSIST_INDEX_SAVE_DELAY", "2s")
	t.Setenv("GRAPHPERSIST_MAX_SAVE_PASSES", "7")
	t.Setenv("GRAPHPERSIST_AUTO_WATCH", "false")
	t.Setenv("GRAPHPERSIST_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()

	if cfg.Storage.Backend != BackendBadger {
		t.Errorf("expected backend badger, got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.DataDir != "/var/lib/graphpersist" {
		t.Errorf("unexpected data dir %q", cfg.Storage.DataDir)
	}
	if !cfg.Storage.SyncWrites || !cfg.Storage.LowMemory {
		t.Error("expected SyncWrites and LowMemory to be enabled")
	}
	if cfg.Storage.IndexSaveDelay != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.Storage.IndexSaveDelay)
	}
	if cfg.Persistence.MaxSavePasses != 7 {
		t.Errorf("expected 7 save passes, got %d", cfg.Persistence.MaxSavePasses)
	}
	if cfg.Persistence.AutoWatch {
		t.Error("expected AutoWatch to be disabled")
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromEnv_DurationParsing(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"1m", time.Minute},
		{"40", 40 * time.Millisecond},
		{"garbage", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			clearEnvVars(t)
			t.Setenv("GRAPHPERSIST_INDEX_SAVE_DELAY", tt.value)
			cfg := LoadFromEnv()
			if cfg.Storage.IndexSaveDelay != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, cfg.Storage.IndexSaveDelay)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml values override defaults", func(t *testing.T) {
		clearEnvVars(t)
		p := writeConfig(t, `
storage:
  backend: file
  path: ./old
  data_dir: ./site
  index_save_delay: 500ms
persistence:
  max_save_passes: 20
  auto_watch: false
logging:
  level: warn
`)
		cfg, err := LoadFromFile(p)
		if err != nil {
			t.Fatalf("LoadFromFile: %v", err)
		}
		if cfg.Storage.Backend != BackendFile {
			t.Errorf("expected file backend, got %q", cfg.Storage.Backend)
		}
		if cfg.Storage.DataDir != "./site" {
			t.Errorf("data_dir should win over path, got %q", cfg.Storage.DataDir)
		}
		if cfg.Storage.IndexSaveDelay != 500*time.Millisecond {
			t.Errorf("expected 500ms, got %v", cfg.Storage.IndexSaveDelay)
		}
		if cfg.Persistence.MaxSavePasses != 20 {
			t.Errorf("expected 20 passes, got %d", cfg.Persistence.MaxSavePasses)
		}
		if cfg.Persistence.AutoWatch {
			t.Error("expected auto_watch false to be honoured")
		}
		if cfg.Logging.Level != "WARN" {
			t.Errorf("expected WARN, got %q", cfg.Logging.Level)
		}
	})

	t.Run("environment beats the file", func(t *testing.T) {
		clearEnvVars(t)
		t.Setenv("GRAPHPERSIST_BACKEND", "badger")
		p := writeConfig(t, "storage:\n  backend: file\n")
		cfg, err := LoadFromFile(p)
		if err != nil {
			t.Fatalf("LoadFromFile: %v", err)
		}
		if cfg.Storage.Backend != BackendBadger {
			t.Errorf("expected badger, got %q", cfg.Storage.Backend)
		}
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		clearEnvVars(t)
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadFromFile: %v", err)
		}
		if cfg.Storage.Backend != BackendMemory {
			t.Errorf("expected defaults, got %q", cfg.Storage.Backend)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		clearEnvVars(t)
		p := writeConfig(t, "storage: [unclosed")
		if _, err := LoadFromFile(p); err == nil {
			t.Error("expected a parse error")
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		clearEnvVars(t)
		p := writeConfig(t, "storage:\n  index_save_delay: soon\n")
		if _, err := LoadFromFile(p); err == nil {
			t.Error("expected a duration error")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"file without dir", func(c *Config) {
			c.Storage.Backend = BackendFile
			c.Storage.DataDir = ""
		}, "data directory"},
		{"badger in memory", func(c *Config) {
			c.Storage.Backend = BackendBadger
			c.Storage.DataDir = ""
			c.Storage.InMemory = true
		}, ""},
		{"badger without dir", func(c *Config) {
			c.Storage.Backend = BackendBadger
			c.Storage.DataDir = ""
		}, "data directory"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "nedb" }, "unknown storage backend"},
		{"negative delay", func(c *Config) { c.Storage.IndexSaveDelay = -time.Second }, "index save delay"},
		{"zero passes", func(c *Config) { c.Persistence.MaxSavePasses = 0 }, "max save passes"},
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := LoadDefaults()
	s := cfg.String()
	if !strings.Contains(s, "Backend: memory") || !strings.Contains(s, "(memory)") {
		t.Errorf("unexpected summary %q", s)
	}

	cfg.Storage.Backend = BackendFile
	cfg.Storage.DataDir = "/srv/site"
	if s := cfg.String(); !strings.Contains(s, "/srv/site") {
		t.Errorf("expected data dir in %q", s)
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	chdir(t, dir)

	if got := FindConfigFile(); got != "" {
		t.Errorf("expected no config file, got %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "graphpersist.yaml"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != "graphpersist.yaml" {
		t.Errorf("expected graphpersist.yaml, got %q", got)
	}
}

func TestConfig_ControllerOptions(t *testing.T) {
	reg := persistence.NewRegistry()
	logger := persistence.NopLogger{}

	opts := LoadDefaults().ControllerOptions(reg, logger)
	if opts.Registry != reg {
		t.Error("expected the registry to be passed through")
	}
	if opts.MaxSavePasses != persistence.DefaultMaxSavePasses {
		t.Errorf("expected %d passes, got %d", persistence.DefaultMaxSavePasses, opts.MaxSavePasses)
	}
	if !opts.AutoWatch {
		t.Error("expected AutoWatch by default")
	}

	cfg := LoadDefaults()
	cfg.Persistence.MaxSavePasses = 3
	cfg.Persistence.AutoWatch = false
	opts = cfg.ControllerOptions(reg, logger)
	if opts.MaxSavePasses != 3 {
		t.Errorf("expected 3 passes, got %d", opts.MaxSavePasses)
	}
	if opts.AutoWatch {
		t.Error("expected AutoWatch to follow the config")
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup, like testing.T.Chdir in newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
