package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/types"
)

// SDConfig declares one storage directory in the config file.
type SDConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// Config is the daemon configuration.
type Config struct {
	DataDir       string     `yaml:"dataDir"`
	LogLevel      string     `yaml:"logLevel"`
	LogJSON       bool       `yaml:"logJson"`
	MetricsAddr   string     `yaml:"metricsAddr"`
	CompressPacks bool       `yaml:"compressPacks"`
	SDs           []SDConfig `yaml:"sds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:       defaultDataDir(),
		LogLevel:      "info",
		MetricsAddr:   "127.0.0.1:9475",
		CompressPacks: true,
	}
}

// Load reads the config file at path, applying defaults for anything
// unset. A missing file returns defaults without error. Test-isolation
// environment variables override file contents.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("TEST_CONFIG_PATH")
	}
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	// Test-isolation overrides.
	if dir := os.Getenv("TEST_STORAGE_DIR"); dir != "" {
		cfg.SDs = []SDConfig{{Path: dir, Name: "default"}}
	}
	return cfg, nil
}

// DBPath returns the metadata cache location, honouring the test
// override.
func (c Config) DBPath() string {
	if p := os.Getenv("TEST_DB_PATH"); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "metacache.db")
}

// DefaultSDPath returns the storage directory used when none is
// configured.
func (c Config) DefaultSDPath() string {
	if dir := os.Getenv("TEST_STORAGE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(c.DataDir, "storage")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notecove"
	}
	return filepath.Join(home, ".notecove")
}

// EnsureInstanceID returns this installation's instance ID, minting
// and persisting one on first use. The INSTANCE_ID environment
// variable overrides it (tests only; two live instances sharing an ID
// corrupt each other's sequence streams).
func EnsureInstanceID(fs fsadapter.FS, dataDir string) (string, error) {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		normalized, err := types.NormalizeID(id)
		if err != nil {
			return "", fmt.Errorf("INSTANCE_ID: %w", err)
		}
		return normalized, nil
	}

	path := filepath.Join(dataDir, "instance-id")
	if data, err := fs.Read(path); err == nil {
		id, err := types.NormalizeID(strings.TrimSpace(string(data)))
		if err == nil {
			return id, nil
		}
	}

	if err := fs.MkdirAll(dataDir); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	id := types.NewID()
	if err := fs.WriteAtomic(path, []byte(id)); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	return id, nil
}
