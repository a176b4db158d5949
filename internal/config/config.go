package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkgfoundry/depot/internal/cluster"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server         `yaml:"server"`
	Storage   Storage        `yaml:"storage"`
	Upstream  Upstream       `yaml:"upstream"`
	Publish   Publish        `yaml:"publish"`
	Cluster   cluster.Config `yaml:"cluster"`
	RateLimit RateLimit      `yaml:"rate_limit"`
	Log       Log            `yaml:"log"`
}

type Server struct {
	Port int `yaml:"port"`
}

// Storage selects and configures the backends: the database path for the
// table store, and either a filesystem root or an S3 bucket for blobs.
type Storage struct {
	Backend   string `yaml:"backend"` // fs or s3
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Upstream seeds the store-held upstream singleton on first boot. After
// that the stored record is authoritative and admin mutations take effect
// without a restart.
type Upstream struct {
	Enabled       bool          `yaml:"enabled"`
	APIURL        string        `yaml:"api_url"`
	RepoURL       string        `yaml:"repo_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// Publish seeds the store-held publish singleton on first boot.
type Publish struct {
	AnonymousEnabled bool `yaml:"anonymous_enabled"`
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

// Load loads the configuration from DEPOT_CONFIG or the default path
func Load() (*Config, error) {
	path := os.Getenv("DEPOT_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	return LoadFromFile(path)
}

// LoadFromFile loads and validates the configuration from the given file
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		Server: Server{Port: 4000},
		Storage: Storage{
			Backend: "fs",
			Path:    "data",
		},
		Upstream: Upstream{
			Timeout:       15 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    time.Second,
		},
		RateLimit: RateLimit{RPS: 20, Burst: 40},
		Log: Log{
			Level:      "info",
			Filename:   "logs/depot.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the fs backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Upstream.Enabled && (c.Upstream.APIURL == "" || c.Upstream.RepoURL == "") {
		return fmt.Errorf("upstream.api_url and upstream.repo_url are required when upstream is enabled")
	}
	return nil
}
