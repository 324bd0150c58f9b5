package config

import (
	"fmt"
	"time"

	"github.com/caffeineduck/contractbox/internal/logging"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment prefix of every setting, e.g. CONTRACTBOX_TIMEOUT.
const Prefix = "CONTRACTBOX"

// Config holds all application configuration.
type Config struct {
	// Timeout is the wall-clock budget of one contract run.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"500ms"`
	// ShimPath is the binary started for each contract. Empty means the
	// running executable.
	ShimPath string `envconfig:"SHIM_PATH"`
	// Root is the content store holding manifests and file objects.
	Root         string        `envconfig:"ROOT" default:".contractbox"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5ms"`
	// CallRate limits capability calls per second per contract; 0 disables
	// the limit.
	CallRate     float64  `envconfig:"CALL_RATE" default:"0"`
	CallBurst    int      `envconfig:"CALL_BURST" default:"100"`
	AllowedHosts []string `envconfig:"ALLOWED_HOSTS"`
	Listen       string   `envconfig:"LISTEN" default:"127.0.0.1:8080"`
	LogLevel     string   `envconfig:"LOG_LEVEL" default:"warn"`
	LogDev       bool     `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Timeout:      500 * time.Millisecond,
		Root:         ".contractbox",
		PollInterval: 5 * time.Millisecond,
		CallBurst:    100,
		Listen:       "127.0.0.1:8080",
		LogLevel:     "warn",
	}
}

// Logging returns the logger configuration selected by the environment.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if c.LogDev {
		cfg = logging.DevelopmentConfig()
	}
	if c.LogLevel != "" {
		cfg.Level = c.LogLevel
	}
	return cfg
}
