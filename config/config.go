// Package config loads the agent bridge service configuration from a yaml
// file with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hard bounds on the security windows. Values above these are clamped, not
// rejected, so a fat-fingered config cannot widen the replay surface.
const (
	MaxSkew     = 2 * time.Minute
	MaxNonceTTL = 10 * time.Minute
)

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
}

// AuthConfig tunes the bridge's security windows. The timestamp skew and
// nonce TTL default to the same 60 seconds but are set independently.
type AuthConfig struct {
	MaxSkew       time.Duration `yaml:"maxSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity"`
	// NonceStore selects the replay guard backend: "db" shares the service
	// database, "leveldb" keeps claims on local disk (single node, needs
	// noncePath), "memory" holds them in process.
	NonceStore string `yaml:"nonceStore"`
	NoncePath  string `yaml:"noncePath"`
}

// AdminConfig configures admin token verification.
type AdminConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig toggles metrics and request logging.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	LogRequests bool `yaml:"logRequests"`
}

// Config is the full service configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	Env           string              `yaml:"env"`
	LogLevel      string              `yaml:"logLevel"` // debug, info, warn, or error
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Admin         AdminConfig         `yaml:"admin"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Listen:   ":8080",
		Env:      "dev",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:chefos.db",
		},
		Auth: AuthConfig{
			MaxSkew:       time.Minute,
			NonceTTL:      time.Minute,
			NonceCapacity: 4096,
			NonceStore:    "db",
		},
		Admin: AdminConfig{
			Issuer:   "chefos",
			Audience: "chefos-admin",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             30,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			LogRequests: true,
		},
	}
}

// Load reads path (optional; empty means defaults only), applies environment
// overrides, then normalises and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	cfg.normalise()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CHEFOS_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("CHEFOS_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CHEFOS_DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("CHEFOS_ADMIN_JWT_SECRET")); v != "" {
		cfg.Admin.JWTSecret = v
	}
}

func (c *Config) normalise() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8080"
	}
	if c.Auth.MaxSkew <= 0 {
		c.Auth.MaxSkew = time.Minute
	}
	if c.Auth.MaxSkew > MaxSkew {
		c.Auth.MaxSkew = MaxSkew
	}
	if c.Auth.NonceTTL <= 0 {
		c.Auth.NonceTTL = time.Minute
	}
	if c.Auth.NonceTTL > MaxNonceTTL {
		c.Auth.NonceTTL = MaxNonceTTL
	}
	if c.Auth.NonceCapacity <= 0 {
		c.Auth.NonceCapacity = 4096
	}
	if strings.TrimSpace(c.Auth.NonceStore) == "" {
		c.Auth.NonceStore = "db"
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 1
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}
	switch c.Auth.NonceStore {
	case "db", "memory":
	case "leveldb":
		if strings.TrimSpace(c.Auth.NoncePath) == "" {
			return fmt.Errorf("noncePath required for leveldb nonce store")
		}
	default:
		return fmt.Errorf("unsupported nonce store %q", c.Auth.NonceStore)
	}
	return nil
}
