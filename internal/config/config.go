// Package config loads service configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/cognigate/backend/internal/core"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Chain      ChainConfig      `yaml:"chain"`
	Escalation EscalationConfig `yaml:"escalation"`
	Capability CapabilityConfig `yaml:"capability"`
	Reviewers  []ReviewerConfig `yaml:"reviewers"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// Backend selects memory or postgres. Redis is additive: set
	// RedisAddr to cache snapshots and distribute events.
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

type ChainConfig struct {
	// AttestationSecret signs external verification answers. Required
	// outside dev.
	AttestationSecret string `yaml:"attestation_secret"`
	// ConfirmationSecret verifies intent confirmation tokens.
	ConfirmationSecret string `yaml:"confirmation_secret"`
}

type EscalationConfig struct {
	// SweepIntervalMinutes controls the background expiry sweep. Zero
	// disables the sweep; lazy expiry on read still applies.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

type CapabilityConfig struct {
	// MatrixPath points at a YAML capability table. Empty uses the
	// compiled-in default.
	MatrixPath string `yaml:"matrix_path"`
}

// ReviewerConfig is one reviewer identity. KeyHash is a bcrypt hash of
// the reviewer's API key; plaintext keys never live in config.
type ReviewerConfig struct {
	Name    string `yaml:"name"`
	KeyHash string `yaml:"key_hash"`
}

// Load reads the YAML file at path, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open config: %v", core.ErrConfiguration, err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", core.ErrConfiguration, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Store:  StoreConfig{Backend: "memory"},
		Escalation: EscalationConfig{
			SweepIntervalMinutes: 5,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitTrim(v)
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("ATTESTATION_SECRET"); v != "" {
		cfg.Chain.AttestationSecret = v
	}
	if v := os.Getenv("CONFIRMATION_SECRET"); v != "" {
		cfg.Chain.ConfirmationSecret = v
	}
	if v := os.Getenv("CAPABILITY_MATRIX"); v != "" {
		cfg.Capability.MatrixPath = v
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("%w: unknown store backend %q", core.ErrConfiguration, c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres backend requires a DSN", core.ErrConfiguration)
	}
	if c.Server.Env == "production" {
		if c.Chain.AttestationSecret == "" {
			return fmt.Errorf("%w: attestation secret is required in production", core.ErrConfiguration)
		}
		if c.Chain.ConfirmationSecret == "" {
			return fmt.Errorf("%w: confirmation secret is required in production", core.ErrConfiguration)
		}
	}
	for i, r := range c.Reviewers {
		if r.Name == "" || r.KeyHash == "" {
			return fmt.Errorf("%w: reviewer %d needs name and key_hash", core.ErrConfiguration, i)
		}
	}
	return nil
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
