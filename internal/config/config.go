// Package config loads the server configuration from an optional YAML file
// with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amicus-app/courtroom/pkg/logger"
)

// Duration wraps time.Duration so YAML values can be written as "5m" or
// "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RatePerSecond   float64  `yaml:"rate_per_second"`
	RateBurst       int      `yaml:"rate_burst"`
}

// DatabaseConfig configures the Postgres snapshot store. An empty URL
// disables crash recovery.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig configures the optional pub/sub event mirror. An empty Addr
// disables it.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EngineConfig configures the deliberation engine client. Mock forces the
// in-process fake regardless of endpoint.
type EngineConfig struct {
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
	Mock     bool     `yaml:"mock"`
}

// SessionConfig configures the per-phase budgets.
type SessionConfig struct {
	InviteTimeout     Duration `yaml:"invite_timeout"`
	EvidenceTimeout   Duration `yaml:"evidence_timeout"`
	AnalyzingTimeout  Duration `yaml:"analyzing_timeout"`
	PrimingTimeout    Duration `yaml:"priming_timeout"`
	JointReadyTimeout Duration `yaml:"joint_ready_timeout"`
	ResolutionTimeout Duration `yaml:"resolution_timeout"`
	VerdictTimeout    Duration `yaml:"verdict_timeout"`
	SettlementTTL     Duration `yaml:"settlement_ttl"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Auth     AuthConfig           `yaml:"auth"`
	Engine   EngineConfig         `yaml:"engine"`
	Session  SessionConfig        `yaml:"session"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			AllowedOrigins:  []string{"*"},
			RatePerSecond:   10,
			RateBurst:       30,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			ChannelPrefix: "courtroom.events",
		},
		Engine: EngineConfig{
			Timeout: Duration(2 * time.Minute),
		},
		Session: SessionConfig{
			InviteTimeout:     Duration(24 * time.Hour),
			EvidenceTimeout:   Duration(24 * time.Hour),
			AnalyzingTimeout:  Duration(24 * time.Hour),
			PrimingTimeout:    Duration(12 * time.Hour),
			JointReadyTimeout: Duration(24 * time.Hour),
			ResolutionTimeout: Duration(24 * time.Hour),
			VerdictTimeout:    Duration(72 * time.Hour),
			SettlementTTL:     Duration(5 * time.Minute),
			RetryBackoff:      Duration(2 * time.Second),
		},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty or missing, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required (set JWT_SECRET)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COURTROOM_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.Engine.Endpoint = v
	}
	if v := os.Getenv("ENGINE_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if os.Getenv("ENGINE_MOCK") == "true" {
		c.Engine.Mock = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}
