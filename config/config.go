// Package config loads server and CLI settings from the environment.
//
// An optional .env file is read first; real environment variables win over
// it. Every key has a default so a bare checkout starts against a local
// SQLite file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/ledger-engine/logging"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Audit     AuditConfig
	Ledger    LedgerConfig
	RateLimit RateLimitConfig
	Log       logging.Config
}

type ServerConfig struct {
	Port        string
	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver string // sqlite3 or pgx
	DSN    string
}

type AuditConfig struct {
	Interval time.Duration // zero disables the scheduler
	Workers  int
}

type LedgerConfig struct {
	RefreshRetries int
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LEDGER_PORT", "8080")
	v.SetDefault("LEDGER_DB_DRIVER", "sqlite3")
	v.SetDefault("LEDGER_DB_DSN", "ledger.db")
	v.SetDefault("LEDGER_AUDIT_INTERVAL", "1h")
	v.SetDefault("LEDGER_AUDIT_WORKERS", 4)
	v.SetDefault("LEDGER_REFRESH_RETRIES", 3)
	v.SetDefault("LEDGER_RATE_LIMIT_RPS", 20)
	v.SetDefault("LEDGER_RATE_LIMIT_BURST", 40)
	v.SetDefault("LEDGER_CORS_ORIGINS", "*")

	def := logging.DefaultConfig()
	v.SetDefault("LOG_LEVEL", def.Level)
	v.SetDefault("LOG_FORMAT", def.Format)
	v.SetDefault("LOG_TIME_FORMAT", def.TimeFormat)
	v.SetDefault("LOG_OUTPUT", def.Output)
	return v
}

// FromViper builds a validated Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("LEDGER_PORT"),
			CORSOrigins: splitList(v.GetString("LEDGER_CORS_ORIGINS")),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("LEDGER_DB_DRIVER"),
			DSN:    v.GetString("LEDGER_DB_DSN"),
		},
		Audit: AuditConfig{
			Interval: v.GetDuration("LEDGER_AUDIT_INTERVAL"),
			Workers:  v.GetInt("LEDGER_AUDIT_WORKERS"),
		},
		Ledger: LedgerConfig{
			RefreshRetries: v.GetInt("LEDGER_REFRESH_RETRIES"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("LEDGER_RATE_LIMIT_RPS"),
			Burst: v.GetInt("LEDGER_RATE_LIMIT_BURST"),
		},
		Log: logging.Config{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			TimeFormat: v.GetString("LOG_TIME_FORMAT"),
			Output:     v.GetString("LOG_OUTPUT"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("LEDGER_DB_DRIVER: unsupported driver %q (want sqlite3 or pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("LEDGER_DB_DSN: required")
	}
	if c.Audit.Workers <= 0 {
		return fmt.Errorf("LEDGER_AUDIT_WORKERS: must be positive, got %d", c.Audit.Workers)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("LEDGER_AUDIT_INTERVAL: must not be negative, got %s", c.Audit.Interval)
	}
	if c.Ledger.RefreshRetries <= 0 {
		return fmt.Errorf("LEDGER_REFRESH_RETRIES: must be positive, got %d", c.Ledger.RefreshRetries)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("LEDGER_RATE_LIMIT_*: must not be negative")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return ":" + c.Server.Port }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
