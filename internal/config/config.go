package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// PasswordPolicy controls what Register accepts.
type PasswordPolicy struct {
	MinLength      int  `mapstructure:"min_length"`
	RequireUpper   bool `mapstructure:"require_upper"`
	RequireLower   bool `mapstructure:"require_lower"`
	RequireDigit   bool `mapstructure:"require_digit"`
	RequireSpecial bool `mapstructure:"require_special"`
}

// LockoutConfig controls the failed-login attempt window.
type LockoutConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Window      time.Duration `mapstructure:"window"`
}

// AuthConfig groups token and credential settings.
type AuthConfig struct {
	SigningSecret   string         `mapstructure:"signing_secret"`
	AccessTokenTTL  time.Duration  `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration  `mapstructure:"refresh_token_ttl"`
	ClockSkew       time.Duration  `mapstructure:"clock_skew"`
	RotateRefresh   bool           `mapstructure:"rotate_refresh"`
	PasswordPolicy  PasswordPolicy `mapstructure:"password_policy"`
	Lockout         LockoutConfig  `mapstructure:"lockout"`
}

// DatabaseConfig selects the SQL driver for identity and tenancy data.
// Driver is "postgres" in production deployments and "sqlite3" for
// single-node or test setups.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig points at the KV store backing sessions, quotas, workflow
// instances, revocation, and feature state.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig controls conversational session retention.
type SessionConfig struct {
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
	HistoryCap int           `mapstructure:"history_cap"`
}

// PolicyConfig controls the OPA dispatch gate.
type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Config is the process-wide configuration, loaded once at startup. Only the
// rollout rules file (Features.RolloutPath) is hot-reloadable.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Policy   PolicyConfig   `mapstructure:"policy"`

	// PlanQuotas maps plan type -> resource -> limit. Overridable per org via
	// the tenancy manager.
	PlanQuotas map[string]map[string]int64 `mapstructure:"plan_quotas"`

	// Workflow template catalog file (optional; built-ins always available).
	TemplatesPath string `mapstructure:"templates_path"`

	// RolloutPath is the hot-reloadable feature rollout rules file.
	RolloutPath string `mapstructure:"rollout_path"`
}

// Load reads configuration from OPSMITH_CONFIG (or ./opsmith.yaml) with env
// overrides, then applies defaults.
func Load() (*Config, error) {
	v := viper.New()
	cfgPath := os.Getenv("OPSMITH_CONFIG")
	if cfgPath == "" {
		cfgPath = "./opsmith.yaml"
	}
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("OPSMITH")
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; env and defaults carry a dev setup.
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if secret := os.Getenv("OPSMITH_SIGNING_SECRET"); secret != "" {
		cfg.Auth.SigningSecret = secret
	}
	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("auth.signing_secret is required")
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = time.Hour
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 24 * time.Hour
	}
	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = 60 * time.Second
	}
	if c.Auth.PasswordPolicy.MinLength == 0 {
		c.Auth.PasswordPolicy = PasswordPolicy{
			MinLength:      8,
			RequireUpper:   true,
			RequireLower:   true,
			RequireDigit:   true,
			RequireSpecial: true,
		}
	}
	if c.Auth.Lockout.MaxFailures == 0 {
		c.Auth.Lockout.MaxFailures = 5
	}
	if c.Auth.Lockout.Window == 0 {
		c.Auth.Lockout.Window = 15 * time.Minute
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
		c.Database.DSN = "file:opsmith.db?_fk=1"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Session.IdleTTL == 0 {
		c.Session.IdleTTL = 24 * time.Hour
	}
	if c.Session.HistoryCap == 0 {
		c.Session.HistoryCap = 50
	}
	if c.Policy.Mode == "" {
		c.Policy.Mode = "off"
	}
	if c.PlanQuotas == nil {
		c.PlanQuotas = DefaultPlanQuotas()
	}
}

// DefaultPlanQuotas returns the built-in plan -> resource -> limit table.
func DefaultPlanQuotas() map[string]map[string]int64 {
	return map[string]map[string]int64{
		"starter": {
			"agents_per_month":     500,
			"workflows_per_month":  50,
			"storage_gb":           5,
			"api_calls_per_hour":   100,
			"team_members":         5,
			"concurrent_workflows": 2,
		},
		"professional": {
			"agents_per_month":     5000,
			"workflows_per_month":  500,
			"storage_gb":           50,
			"api_calls_per_hour":   1000,
			"team_members":         25,
			"concurrent_workflows": 10,
		},
		"enterprise": {
			"agents_per_month":     50000,
			"workflows_per_month":  5000,
			"storage_gb":           500,
			"api_calls_per_hour":   10000,
			"team_members":         250,
			"concurrent_workflows": 50,
		},
		"custom": {
			"agents_per_month":     100000,
			"workflows_per_month":  10000,
			"storage_gb":           1000,
			"api_calls_per_hour":   20000,
			"team_members":         1000,
			"concurrent_workflows": 100,
		},
	}
}
