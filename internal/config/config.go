package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	Store                string        `mapstructure:"STORE"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant        string        `mapstructure:"DEFAULT_TENANT"`
	MigrationsDir        string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	OpenSlotsCacheTTL    time.Duration `mapstructure:"OPEN_SLOTS_CACHE_TTL"`
	OTLPEndpoint         string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit            string        `mapstructure:"BODY_LIMIT"`
	SlotDurationMinutes  int           `mapstructure:"SLOT_DURATION_MINUTES"`
	BreakDurationMinutes int           `mapstructure:"BREAK_DURATION_MINUTES"`
	BookingMaxRetries    int           `mapstructure:"BOOKING_MAX_RETRIES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("OPEN_SLOTS_CACHE_TTL", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SLOT_DURATION_MINUTES", 10)
	v.SetDefault("BREAK_DURATION_MINUTES", 0)
	v.SetDefault("BOOKING_MAX_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DEFAULT_TENANT", "MIGRATIONS_DIR", "REDIS_URL", "OPEN_SLOTS_CACHE_TTL",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"REQUEST_TIMEOUT", "BODY_LIMIT", "SLOT_DURATION_MINUTES", "BREAK_DURATION_MINUTES",
		"BOOKING_MAX_RETRIES",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SlotDuration is the default slot length applied to windows created without one.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMinutes) * time.Minute
}

// BreakDuration is the default gap between consecutive slots.
func (c *Config) BreakDuration() time.Duration {
	return time.Duration(c.BreakDurationMinutes) * time.Minute
}

// Warnings lists settings that are allowed but worth flagging at startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.Store == StoreMemory {
		out = append(out, "STORE=memory keeps all bookings in process memory; data is lost on restart")
	}
	return out
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Store != StorePostgres && c.Store != StoreMemory {
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.IsProduction() && c.Store == StoreMemory {
		return fmt.Errorf("STORE=memory is not allowed in production")
	}
	if c.SlotDurationMinutes <= 0 {
		return fmt.Errorf("SLOT_DURATION_MINUTES must be positive, got %d", c.SlotDurationMinutes)
	}
	if c.BreakDurationMinutes < 0 {
		return fmt.Errorf("BREAK_DURATION_MINUTES must not be negative, got %d", c.BreakDurationMinutes)
	}
	if c.BookingMaxRetries < 1 {
		return fmt.Errorf("BOOKING_MAX_RETRIES must be at least 1, got %d", c.BookingMaxRetries)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.OpenSlotsCacheTTL < 0 {
		return fmt.Errorf("OPEN_SLOTS_CACHE_TTL must not be negative")
	}
	return nil
}
