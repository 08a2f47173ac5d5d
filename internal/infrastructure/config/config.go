package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// DNC_DATABASE_URL maps to database.url.
const EnvPrefix = "DNC_"

// DefaultConfigPath is read when no explicit path is given
const DefaultConfigPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	DNC       DNCConfig       `koanf:"dnc"`
}

type ServerConfig struct {
	Port             int           `koanf:"port"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	Debug            bool          `koanf:"debug"`
	ValidateContract bool          `koanf:"validate_contract"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Enabled reports whether a Redis address is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// DNCConfig tunes the compliance engine
type DNCConfig struct {
	RetentionDays     int           `koanf:"retention_days"`
	MaxUploadBytes    int64         `koanf:"max_upload_bytes"`
	AllowedMediaTypes []string      `koanf:"allowed_media_types"`
	MaxBatchCheck     int           `koanf:"max_batch_check"`
	BatchConcurrency  int           `koanf:"batch_concurrency"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	SweepLockTTL      time.Duration `koanf:"sweep_lock_ttl"`
	StaleBatchAfter   time.Duration `koanf:"stale_batch_after"`
	FinalizeTimeout   time.Duration `koanf:"finalize_timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`

	Gate GateConfig `koanf:"gate"`
}

// Retention converts RetentionDays to a duration
func (c DNCConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// GateConfig configures the circuit breaker in front of the registry store
type GateConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
	CheckTimeout     time.Duration `koanf:"check_timeout"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 1000,
				BurstSize:         2000,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		DNC: DNCConfig{
			RetentionDays:     31,
			MaxUploadBytes:    10 << 20,
			AllowedMediaTypes: []string{"text/csv", "application/csv", "text/plain", "application/vnd.ms-excel", "application/octet-stream"},
			MaxBatchCheck:     1000,
			BatchConcurrency:  16,
			SweepInterval:     time.Hour,
			SweepLockTTL:      10 * time.Minute,
			StaleBatchAfter:   time.Hour,
			FinalizeTimeout:   10 * time.Second,
			CacheTTL:          15 * time.Minute,
			Gate: GateConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
				CheckTimeout:     250 * time.Millisecond,
			},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// DNC_ prefixed environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// The default file is optional; an explicit path must exist.
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps DNC_SERVER_RATE_LIMIT_BURST_SIZE to server.rate_limit.burst_size.
// The first underscore separates the section; later ones are matched against
// known nested sections so multi-word keys survive.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	for _, nested := range []string{"rate_limit", "gate"} {
		if strings.HasPrefix(rest, nested+"_") {
			return section + "." + nested + "." + strings.TrimPrefix(rest, nested+"_")
		}
	}
	if section == "log" {
		return "log_" + rest
	}
	return section + "." + rest
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.DNC.RetentionDays <= 0 {
		return fmt.Errorf("dnc.retention_days must be positive")
	}
	if c.DNC.MaxUploadBytes <= 0 {
		return fmt.Errorf("dnc.max_upload_bytes must be positive")
	}
	if c.DNC.MaxBatchCheck <= 0 {
		return fmt.Errorf("dnc.max_batch_check must be positive")
	}
	if c.DNC.BatchConcurrency <= 0 {
		return fmt.Errorf("dnc.batch_concurrency must be positive")
	}
	return nil
}
