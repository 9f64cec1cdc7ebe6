package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/reconciler"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MEMBERSYNC_"

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Identity providers
const (
	ProviderMemory    = "memory"
	ProviderAuthentik = "authentik"
)

// Config is the full process configuration
type Config struct {
	Log      LogConfig          `yaml:"log"`
	Storage  StorageConfig      `yaml:"storage"`
	Worker   WorkerConfig       `yaml:"worker"`
	API      APIConfig          `yaml:"api"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Health   HealthConfig       `yaml:"health"`
	Identity IdentityConfig     `yaml:"identity"`
	Catalog  reconciler.Catalog `yaml:"catalog"`

	// Roles maps role config keys (membership, affiliation.<tier>,
	// interest.<tag>) to external role ids
	Roles map[string]string `yaml:"roles"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StorageConfig struct {
	Driver         string        `yaml:"driver"`
	DataDir        string        `yaml:"data_dir"`
	PostgresURL    string        `yaml:"postgres_url"`
	MaxConnections int           `yaml:"max_connections"`
	MaxIdle        int           `yaml:"max_idle"`
	ConnLifetime   time.Duration `yaml:"conn_lifetime"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadOnly serves queries only; state-changing requests get 403
	ReadOnly bool `yaml:"read_only"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// HealthConfig controls dependency probes
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

type IdentityConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// Default returns the configuration used for anything not set
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver:         DriverBolt,
			DataDir:        "./membersync-data",
			MaxConnections: 25,
			MaxIdle:        10,
			ConnLifetime:   5 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval:   time.Second,
			BatchSize:      10,
			MaxRetries:     3,
			HandlerTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{CollectInterval: 15 * time.Second},
		Health: HealthConfig{
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
		Identity: IdentityConfig{
			Provider: ProviderMemory,
			Timeout:  10 * time.Second,
		},
		Roles: map[string]string{},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		*dst = getEnv(key, *dst)
	}
	num := func(key string, dst *int) {
		v, err := getEnvAsInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := getEnvAsDuration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_JSON: %w", EnvPrefix, err))
		}
		c.Log.JSON = b
	}

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATA_DIR", &c.Storage.DataDir)
	str("POSTGRES_URL", &c.Storage.PostgresURL)
	num("DB_MAX_CONNECTIONS", &c.Storage.MaxConnections)
	num("DB_MAX_IDLE", &c.Storage.MaxIdle)
	dur("DB_CONN_LIFETIME", &c.Storage.ConnLifetime)

	dur("POLL_INTERVAL", &c.Worker.PollInterval)
	num("BATCH_SIZE", &c.Worker.BatchSize)
	num("MAX_RETRIES", &c.Worker.MaxRetries)
	dur("HANDLER_TIMEOUT", &c.Worker.HandlerTimeout)

	str("API_ADDR", &c.API.Addr)
	dur("API_READ_TIMEOUT", &c.API.ReadTimeout)
	dur("API_WRITE_TIMEOUT", &c.API.WriteTimeout)
	dur("API_REQUEST_TIMEOUT", &c.API.RequestTimeout)
	dur("API_SHUTDOWN_TIMEOUT", &c.API.ShutdownTimeout)
	if v, ok := os.LookupEnv(EnvPrefix + "API_READ_ONLY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sAPI_READ_ONLY: %w", EnvPrefix, err))
		}
		c.API.ReadOnly = b
	}

	dur("METRICS_COLLECT_INTERVAL", &c.Metrics.CollectInterval)
	dur("HEALTH_INTERVAL", &c.Health.Interval)
	dur("HEALTH_TIMEOUT", &c.Health.Timeout)
	num("HEALTH_RETRIES", &c.Health.Retries)

	str("IDENTITY_PROVIDER", &c.Identity.Provider)
	str("IDENTITY_URL", &c.Identity.BaseURL)
	str("IDENTITY_TOKEN", &c.Identity.Token)
	dur("IDENTITY_TIMEOUT", &c.Identity.Timeout)
	num("IDENTITY_BURST", &c.Identity.Burst)
	if v, ok := os.LookupEnv(EnvPrefix + "IDENTITY_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sIDENTITY_RPS: %w", EnvPrefix, err))
		} else {
			c.Identity.RequestsPerSecond = f
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.DataDir == "" {
			add("storage.data_dir is required for the bolt driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			add("storage.postgres_url is required for the postgres driver")
		}
		if c.Storage.MaxConnections < 0 || c.Storage.MaxIdle < 0 {
			add("storage connection limits must not be negative")
		}
	default:
		add("storage.driver: %q (must be %s or %s)", c.Storage.Driver, DriverBolt, DriverPostgres)
	}

	if c.Worker.PollInterval <= 0 {
		add("worker.poll_interval must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		add("worker.batch_size must be positive")
	}
	if c.Worker.MaxRetries <= 0 {
		add("worker.max_retries must be positive")
	}
	if c.Worker.HandlerTimeout <= 0 {
		add("worker.handler_timeout must be positive")
	}

	if c.API.Addr == "" {
		add("api.addr is required")
	}
	if c.Metrics.CollectInterval <= 0 {
		add("metrics.collect_interval must be positive")
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 || c.Health.Retries <= 0 {
		add("health interval, timeout and retries must be positive")
	}

	switch c.Identity.Provider {
	case ProviderMemory:
	case ProviderAuthentik:
		if u, err := url.Parse(c.Identity.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("identity.base_url: %q is not an absolute URL", c.Identity.BaseURL)
		}
		if c.Identity.Token == "" {
			add("identity.token is required for the authentik provider")
		}
	default:
		add("identity.provider: %q (must be %s or %s)", c.Identity.Provider, ProviderMemory, ProviderAuthentik)
	}
	if c.Identity.RequestsPerSecond < 0 || c.Identity.Burst < 0 {
		add("identity rate limits must not be negative")
	}

	for key := range c.Roles {
		if !validRoleKey(key) {
			add("roles: unknown key %q (must be %s, affiliation.<tier> or interest.<tag>)", key, reconciler.MembershipKey)
		}
	}

	return errors.Join(errs...)
}

func validRoleKey(key string) bool {
	if key == reconciler.MembershipKey {
		return true
	}
	for _, prefix := range []string{"affiliation.", "interest."} {
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(EnvPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}

	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(EnvPrefix + key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}

	return value, nil
}
