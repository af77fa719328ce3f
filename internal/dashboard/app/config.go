package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/bankdash/pkg/originx"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	APIBaseURL           string        `yaml:"api_base_url"`           // Banking API base URL (default: http://localhost:8000/api)
	HTTPTimeout          time.Duration `yaml:"http_timeout"`           // Per-call HTTP timeout (default: 10s)
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"`        // Startup token request timeout (default: 5s)
	InlineAcquireTimeout time.Duration `yaml:"inline_acquire_timeout"` // Token request made by a request without credential (default: 2s)

	Embedded       bool     `yaml:"embedded"`        // Talk to the shell over stdin/stdout (default: false)
	Origin         string   `yaml:"origin"`          // Origin stamped on outbound shell messages
	ShellURL       string   `yaml:"shell_url"`       // Optional: trusted in addition to TrustedOrigins
	AuthURL        string   `yaml:"auth_url"`        // Optional: trusted in addition to TrustedOrigins
	DashboardURL   string   `yaml:"dashboard_url"`   // Optional: trusted in addition to TrustedOrigins
	TrustedOrigins []string `yaml:"trusted_origins"` // Exact-match origins (default: originx.DefaultOrigins)
	AllowLoopback  bool     `yaml:"allow_loopback"`  // Trust localhost on any port (default: true)
	HostSuffix     string   `yaml:"host_suffix"`     // Trusted hosting domain; empty disables (default: vercel.app)

	StoreDriver   string `yaml:"store_driver"`    // memory, sqlite or redis (default: memory)
	DatabaseFile  string `yaml:"database_file"`   // SQLite file (default: ./dashboard.db)
	RedisURL      string `yaml:"redis_url"`       // Redis URL (default: redis://localhost:6379/0)
	MasterKeyPath string `yaml:"master_key_path"` // Optional: seals the stored token at rest

	Env                 string        `yaml:"env"`                   // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        `yaml:"log_level"`             // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        `yaml:"log_format"`            // Log format (json, text) (default: json)
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"` // Time allowed to close the store (default: 5s)
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:           "http://localhost:8000/api",
		HTTPTimeout:          10 * time.Second,
		AcquireTimeout:       5 * time.Second,
		InlineAcquireTimeout: 2 * time.Second,
		Origin:               "http://localhost:3002",
		TrustedOrigins:       slices.Clone(originx.DefaultOrigins),
		AllowLoopback:        true,
		HostSuffix:           originx.DefaultHostSuffix,
		StoreDriver:          DriverMemory,
		DatabaseFile:         "dashboard.db",
		RedisURL:             "redis://localhost:6379/0",
		Env:                  "dev",
		LogLevel:             "info",
		LogFormat:            "json",
		ShutdownGracePeriod:  5 * time.Second,
	}
}

// LoadConfig builds the configuration from, in increasing precedence: the
// defaults, the YAML file named by --config or DASH_CONFIG, the environment,
// and the command line.
func LoadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	fs := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("DASH_CONFIG"), "path to a YAML config file")
	embedded := fs.Bool("embedded", false, "talk to the shell over stdin/stdout")
	apiURL := fs.String("api-url", "", "banking API base URL")
	storeDriver := fs.String("store", "", "session store driver (memory, sqlite, redis)")
	databaseFile := fs.String("database-file", "", "SQLite file for the sqlite store")
	redisURL := fs.String("redis-url", "", "Redis URL for the redis store")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json, text)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadEnv()

	if fs.Changed("embedded") {
		cfg.Embedded = *embedded
	}
	if fs.Changed("api-url") {
		cfg.APIBaseURL = *apiURL
	}
	if fs.Changed("store") {
		cfg.StoreDriver = *storeDriver
	}
	if fs.Changed("database-file") {
		cfg.DatabaseFile = *databaseFile
	}
	if fs.Changed("redis-url") {
		cfg.RedisURL = *redisURL
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	c.APIBaseURL = getEnvOrDefault("DASH_API_URL", c.APIBaseURL)
	c.HTTPTimeout = getEnvDurationOrDefault("DASH_HTTP_TIMEOUT", c.HTTPTimeout)
	c.AcquireTimeout = getEnvDurationOrDefault("DASH_ACQUIRE_TIMEOUT", c.AcquireTimeout)
	c.InlineAcquireTimeout = getEnvDurationOrDefault("DASH_INLINE_ACQUIRE_TIMEOUT", c.InlineAcquireTimeout)

	c.Embedded = getEnvBoolOrDefault("DASH_EMBEDDED", c.Embedded)
	c.Origin = getEnvOrDefault("DASH_ORIGIN", c.Origin)
	c.ShellURL = getEnvOrDefault("DASH_SHELL_URL", c.ShellURL)
	c.AuthURL = getEnvOrDefault("DASH_AUTH_URL", c.AuthURL)
	c.DashboardURL = getEnvOrDefault("DASH_DASHBOARD_URL", c.DashboardURL)
	c.TrustedOrigins = getEnvListOrDefault("DASH_TRUSTED_ORIGINS", c.TrustedOrigins)
	c.AllowLoopback = getEnvBoolOrDefault("DASH_ALLOW_LOOPBACK", c.AllowLoopback)
	c.HostSuffix = getEnvOrDefault("DASH_HOST_SUFFIX", c.HostSuffix)

	c.StoreDriver = getEnvOrDefault("DASH_STORE_DRIVER", c.StoreDriver)
	c.DatabaseFile = getEnvOrDefault("DASH_DATABASE_FILE", c.DatabaseFile)
	c.RedisURL = getEnvOrDefault("DASH_REDIS_URL", c.RedisURL)
	c.MasterKeyPath = getEnvOrDefault("DASH_MASTER_KEY_PATH", c.MasterKeyPath)

	c.Env = getEnvOrDefault("ENV", c.Env)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.ShutdownGracePeriod = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", c.ShutdownGracePeriod)
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire_timeout must be positive"))
	}
	if c.InlineAcquireTimeout <= 0 {
		errs = append(errs, errors.New("inline_acquire_timeout must be positive"))
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.DatabaseFile == "" {
			errs = append(errs, errors.New("database_file is required for the sqlite store"))
		}
	case DriverRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis_url is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	return errors.Join(errs...)
}

// TrustSet freezes the origin rules. The shell, auth and dashboard URLs are
// trusted alongside the configured list.
func (c Config) TrustSet() *originx.TrustSet {
	origins := slices.Clone(c.TrustedOrigins)
	for _, u := range []string{c.ShellURL, c.AuthURL, c.DashboardURL} {
		if u != "" {
			origins = append(origins, strings.TrimSuffix(u, "/"))
		}
	}
	return originx.New(originx.Config{
		Origins:       origins,
		AllowLoopback: c.AllowLoopback,
		HostSuffix:    c.HostSuffix,
	})
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "5s", "1m")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
