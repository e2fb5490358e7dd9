package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PASSGATE_TOKEN_TTL.
const EnvPrefix = "PASSGATE"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	CacheMemory   = "memory"
	CacheRedis    = "redis"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPListen         string
	GRPCListen         string
	Store              string
	PostgresDSN        string
	Cache              string
	RedisURL           string
	RedisKeyPrefix     string
	TokenTTL           time.Duration
	StoreTimeout       time.Duration
	CacheTimeout       time.Duration
	CacheBackfill      bool
	ManagementEnabled  bool
	AdminKey           string
	LogLevel           string
	RateLimitBurst     int
	RateLimitPerSecond float64
	MaxBodyBytes       int64
}

var defaults = map[string]any{
	"http-listen":           ":5100",
	"grpc-listen":           ":5101",
	"store":                 StoreMemory,
	"postgres-dsn":          "",
	"cache":                 CacheMemory,
	"redis-url":             "redis://localhost:6379/0",
	"redis-key-prefix":      "passgate:",
	"token-ttl":             time.Hour,
	"store-timeout":         2 * time.Second,
	"cache-timeout":         500 * time.Millisecond,
	"cache-backfill":        true,
	"management-enabled":    true,
	"admin-key":             "",
	"log-level":             "info",
	"rate-limit-burst":      20,
	"rate-limit-per-second": 10.0,
	"max-body-bytes":        int64(64 << 10),
}

// New returns a viper instance with defaults and PASSGATE_* environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// AddFlags registers the server flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("http-listen", defaults["http-listen"].(string), "HTTP listen address")
	fs.String("grpc-listen", defaults["grpc-listen"].(string), "gRPC listen address (empty disables gRPC)")
	fs.String("store", StoreMemory, "credential store: memory or postgres")
	fs.String("postgres-dsn", "", "PostgreSQL DSN when --store=postgres")
	fs.String("cache", CacheMemory, "token cache: memory or redis")
	fs.String("redis-url", defaults["redis-url"].(string), "Redis URL when --cache=redis")
	fs.String("redis-key-prefix", defaults["redis-key-prefix"].(string), "prefix for Redis keys")
	fs.Duration("token-ttl", time.Hour, "access token lifetime")
	fs.Duration("store-timeout", 2*time.Second, "timeout for each store call")
	fs.Duration("cache-timeout", 500*time.Millisecond, "timeout for each cache call")
	fs.Bool("cache-backfill", true, "repopulate the cache after a store hit during validation")
	fs.Bool("management-enabled", true, "expose the /admin management API")
	fs.String("admin-key", "", "X-Admin-Key required by the management API")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Int("rate-limit-burst", 20, "per-IP burst on the token and revoke endpoints")
	fs.Float64("rate-limit-per-second", 10, "per-IP sustained rate on the token and revoke endpoints")
	fs.Int64("max-body-bytes", 64<<10, "maximum request body size")
}

// BindFlags binds every flag in fs to the viper key of the same name.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// Load reads the optional config file named by the "config" key and resolves Config.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Config{
		HTTPListen:         strings.TrimSpace(v.GetString("http-listen")),
		GRPCListen:         strings.TrimSpace(v.GetString("grpc-listen")),
		Store:              strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		PostgresDSN:        strings.TrimSpace(v.GetString("postgres-dsn")),
		Cache:              strings.ToLower(strings.TrimSpace(v.GetString("cache"))),
		RedisURL:           strings.TrimSpace(v.GetString("redis-url")),
		RedisKeyPrefix:     v.GetString("redis-key-prefix"),
		TokenTTL:           v.GetDuration("token-ttl"),
		StoreTimeout:       v.GetDuration("store-timeout"),
		CacheTimeout:       v.GetDuration("cache-timeout"),
		CacheBackfill:      v.GetBool("cache-backfill"),
		ManagementEnabled:  v.GetBool("management-enabled"),
		AdminKey:           v.GetString("admin-key"),
		LogLevel:           strings.TrimSpace(v.GetString("log-level")),
		RateLimitBurst:     v.GetInt("rate-limit-burst"),
		RateLimitPerSecond: v.GetFloat64("rate-limit-per-second"),
		MaxBodyBytes:       v.GetInt64("max-body-bytes"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres-dsn is required when store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Cache {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis-url is required when cache=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache %q", c.Cache))
	}
	if c.HTTPListen == "" {
		errs = append(errs, errors.New("http-listen is required"))
	}
	for name, d := range map[string]time.Duration{
		"token-ttl":     c.TokenTTL,
		"store-timeout": c.StoreTimeout,
		"cache-timeout": c.CacheTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RateLimitBurst <= 0 || c.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max-body-bytes must be positive"))
	}
	return errors.Join(errs...)
}

// ManagementActive reports whether the /admin API should be mounted. An empty
// admin key keeps it closed even when enabled.
func (c Config) ManagementActive() bool {
	return c.ManagementEnabled && strings.TrimSpace(c.AdminKey) != ""
}
