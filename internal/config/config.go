package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format, use .json, .yaml or .yml")

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Admin     AdminConfig     `koanf:"admin"`
	Logging   LoggingConfig   `koanf:"logging"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Usage     UsageConfig     `koanf:"usage"`
	Caches    CachesConfig    `koanf:"caches"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	Environment     string        `koanf:"environment"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// Registry server admitted requests are forwarded to
type UpstreamConfig struct {
	URL string `koanf:"url"`
}

type AdminConfig struct {
	// HS256 secret for admin bearer tokens. Empty disables the check.
	JWTSecret string `koanf:"jwt_secret"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"` // "json" or "text"
	File       string `koanf:"file"`   // empty logs to stdout
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

type RateLimitConfig struct {
	Enabled       bool           `koanf:"enabled"`
	RemoteTimeout time.Duration  `koanf:"remote_timeout"`
	TokenParam    string         `koanf:"token_param"`
	SessionCookie string         `koanf:"session_cookie"`
	ClientIP      ClientIPConfig `koanf:"client_ip"`
	Filters       []FilterConfig `koanf:"filters"`
	Breaker       BreakerConfig  `koanf:"breaker"`
}

// Rule for extracting the caller address when running behind a proxy
type ClientIPConfig struct {
	Header   string `koanf:"header"`
	// "first" or "last" entry of a comma separated header. The last entry is
	// the one appended by the nearest proxy; earlier ones are client supplied
	// unless that proxy strips the header.
	Position string `koanf:"position"`
}

// Rate limited route and the response sent when its quota is exceeded
type FilterConfig struct {
	URL         string `koanf:"url"`
	HTTPStatus  int    `koanf:"http_status"`
	ContentType string `koanf:"content_type"`
	Body        string `koanf:"body"`
}

type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

type UsageConfig struct {
	Enabled       bool          `koanf:"enabled"`
	WindowMinutes int           `koanf:"window_minutes"`
	DrainSchedule string        `koanf:"drain_schedule"`
	DrainLockTTL  time.Duration `koanf:"drain_lock_ttl"`
}

type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl"`
	MaxSize int           `koanf:"max_size"`
}

type CachesConfig struct {
	Tiers     CacheConfig `koanf:"tiers"`
	Customers CacheConfig `koanf:"customers"`
	Policies  CacheConfig `koanf:"policies"`
}

type BroadcastConfig struct {
	Channel string `koanf:"channel"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			Environment:     "development",
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Database: DatabaseConfig{
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RemoteTimeout: 250 * time.Millisecond,
			TokenParam:    "token",
			SessionCookie: "SESSION",
			ClientIP: ClientIPConfig{
				Header:   "X-Forwarded-For",
				Position: "last",
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
		Usage: UsageConfig{
			Enabled:       true,
			WindowMinutes: 5,
			DrainSchedule: "@every 15s",
			DrainLockTTL:  time.Minute,
		},
		Caches: CachesConfig{
			Tiers:     CacheConfig{TTL: time.Hour, MaxSize: 8},
			Customers: CacheConfig{TTL: time.Hour, MaxSize: 1000},
			Policies:  CacheConfig{TTL: time.Hour, MaxSize: 1000},
		},
		Broadcast: BroadcastConfig{
			Channel: "registry-gate:cache-invalidation",
		},
	}
}

// Load reads a JSON or YAML file on top of the defaults, then applies
// environment overrides for secrets and endpoints
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := loadBytes(&cfg, data, filepath.Ext(path)); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadBytes(cfg *Config, data []byte, ext string) error {
	var parser koanf.Parser
	switch strings.ToLower(ext) {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		host, port, found := strings.Cut(v, ":")
		cfg.Redis.Host = host
		if p, err := strconv.Atoi(port); found && err == nil {
			cfg.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Usage.WindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("usage.window_minutes must be positive, got %d", c.Usage.WindowMinutes))
	}
	if c.RateLimit.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("rate_limit.remote_timeout must be positive"))
	}
	switch c.RateLimit.ClientIP.Position {
	case "", "first", "last":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.client_ip.position must be first or last, got %q", c.RateLimit.ClientIP.Position))
	}

	for i, f := range c.RateLimit.Filters {
		if _, err := regexp.Compile(f.URL); err != nil {
			errs = append(errs, fmt.Errorf("rate_limit.filters[%d].url: %w", i, err))
		}
		if f.HTTPStatus != 0 && (f.HTTPStatus < 400 || f.HTTPStatus > 599) {
			errs = append(errs, fmt.Errorf("rate_limit.filters[%d].http_status must be a 4xx or 5xx code, got %d", i, f.HTTPStatus))
		}
	}

	for name, cc := range map[string]CacheConfig{
		"tiers":     c.Caches.Tiers,
		"customers": c.Caches.Customers,
		"policies":  c.Caches.Policies,
	} {
		if cc.MaxSize <= 0 {
			errs = append(errs, fmt.Errorf("caches.%s.max_size must be positive", name))
		}
		if cc.TTL < 0 {
			errs = append(errs, fmt.Errorf("caches.%s.ttl must not be negative", name))
		}
	}

	return errors.Join(errs...)
}

// Fills the defaults of a filter that only names its URL
func (f FilterConfig) WithDefaults() FilterConfig {
	if f.HTTPStatus == 0 {
		f.HTTPStatus = http.StatusTooManyRequests
	}
	if f.ContentType == "" {
		f.ContentType = "application/json"
	}
	if f.Body == "" {
		f.Body = `{"error":"Rate limit exceeded"}`
	}
	return f
}
