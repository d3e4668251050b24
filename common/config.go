package common

import (
	"errors"
	"fmt"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
	"os"
	"strings"
	"time"
)

const (
	StrategyAtomic     = "atomic"
	StrategyCacheAside = "cache-aside"

	CacheBackendRedis = "redis"
	CacheBackendNats  = "nats"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type OtlpConfig interface {
	Debug() bool
	Environment() string
	Dsn() string
	ServiceName() string
	Version() string
}

type OtlpSection struct {
	DebugMode   bool   `yaml:"debug" env:"DEBUG" envDefault:"false"`
	DsnValue    string `yaml:"dsn" env:"DSN"`
	Service     string `yaml:"service-name" env:"SERVICE_NAME" envDefault:"count-flow"`
	Env         string `yaml:"environment" env:"ENVIRONMENT" envDefault:"dev"`
	VersionName string `yaml:"version" env:"VERSION" envDefault:"0.1"`
}

func (o *OtlpSection) Debug() bool {
	return o.DebugMode
}

func (o *OtlpSection) Environment() string {
	return o.Env
}

func (o *OtlpSection) Dsn() string {
	return o.DsnValue
}

func (o *OtlpSection) ServiceName() string {
	return o.Service
}

func (o *OtlpSection) Version() string {
	return o.VersionName
}

var _ OtlpConfig = (*OtlpSection)(nil)

type MessagesSection struct {
	CountWin    string `yaml:"COUNT_WIN" env:"COUNT_WIN" envDefault:"<red>Player %player% just finished!</red>"`
	CountNotify string `yaml:"COUNT_NOTIFY" env:"COUNT_NOTIFY" envDefault:"<red>Progression: %count%/%maxcount%</red>"`
}

type RedisSection struct {
	Host     string        `yaml:"host" env:"HOST" envDefault:"localhost"`
	Port     int           `yaml:"port" env:"PORT" envDefault:"6379"`
	Password string        `yaml:"password" env:"PASSWORD"`
	Database int           `yaml:"database" env:"DATABASE" envDefault:"0"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT" envDefault:"2s"`
}

func (r RedisSection) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type NatsSection struct {
	URL    string `yaml:"url" env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Bucket string `yaml:"bucket" env:"BUCKET" envDefault:"counters"`
}

type DatabaseSection struct {
	URL               string        `yaml:"url" env:"URL"`
	Username          string        `yaml:"username" env:"USERNAME"`
	Password          string        `yaml:"password" env:"PASSWORD"`
	MaxPoolSize       int           `yaml:"max-pool-size" env:"MAX_POOL_SIZE" envDefault:"10"`
	MinIdle           int           `yaml:"min-idle" env:"MIN_IDLE" envDefault:"2"`
	IdleTimeout       time.Duration `yaml:"idle-timeout" env:"IDLE_TIMEOUT" envDefault:"30s"`
	MaxLifetime       time.Duration `yaml:"max-lifetime" env:"MAX_LIFETIME" envDefault:"30m"`
	ConnectionTimeout time.Duration `yaml:"connection-timeout" env:"CONNECTION_TIMEOUT" envDefault:"5s"`
}

// Enabled reports whether a durable store is configured at all.
func (d DatabaseSection) Enabled() bool {
	return strings.TrimSpace(d.URL) != ""
}

type HTTPSection struct {
	Addr string `yaml:"addr" env:"ADDR" envDefault:":8080"`
}

type Config struct {
	MaxCount     int64           `yaml:"max-count" env:"MAX_COUNT" envDefault:"10"`
	Strategy     string          `yaml:"strategy" env:"COUNT_STRATEGY" envDefault:"atomic"`
	TickInterval time.Duration   `yaml:"tick-interval" env:"TICK_INTERVAL" envDefault:"1s"`
	Workers      int             `yaml:"workers" env:"WORKERS" envDefault:"16"`
	CacheBackend string          `yaml:"cache-backend" env:"CACHE_BACKEND" envDefault:"redis"`
	Messages     MessagesSection `yaml:"messages" envPrefix:"MESSAGES_"`
	Redis        RedisSection    `yaml:"redis" envPrefix:"REDIS_"`
	Nats         NatsSection     `yaml:"nats" envPrefix:"NATS_"`
	Database     DatabaseSection `yaml:"database" envPrefix:"DATABASE_"`
	HTTP         HTTPSection     `yaml:"http" envPrefix:"HTTP_"`
	Otlp         OtlpSection     `yaml:"otlp"`
}

// LoadConfig reads the environment (with defaults) and then overlays the YAML
// file at path, if any. Keys present in the file win over the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxCount <= 0 {
		errs = append(errs, fmt.Errorf("%w: max-count must be positive, got %d", ErrInvalidConfig, c.MaxCount))
	}
	switch c.Strategy {
	case StrategyAtomic, StrategyCacheAside:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy))
	}
	switch c.CacheBackend {
	case CacheBackendRedis:
		if c.Redis.Host == "" || c.Redis.Port <= 0 {
			errs = append(errs, fmt.Errorf("%w: redis host and port are required", ErrInvalidConfig))
		}
	case CacheBackendNats:
		if c.Nats.URL == "" || c.Nats.Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: nats url and bucket are required", ErrInvalidConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.CacheBackend))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: tick-interval must be positive", ErrInvalidConfig))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%w: workers must be positive", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
