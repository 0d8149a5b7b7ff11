package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

const (
	LockPolicyStateOnly  = "state_only"
	LockPolicySerialized = "serialized"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type RateLimitConfig struct {
	Limit             int    `mapstructure:"limit"`
	Window            string `mapstructure:"window"`
	FailOpen          bool   `mapstructure:"fail_open"`
	TrustForwardedFor bool   `mapstructure:"trust_forwarded_for"`
}

func (c RateLimitConfig) WindowDuration() time.Duration { return mustDuration(c.Window) }

type CacheConfig struct {
	TTL          string `mapstructure:"ttl"`
	SingleFlight bool   `mapstructure:"single_flight"`
}

func (c CacheConfig) TTLDuration() time.Duration { return mustDuration(c.TTL) }

type CircuitBreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	ResetTimeout     string `mapstructure:"reset_timeout"`
	CallTimeout      string `mapstructure:"call_timeout"`
	LockPolicy       string `mapstructure:"lock_policy"`
}

func (c CircuitBreakerConfig) ResetTimeoutDuration() time.Duration {
	return mustDuration(c.ResetTimeout)
}

func (c CircuitBreakerConfig) CallTimeoutDuration() time.Duration {
	return mustDuration(c.CallTimeout)
}

type ExternalConfig struct {
	FailureRate float64 `mapstructure:"failure_rate"`
	Latency     string  `mapstructure:"latency"`
}

func (c ExternalConfig) LatencyDuration() time.Duration { return mustDuration(c.Latency) }

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
}

func (c HealthCheckConfig) IntervalDuration() time.Duration { return mustDuration(c.Interval) }

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Store          StoreConfig          `mapstructure:"store"`
	Redis          RedisConfig          `mapstructure:"redis"`
	RateLimit      RateLimitConfig      `mapstructure:"ratelimit"`
	Cache          CacheConfig          `mapstructure:"cache"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	External       ExternalConfig       `mapstructure:"external"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
}

// legacyEnv maps the flat variable names used by existing deployments onto
// config keys. Nested keys are also reachable as e.g. RATELIMIT_WINDOW.
var legacyEnv = map[string]string{
	"redis.host":                        "REDIS_HOST",
	"redis.port":                        "REDIS_PORT",
	"ratelimit.limit":                  "RATE_LIMIT",
	"ratelimit.window":                 "RATE_WINDOW",
	"cache.ttl":                         "CACHE_TTL",
	"circuit_breaker.failure_threshold": "CB_FAILURE_THRESHOLD",
	"circuit_breaker.reset_timeout":     "CB_RESET_TIMEOUT",
	"external.failure_rate":             "EXTERNAL_SERVICE_FAILURE_RATE",
}

// Load reads configuration from configFile, or from config.yaml in ./config
// or the working directory when configFile is empty, then applies
// environment overrides and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8000")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("store.driver", DriverRedis)
	v.SetDefault("redis.host", "redis")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.limit", 5)
	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("ratelimit.trust_forwarded_for", false)
	v.SetDefault("cache.ttl", "300s")
	v.SetDefault("cache.single_flight", false)
	v.SetDefault("circuit_breaker.failure_threshold", 3)
	v.SetDefault("circuit_breaker.reset_timeout", "10s")
	v.SetDefault("circuit_breaker.call_timeout", "0s")
	v.SetDefault("circuit_breaker.lock_policy", LockPolicyStateOnly)
	v.SetDefault("external.failure_rate", 0.2)
	v.SetDefault("external.latency", "50ms")
	v.SetDefault("health_check.interval", "5s")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Store,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StoreConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StoreConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Driver,
						validation.Required,
						validation.In(DriverRedis, DriverMemory),
					),
				)
			}),
		),
		validation.Field(&c.Redis,
			validation.When(c.Store.Driver == DriverRedis,
				validation.Required,
				validation.By(func(value interface{}) error {
					rc, ok := value.(RedisConfig)
					if !ok {
						return validation.NewError("validation_invalid_type", "must be a RedisConfig")
					}
					return validation.ValidateStruct(&rc,
						validation.Field(&rc.Host, validation.Required, is.Host),
						validation.Field(&rc.Port, validation.Required, validation.Min(1), validation.Max(65535)),
						validation.Field(&rc.DB, validation.Min(0)),
					)
				}),
			),
		),
		validation.Field(&c.RateLimit,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RateLimitConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Limit, validation.Required, validation.Min(1)),
					validation.Field(&rc.Window, validation.Required, validation.By(validateMinDuration(time.Second))),
				)
			}),
		),
		validation.Field(&c.Cache,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CacheConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.TTL, validation.Required, validation.By(validateMinDuration(time.Second))),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&cb.ResetTimeout, validation.Required, validation.By(validateMinDuration(time.Millisecond))),
					validation.Field(&cb.CallTimeout, validation.By(validateMinDuration(0))),
					validation.Field(&cb.LockPolicy,
						validation.Required,
						validation.In(LockPolicyStateOnly, LockPolicySerialized),
					),
				)
			}),
		),
		validation.Field(&c.External,
			validation.By(func(value interface{}) error {
				ec, ok := value.(ExternalConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an ExternalConfig")
				}
				return validation.ValidateStruct(&ec,
					validation.Field(&ec.FailureRate, validation.Min(0.0), validation.Max(1.0)),
					validation.Field(&ec.Latency, validation.By(validateMinDuration(0))),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateMinDuration(time.Millisecond)),
					),
				)
			}),
		),
	)
}

// ParseDuration accepts Go duration strings ("90s", "1m30s") and bare
// integers, which are read as whole seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateMinDuration(min time.Duration) validation.RuleFunc {
	return func(value interface{}) error {
		durationStr, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}
		if durationStr == "" {
			return nil
		}

		d, err := ParseDuration(durationStr)
		if err != nil {
			return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h) or whole seconds")
		}
		if d < min {
			return validation.NewError("validation_duration_too_short", fmt.Sprintf("must be at least %s", min))
		}

		return nil
	}
}
