package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CLOUDNOTIFY"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "cloudnotify.db"
	defaultGatewayServerURL  = "https://fcm.googleapis.com/fcm/send"
	defaultGatewayTimeout    = 10 * time.Second
	defaultGatewayTitle      = "Gerrit notification"
	defaultGatewayIcon       = "ic_stats_gerrit_notification"
	defaultGatewayTimeToLive = 28800
	defaultRetryWorkers      = 50
	defaultBackoffStep       = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultShutdownTimeout   = 10 * time.Second
	defaultAMQPQueue         = "cloudnotify.events"
	defaultAMQPWorkers       = 5
	defaultAMQPPrefetch      = 50
	defaultAuthIssuer        = "cloudnotify"
	defaultAuthTokenTTL      = 720 * time.Hour
	defaultRateLimitCooldown = time.Duration(0)
)

// AppConfig captures runtime configuration for the API server and delivery worker.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	GatewayServerURL   string
	GatewayServerToken string
	GatewayTimeout     time.Duration
	GatewayTitle       string
	GatewayIcon        string
	GatewayTimeToLive  int

	RetryWorkers      int
	BackoffStep       time.Duration
	MaxAttempts       int
	RateLimitCooldown time.Duration
	ShutdownTimeout   time.Duration

	RedisURL string

	AMQPURL      string
	AMQPQueue    string
	AMQPWorkers  int
	AMQPPrefetch int

	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
}

// DeliveryEnabled reports whether a gateway credential is configured.
func (c AppConfig) DeliveryEnabled() bool {
	return strings.TrimSpace(c.GatewayServerToken) != ""
}

// LoadDotEnv loads variables from the given .env files into the process environment.
// Missing files are ignored; variables that are already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("gateway.server_url", defaultGatewayServerURL)
	configViper.SetDefault("gateway.server_token", "")
	configViper.SetDefault("gateway.timeout", defaultGatewayTimeout)
	configViper.SetDefault("gateway.title", defaultGatewayTitle)
	configViper.SetDefault("gateway.icon", defaultGatewayIcon)
	configViper.SetDefault("gateway.time_to_live", defaultGatewayTimeToLive)
	configViper.SetDefault("delivery.retry_workers", defaultRetryWorkers)
	configViper.SetDefault("delivery.backoff_step", defaultBackoffStep)
	configViper.SetDefault("delivery.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("delivery.rate_limit_cooldown", defaultRateLimitCooldown)
	configViper.SetDefault("delivery.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("amqp.workers", defaultAMQPWorkers)
	configViper.SetDefault("amqp.prefetch", defaultAMQPPrefetch)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		GatewayServerURL:   configViper.GetString("gateway.server_url"),
		GatewayServerToken: configViper.GetString("gateway.server_token"),
		GatewayTimeout:     configViper.GetDuration("gateway.timeout"),
		GatewayTitle:       configViper.GetString("gateway.title"),
		GatewayIcon:        configViper.GetString("gateway.icon"),
		GatewayTimeToLive:  configViper.GetInt("gateway.time_to_live"),
		RetryWorkers:       configViper.GetInt("delivery.retry_workers"),
		BackoffStep:        configViper.GetDuration("delivery.backoff_step"),
		MaxAttempts:        configViper.GetInt("delivery.max_attempts"),
		RateLimitCooldown:  configViper.GetDuration("delivery.rate_limit_cooldown"),
		ShutdownTimeout:    configViper.GetDuration("delivery.shutdown_timeout"),
		RedisURL:           configViper.GetString("redis.url"),
		AMQPURL:            configViper.GetString("amqp.url"),
		AMQPQueue:          configViper.GetString("amqp.queue"),
		AMQPWorkers:        configViper.GetInt("amqp.workers"),
		AMQPPrefetch:       configViper.GetInt("amqp.prefetch"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             configViper.GetString("auth.issuer"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DeliveryEnabled() && strings.TrimSpace(c.GatewayServerURL) == "" {
		return fmt.Errorf("gateway.server_url is required when gateway.server_token is set")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.GatewayTimeToLive <= 0 {
		return fmt.Errorf("gateway.time_to_live must be positive")
	}
	if c.RetryWorkers <= 0 {
		return fmt.Errorf("delivery.retry_workers must be positive")
	}
	if c.BackoffStep <= 0 {
		return fmt.Errorf("delivery.backoff_step must be positive")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("delivery.max_attempts must not be negative")
	}
	if c.RateLimitCooldown < 0 {
		return fmt.Errorf("delivery.rate_limit_cooldown must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("delivery.shutdown_timeout must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
