package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingAdminSecret is returned when no admin token secret is configured.
var ErrMissingAdminSecret = errors.New("admin jwt secret is not configured")

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTPClient HTTPClientConfig `mapstructure:"http_client"`
	Log        LogConfig        `mapstructure:"log"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Esim       EsimConfig       `mapstructure:"esim"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPClientConfig holds outbound HTTP client configuration.
type HTTPClientConfig struct {
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig holds upstream eSIM provider configuration.
type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	AccessCode       string        `mapstructure:"access_code"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts  int           `mapstructure:"max_poll_attempts"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// AdminConfig holds admin API configuration.
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// WebhookConfig holds inbound provider webhook configuration.
type WebhookConfig struct {
	Token string `mapstructure:"token"`
}

// EsimConfig holds eSIM lifecycle thresholds.
type EsimConfig struct {
	PendingStuckAfter    time.Duration `mapstructure:"pending_stuck_after"`
	ActivationStuckAfter time.Duration `mapstructure:"activation_stuck_after"`
	StaleSiblingAge      time.Duration `mapstructure:"stale_sibling_age"`
	ProviderCancelDelay  time.Duration `mapstructure:"provider_cancel_delay"`
	FallbackRefundAmount string        `mapstructure:"fallback_refund_amount"`
	EventChannel         string        `mapstructure:"event_channel"`
}

// SchedulerConfig holds background sweep configuration.
type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	FixStuckInterval     time.Duration `mapstructure:"fix_stuck_interval"`
	DepletionInterval    time.Duration `mapstructure:"depletion_interval"`
	SyncInterval         time.Duration `mapstructure:"sync_interval"`
	RetryRefundsInterval time.Duration `mapstructure:"retry_refunds_interval"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/simdesk")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("SIMDESK")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applySecretOverrides(&cfg)

	return &cfg, nil
}

// applySecretOverrides overrides sensitive values from the environment.
func applySecretOverrides(cfg *Config) {
	overrides := map[string]*string{
		"SIMDESK_DB_PASSWORD":           &cfg.Database.Password,
		"SIMDESK_REDIS_PASSWORD":        &cfg.Redis.Password,
		"SIMDESK_PROVIDER_ACCESS_CODE":  &cfg.Provider.AccessCode,
		"SIMDESK_STRIPE_SECRET_KEY":     &cfg.Stripe.SecretKey,
		"SIMDESK_STRIPE_WEBHOOK_SECRET": &cfg.Stripe.WebhookSecret,
		"SIMDESK_ADMIN_JWT_SECRET":      &cfg.Admin.JWTSecret,
		"SIMDESK_WEBHOOK_TOKEN":         &cfg.Webhook.Token,
	}
	for env, dst := range overrides {
		if value := os.Getenv(env); value != "" {
			*dst = value
		}
	}
}

// Validate checks settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Admin.JWTSecret == "" {
		return ErrMissingAdminSecret
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider base url is not configured")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "simdesk")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// HTTP client defaults
	v.SetDefault("http_client.dial_timeout", 5*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)
	v.SetDefault("http_client.max_idle_conns", 50)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 20)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 30*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Provider defaults
	v.SetDefault("provider.base_url", "https://api.esimaccess.com")
	v.SetDefault("provider.request_timeout", 15*time.Second)
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("provider.retry_backoff", 500*time.Millisecond)
	v.SetDefault("provider.poll_interval", 5*time.Second)
	v.SetDefault("provider.max_poll_attempts", 6)
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.circuit_timeout", 60*time.Second)

	// Admin defaults
	v.SetDefault("admin.issuer", "simdesk")

	// eSIM lifecycle defaults
	v.SetDefault("esim.pending_stuck_after", 10*time.Minute)
	v.SetDefault("esim.activation_stuck_after", 48*time.Hour)
	v.SetDefault("esim.stale_sibling_age", 48*time.Hour)
	v.SetDefault("esim.provider_cancel_delay", 3*time.Second)
	v.SetDefault("esim.fallback_refund_amount", "10.00")
	v.SetDefault("esim.event_channel", "esim:events")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.fix_stuck_interval", 5*time.Minute)
	v.SetDefault("scheduler.depletion_interval", 15*time.Minute)
	v.SetDefault("scheduler.sync_interval", time.Hour)
	v.SetDefault("scheduler.retry_refunds_interval", 30*time.Minute)

	// CORS defaults
	v.SetDefault("cors.allow_origins", []string{"*"})
}
