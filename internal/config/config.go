package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/Khin-96/Nova/pkg/config"
)

// Config holds all configuration for the order payment service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"nova"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"nova_secret"`
	PostgresDB   string `env:"ORDERS_DB_NAME" envDefault:"orders_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Kafka (optional: empty brokers disables event publishing)
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	// Redis (optional: empty host falls back to in-process token cache)
	RedisHost string `env:"REDIS_HOST"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// M-Pesa Daraja credentials
	MpesaBaseURL        string        `env:"MPESA_BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	MpesaConsumerKey    string        `env:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string        `env:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string        `env:"MPESA_SHORTCODE"`
	MpesaPasskey        string        `env:"MPESA_PASSKEY"`
	MpesaCallbackURL    string        `env:"MPESA_CALLBACK_URL"`
	MpesaTimeout        time.Duration `env:"MPESA_TIMEOUT" envDefault:"30s"`

	// Delivery pricing
	DeliveryFee           float64  `env:"DELIVERY_FEE" envDefault:"450"`
	FreeDeliveryLocations []string `env:"FREE_DELIVERY_LOCATIONS" envDefault:"mombasa,kilifi" envSeparator:","`

	// Reconciliation sweeper
	PaymentPendingTimeout time.Duration `env:"PAYMENT_PENDING_TIMEOUT" envDefault:"2h"`
	SweepInterval         time.Duration `env:"RECONCILE_SWEEP_INTERVAL" envDefault:"1m"`
	SweepGracePeriod      time.Duration `env:"RECONCILE_SWEEP_GRACE" envDefault:"2m"`

	// CORS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Pprof debug endpoints are only served to these CIDRs.
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"127.0.0.1/32" envSeparator:","`

	// Tracing
	TracingEnabled  bool   `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint string `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that env tags cannot express.
func (c *Config) Validate() error {
	if c.MpesaConsumerKey == "" || c.MpesaConsumerSecret == "" {
		return fmt.Errorf("config: MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required")
	}
	if c.MpesaShortcode == "" || c.MpesaPasskey == "" {
		return fmt.Errorf("config: MPESA_SHORTCODE and MPESA_PASSKEY are required")
	}
	if c.MpesaCallbackURL == "" {
		return fmt.Errorf("config: MPESA_CALLBACK_URL is required")
	}
	if c.PaymentPendingTimeout <= 0 {
		return fmt.Errorf("config: PAYMENT_PENDING_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: RECONCILE_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
