package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAppName  = "MeterGate"
	defaultAppEnv   = "development"
	defaultPort     = "8080"
	defaultLogLevel = "info"

	// StoreMemory keeps customers and wallet transactions in process memory.
	StoreMemory = "memory"
	// StorePostgres persists the ledger in PostgreSQL.
	StorePostgres = "postgres"
	// StoreMongo persists the ledger in MongoDB.
	StoreMongo = "mongo"
)

// Partner groups the connection settings for one upstream partner API.
type Partner struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Config captures application runtime configuration loaded from the
// environment (and an optional .env file).
type Config struct {
	AppName  string `mapstructure:"APP_NAME"`
	AppEnv   string `mapstructure:"APP_ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	MongoURL      string `mapstructure:"MONGO_URL"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	RedisURL      string `mapstructure:"REDIS_URL"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	ShutdownPeriod time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ChargeTimeout  time.Duration `mapstructure:"CHARGE_TIMEOUT"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	AccessTokenTTL    time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	AdminEmail        string        `mapstructure:"ADMIN_EMAIL"`
	AdminPasswordHash string        `mapstructure:"ADMIN_PASSWORD_HASH"`
	AdminLoginPerMin  int           `mapstructure:"ADMIN_LOGIN_RATE_LIMIT"`

	PaystackBaseURL     string        `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey   string        `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackCallbackURL string        `mapstructure:"PAYSTACK_CALLBACK_URL"`
	PaystackTimeout     time.Duration `mapstructure:"PAYSTACK_TIMEOUT"`
	PaystackMaxRetries  int           `mapstructure:"PAYSTACK_MAX_RETRIES"`
	TopUpMinAmount      int64         `mapstructure:"TOPUP_MIN_AMOUNT"`

	WebhookDedupTTL   time.Duration `mapstructure:"WEBHOOK_DEDUP_TTL"`
	WebhookWorkers    int           `mapstructure:"WEBHOOK_WORKERS"`
	WebhookQueueSize  int           `mapstructure:"WEBHOOK_QUEUE_SIZE"`
	WebhookRatePerMin int           `mapstructure:"WEBHOOK_RATE_LIMIT"`

	ReconcileSchedule string        `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMinAge   time.Duration `mapstructure:"RECONCILE_MIN_AGE"`
	ReconcileBatch    int           `mapstructure:"RECONCILE_BATCH"`

	IdentityBaseURL    string        `mapstructure:"IDENTITY_API_BASE_URL"`
	IdentityAPIKey     string        `mapstructure:"IDENTITY_API_KEY"`
	IdentityTimeout    time.Duration `mapstructure:"IDENTITY_API_TIMEOUT"`
	IdentityMaxRetries int           `mapstructure:"IDENTITY_API_MAX_RETRIES"`
	RegistryBaseURL    string        `mapstructure:"REGISTRY_API_BASE_URL"`
	RegistryAPIKey     string        `mapstructure:"REGISTRY_API_KEY"`
	RegistryTimeout    time.Duration `mapstructure:"REGISTRY_API_TIMEOUT"`
	RegistryMaxRetries int           `mapstructure:"REGISTRY_API_MAX_RETRIES"`
	UpstreamBackoff    time.Duration `mapstructure:"UPSTREAM_BASE_BACKOFF"`

	BreakerFailureThreshold  int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenTimeout       time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	BreakerHalfOpenSuccesses int           `mapstructure:"BREAKER_HALF_OPEN_SUCCESSES"`
	BreakerCountTransport    bool          `mapstructure:"BREAKER_COUNT_TRANSPORT_ERRORS"`

	// Pricing holds comma separated SERVICE_CODE=amount overrides in minor units.
	Pricing string `mapstructure:"PRICING"`
}

var defaults = map[string]any{
	"APP_NAME":                       defaultAppName,
	"APP_ENV":                        defaultAppEnv,
	"PORT":                           defaultPort,
	"LOG_LEVEL":                      defaultLogLevel,
	"STORE_BACKEND":                  "",
	"DATABASE_URL":                   "",
	"MONGO_URL":                      "",
	"MONGO_DATABASE":                 "metergate",
	"REDIS_URL":                      "",
	"RABBITMQ_URL":                   "",
	"EVENTS_EXCHANGE":                "metergate_events",
	"SHUTDOWN_TIMEOUT":               10 * time.Second,
	"REQUEST_TIMEOUT":                30 * time.Second,
	"CHARGE_TIMEOUT":                 5 * time.Second,
	"IDEMPOTENCY_TTL":                24 * time.Hour,
	"JWT_SECRET":                     "",
	"ACCESS_TOKEN_TTL":               time.Hour,
	"ADMIN_EMAIL":                    "",
	"ADMIN_PASSWORD_HASH":            "",
	"ADMIN_LOGIN_RATE_LIMIT":         5,
	"PAYSTACK_BASE_URL":              "https://api.paystack.co",
	"PAYSTACK_SECRET_KEY":            "",
	"PAYSTACK_CALLBACK_URL":          "",
	"PAYSTACK_TIMEOUT":               15 * time.Second,
	"PAYSTACK_MAX_RETRIES":           2,
	"TOPUP_MIN_AMOUNT":               int64(10_000),
	"WEBHOOK_DEDUP_TTL":              24 * time.Hour,
	"WEBHOOK_WORKERS":                4,
	"WEBHOOK_QUEUE_SIZE":             256,
	"WEBHOOK_RATE_LIMIT":             300,
	"RECONCILE_SCHEDULE":             "@every 5m",
	"RECONCILE_MIN_AGE":              10 * time.Minute,
	"RECONCILE_BATCH":                50,
	"IDENTITY_API_BASE_URL":          "",
	"IDENTITY_API_KEY":               "",
	"IDENTITY_API_TIMEOUT":           15 * time.Second,
	"IDENTITY_API_MAX_RETRIES":       0,
	"REGISTRY_API_BASE_URL":          "",
	"REGISTRY_API_KEY":               "",
	"REGISTRY_API_TIMEOUT":           20 * time.Second,
	"REGISTRY_API_MAX_RETRIES":       2,
	"UPSTREAM_BASE_BACKOFF":          200 * time.Millisecond,
	"BREAKER_FAILURE_THRESHOLD":      5,
	"BREAKER_OPEN_TIMEOUT":           30 * time.Second,
	"BREAKER_HALF_OPEN_SUCCESSES":    3,
	"BREAKER_COUNT_TRANSPORT_ERRORS": true,
	"PRICING":                        "",
}

// Load reads configuration values from the environment, falling back to an
// optional .env file in the working directory.
func Load() (Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		switch {
		case c.DatabaseURL != "":
			c.StoreBackend = StorePostgres
		case c.MongoURL != "":
			c.StoreBackend = StoreMongo
		default:
			c.StoreBackend = StoreMemory
		}
	}
	if c.WebhookWorkers <= 0 {
		c.WebhookWorkers = 1
	}
	if c.WebhookQueueSize <= 0 {
		c.WebhookQueueSize = 64
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 50
	}
	if c.AdminLoginPerMin <= 0 {
		c.AdminLoginPerMin = 5
	}
}

// Validate enforces required settings. Development environments may run
// without external infrastructure; everything else must be fully wired.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_BACKEND=memory is only allowed when APP_ENV is a development environment")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for the postgres store")
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL must be set for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.IsDev() {
		return nil
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.PaystackSecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY must be set")
	}
	return nil
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// Identity returns the identity-verification partner settings.
func (c Config) Identity() Partner {
	return Partner{BaseURL: c.IdentityBaseURL, APIKey: c.IdentityAPIKey, Timeout: c.IdentityTimeout, MaxRetries: c.IdentityMaxRetries}
}

// Registry returns the business-registry partner settings.
func (c Config) Registry() Partner {
	return Partner{BaseURL: c.RegistryBaseURL, APIKey: c.RegistryAPIKey, Timeout: c.RegistryTimeout, MaxRetries: c.RegistryMaxRetries}
}

// Paystack returns the payment provider settings.
func (c Config) Paystack() Partner {
	return Partner{BaseURL: c.PaystackBaseURL, APIKey: c.PaystackSecretKey, Timeout: c.PaystackTimeout, MaxRetries: c.PaystackMaxRetries}
}

// PriceOverrides parses the PRICING setting into service code -> amount.
func (c Config) PriceOverrides() (map[string]int64, error) {
	out := map[string]int64{}
	for _, pair := range strings.Split(c.Pricing, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid PRICING entry %q", pair)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("invalid PRICING amount for %s: %q", code, raw)
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = amount
	}
	return out, nil
}
