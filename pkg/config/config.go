package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/billingcore/pkg/async"
	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/payments"
	"github.com/platinummonkey/billingcore/pkg/referral"
	"github.com/platinummonkey/billingcore/pkg/renewal"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Observability ObservabilityConfig
	Renewal       RenewalConfig
	Payments      PaymentsConfig
	Referral      referral.Config
	Pricing       PricingConfig
	Promo         PromoConfig
	Outcomes      OutcomesConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string        `validate:"required,numeric"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Health and metrics server (separate port for k8s probes)
	HealthPort string `validate:"required,numeric,nefield=Port"`

	// WebhookBudget bounds the processing of one provider delivery
	WebhookBudget time.Duration `validate:"gt=0"`
	// TrustProxy takes the client address from X-Real-IP/X-Forwarded-For
	TrustProxy bool

	// Ingress rate limit per provider and client address
	RateLimitPerMinute int `validate:"gte=0"`
	RateLimitBurst     int `validate:"gte=0"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64 `validate:"gte=0,lte=1"`
}

// OTel converts to the observability package config
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// RenewalConfig schedules the auto-renewal sweep
type RenewalConfig struct {
	renewal.Config
	// Schedule is a standard cron spec or a descriptor such as "@every 10m"
	Schedule string `validate:"required"`
	// Timeout bounds one sweep
	Timeout time.Duration `validate:"gt=0"`
}

// PaymentsConfig holds the provider file and the pending sweep schedule
type PaymentsConfig struct {
	// ProvidersPath is the YAML file with provider credentials and enablement
	ProvidersPath string `validate:"required"`
	Sweep         payments.SweepConfig
	SweepSchedule string `validate:"required"`
}

// PricingConfig locates the pricing snapshot
type PricingConfig struct {
	Path  string `validate:"required"`
	Watch bool
}

// PromoConfig sizes the account discount cache
type PromoConfig struct {
	CacheSize int           `validate:"gt=0"`
	CacheTTL  time.Duration `validate:"gt=0"`
}

// OutcomesConfig configures signed outcome delivery to HTTP subscribers
type OutcomesConfig struct {
	Enabled            bool
	Workers            int `validate:"gt=0"`
	RateLimitPerMinute int `validate:"gt=0"`
	DeliveryLogSize    int `validate:"gt=0"`
	Retry              async.RetryConfig
	RetrySchedule      string `validate:"required"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Renewal:       loadRenewalConfig(),
		Payments:      loadPaymentsConfig(),
		Referral:      loadReferralConfig(),
		Pricing:       loadPricingConfig(),
		Promo:         loadPromoConfig(),
		Outcomes:      loadOutcomesConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:               getEnv("BILLING_HOST", "0.0.0.0"),
		Port:               getEnv("BILLING_PORT", "8080"),
		ReadTimeout:        getEnvDuration("BILLING_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("BILLING_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        getEnvDuration("BILLING_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("BILLING_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:         getEnv("BILLING_HEALTH_PORT", "9090"),
		WebhookBudget:      getEnvDuration("BILLING_WEBHOOK_BUDGET", 10*time.Second),
		TrustProxy:         getEnvBool("BILLING_TRUST_PROXY", false),
		RateLimitPerMinute: getEnvInt("BILLING_RATE_LIMIT_PER_MINUTE", 300),
		RateLimitBurst:     getEnvInt("BILLING_RATE_LIMIT_BURST", 30),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("BILLING_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL
	cfg.PostgresURL = getEnv("BILLING_POSTGRES_URL", cfg.PostgresURL)
	if replicas := getEnvList("BILLING_POSTGRES_REPLICA_URLS"); len(replicas) > 0 {
		cfg.PostgresReplicaURLs = replicas
	}
	if maxConns := getEnvInt("BILLING_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("BILLING_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("BILLING_POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.PostgresConnLifetime = getEnvDuration("BILLING_POSTGRES_CONN_LIFETIME", cfg.PostgresConnLifetime)

	// S3 payload archive; disabled without a bucket
	cfg.S3Endpoint = getEnv("BILLING_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("BILLING_S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnv("BILLING_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("BILLING_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("BILLING_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3ForcePathStyle = getEnvBool("BILLING_S3_FORCE_PATH_STYLE", cfg.S3ForcePathStyle)

	// Redis; account locks fall back to in-process without it
	cfg.RedisURL = getEnv("BILLING_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("BILLING_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("BILLING_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("BILLING_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("BILLING_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}
	cfg.LockTTL = getEnvDuration("BILLING_LOCK_TTL", cfg.LockTTL)

	return cfg
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("BILLING_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BILLING_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BILLING_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BILLING_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BILLING_OTEL_SERVICE_NAME", "billingd"),
		OTelServiceVersion: getEnv("BILLING_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BILLING_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("BILLING_OTEL_SAMPLE_RATIO", 1.0),
	}
}

func loadRenewalConfig() RenewalConfig {
	cfg := renewal.DefaultConfig()
	cfg.LeadTime = getEnvDuration("BILLING_RENEWAL_LEAD_TIME", cfg.LeadTime)
	cfg.RetryInterval = getEnvDuration("BILLING_RENEWAL_RETRY_INTERVAL", cfg.RetryInterval)
	if days, ok := getEnvIntList("BILLING_RENEWAL_WARNING_DAYS"); ok {
		cfg.WarningDays = days
	}
	cfg.BatchSize = getEnvInt("BILLING_RENEWAL_BATCH_SIZE", cfg.BatchSize)
	cfg.Workers = getEnvInt("BILLING_RENEWAL_WORKERS", cfg.Workers)
	if strings.EqualFold(getEnv("BILLING_RENEWAL_EXPIRED_STATE", ""), "disabled") {
		cfg.ExpiredState = billing.SubscriptionDisabled
	}

	return RenewalConfig{
		Config:   cfg,
		Schedule: getEnv("BILLING_RENEWAL_SCHEDULE", "@every 10m"),
		Timeout:  getEnvDuration("BILLING_RENEWAL_TIMEOUT", 5*time.Minute),
	}
}

func loadPaymentsConfig() PaymentsConfig {
	sweep := payments.DefaultSweepConfig()
	sweep.PendingTTL = getEnvDuration("BILLING_PENDING_TTL", sweep.PendingTTL)
	sweep.PollAfter = getEnvDuration("BILLING_PENDING_POLL_AFTER", sweep.PollAfter)
	sweep.BatchSize = getEnvInt("BILLING_PENDING_BATCH_SIZE", sweep.BatchSize)
	sweep.Workers = getEnvInt("BILLING_PENDING_WORKERS", sweep.Workers)

	return PaymentsConfig{
		ProvidersPath: getEnv("BILLING_PROVIDERS_FILE", "providers.yaml"),
		Sweep:         sweep,
		SweepSchedule: getEnv("BILLING_PENDING_SCHEDULE", "@every 5m"),
	}
}

func loadReferralConfig() referral.Config {
	cfg := referral.DefaultConfig()
	cfg.MinimumFirstTopup = getEnvInt64("BILLING_REFERRAL_MINIMUM_FIRST_TOPUP", cfg.MinimumFirstTopup)
	cfg.ReferredBonus = getEnvInt64("BILLING_REFERRAL_REFERRED_BONUS", cfg.ReferredBonus)
	cfg.InviterBonus = getEnvInt64("BILLING_REFERRAL_INVITER_BONUS", cfg.InviterBonus)
	cfg.DefaultCommissionPercent = getEnvInt("BILLING_REFERRAL_COMMISSION_PERCENT", cfg.DefaultCommissionPercent)
	return cfg
}

func loadPricingConfig() PricingConfig {
	return PricingConfig{
		Path:  getEnv("BILLING_PRICING_FILE", "pricing.yaml"),
		Watch: getEnvBool("BILLING_PRICING_WATCH", true),
	}
}

func loadPromoConfig() PromoConfig {
	return PromoConfig{
		CacheSize: getEnvInt("BILLING_PROMO_CACHE_SIZE", 10000),
		CacheTTL:  getEnvDuration("BILLING_PROMO_CACHE_TTL", time.Minute),
	}
}

func loadOutcomesConfig() OutcomesConfig {
	retry := async.DefaultRetryConfig()
	retry.MaxAttempts = getEnvInt("BILLING_OUTCOMES_MAX_ATTEMPTS", retry.MaxAttempts)
	retry.InitialDelay = getEnvDuration("BILLING_OUTCOMES_RETRY_DELAY", retry.InitialDelay)
	retry.MaxDelay = getEnvDuration("BILLING_OUTCOMES_RETRY_MAX_DELAY", retry.MaxDelay)

	return OutcomesConfig{
		Enabled:            getEnvBool("BILLING_OUTCOMES_ENABLED", true),
		Workers:            getEnvInt("BILLING_OUTCOMES_WORKERS", 4),
		RateLimitPerMinute: getEnvInt("BILLING_OUTCOMES_RATE_LIMIT", 100),
		DeliveryLogSize:    getEnvInt("BILLING_OUTCOMES_LOG_SIZE", 10000),
		Retry:              retry,
		RetrySchedule:      getEnv("BILLING_OUTCOMES_RETRY_SCHEDULE", "@every 30s"),
	}
}

var validate = validator.New()

// Validate checks field ranges and the cross-section rules
func (c *Config) Validate() error {
	for _, section := range []any{c.Server, c.Observability, c.Renewal, c.Payments, c.Pricing, c.Promo} {
		if err := validate.Struct(section); err != nil {
			return err
		}
	}
	if c.Outcomes.Enabled {
		if err := validate.Struct(c.Outcomes); err != nil {
			return err
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}
	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" {
		return errors.New("S3 region is required when an archive bucket is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	r := c.Renewal
	if r.LeadTime <= 0 || r.RetryInterval <= 0 {
		return errors.New("renewal lead time and retry interval must be positive")
	}
	for _, d := range r.WarningDays {
		if d < 0 {
			return fmt.Errorf("renewal warning days must not be negative: %d", d)
		}
	}
	if r.Workers <= 0 || r.BatchSize <= 0 {
		return errors.New("renewal workers and batch size must be positive")
	}

	ref := c.Referral
	if ref.DefaultCommissionPercent < 0 || ref.DefaultCommissionPercent > 100 {
		return fmt.Errorf("referral commission percent out of range: %d", ref.DefaultCommissionPercent)
	}
	if ref.MinimumFirstTopup < 0 || ref.ReferredBonus < 0 || ref.InviterBonus < 0 {
		return errors.New("referral amounts must not be negative")
	}

	if c.Payments.Sweep.PendingTTL <= 0 {
		return errors.New("pending TTL must be positive")
	}

	schedules := map[string]string{
		"renewal": c.Renewal.Schedule,
		"pending": c.Payments.SweepSchedule,
	}
	if c.Outcomes.Enabled {
		schedules["outcome retry"] = c.Outcomes.RetrySchedule
	}
	for name, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvIntList parses a comma-separated list of integers. ok is false when
// the variable is unset or any entry is not an integer.
func getEnvIntList(key string) ([]int, bool) {
	parts := getEnvList(key)
	if len(parts) == 0 {
		return nil, false
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
