package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "TRUE", envValue: "TRUE", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "false overrides default", envValue: "false", defaultValue: true, want: false},
		{name: "garbage is false", envValue: "yes", defaultValue: true, want: false},
		{name: "unset keeps default", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the numeric helpers, which ignore unparsable values
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BAD", "abc")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_BAD", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %v, want 7", got)
	}
	if got := getEnvInt64("TEST_INT64", 1); got != 9000000000 {
		t.Errorf("getEnvInt64() = %v, want 9000000000", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvFloat("TEST_BAD", 0.5); got != 0.5 {
		t.Errorf("getEnvFloat() with invalid value = %v, want 0.5", got)
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "parses duration", envValue: "90s", want: 90 * time.Second},
		{name: "invalid falls back", envValue: "ten minutes", want: time.Minute},
		{name: "unset falls back", want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_DURATION", tt.envValue)
			}
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvLists(t *testing.T) {
	t.Setenv("TEST_LIST", " postgres://r1 ,,postgres://r2, ")
	got := getEnvList("TEST_LIST")
	if len(got) != 2 || got[0] != "postgres://r1" || got[1] != "postgres://r2" {
		t.Errorf("getEnvList() = %v", got)
	}
	if got := getEnvList("TEST_LIST_UNSET"); got != nil {
		t.Errorf("getEnvList() unset = %v, want nil", got)
	}

	t.Setenv("TEST_INTS", "7, 3,1")
	days, ok := getEnvIntList("TEST_INTS")
	if !ok || len(days) != 3 || days[0] != 7 || days[2] != 1 {
		t.Errorf("getEnvIntList() = %v, %v", days, ok)
	}

	t.Setenv("TEST_INTS", "3,x")
	if _, ok := getEnvIntList("TEST_INTS"); ok {
		t.Error("getEnvIntList() accepted a non-integer entry")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.HealthPort != "9090" {
		t.Errorf("ports = %s/%s", cfg.Server.Port, cfg.Server.HealthPort)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type = %s, want memory", cfg.Storage.Type)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("log level = %v, want info", cfg.Observability.LogLevel)
	}
	if cfg.Renewal.LeadTime != 24*time.Hour || len(cfg.Renewal.WarningDays) != 3 {
		t.Errorf("renewal = %+v", cfg.Renewal.Config)
	}
	if cfg.Renewal.ExpiredState != billing.SubscriptionExpired {
		t.Errorf("expired state = %s", cfg.Renewal.ExpiredState)
	}
	if cfg.Referral.MinimumFirstTopup != 20000 || cfg.Referral.DefaultCommissionPercent != 25 {
		t.Errorf("referral = %+v", cfg.Referral)
	}
	if cfg.Payments.Sweep.PendingTTL != 24*time.Hour {
		t.Errorf("pending TTL = %v", cfg.Payments.Sweep.PendingTTL)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BILLING_STORAGE_TYPE", "postgres")
	t.Setenv("BILLING_POSTGRES_URL", "postgres://billing@db/billing")
	t.Setenv("BILLING_POSTGRES_REPLICA_URLS", "postgres://r1/billing,postgres://r2/billing")
	t.Setenv("BILLING_LOG_LEVEL", "debug")
	t.Setenv("BILLING_RENEWAL_WARNING_DAYS", "7,3,1,0")
	t.Setenv("BILLING_RENEWAL_EXPIRED_STATE", "disabled")
	t.Setenv("BILLING_REFERRAL_COMMISSION_PERCENT", "10")
	t.Setenv("BILLING_PENDING_TTL", "48h")
	t.Setenv("BILLING_TRUST_PROXY", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.Type != "postgres" || len(cfg.Storage.PostgresReplicaURLs) != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("log level = %v, want debug", cfg.Observability.LogLevel)
	}
	if len(cfg.Renewal.WarningDays) != 4 || cfg.Renewal.WarningDays[0] != 7 {
		t.Errorf("warning days = %v", cfg.Renewal.WarningDays)
	}
	if cfg.Renewal.ExpiredState != billing.SubscriptionDisabled {
		t.Errorf("expired state = %s, want DISABLED", cfg.Renewal.ExpiredState)
	}
	if cfg.Referral.DefaultCommissionPercent != 10 {
		t.Errorf("commission = %d", cfg.Referral.DefaultCommissionPercent)
	}
	if cfg.Payments.Sweep.PendingTTL != 48*time.Hour {
		t.Errorf("pending TTL = %v", cfg.Payments.Sweep.PendingTTL)
	}
	if !cfg.Server.TrustProxy {
		t.Error("trust proxy not set")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "postgres without URL",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "postgres URL is required",
		},
		{
			name:    "unknown storage type",
			mutate:  func(c *Config) { c.Storage.Type = "filesystem" },
			wantErr: "invalid storage type",
		},
		{
			name:    "health port equals server port",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "HealthPort",
		},
		{
			name:    "non-numeric port",
			mutate:  func(c *Config) { c.Server.Port = "http" },
			wantErr: "Port",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.Observability.OTelSampleRatio = 1.5 },
			wantErr: "OTelSampleRatio",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "endpoint is required",
		},
		{
			name:    "negative warning day",
			mutate:  func(c *Config) { c.Renewal.WarningDays = []int{3, -1} },
			wantErr: "warning days",
		},
		{
			name:    "commission over 100",
			mutate:  func(c *Config) { c.Referral.DefaultCommissionPercent = 120 },
			wantErr: "commission percent",
		},
		{
			name:    "bad renewal schedule",
			mutate:  func(c *Config) { c.Renewal.Schedule = "every ten minutes" },
			wantErr: "invalid renewal schedule",
		},
		{
			name: "outcome settings ignored when disabled",
			mutate: func(c *Config) {
				c.Outcomes.Enabled = false
				c.Outcomes.Workers = 0
				c.Outcomes.RetrySchedule = "nope"
			},
		},
		{
			name:    "outcome workers required when enabled",
			mutate:  func(c *Config) { c.Outcomes.Workers = 0 },
			wantErr: "Workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestObservabilityOTel(t *testing.T) {
	c := ObservabilityConfig{
		OTelEnabled:     true,
		OTelEndpoint:    "collector:4317",
		OTelServiceName: "billingd",
		OTelSampleRatio: 0.1,
	}
	otel := c.OTel()
	if !otel.Enabled || otel.Endpoint != "collector:4317" || otel.SampleRatio != 0.1 {
		t.Errorf("OTel() = %+v", otel)
	}
}
