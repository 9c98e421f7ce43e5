// Package config loads billingd configuration from BILLING_* environment
// variables and validates it before any component starts.
//
// Server:
//
//	BILLING_HOST="0.0.0.0"
//	BILLING_PORT="8080"
//	BILLING_HEALTH_PORT="9090"
//	BILLING_WEBHOOK_BUDGET="10s"        # processing budget per provider delivery
//	BILLING_TRUST_PROXY="false"         # read X-Real-IP / X-Forwarded-For
//	BILLING_RATE_LIMIT_PER_MINUTE="300" # per provider and client address
//	BILLING_RATE_LIMIT_BURST="30"
//
// Storage:
//
//	BILLING_STORAGE_TYPE="postgres"     # memory, postgres
//	BILLING_POSTGRES_URL="postgres://billing@localhost/billing"
//	BILLING_POSTGRES_REPLICA_URLS="postgres://r1/billing,postgres://r2/billing"
//	BILLING_REDIS_URL="redis://localhost:6379"  # distributed account locks and ingress limits
//	BILLING_LOCK_TTL="30s"
//	BILLING_S3_BUCKET="billing-webhooks"        # raw payload archive, optional
//
// Scheduling (standard cron specs or @every descriptors):
//
//	BILLING_RENEWAL_SCHEDULE="@every 10m"
//	BILLING_RENEWAL_LEAD_TIME="24h"
//	BILLING_RENEWAL_RETRY_INTERVAL="6h"
//	BILLING_RENEWAL_WARNING_DAYS="3,1,0"
//	BILLING_RENEWAL_EXPIRED_STATE="expired"     # expired, disabled
//	BILLING_PENDING_SCHEDULE="@every 5m"
//	BILLING_PENDING_TTL="24h"
//	BILLING_OUTCOMES_RETRY_SCHEDULE="@every 30s"
//
// Money settings are integer minor units:
//
//	BILLING_REFERRAL_MINIMUM_FIRST_TOPUP="20000"
//	BILLING_REFERRAL_REFERRED_BONUS="5000"
//	BILLING_REFERRAL_INVITER_BONUS="10000"
//	BILLING_REFERRAL_COMMISSION_PERCENT="25"
//
// Files:
//
//	BILLING_PRICING_FILE="pricing.yaml"   # reloaded on change when BILLING_PRICING_WATCH=true
//	BILLING_PROVIDERS_FILE="providers.yaml"
//
// Observability:
//
//	BILLING_LOG_LEVEL="info"
//	BILLING_METRICS_ENABLED="true"
//	BILLING_OTEL_ENABLED="false"
//	BILLING_OTEL_ENDPOINT="localhost:4317"
//	BILLING_OTEL_SAMPLE_RATIO="1.0"
//
// Unparsable values fall back to their defaults; cross-field problems (a
// postgres store without a URL, equal server and health ports, a bad cron
// spec) fail LoadConfig.
package config
