package storage

import (
	"errors"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

var (
	// ErrNotFound is returned by lookups that match no row
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned by an append whose idempotency key already
	// exists for the account. The unique constraint is the last line of
	// defense behind the per-account lock.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrBalanceConflict is returned when the account balance changed between
	// the caller's read and the append (compare-and-swap failure).
	ErrBalanceConflict = errors.New("balance changed concurrently")

	// ErrNegativeBalance is returned when an append would commit a negative balance
	ErrNegativeBalance = errors.New("balance would become negative")

	// ErrConditionFailed is returned by conditional updates whose guard did not match
	ErrConditionFailed = errors.New("conditional write did not apply")
)

// DueQuery selects auto-renewing ACTIVE or TRIAL subscriptions for a
// renewal pass, ordered by (period end, id).
type DueQuery struct {
	// DueBefore bounds the period end (exclusive)
	DueBefore time.Time
	// RetryBefore skips subscriptions last attempted after it. Zero disables
	// the filter.
	RetryBefore time.Time
	// After resumes a scan past a row returned by an earlier page
	After *SubscriptionCursor
	Limit int
}

// SubscriptionCursor is the position of a row in a due-subscription scan
type SubscriptionCursor struct {
	PeriodEnd time.Time
	ID        int64
}

// CursorAfter returns the cursor past sub
func CursorAfter(sub *billing.Subscription) *SubscriptionCursor {
	return &SubscriptionCursor{PeriodEnd: sub.PeriodEnd, ID: sub.ID}
}

// PendingQuery selects PENDING payment events, ordered by (first seen,
// provider, event id).
type PendingQuery struct {
	After *EventCursor
	Limit int
}

// EventCursor is the position of a row in a pending-event scan
type EventCursor struct {
	FirstSeenAt time.Time
	Provider    billing.ProviderID
	EventID     string
}

// EventCursorAfter returns the cursor past e
func EventCursorAfter(e *billing.PaymentEvent) *EventCursor {
	return &EventCursor{FirstSeenAt: e.FirstSeenAt, Provider: e.Provider, EventID: e.EventID}
}

// Config for storage backends
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL          string
	PostgresReplicaURLs  []string
	PostgresMaxConns     int
	PostgresMinConns     int
	PostgresTimeout      time.Duration
	PostgresConnLifetime time.Duration

	// S3 config (raw payload archive)
	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool

	// Redis config (distributed account locks)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	LockTTL         time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                 "memory",
		PostgresMaxConns:     20,
		PostgresMinConns:     2,
		PostgresTimeout:      10 * time.Second,
		PostgresConnLifetime: 30 * time.Minute,
		RedisDB:              0,
		RedisMaxRetries:      3,
		RedisPoolSize:        10,
		LockTTL:              30 * time.Second,
	}
}
