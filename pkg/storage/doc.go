// Package storage holds the shared configuration and sentinel errors of the
// billing stores.
//
// # Overview
//
// Components declare the storage interface they need next to their own code
// (ledger.Store, payments.EventStore, renewal.SubscriptionStore,
// referral.RelationshipStore, promo.GroupStore). Two backends implement all of
// them:
//
//   - storage/memory: mutex-guarded maps, used by tests and the dev daemon
//   - storage/postgres: lib/pq backed stores for production
//
// # Atomic Writes
//
// Every backend must provide three atomic per-key conditional writes:
//
//   - ledger append: unique (account_id, idempotency_key) plus a balance
//     compare-and-swap, reporting ErrDuplicateKey or ErrBalanceConflict
//   - payment event status change: UPDATE ... WHERE status = 'PENDING'
//   - referral bonus flag: UPDATE ... WHERE first_topup_bonus_paid = false
//
// A guarded update that matches no row reports ErrConditionFailed.
//
// # Errors
//
// Backends wrap connection-level failures in billing.ErrStorageUnavailable so
// callers can tell retryable failures from domain results:
//
//	if billing.IsRetryable(err) {
//		// ask the provider to redeliver
//	}
//
// # Configuration
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://billing@localhost/billing?sslmode=disable"
//	cfg.RedisURL = "redis://localhost:6379/0"
//	cfg.S3Bucket = "billing-payloads"
package storage
