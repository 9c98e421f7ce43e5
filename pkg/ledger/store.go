package ledger

import (
	"context"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Store persists ledger transactions. Implementations live in
// pkg/storage/memory and pkg/storage/postgres.
type Store interface {
	// AppendTransaction atomically appends tx if the account balance still
	// equals expectedBalance and no transaction of the account carries the
	// same idempotency key. tx.BalanceAfter holds the resulting balance.
	//
	// Returns storage.ErrDuplicateKey, storage.ErrBalanceConflict,
	// storage.ErrNegativeBalance or billing.ErrAccountNotFound.
	AppendTransaction(ctx context.Context, tx *billing.LedgerTransaction, expectedBalance int64) error

	// GetBalance returns the cached balance of the account
	GetBalance(ctx context.Context, accountID int64) (int64, error)

	// SumTransactions folds every transaction amount of the account
	SumTransactions(ctx context.Context, accountID int64) (int64, error)

	FindTransactionByKey(ctx context.Context, accountID int64, key string) (*billing.LedgerTransaction, error)
	GetTransaction(ctx context.Context, id string) (*billing.LedgerTransaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]*billing.LedgerTransaction, error)
	FirstTransactionOfKind(ctx context.Context, accountID int64, kind billing.TransactionKind) (*billing.LedgerTransaction, error)

	// TotalSpent sums TOPUP amounts net of refunds of those top-ups
	TotalSpent(ctx context.Context, accountID int64) (int64, error)
}
