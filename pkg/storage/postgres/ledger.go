package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"


	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

const txColumns = `id, account_id, amount, kind, idempotency_key, external_provider,
	external_event_id, related_id, description, balance_after, created_at`

// AppendTransaction implements ledger.Store. The account row is locked with
// FOR UPDATE, so the balance check, the key check and the insert happen as
// one step; the partial unique index on (account_id, idempotency_key) backs
// the key check if two writers ever bypass the row lock.
func (s *Store) AppendTransaction(ctx context.Context, tx *billing.LedgerTransaction, expectedBalance int64) (err error) {
	ctx, span := observability.StartSpan(ctx, "postgres.append_transaction",
		observability.AttrAccountID.Int64(tx.AccountID),
		observability.AttrTxKind.String(string(tx.Kind)),
	)
	defer func() { observability.EndSpan(span, err) }()

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	var balance int64
	err = dbtx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, tx.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", billing.ErrAccountNotFound, tx.AccountID)
	}
	if err != nil {
		return mapError("lock account", err)
	}

	if tx.IdempotencyKey != "" {
		var exists bool
		err = dbtx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE account_id = $1 AND idempotency_key = $2)`,
			tx.AccountID, tx.IdempotencyKey).Scan(&exists)
		if err != nil {
			return mapError("check idempotency key", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, tx.IdempotencyKey)
		}
	}

	switch {
	case balance != expectedBalance:
		return fmt.Errorf("%w: expected %d, have %d", storage.ErrBalanceConflict, expectedBalance, balance)
	case expectedBalance+tx.Amount != tx.BalanceAfter:
		return fmt.Errorf("%w: balance_after %d does not match %d%+d", storage.ErrBalanceConflict, tx.BalanceAfter, expectedBalance, tx.Amount)
	case tx.BalanceAfter < 0:
		return fmt.Errorf("%w: %d", storage.ErrNegativeBalance, tx.BalanceAfter)
	}

	var provider, eventID sql.NullString
	if tx.External != nil {
		provider = nullString(string(tx.External.Provider))
		eventID = nullString(tx.External.EventID)
	}
	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.AccountID, tx.Amount, string(tx.Kind), nullString(tx.IdempotencyKey),
		provider, eventID, nullString(tx.RelatedID), tx.Description, tx.BalanceAfter, tx.CreatedAt)
	if err != nil {
		return mapError("insert transaction", err)
	}

	if _, err = dbtx.ExecContext(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, tx.AccountID, tx.BalanceAfter); err != nil {
		return mapError("update balance", err)
	}
	if err = dbtx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// GetBalance implements ledger.Store
func (s *Store) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return 0, mapError("get balance", err)
	}
	return balance, nil
}

// SumTransactions implements ledger.Store
func (s *Store) SumTransactions(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE account_id = $1`, accountID).Scan(&sum)
	return sum, mapError("sum transactions", err)
}

func scanTransaction(row interface{ Scan(...any) error }) (*billing.LedgerTransaction, error) {
	var tx billing.LedgerTransaction
	var kind string
	var key, provider, eventID, related sql.NullString
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &key, &provider,
		&eventID, &related, &tx.Description, &tx.BalanceAfter, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = billing.TransactionKind(kind)
	tx.IdempotencyKey = key.String
	tx.RelatedID = related.String
	if provider.Valid {
		tx.External = &billing.ExternalRef{Provider: billing.ProviderID(provider.String), EventID: eventID.String}
	}
	return &tx, nil
}

func (s *Store) findTransaction(ctx context.Context, db *sql.DB, op, where string, args ...any) (*billing.LedgerTransaction, error) {
	tx, err := scanTransaction(db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM ledger_transactions WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError(op, err)
	}
	return tx, nil
}

// FindTransactionByKey implements ledger.Store
func (s *Store) FindTransactionByKey(ctx context.Context, accountID int64, key string) (*billing.LedgerTransaction, error) {
	return s.findTransaction(ctx, s.db, "find transaction by key",
		`account_id = $1 AND idempotency_key = $2`, accountID, key)
}

// GetTransaction implements ledger.Store
func (s *Store) GetTransaction(ctx context.Context, id string) (*billing.LedgerTransaction, error) {
	return s.findTransaction(ctx, s.db, "get transaction", `id = $1`, id)
}

// FirstTransactionOfKind implements ledger.Store
func (s *Store) FirstTransactionOfKind(ctx context.Context, accountID int64, kind billing.TransactionKind) (*billing.LedgerTransaction, error) {
	return s.findTransaction(ctx, s.db, "first transaction of kind",
		`account_id = $1 AND kind = $2 ORDER BY seq LIMIT 1`, accountID, string(kind))
}

// ListTransactions implements ledger.Store, newest first. A limit of 0 means no limit.
func (s *Store) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]*billing.LedgerTransaction, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT NULLIF($2, 0) OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, mapError("list transactions", err)
	}
	defer rows.Close()

	var out []*billing.LedgerTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError("scan transaction", err)
		}
		out = append(out, tx)
	}
	return out, mapError("list transactions", rows.Err())
}

// TotalSpent implements ledger.Store
func (s *Store) TotalSpent(ctx context.Context, accountID int64) (int64, error) {
	var spent int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(t.amount), 0)
		FROM ledger_transactions t
		LEFT JOIN ledger_transactions o ON o.id = t.related_id
		WHERE t.account_id = $1
		  AND (t.kind = 'TOPUP' OR (t.kind = 'REFUND' AND o.kind = 'TOPUP'))`,
		accountID).Scan(&spent)
	return spent, mapError("total spent", err)
}
