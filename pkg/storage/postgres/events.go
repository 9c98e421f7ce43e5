package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

const eventColumns = `provider, event_id, account_id, amount, currency, status, observed,
	payload_digest, transaction_id, attempts, last_error, first_seen_at, last_seen_at, confirmed_at`

func scanEvent(row interface{ Scan(...any) error }) (*billing.PaymentEvent, error) {
	var e billing.PaymentEvent
	var provider, status, observed string
	var confirmed sql.NullTime
	err := row.Scan(&provider, &e.EventID, &e.AccountID, &e.Amount, &e.Currency, &status, &observed,
		&e.PayloadDigest, &e.TransactionID, &e.Attempts, &e.LastError, &e.FirstSeenAt, &e.LastSeenAt, &confirmed)
	if err != nil {
		return nil, err
	}
	e.Provider = billing.ProviderID(provider)
	e.Status = billing.PaymentStatus(status)
	e.Observed = billing.PaymentStatus(observed)
	if confirmed.Valid {
		t := confirmed.Time
		e.ConfirmedAt = &t
	}
	return &e, nil
}

// GetEvent implements payments.EventStore
func (s *Store) GetEvent(ctx context.Context, provider billing.ProviderID, eventID string) (*billing.PaymentEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get event", err)
	}
	return e, nil
}

// CreateEvent implements payments.EventStore; it inserts only if absent
func (s *Store) CreateEvent(ctx context.Context, e *billing.PaymentEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		string(e.Provider), e.EventID, e.AccountID, e.Amount, e.Currency, string(e.Status), string(e.Observed),
		e.PayloadDigest, e.TransactionID, e.Attempts, e.LastError, e.FirstSeenAt, e.LastSeenAt, e.ConfirmedAt)
	if err != nil {
		return mapError("create event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", storage.ErrDuplicateKey, e.Provider, e.EventID)
	}
	return nil
}

// TouchEvent implements payments.EventStore. A recorded CONFIRMED
// observation is never overwritten.
func (s *Store) TouchEvent(ctx context.Context, provider billing.ProviderID, eventID string, observed billing.PaymentStatus, seenAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET observed = CASE WHEN observed = 'CONFIRMED' THEN observed ELSE $3 END,
		    last_seen_at = $4, attempts = attempts + 1, last_error = $5
		WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID, string(observed), seenAt, lastError)
	if err != nil {
		return mapError("touch event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TransitionEvent implements payments.EventStore as a compare-and-swap on status
func (s *Store) TransitionEvent(ctx context.Context, provider billing.ProviderID, eventID string, from, to billing.PaymentStatus, transactionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_events
		SET status = $4,
		    last_seen_at = $6,
		    confirmed_at   = CASE WHEN $4 = 'CONFIRMED' THEN $6 ELSE confirmed_at END,
		    transaction_id = CASE WHEN $4 = 'CONFIRMED' THEN $5 ELSE transaction_id END,
		    last_error     = CASE WHEN $4 = 'CONFIRMED' THEN '' ELSE last_error END
		WHERE provider = $1 AND event_id = $2 AND status = $3`,
		string(provider), eventID, string(from), string(to), transactionID, at)
	if err != nil {
		return mapError("transition event", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.missOrConflict(ctx, "payment_events", `provider = $1 AND event_id = $2`, storage.ErrNotFound, string(provider), eventID)
}

// ListPendingEvents implements payments.EventStore, oldest first
func (s *Store) ListPendingEvents(ctx context.Context, q storage.PendingQuery) ([]*billing.PaymentEvent, error) {
	var afterAt, afterProvider, afterID any
	if q.After != nil {
		afterAt, afterProvider, afterID = q.After.FirstSeenAt, string(q.After.Provider), q.After.EventID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM payment_events
		WHERE status = 'PENDING'
		  AND ($1::timestamptz IS NULL OR (first_seen_at, provider, event_id) > ($1, $2::text, $3::text))
		ORDER BY first_seen_at, provider, event_id
		LIMIT NULLIF($4, 0)`, afterAt, afterProvider, afterID, q.Limit)
	if err != nil {
		return nil, mapError("list pending events", err)
	}
	defer rows.Close()

	var out []*billing.PaymentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, mapError("scan event", err)
		}
		out = append(out, e)
	}
	return out, mapError("list pending events", rows.Err())
}

// missOrConflict explains a guarded update that matched no row: notFound if
// the row is absent, storage.ErrConditionFailed if the guard did not hold.
func (s *Store) missOrConflict(ctx context.Context, table, where string, notFound error, args ...any) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE `+where+`)`, args...).Scan(&exists)
	if err != nil {
		return mapError("check "+table, err)
	}
	if !exists {
		return notFound
	}
	return storage.ErrConditionFailed
}
