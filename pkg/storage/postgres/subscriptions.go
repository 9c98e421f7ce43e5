package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

const subColumns = `id, account_id, period_days, traffic_gb, device_limit, servers, state,
	auto_renew, period_end, last_renewal_attempt, failed_attempts, warnings_sent, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*billing.Subscription, error) {
	var sub billing.Subscription
	var state string
	var servers []string
	var warnings []int64
	var last sql.NullTime
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.Plan.PeriodDays, &sub.Plan.TrafficGB, &sub.Plan.DeviceLimit,
		pq.Array(&servers), &state, &sub.AutoRenew, &sub.PeriodEnd, &last, &sub.FailedAttempts,
		pq.Array(&warnings), &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.State = billing.SubscriptionState(state)
	if len(servers) > 0 {
		sub.Plan.Servers = servers
	}
	if last.Valid {
		t := last.Time
		sub.LastRenewalAttempt = &t
	}
	for _, w := range warnings {
		sub.WarningsSent = append(sub.WarningsSent, int(w))
	}
	return &sub, nil
}

func int64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// CreateSubscription stores a subscription and assigns its id
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	servers := sub.Plan.Servers
	if servers == nil {
		servers = []string{}
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (account_id, period_days, traffic_gb, device_limit, servers, state,
			auto_renew, period_end, last_renewal_attempt, failed_attempts, warnings_sent, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		sub.AccountID, sub.Plan.PeriodDays, sub.Plan.TrafficGB, sub.Plan.DeviceLimit, pq.Array(servers),
		string(sub.State), sub.AutoRenew, sub.PeriodEnd, sub.LastRenewalAttempt, sub.FailedAttempts,
		pq.Array(int64s(sub.WarningsSent)), updated,
	).Scan(&sub.ID)
	return mapError("create subscription", err)
}

// GetSubscription implements renewal.SubscriptionStore
func (s *Store) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id)
	}
	if err != nil {
		return nil, mapError("get subscription", err)
	}
	return sub, nil
}

func (s *Store) listSubscriptions(ctx context.Context, op, query string, args ...any) ([]*billing.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, mapError("scan subscription", err)
		}
		out = append(out, sub)
	}
	return out, mapError(op, rows.Err())
}

// ListDueSubscriptions implements renewal.SubscriptionStore
func (s *Store) ListDueSubscriptions(ctx context.Context, q storage.DueQuery) ([]*billing.Subscription, error) {
	var retryBefore, afterEnd, afterID any
	if !q.RetryBefore.IsZero() {
		retryBefore = q.RetryBefore
	}
	if q.After != nil {
		afterEnd, afterID = q.After.PeriodEnd, q.After.ID
	}
	return s.listSubscriptions(ctx, "list due subscriptions", `
		SELECT `+subColumns+` FROM subscriptions
		WHERE auto_renew AND state IN ('ACTIVE', 'TRIAL') AND period_end < $1
		  AND ($2::timestamptz IS NULL OR last_renewal_attempt IS NULL OR last_renewal_attempt <= $2)
		  AND ($3::timestamptz IS NULL OR (period_end, id) > ($3, $4::bigint))
		ORDER BY period_end, id
		LIMIT NULLIF($5, 0)`, q.DueBefore, retryBefore, afterEnd, afterID, q.Limit)
}

// ListAccountSubscriptions implements renewal.SubscriptionStore
func (s *Store) ListAccountSubscriptions(ctx context.Context, accountID int64) ([]*billing.Subscription, error) {
	return s.listSubscriptions(ctx, "list account subscriptions",
		`SELECT `+subColumns+` FROM subscriptions WHERE account_id = $1 ORDER BY id`, accountID)
}

func (s *Store) guardedSubscriptionUpdate(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.missOrConflict(ctx, "subscriptions", `id = $1`,
		fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id), id)
}

// RecordRenewal implements renewal.SubscriptionStore. The previous period end
// guards against a concurrent renewal of the same cycle.
func (s *Store) RecordRenewal(ctx context.Context, id int64, prevPeriodEnd, newPeriodEnd, attemptAt time.Time) error {
	return s.guardedSubscriptionUpdate(ctx, "record renewal", id, `
		UPDATE subscriptions
		SET period_end = $3, last_renewal_attempt = $4, failed_attempts = 0,
		    warnings_sent = '{}', state = 'ACTIVE', updated_at = $4
		WHERE id = $1 AND period_end = $2`,
		id, prevPeriodEnd, newPeriodEnd, attemptAt)
}

// RecordFailedAttempt implements renewal.SubscriptionStore
func (s *Store) RecordFailedAttempt(ctx context.Context, id int64, periodEnd, attemptAt time.Time, warningsSent []int) error {
	return s.guardedSubscriptionUpdate(ctx, "record failed attempt", id, `
		UPDATE subscriptions
		SET last_renewal_attempt = $3, failed_attempts = failed_attempts + 1,
		    warnings_sent = $4, updated_at = $3
		WHERE id = $1 AND period_end = $2`,
		id, periodEnd, attemptAt, pq.Array(int64s(warningsSent)))
}

// SetSubscriptionState implements renewal.SubscriptionStore as a compare-and-swap
func (s *Store) SetSubscriptionState(ctx context.Context, id int64, from, to billing.SubscriptionState) error {
	return s.guardedSubscriptionUpdate(ctx, "set subscription state", id, `
		UPDATE subscriptions SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to))
}
