package payments

import (
	"context"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// EventStore persists payment events keyed by (provider, event id)
type EventStore interface {
	GetEvent(ctx context.Context, provider billing.ProviderID, eventID string) (*billing.PaymentEvent, error)

	// CreateEvent inserts the event if absent; storage.ErrDuplicateKey otherwise
	CreateEvent(ctx context.Context, e *billing.PaymentEvent) error

	// TouchEvent records a repeated delivery: the observed status, the time,
	// an attempt and the last processing error. An observed CONFIRMED is
	// sticky: later observations do not replace it.
	TouchEvent(ctx context.Context, provider billing.ProviderID, eventID string, observed billing.PaymentStatus, seenAt time.Time, lastError string) error

	// TransitionEvent moves status from -> to if the stored status is still
	// from; storage.ErrConditionFailed otherwise.
	TransitionEvent(ctx context.Context, provider billing.ProviderID, eventID string, from, to billing.PaymentStatus, transactionID string, at time.Time) error

	// ListPendingEvents returns one page of PENDING events, oldest first
	ListPendingEvents(ctx context.Context, q storage.PendingQuery) ([]*billing.PaymentEvent, error)
}
