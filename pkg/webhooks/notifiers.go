package webhooks

import (
	"context"
	"errors"
	"sync"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// ChannelNotifier hands outcomes to an in-process consumer such as the bot's
// message dispatcher. Notify blocks while the buffer is full until ctx ends.
type ChannelNotifier struct {
	ch     chan billing.Outcome
	mu     sync.RWMutex
	closed bool
}

// NewChannelNotifier creates a notifier with the given buffer size
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan billing.Outcome, buffer)}
}

// C returns the outcome stream. It is closed by Close.
func (n *ChannelNotifier) C() <-chan billing.Outcome { return n.ch }

// Notify implements billing.Notifier
func (n *ChannelNotifier) Notify(ctx context.Context, outcome billing.Outcome) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return errors.New("notifier closed")
	}
	select {
	case n.ch <- outcome:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the stream. Pending Notify calls finish first.
func (n *ChannelNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}

// MultiNotifier fans an outcome out to several notifiers. Every notifier is
// called even when an earlier one fails.
type MultiNotifier []billing.Notifier

// Notify implements billing.Notifier
func (m MultiNotifier) Notify(ctx context.Context, outcome billing.Outcome) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
