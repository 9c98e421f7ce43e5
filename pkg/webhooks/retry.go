package webhooks

import (
	"context"
	"fmt"
)

// RetryDue requeues every delivery whose backoff has elapsed and returns how
// many were requeued. Deliveries to removed or deactivated endpoints are
// marked failed. It is meant to run on a schedule alongside the sweeps.
func (m *Manager) RetryDue(ctx context.Context) (int, error) {
	queued := 0
	for _, log := range m.deliveries.DueRetries(m.now()) {
		if err := ctx.Err(); err != nil {
			return queued, err
		}

		e, err := m.Get(log.EndpointID)
		if err != nil {
			m.fail(log, fmt.Errorf("endpoint removed: %w", err))
			continue
		}
		if !e.Active {
			m.fail(log, fmt.Errorf("endpoint is inactive"))
			continue
		}

		// Pending keeps the next pass from queueing it twice.
		log.Status = DeliveryStatusPending
		log.NextRetryAt = nil
		m.deliveries.Update(log)
		if err := m.submit(e, log); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}
