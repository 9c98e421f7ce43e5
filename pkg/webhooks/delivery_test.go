package webhooks

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func deliveryLog(id, endpoint, event string, status DeliveryStatus, age time.Duration) DeliveryLog {
	return DeliveryLog{
		ID:         id,
		EndpointID: endpoint,
		EventID:    event,
		Status:     status,
		CreatedAt:  base.Add(-age),
	}
}

func TestNewDeliveryLogStoreDefaults(t *testing.T) {
	assert.Equal(t, 500, NewDeliveryLogStore(500).maxLogs)
	assert.Equal(t, 1000, NewDeliveryLogStore(0).maxLogs)
	assert.Equal(t, 1000, NewDeliveryLogStore(-10).maxLogs)
}

func TestDeliveryLogStoreCopies(t *testing.T) {
	store := NewDeliveryLogStore(10)
	log := deliveryLog("d1", "e1", "evt1", DeliveryStatusPending, 0)
	store.Add(log)

	got, ok := store.Get("d1")
	require.True(t, ok)
	got.Status = DeliveryStatusSuccess

	again, _ := store.Get("d1")
	assert.Equal(t, DeliveryStatusPending, again.Status)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestDeliveryLogStoreUpdateIgnoresEvicted(t *testing.T) {
	store := NewDeliveryLogStore(10)
	store.Update(deliveryLog("ghost", "e1", "evt1", DeliveryStatusSuccess, 0))
	_, ok := store.Get("ghost")
	assert.False(t, ok)
}

func TestByEndpointNewestFirst(t *testing.T) {
	store := NewDeliveryLogStore(10)
	store.Add(deliveryLog("old", "e1", "a", DeliveryStatusSuccess, 3*time.Minute))
	store.Add(deliveryLog("new", "e1", "b", DeliveryStatusSuccess, time.Minute))
	store.Add(deliveryLog("mid", "e1", "c", DeliveryStatusSuccess, 2*time.Minute))
	store.Add(deliveryLog("other", "e2", "a", DeliveryStatusSuccess, 0))

	logs := store.ByEndpoint("e1", 0)
	require.Len(t, logs, 3)
	assert.Equal(t, "new", logs[0].ID)
	assert.Equal(t, "mid", logs[1].ID)
	assert.Equal(t, "old", logs[2].ID)

	assert.Len(t, store.ByEndpoint("e1", 2), 2)
	assert.Empty(t, store.ByEndpoint("e3", 0))

	byEvent := store.ByEvent("a")
	require.Len(t, byEvent, 2)
	assert.Equal(t, "e1", byEvent[0].EndpointID)
	assert.Equal(t, "e2", byEvent[1].EndpointID)
}

func TestDueRetries(t *testing.T) {
	store := NewDeliveryLogStore(10)
	due := base.Add(-time.Second)
	later := base.Add(time.Minute)

	a := deliveryLog("due", "e1", "a", DeliveryStatusRetrying, 0)
	a.NextRetryAt = &due
	b := deliveryLog("now", "e1", "b", DeliveryStatusRetrying, 0)
	b.NextRetryAt = &base
	c := deliveryLog("later", "e1", "c", DeliveryStatusRetrying, 0)
	c.NextRetryAt = &later
	d := deliveryLog("done", "e1", "d", DeliveryStatusSuccess, 0)
	d.NextRetryAt = &due
	for _, l := range []DeliveryLog{a, b, c, d} {
		store.Add(l)
	}

	logs := store.DueRetries(base)
	require.Len(t, logs, 2)
	assert.Equal(t, "due", logs[0].ID)
	assert.Equal(t, "now", logs[1].ID)
}

func TestEvictionPrefersFinishedLogs(t *testing.T) {
	store := NewDeliveryLogStore(10)
	store.Add(deliveryLog("retrying-oldest", "e1", "x", DeliveryStatusRetrying, time.Hour))
	for i := 0; i < 9; i++ {
		store.Add(deliveryLog(fmt.Sprintf("ok-%d", i), "e1", "x", DeliveryStatusSuccess, time.Duration(9-i)*time.Minute))
	}

	store.Add(deliveryLog("newest", "e1", "x", DeliveryStatusPending, 0))

	_, ok := store.Get("retrying-oldest")
	assert.True(t, ok, "unfinished deliveries survive eviction")
	_, ok = store.Get("ok-0")
	assert.False(t, ok, "oldest finished delivery evicted")
	_, ok = store.Get("newest")
	assert.True(t, ok)
	assert.Len(t, store.ByEndpoint("e1", 0), 10)
}

func TestStats(t *testing.T) {
	store := NewDeliveryLogStore(100)
	ok1 := deliveryLog("1", "e1", "a", DeliveryStatusSuccess, 0)
	ok1.Duration = 100 * time.Millisecond
	ok2 := deliveryLog("2", "e1", "b", DeliveryStatusSuccess, 0)
	ok2.Duration = 300 * time.Millisecond
	store.Add(ok1)
	store.Add(ok2)
	store.Add(deliveryLog("3", "e1", "c", DeliveryStatusFailed, 0))
	store.Add(deliveryLog("4", "e1", "d", DeliveryStatusRetrying, 0))
	store.Add(deliveryLog("5", "e2", "d", DeliveryStatusSuccess, 0))

	stats := store.Stats("e1")
	assert.Equal(t, "e1", stats.EndpointID)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Retrying)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 200*time.Millisecond, stats.AverageDuration)

	empty := store.Stats("none")
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}
