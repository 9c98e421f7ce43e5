package webhooks

import (
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// DeliveryStatus represents the status of an outcome delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DeliveryLog tracks one outcome event sent to one endpoint across attempts.
// Payload holds the exact signed body so retries resend identical bytes.
type DeliveryLog struct {
	ID           string              `json:"id"`
	EndpointID   string              `json:"endpoint_id"`
	EventID      string              `json:"event_id"`
	EventType    billing.OutcomeType `json:"event_type"`
	URL          string              `json:"url"`
	Status       DeliveryStatus      `json:"status"`
	StatusCode   int                 `json:"status_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Attempts     int                 `json:"attempts"`
	NextRetryAt  *time.Time          `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Duration     time.Duration       `json:"duration,omitempty"`
	ResponseBody string              `json:"response_body,omitempty"`
	Payload      []byte              `json:"-"`
}

// DeliveryLogStore is a bounded in-memory store of delivery logs. Values are
// copied in and out so callers never share a log with a running attempt.
type DeliveryLogStore struct {
	logs    map[string]DeliveryLog
	mutex   sync.RWMutex
	maxLogs int
}

// NewDeliveryLogStore creates a new delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add adds a delivery log, evicting the oldest finished logs when full
func (s *DeliveryLogStore) Add(log DeliveryLog) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	s.logs[log.ID] = log
}

// Get retrieves a delivery log by ID
func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	log, ok := s.logs[id]
	return log, ok
}

// ByEndpoint returns the newest logs for an endpoint first
func (s *DeliveryLogStore) ByEndpoint(endpointID string, limit int) []DeliveryLog {
	s.mutex.RLock()
	var result []DeliveryLog
	for _, log := range s.logs {
		if log.EndpointID == endpointID {
			result = append(result, log)
		}
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ByEvent returns the logs for one outcome event across endpoints
func (s *DeliveryLogStore) ByEvent(eventID string) []DeliveryLog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []DeliveryLog
	for _, log := range s.logs {
		if log.EventID == eventID {
			result = append(result, log)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndpointID < result[j].EndpointID })
	return result
}

// Update replaces a delivery log. Logs evicted in the meantime stay evicted.
func (s *DeliveryLogStore) Update(log DeliveryLog) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.logs[log.ID]; ok {
		s.logs[log.ID] = log
	}
}

// DueRetries returns retrying logs whose next attempt is due at now
func (s *DeliveryLogStore) DueRetries(now time.Time) []DeliveryLog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []DeliveryLog
	for _, log := range s.logs {
		if log.Status == DeliveryStatusRetrying && log.NextRetryAt != nil && !log.NextRetryAt.After(now) {
			result = append(result, log)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextRetryAt.Before(*result[j].NextRetryAt) })
	return result
}

// evictOldest removes the oldest 10% of logs, finished ones first
func (s *DeliveryLogStore) evictOldest() {
	logs := make([]DeliveryLog, 0, len(s.logs))
	for _, log := range s.logs {
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		fi, fj := logs[i].finished(), logs[j].finished()
		if fi != fj {
			return fi
		}
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})

	evictCount := len(logs) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(logs); i++ {
		delete(s.logs, logs[i].ID)
	}
}

func (l DeliveryLog) finished() bool {
	return l.Status == DeliveryStatusSuccess || l.Status == DeliveryStatusFailed
}

// Stats returns delivery statistics for an endpoint
func (s *DeliveryLogStore) Stats(endpointID string) DeliveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := DeliveryStats{EndpointID: endpointID}
	for _, log := range s.logs {
		if log.EndpointID != endpointID {
			continue
		}

		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			stats.TotalDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		case DeliveryStatusPending:
			stats.Pending++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats represents delivery statistics
type DeliveryStats struct {
	EndpointID      string        `json:"endpoint_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	Pending         int           `json:"pending"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}
