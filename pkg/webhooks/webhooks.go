package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/billingcore/pkg/async"
	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
)

// Delivery headers
const (
	HeaderEvent     = "X-Billing-Event"
	HeaderEventID   = "X-Billing-Event-ID"
	HeaderDelivery  = "X-Billing-Delivery"
	HeaderSignature = "X-Billing-Signature"
)

const maxResponseBody = 1024

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrRateLimited      = errors.New("endpoint rate limit exceeded")
)

var validate = validator.New()

// Endpoint is an HTTP receiver subscribed to outcome types
type Endpoint struct {
	ID          string                `json:"id"`
	URL         string                `json:"url" validate:"required,url,startswith=http"`
	Events      []billing.OutcomeType `json:"events" validate:"required,min=1,dive,oneof=renewal.succeeded renewal.failed subscription.expired topup.confirmed commission.paid referral.bonus_paid"`
	Secret      string                `json:"secret,omitempty"`
	Active      bool                  `json:"active"`
	Description string                `json:"description,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Wants reports whether the endpoint subscribes to t
func (e *Endpoint) Wants(t billing.OutcomeType) bool {
	for _, ev := range e.Events {
		if ev == t {
			return true
		}
	}
	return false
}

// redacted hides the secret for API responses
func (e Endpoint) redacted() Endpoint {
	if e.Secret != "" {
		e.Secret = "********"
	}
	return e
}

// Manager delivers outcome events to registered endpoints. It implements
// billing.Notifier: Notify records a delivery log per subscribed endpoint and
// hands the HTTP call to a worker pool, so callers holding account locks
// never wait on a receiver.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	client     *http.Client
	deliveries *DeliveryLogStore
	retry      *async.RetryPolicy
	limiter    *RateLimiter
	pool       *async.WorkerPool
	workers    int
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient replaces the default instrumented client
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithRetryPolicy sets the redelivery backoff
func WithRetryPolicy(p *async.RetryPolicy) Option { return func(m *Manager) { m.retry = p } }

// WithRateLimit allows n deliveries per period to each endpoint
func WithRateLimit(n int, period time.Duration) Option {
	return func(m *Manager) { m.limiter = NewRateLimiter(n, period) }
}

// WithWorkers sets the number of concurrent deliveries
func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

// WithDeliveryLogSize bounds the in-memory delivery log
func WithDeliveryLogSize(n int) Option {
	return func(m *Manager) { m.deliveries = NewDeliveryLogStore(n) }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a manager whose delivery workers live until ctx is
// cancelled or Close is called.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		endpoints: make(map[string]*Endpoint),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		deliveries: NewDeliveryLogStore(1000),
		retry:      async.NewRetryPolicy(async.DefaultRetryConfig()),
		limiter:    NewRateLimiter(100, time.Minute),
		workers:    4,
		logger:     observability.NewLogger(observability.InfoLevel, nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.limiter.now = m.now
	m.pool = async.NewWorkerPool(ctx, m.logger, m.workers, "outcome delivery", m.client.Timeout+5*time.Second)
	return m
}

// Close stops accepting deliveries and waits up to timeout for queued ones
func (m *Manager) Close(timeout time.Duration) error {
	return m.pool.Shutdown(timeout)
}

// Register validates and adds an endpoint. ID and timestamps are assigned.
func (m *Manager) Register(e *Endpoint) error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	now := m.now()
	e.ID = uuid.NewString()
	e.Active = true
	e.CreatedAt = now
	e.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *e
	m.endpoints[e.ID] = &stored
	return nil
}

// Unregister removes an endpoint
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	m.limiter.Reset(id)
	return nil
}

// Update replaces the URL, event filter, secret and description of an
// endpoint. An empty secret keeps the current one.
func (m *Manager) Update(id string, updates *Endpoint) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}

	next := *e
	next.URL = updates.URL
	next.Events = updates.Events
	next.Description = updates.Description
	if updates.Secret != "" {
		next.Secret = updates.Secret
	}
	if err := validate.Struct(&next); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	next.UpdatedAt = m.now()
	m.endpoints[id] = &next
	return next, nil
}

// Get returns a copy of an endpoint
func (m *Manager) Get(id string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return *e, nil
}

// List returns all endpoints, oldest first
func (m *Manager) List() []Endpoint {
	m.mu.RLock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, *e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetActive enables or disables delivery to an endpoint
func (m *Manager) SetActive(id string, active bool) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	e.Active = active
	e.UpdatedAt = m.now()
	return *e, nil
}

// Deliveries exposes the delivery log
func (m *Manager) Deliveries() *DeliveryLogStore { return m.deliveries }

// Notify queues the outcome for every active endpoint subscribed to its
// type. It returns once the deliveries are queued, not sent.
func (m *Manager) Notify(ctx context.Context, outcome billing.Outcome) error {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	if outcome.OccurredAt.IsZero() {
		outcome.OccurredAt = m.now()
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	var errs []error
	for _, e := range m.subscribers(outcome.Type) {
		log := DeliveryLog{
			ID:         uuid.NewString(),
			EndpointID: e.ID,
			EventID:    outcome.ID,
			EventType:  outcome.Type,
			URL:        e.URL,
			Status:     DeliveryStatusPending,
			CreatedAt:  m.now(),
			Payload:    body,
		}
		m.deliveries.Add(log)
		if err := m.submit(e, log); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) subscribers(t billing.OutcomeType) []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Endpoint
	for _, e := range m.endpoints {
		if e.Active && e.Wants(t) {
			out = append(out, *e)
		}
	}
	return out
}

func (m *Manager) submit(e Endpoint, log DeliveryLog) error {
	err := m.pool.Submit(func(ctx context.Context) error {
		m.attempt(ctx, e, log)
		return nil
	})
	if err != nil {
		m.fail(log, err)
	}
	return err
}

// attempt makes one delivery attempt and records its result
func (m *Manager) attempt(ctx context.Context, e Endpoint, log DeliveryLog) {
	log.Attempts++
	log.NextRetryAt = nil

	var err error
	if !m.limiter.Allow(e.ID) {
		err = ErrRateLimited
	} else {
		start := m.now()
		err = m.send(ctx, e, &log)
		log.Duration = m.now().Sub(start)
	}

	if err == nil {
		now := m.now()
		log.Status = DeliveryStatusSuccess
		log.ErrorMessage = ""
		log.CompletedAt = &now
		m.deliveries.Update(log)
		m.metrics.RecordOutcomeDelivery(string(log.EventType), "success")
		return
	}

	if m.retry.ShouldRetry(log.Attempts, err) {
		next := m.retry.NextRetryTime(m.now(), log.Attempts)
		log.Status = DeliveryStatusRetrying
		log.ErrorMessage = err.Error()
		log.NextRetryAt = &next
		m.deliveries.Update(log)
		m.metrics.RecordOutcomeDelivery(string(log.EventType), "retrying")
		m.logger.WithFields(map[string]interface{}{
			"endpoint_id": e.ID,
			"event_id":    log.EventID,
			"attempts":    log.Attempts,
		}).WithError(err).Warn("Outcome delivery failed, will retry")
		return
	}

	m.fail(log, fmt.Errorf("max retries exceeded: %w", err))
}

func (m *Manager) fail(log DeliveryLog, err error) {
	now := m.now()
	log.Status = DeliveryStatusFailed
	log.ErrorMessage = err.Error()
	log.NextRetryAt = nil
	log.CompletedAt = &now
	m.deliveries.Update(log)
	m.metrics.RecordOutcomeDelivery(string(log.EventType), "failed")
	m.logger.WithFields(map[string]interface{}{
		"endpoint_id": log.EndpointID,
		"event_id":    log.EventID,
		"event_type":  string(log.EventType),
	}).WithError(err).Error("Outcome delivery failed")
}

// send POSTs the stored payload to the endpoint
func (m *Manager) send(ctx context.Context, e Endpoint, log *DeliveryLog) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(log.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billingcore-webhooks/1.0")
	req.Header.Set(HeaderEvent, string(log.EventType))
	req.Header.Set(HeaderEventID, log.EventID)
	req.Header.Set(HeaderDelivery, log.ID)
	if e.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(log.Payload, e.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.StatusCode = 0
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	log.StatusCode = resp.StatusCode
	log.ResponseBody = string(respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received X-Billing-Signature header
func VerifySignature(body []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}
