package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// ErrIgnored is returned by Normalize for deliveries that carry no payment
// state (test pings, refund notices, non-payment updates). They are
// acknowledged and not recorded.
var ErrIgnored = errors.New("delivery ignored")

// Request is one inbound webhook delivery as received on the wire
type Request struct {
	Body     []byte
	Header   http.Header
	ClientIP string
	Received time.Time
}

// Adapter verifies and normalizes one provider's webhooks.
//
// VerifySignature must be called before Normalize; a payload that fails it
// is never recorded.
type Adapter interface {
	Provider() billing.ProviderID
	VerifySignature(req *Request) error
	Normalize(req *Request) (*billing.PaymentEvent, error)
}

// Poller is implemented by adapters that can query a payment's current
// status from the provider API. The pending sweep uses it for events whose
// final webhook never arrived.
type Poller interface {
	Poll(ctx context.Context, event *billing.PaymentEvent) (billing.PaymentStatus, error)
}

// Registry maps provider ids to adapters. It is built once at startup.
type Registry struct {
	adapters map[billing.ProviderID]Adapter
	disabled map[billing.ProviderID]bool
}

// NewRegistryFromAdapters builds a registry of enabled adapters. Providers
// listed in disabled resolve to billing.ErrProviderDisabled.
func NewRegistryFromAdapters(adapters []Adapter, disabled ...billing.ProviderID) *Registry {
	r := &Registry{
		adapters: make(map[billing.ProviderID]Adapter, len(adapters)),
		disabled: make(map[billing.ProviderID]bool, len(disabled)),
	}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	for _, id := range disabled {
		if _, ok := r.adapters[id]; !ok {
			r.disabled[id] = true
		}
	}
	return r
}

// Lookup returns the adapter of a provider
func (r *Registry) Lookup(id billing.ProviderID) (Adapter, error) {
	if a, ok := r.adapters[id]; ok {
		return a, nil
	}
	if r.disabled[id] {
		return nil, fmt.Errorf("%w: %s", billing.ErrProviderDisabled, id)
	}
	return nil, fmt.Errorf("%w: %s", billing.ErrUnknownProvider, id)
}

// Enabled lists the enabled providers in name order
func (r *Registry) Enabled() []billing.ProviderID {
	out := make([]billing.ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
