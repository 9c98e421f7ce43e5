package pricing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Snapshot is one immutable pricing configuration. Monthly amounts are for a
// 30-day period. A snapshot is never modified after it has been published to
// a Holder; configuration changes produce a new snapshot.
type Snapshot struct {
	Currency string `yaml:"currency"`

	// BasePrices maps period length in days to its price. Lookup only, no interpolation.
	BasePrices map[int]int64 `yaml:"periods"`

	// TrafficPackages maps traffic GB to its monthly price; 0 GB is unlimited.
	TrafficPackages map[int]int64 `yaml:"traffic"`

	Devices DevicePricing `yaml:"devices"`
	Servers ServerPricing `yaml:"servers"`

	// PeriodDiscounts apply to accounts without a promo group.
	PeriodDiscounts map[int]int `yaml:"period_discounts"`

	// Tiers are spend-based discount tiers
	Tiers []billing.DiscountTier `yaml:"tiers"`

	Version  string    `yaml:"version"`
	LoadedAt time.Time `yaml:"-"`
}

// DevicePricing charges devices beyond the included allotment
type DevicePricing struct {
	Included int   `yaml:"included"`
	Price    int64 `yaml:"price"`
	Max      int   `yaml:"max"`
}

// ServerPricing charges servers beyond the included count. The included
// allotment covers the cheapest selected servers.
type ServerPricing struct {
	Included int              `yaml:"included"`
	Prices   map[string]int64 `yaml:"prices"`
}

// Validate checks that the snapshot can price at least one plan
func (s *Snapshot) Validate() error {
	var errs []error
	if len(s.BasePrices) == 0 {
		errs = append(errs, errors.New("no periods configured"))
	}
	for days, price := range s.BasePrices {
		if days <= 0 {
			errs = append(errs, fmt.Errorf("period %d must be positive", days))
		}
		if price < 0 {
			errs = append(errs, fmt.Errorf("period %d has negative price", days))
		}
	}
	if len(s.TrafficPackages) == 0 {
		errs = append(errs, errors.New("no traffic packages configured"))
	}
	for gb, price := range s.TrafficPackages {
		if gb < 0 || price < 0 {
			errs = append(errs, fmt.Errorf("traffic package %d GB is invalid", gb))
		}
	}
	if s.Devices.Included < 0 || s.Devices.Price < 0 || s.Devices.Max < 0 {
		errs = append(errs, errors.New("device pricing must be non-negative"))
	}
	if s.Devices.Max > 0 && s.Devices.Max < s.Devices.Included {
		errs = append(errs, errors.New("device max is below the included count"))
	}
	if s.Servers.Included < 0 {
		errs = append(errs, errors.New("included servers must be non-negative"))
	}
	for name, price := range s.Servers.Prices {
		if price < 0 {
			errs = append(errs, fmt.Errorf("server %s has negative price", name))
		}
	}
	for days, pct := range s.PeriodDiscounts {
		if pct < 0 || pct > 100 {
			errs = append(errs, fmt.Errorf("period discount for %d days out of range", days))
		}
	}
	for _, tier := range s.Tiers {
		if tier.MinSpent < 0 {
			errs = append(errs, fmt.Errorf("tier %s has negative threshold", tier.Name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", billing.ErrInvalidPlanConfiguration, errors.Join(errs...))
	}
	return nil
}

// Periods returns the allowed period lengths in ascending order
func (s *Snapshot) Periods() []int {
	out := make([]int, 0, len(s.BasePrices))
	for days := range s.BasePrices {
		out = append(out, days)
	}
	sort.Ints(out)
	return out
}

// TierFor returns the tier with the highest threshold not above spent, or nil
func (s *Snapshot) TierFor(spent int64) *billing.DiscountTier {
	var best *billing.DiscountTier
	for i := range s.Tiers {
		t := &s.Tiers[i]
		if t.MinSpent <= spent && (best == nil || t.MinSpent > best.MinSpent) {
			best = t
		}
	}
	return best
}

// LinearBasePrices builds a period table proportional to a monthly price,
// rounding half up.
func LinearBasePrices(monthly int64, periods ...int) map[int]int64 {
	out := make(map[int]int64, len(periods))
	for _, days := range periods {
		out[days] = scale(monthly, days)
	}
	return out
}
