package pricing

import (
	"fmt"
	"sort"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Quote is a priced plan with its per-component breakdown. Component amounts
// are after discounts.
type Quote struct {
	PeriodDays int   `json:"period_days"`
	Base       int64 `json:"base"`
	Traffic    int64 `json:"traffic"`
	Devices    int64 `json:"devices"`
	Servers    int64 `json:"servers"`
	Discount   int64 `json:"discount"`
	Total      int64 `json:"total"`
}

// scale converts a monthly amount to periodDays, rounding half up
func scale(monthly int64, periodDays int) int64 {
	return (monthly*int64(periodDays) + 15) / 30
}

// reduce applies a percentage discount, rounding the discount half up
func reduce(amount int64, percent int) int64 {
	if percent <= 0 {
		return amount
	}
	if percent >= 100 {
		return 0
	}
	return amount - (amount*int64(percent)+50)/100
}

// Price computes the price of plan for periodDays. It is a pure function of
// its arguments.
//
// The price is the base price for the period plus traffic, extra devices and
// extra servers, each scaled by periodDays/30. Discounts apply per component
// in the fixed order server, traffic, device, period (base). Within a
// component the promo group discount applies first and the tier discount
// second, each on the already reduced amount with the discount rounded half
// up. The period discount comes from the promo group, or from the snapshot's
// PeriodDiscounts when the account has no group.
func Price(s *Snapshot, plan billing.PlanParams, group *billing.PromoGroup, tier *billing.DiscountTier, periodDays int) (*Quote, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no pricing snapshot", billing.ErrInvalidPlanConfiguration)
	}

	base, ok := s.BasePrices[periodDays]
	if !ok {
		return nil, fmt.Errorf("%w: period %d days not offered", billing.ErrInvalidPlanConfiguration, periodDays)
	}
	trafficMonthly, ok := s.TrafficPackages[plan.TrafficGB]
	if !ok {
		return nil, fmt.Errorf("%w: traffic package %d GB not offered", billing.ErrInvalidPlanConfiguration, plan.TrafficGB)
	}
	devicesMonthly, err := s.devicesMonthly(plan.DeviceLimit)
	if err != nil {
		return nil, err
	}
	serversMonthly, err := s.serversMonthly(plan.Servers)
	if err != nil {
		return nil, err
	}

	var groupDiscounts, tierDiscounts billing.Discounts
	periodPercent := s.PeriodDiscounts[periodDays]
	if group != nil {
		groupDiscounts = group.Discounts
		periodPercent = group.Discounts.PeriodPercent(periodDays)
	}
	if tier != nil {
		tierDiscounts = tier.Discounts
	}

	q := &Quote{PeriodDays: periodDays}
	gross := base + scale(trafficMonthly, periodDays) + scale(devicesMonthly, periodDays) + scale(serversMonthly, periodDays)

	q.Servers = reduce(reduce(scale(serversMonthly, periodDays), groupDiscounts.Server), tierDiscounts.Server)
	q.Traffic = reduce(reduce(scale(trafficMonthly, periodDays), groupDiscounts.Traffic), tierDiscounts.Traffic)
	q.Devices = reduce(reduce(scale(devicesMonthly, periodDays), groupDiscounts.Device), tierDiscounts.Device)
	q.Base = reduce(reduce(base, periodPercent), tierDiscounts.PeriodPercent(periodDays))

	q.Total = q.Base + q.Traffic + q.Devices + q.Servers
	q.Discount = gross - q.Total
	return q, nil
}

func (s *Snapshot) devicesMonthly(limit int) (int64, error) {
	if limit < 0 {
		return 0, fmt.Errorf("%w: device limit %d", billing.ErrInvalidPlanConfiguration, limit)
	}
	if s.Devices.Max > 0 && limit > s.Devices.Max {
		return 0, fmt.Errorf("%w: device limit %d above max %d", billing.ErrInvalidPlanConfiguration, limit, s.Devices.Max)
	}
	extra := limit - s.Devices.Included
	if extra <= 0 {
		return 0, nil
	}
	return int64(extra) * s.Devices.Price, nil
}

func (s *Snapshot) serversMonthly(servers []string) (int64, error) {
	seen := make(map[string]bool, len(servers))
	prices := make([]int64, 0, len(servers))
	for _, name := range servers {
		if seen[name] {
			return 0, fmt.Errorf("%w: server %s selected twice", billing.ErrInvalidPlanConfiguration, name)
		}
		seen[name] = true
		price, ok := s.Servers.Prices[name]
		if !ok {
			return 0, fmt.Errorf("%w: server %s not offered", billing.ErrInvalidPlanConfiguration, name)
		}
		prices = append(prices, price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })

	var total int64
	for i, p := range prices {
		if i < s.Servers.Included {
			continue
		}
		total += p
	}
	return total, nil
}
