// Package pricing computes subscription prices.
//
// # Overview
//
// Price is a pure function of a Snapshot, the plan dimensions, the account's
// promo group and spend tier, and the period length. It performs no I/O and
// reads no shared state.
//
//	quote, err := pricing.Price(holder.Load(), plan, group, tier, 90)
//	if errors.Is(err, billing.ErrInvalidPlanConfiguration) {
//		// period or traffic package not offered
//	}
//
// # Algorithm
//
//  1. base price for the period from the period table (lookup, no interpolation)
//  2. traffic package, extra devices beyond the included count and extra
//     servers beyond the included count, each a monthly price scaled by
//     periodDays/30 and rounded half up to the minor unit
//  3. per-component discounts in the order server, traffic, device, period;
//     promo group first, spend tier second, each rounded half up
//
// Accounts without a promo group get the snapshot's default period discounts.
//
// # Configuration
//
// Snapshots are loaded from YAML:
//
//	currency: RUB
//	periods: {30: 9900, 90: 27900}
//	traffic: {0: 0, 100: 5000}
//	devices: {included: 3, price: 5000, max: 10}
//	servers: {included: 1, prices: {nl-1: 0, de-1: 3000}}
//	period_discounts: {90: 10}
//	tiers:
//	  - name: gold
//	    min_spent: 500000
//	    discounts: {server: 10, traffic: 10, device: 10}
//
// A Holder publishes the current snapshot atomically and a Watcher reloads it
// when the file changes.
package pricing
