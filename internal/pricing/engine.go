// Package pricing derives the price summary shown beside every wizard step.
package pricing

import (
	"math"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/domain"
)

// Input is everything the summary depends on. Plan is nil when no plan is selected.
type Input struct {
	Plan         *catalog.Plan
	BillingCycle domain.BillingCycle
	AddOns       []catalog.AddOn
}

// Compute returns a fresh summary for in. It never patches a previous result.
func Compute(in Input, taxRate float64) domain.PricingSummary {
	var oneTime, monthly float64
	if in.Plan != nil {
		oneTime = in.Plan.HardwarePrice
		if in.BillingCycle == domain.BillingAnnual {
			monthly = in.Plan.YearlyPrice / 12
		} else {
			monthly = in.Plan.MonthlyPrice
		}
	}

	var addOns float64
	for _, a := range in.AddOns {
		addOns += a.Price
	}

	return Summarise(oneTime, addOns, monthly, taxRate)
}

// Summarise assembles a summary from its parts, applying the tax rate to the subtotal.
func Summarise(oneTime, addOns, monthly, taxRate float64) domain.PricingSummary {
	subtotal := oneTime + addOns
	tax := subtotal * taxRate
	return domain.PricingSummary{
		OneTimeFee: oneTime,
		MonthlyFee: monthly,
		AddOnCost:  addOns,
		Subtotal:   subtotal,
		TaxRate:    taxRate,
		Tax:        tax,
		Total:      subtotal + tax,
	}
}

// ForOrder resolves the draft's plan and enabled add-ons against the catalog and prices them.
// Unknown plan or add-on ids contribute nothing.
func ForOrder(c *catalog.Catalog, draft domain.OrderDraft, taxRate float64) domain.PricingSummary {
	in := Input{BillingCycle: draft.BillingCycle}
	if plan, ok := c.Plan(draft.PlanID); ok {
		in.Plan = &plan
	}
	for id, on := range draft.AddOns {
		if !on {
			continue
		}
		if addOn, ok := c.AddOn(id); ok {
			in.AddOns = append(in.AddOns, addOn)
		}
	}
	return Compute(in, taxRate)
}

// MinorUnits converts a currency amount to cents, rounding half away from zero.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
