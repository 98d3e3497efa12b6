package firestore

import (
	"time"

	"github.com/evolvecharge/funnel/internal/domain"
)

type contactDocument struct {
	FirstName string `firestore:"firstName"`
	LastName  string `firestore:"lastName"`
	Email     string `firestore:"email"`
	Phone     string `firestore:"phone"`
}

type addressDocument struct {
	Line1 string `firestore:"line1"`
	Line2 string `firestore:"line2,omitempty"`
	City  string `firestore:"city"`
	State string `firestore:"state"`
	Zip   string `firestore:"zip"`
}

type vehicleDocument struct {
	ID    string `firestore:"id"`
	Make  string `firestore:"make"`
	Model string `firestore:"model"`
	Year  int    `firestore:"year"`
	VIN   string `firestore:"vin,omitempty"`
}

type pricingDocument struct {
	OneTimeFee float64 `firestore:"oneTimeFee"`
	MonthlyFee float64 `firestore:"monthlyFee"`
	AddOnCost  float64 `firestore:"addOnCost"`
	Subtotal   float64 `firestore:"subtotal"`
	TaxRate    float64 `firestore:"taxRate"`
	Tax        float64 `firestore:"tax"`
	Total      float64 `firestore:"total"`
}

type customerDocument struct {
	Contact   contactDocument  `firestore:"contact"`
	Address   *addressDocument `firestore:"address,omitempty"`
	CreatedAt time.Time        `firestore:"createdAt"`
}

type orderDocument struct {
	Number           string            `firestore:"number"`
	Flow             string            `firestore:"flow"`
	CustomerID       string            `firestore:"customerId"`
	Customer         contactDocument   `firestore:"customer"`
	Address          *addressDocument  `firestore:"address,omitempty"`
	PlanID           string            `firestore:"planId,omitempty"`
	BillingCycle     string            `firestore:"billingCycle,omitempty"`
	AddOns           []string          `firestore:"addOns"`
	Vehicles         []vehicleDocument `firestore:"vehicles"`
	Pricing          pricingDocument   `firestore:"pricing"`
	AmountMinor      int64             `firestore:"amountMinor"`
	Currency         string            `firestore:"currency"`
	Status           string            `firestore:"status"`
	PaymentIntentID  string            `firestore:"paymentIntentId"`
	PaymentReference string            `firestore:"paymentReference,omitempty"`
	PaidAt           *time.Time        `firestore:"paidAt,omitempty"`
	AbandonedAt      *time.Time        `firestore:"abandonedAt,omitempty"`
	CreatedAt        time.Time         `firestore:"createdAt"`
	UpdatedAt        time.Time         `firestore:"updatedAt"`
}

func fromContact(c domain.Contact) contactDocument {
	return contactDocument{FirstName: c.FirstName, LastName: c.LastName, Email: c.Email, Phone: c.Phone}
}

func toContact(d contactDocument) domain.Contact {
	return domain.Contact{FirstName: d.FirstName, LastName: d.LastName, Email: d.Email, Phone: d.Phone}
}

func fromAddress(a *domain.Address) *addressDocument {
	if a == nil {
		return nil
	}
	return &addressDocument{Line1: a.Line1, Line2: a.Line2, City: a.City, State: a.State, Zip: a.Zip}
}

func toAddress(d *addressDocument) *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{Line1: d.Line1, Line2: d.Line2, City: d.City, State: d.State, Zip: d.Zip}
}

func fromOrder(o domain.Order) orderDocument {
	vehicles := make([]vehicleDocument, 0, len(o.Vehicles))
	for _, v := range o.Vehicles {
		vehicles = append(vehicles, vehicleDocument{ID: v.ID, Make: v.Make, Model: v.Model, Year: v.Year, VIN: v.VIN})
	}
	addOns := o.AddOns
	if addOns == nil {
		addOns = []string{}
	}
	return orderDocument{
		Number:       o.Number,
		Flow:         string(o.Flow),
		CustomerID:   o.CustomerID,
		Customer:     fromContact(o.Customer),
		Address:      fromAddress(o.Address),
		PlanID:       o.PlanID,
		BillingCycle: string(o.BillingCycle),
		AddOns:       addOns,
		Vehicles:     vehicles,
		Pricing: pricingDocument{
			OneTimeFee: o.Pricing.OneTimeFee,
			MonthlyFee: o.Pricing.MonthlyFee,
			AddOnCost:  o.Pricing.AddOnCost,
			Subtotal:   o.Pricing.Subtotal,
			TaxRate:    o.Pricing.TaxRate,
			Tax:        o.Pricing.Tax,
			Total:      o.Pricing.Total,
		},
		AmountMinor:      o.AmountMinor,
		Currency:         o.Currency,
		Status:           string(o.Status),
		PaymentIntentID:  o.PaymentIntentID,
		PaymentReference: o.PaymentReference,
		PaidAt:           o.PaidAt,
		AbandonedAt:      o.AbandonedAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func toOrder(id string, d orderDocument) domain.Order {
	vehicles := make([]domain.Vehicle, 0, len(d.Vehicles))
	for _, v := range d.Vehicles {
		vehicles = append(vehicles, domain.Vehicle{ID: v.ID, Make: v.Make, Model: v.Model, Year: v.Year, VIN: v.VIN})
	}
	return domain.Order{
		ID:           id,
		Number:       d.Number,
		Flow:         domain.FlowKind(d.Flow),
		CustomerID:   d.CustomerID,
		Customer:     toContact(d.Customer),
		Address:      toAddress(d.Address),
		PlanID:       d.PlanID,
		BillingCycle: domain.BillingCycle(d.BillingCycle),
		AddOns:       append([]string(nil), d.AddOns...),
		Vehicles:     vehicles,
		Pricing: domain.PricingSummary{
			OneTimeFee: d.Pricing.OneTimeFee,
			MonthlyFee: d.Pricing.MonthlyFee,
			AddOnCost:  d.Pricing.AddOnCost,
			Subtotal:   d.Pricing.Subtotal,
			TaxRate:    d.Pricing.TaxRate,
			Tax:        d.Pricing.Tax,
			Total:      d.Pricing.Total,
		},
		AmountMinor:      d.AmountMinor,
		Currency:         d.Currency,
		Status:           domain.OrderStatus(d.Status),
		PaymentIntentID:  d.PaymentIntentID,
		PaymentReference: d.PaymentReference,
		PaidAt:           d.PaidAt,
		AbandonedAt:      d.AbandonedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}
