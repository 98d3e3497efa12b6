package domain

import "time"

// FlowKind identifies which wizard produced a draft or order.
type FlowKind string

const (
	// FlowOrder is the hardware + plan order flow.
	FlowOrder FlowKind = "order"
	// FlowLegacy is the earlier order flow kept for existing landing pages.
	FlowLegacy FlowKind = "legacy"
	// FlowDonation is the donation flow.
	FlowDonation FlowKind = "donation"
)

// BillingCycle selects how the monitoring plan is billed.
type BillingCycle string

const (
	// BillingMonthly bills the plan every month.
	BillingMonthly BillingCycle = "monthly"
	// BillingAnnual bills the plan once a year.
	BillingAnnual BillingCycle = "annual"
)

// Valid reports whether the cycle is one of the supported values.
func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingAnnual
}

// Contact holds the buyer or donor contact details.
type Contact struct {
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Email     string `json:"email" validate:"required,email_address"`
	Phone     string `json:"phone" validate:"required,phone_us"`
}

// Address is the installation address collected for installed plans.
type Address struct {
	Line1 string `json:"line1" validate:"required"`
	Line2 string `json:"line2"`
	City  string `json:"city" validate:"required"`
	State string `json:"state" validate:"required"`
	Zip   string `json:"zip" validate:"required,zip_us"`
}

// IsZero reports whether no address field has been filled in.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Vehicle is one entry of the draft's vehicle list. ID is stable for the lifetime of the draft.
type Vehicle struct {
	ID    string `json:"id"`
	Make  string `json:"make" validate:"required"`
	Model string `json:"model" validate:"required"`
	Year  int    `json:"year" validate:"required,vehicle_year"`
	VIN   string `json:"vin,omitempty"`
}

// OrderDraft is the client-held state of the order wizard before submission.
type OrderDraft struct {
	PlanID       string          `json:"planId"`
	BillingCycle BillingCycle    `json:"billingCycle"`
	Customer     Contact         `json:"customer"`
	Address      Address         `json:"address"`
	Vehicles     []Vehicle       `json:"vehicles"`
	AddOns       map[string]bool `json:"addOns"`
	AgreeToTerms bool            `json:"agreeToTerms"`
}

// EnabledAddOns returns the identifiers of the add-ons currently switched on.
func (d OrderDraft) EnabledAddOns() []string {
	out := make([]string, 0, len(d.AddOns))
	for id, on := range d.AddOns {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// DonationDraft is the client-held state of the donation wizard.
type DonationDraft struct {
	Donor        Contact `json:"donor"`
	Amount       float64 `json:"amount"`
	Dedication   string  `json:"dedication,omitempty"`
	AgreeToTerms bool    `json:"agreeToTerms"`
}

// PricingSummary is derived from a draft and never mutated independently.
type PricingSummary struct {
	OneTimeFee float64 `json:"oneTimeFee"`
	MonthlyFee float64 `json:"monthlyFee"`
	AddOnCost  float64 `json:"addOnCost"`
	Subtotal   float64 `json:"subtotal"`
	TaxRate    float64 `json:"taxRate"`
	Tax        float64 `json:"tax"`
	Total      float64 `json:"total"`
}

// OrderStatus is the persisted lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPending is set when the buyer reaches the payment step.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid is set once the payment processor reports success.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusAbandoned marks pending orders that were never paid.
	OrderStatusAbandoned OrderStatus = "abandoned"
)

// CanTransitionTo enforces the one-way order lifecycle. A late payment revives an abandoned order.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusPaid || next == OrderStatusAbandoned
	case OrderStatusAbandoned:
		return next == OrderStatusPaid
	default:
		return false
	}
}

// Customer is the persisted customer record created during order preparation.
type Customer struct {
	ID        string
	Contact   Contact
	Address   *Address
	CreatedAt time.Time
}

// Order is the persisted order record.
type Order struct {
	ID               string
	Number           string
	Flow             FlowKind
	CustomerID       string
	Customer         Contact
	Address          *Address
	PlanID           string
	BillingCycle     BillingCycle
	AddOns           []string
	Vehicles         []Vehicle
	Pricing          PricingSummary
	AmountMinor      int64
	Currency         string
	Status           OrderStatus
	PaymentIntentID  string
	PaymentReference string
	PaidAt           *time.Time
	AbandonedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
