package funnel

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/pricing"
	"github.com/evolvecharge/funnel/internal/validation"
	"github.com/evolvecharge/funnel/internal/wizard"
)

// MinimumDonation is the smallest accepted donation in currency units.
const MinimumDonation = 1.0

const (
	msgDonationAmount = "Enter a donation of at least $1."
	maxDedication     = 280
)

// NewDonationFlow builds the amount, donor, payment flow. Donations carry no tax.
func NewDonationFlow(v *validation.StructValidator) *Flow[domain.DonationDraft] {
	return &Flow[domain.DonationDraft]{
		Kind: domain.FlowDonation,
		Definition: wizard.Definition[domain.DonationDraft]{
			Name: "donation",
			Steps: []wizard.Step[domain.DonationDraft]{
				{Name: "amount", Fields: []string{"amount", "dedication"}, Validate: validateAmount},
				{
					Name:   "donor",
					Fields: []string{"donor.firstName", "donor.lastName", "donor.email", "donor.phone", "agreeToTerms"},
					Validate: func(d domain.DonationDraft) validation.Errors {
						errs := v.Check("donor.", d.Donor)
						if !validation.Accepted(d.AgreeToTerms) {
							errs.Add("agreeToTerms", validation.MsgTerms)
						}
						return errs
					},
				},
				{Name: "payment"},
			},
			New:   func() domain.DonationDraft { return domain.DonationDraft{} },
			Price: priceDonation,
		},
		Apply:  applyDonation,
		Submit: submitDonation,
	}
}

func priceDonation(d domain.DonationDraft) domain.PricingSummary {
	amount := d.Amount
	if amount < 0 {
		amount = 0
	}
	return pricing.Summarise(amount, 0, 0, 0)
}

func validateAmount(d domain.DonationDraft) validation.Errors {
	errs := make(validation.Errors)
	if !(d.Amount >= MinimumDonation) || math.IsInf(d.Amount, 0) {
		errs.Add("amount", msgDonationAmount)
	}
	return errs
}

func applyDonation(d *domain.DonationDraft, path string, raw json.RawMessage) error {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "amount":
		amount, err := decodeAmount(path, raw)
		if err != nil {
			return err
		}
		d.Amount = amount
	case "dedication":
		text, err := decodeText(path, raw)
		if err != nil {
			return err
		}
		if r := []rune(text); len(r) > maxDedication {
			text = string(r[:maxDedication])
		}
		d.Dedication = text
	case "donor":
		return applyContact(&d.Donor, path, rest, raw)
	case "agreeToTerms":
		accepted, err := decodeBool(path, raw)
		if err != nil {
			return err
		}
		d.AgreeToTerms = accepted
	default:
		return unknownField(path)
	}
	return nil
}

func submitDonation(d domain.DonationDraft, price domain.PricingSummary) checkout.Submission {
	sub := checkout.Submission{
		Flow:        domain.FlowDonation,
		Contact:     d.Donor,
		Pricing:     price,
		Description: "EvolveCharge donation",
	}
	if d.Dedication != "" {
		sub.Metadata = map[string]string{"dedication": d.Dedication}
	}
	return sub
}
