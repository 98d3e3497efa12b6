package funnel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/pricing"
	"github.com/evolvecharge/funnel/internal/validation"
	"github.com/evolvecharge/funnel/internal/wizard"
)

// VehiclesList names the vehicle list of order drafts.
const VehiclesList = "vehicles"

const msgSelectPlan = "Select a plan."

var (
	contactFields = []string{"firstName", "lastName", "email", "phone"}
	addressFields = []string{"line1", "line2", "city", "state", "zip"}
	vehicleFields = []string{"make", "model", "year", "vin"}
)

type orderFlow struct {
	catalog   *catalog.Catalog
	validator *validation.StructValidator
	newID     func() string
}

// NewOrderFlow builds the plan, information, review, payment flow at taxRate.
func NewOrderFlow(c *catalog.Catalog, v *validation.StructValidator, taxRate float64, newID func() string) *Flow[domain.OrderDraft] {
	f := orderFlow{catalog: c, validator: v, newID: newID}
	return f.build(domain.FlowOrder, "order", taxRate, []wizard.Step[domain.OrderDraft]{
		{Name: "plan", Fields: []string{"planId", "billingCycle"}, Validate: f.validatePlan},
		{Name: "information", FieldOrder: f.informationOrder, Validate: f.validateInformation},
		{Name: "review", Fields: []string{"agreeToTerms"}, Validate: validateTerms},
		{Name: "payment"},
	})
}

// NewLegacyFlow builds the older three step order flow, which collects terms with the
// information step and uses its own tax rate.
func NewLegacyFlow(c *catalog.Catalog, v *validation.StructValidator, taxRate float64, newID func() string) *Flow[domain.OrderDraft] {
	f := orderFlow{catalog: c, validator: v, newID: newID}
	return f.build(domain.FlowLegacy, "legacy-order", taxRate, []wizard.Step[domain.OrderDraft]{
		{Name: "plan", Fields: []string{"planId", "billingCycle"}, Validate: f.validatePlan},
		{
			Name: "information",
			FieldOrder: func(d domain.OrderDraft) []string {
				return append(f.informationOrder(d), "agreeToTerms")
			},
			Validate: func(d domain.OrderDraft) validation.Errors {
				errs := f.validateInformation(d)
				errs.Merge(validateTerms(d))
				return errs
			},
		},
		{Name: "payment"},
	})
}

func (f orderFlow) build(kind domain.FlowKind, name string, taxRate float64, steps []wizard.Step[domain.OrderDraft]) *Flow[domain.OrderDraft] {
	return &Flow[domain.OrderDraft]{
		Kind: kind,
		Definition: wizard.Definition[domain.OrderDraft]{
			Name:  name,
			Steps: steps,
			New:   f.newDraft,
			Price: func(d domain.OrderDraft) domain.PricingSummary {
				return pricing.ForOrder(f.catalog, d, taxRate)
			},
		},
		Apply: f.apply,
		Lists: map[string]ListOps[domain.OrderDraft]{
			VehiclesList: {Add: addVehicle, Remove: removeVehicle},
		},
		Submit: f.submit(kind),
	}
}

func (f orderFlow) newDraft() domain.OrderDraft {
	return domain.OrderDraft{
		BillingCycle: domain.BillingMonthly,
		AddOns:       map[string]bool{},
		Vehicles:     []domain.Vehicle{{ID: f.newID()}},
	}
}

func (f orderFlow) requiresAddress(d domain.OrderDraft) bool {
	plan, ok := f.catalog.Plan(d.PlanID)
	return ok && plan.RequiresInstall
}

func (f orderFlow) validatePlan(d domain.OrderDraft) validation.Errors {
	errs := make(validation.Errors)
	if _, ok := f.catalog.Plan(d.PlanID); !ok {
		errs.Add("planId", msgSelectPlan)
	}
	if !d.BillingCycle.Valid() {
		errs.Add("billingCycle", validation.MsgInvalidValue)
	}
	return errs
}

func (f orderFlow) validateInformation(d domain.OrderDraft) validation.Errors {
	errs := f.validator.Check("customer.", d.Customer)
	if f.requiresAddress(d) {
		errs.Merge(f.validator.Check("address.", d.Address))
	}
	if len(d.Vehicles) == 0 {
		errs.Add(VehiclesList, "Add at least one vehicle.")
	}
	for _, v := range d.Vehicles {
		errs.Merge(f.validator.Check(vehiclePrefix(v.ID), v))
	}
	return errs
}

func validateTerms(d domain.OrderDraft) validation.Errors {
	errs := make(validation.Errors)
	if !validation.Accepted(d.AgreeToTerms) {
		errs.Add("agreeToTerms", validation.MsgTerms)
	}
	return errs
}

func (f orderFlow) informationOrder(d domain.OrderDraft) []string {
	order := make([]string, 0, len(contactFields)+len(addressFields)+len(d.Vehicles)*len(vehicleFields)+1)
	for _, name := range contactFields {
		order = append(order, "customer."+name)
	}
	for _, name := range addressFields {
		order = append(order, "address."+name)
	}
	order = append(order, VehiclesList)
	for _, v := range d.Vehicles {
		for _, name := range vehicleFields {
			order = append(order, vehiclePrefix(v.ID)+name)
		}
	}
	return order
}

func vehiclePrefix(id string) string { return VehiclesList + "." + id + "." }

func (f orderFlow) apply(d *domain.OrderDraft, path string, raw json.RawMessage) error {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "planId":
		id, err := decodeText(path, raw)
		if err != nil {
			return err
		}
		if _, ok := f.catalog.Plan(id); id != "" && !ok {
			return &FieldError{Path: path, Message: "unknown plan"}
		}
		d.PlanID = id
	case "billingCycle":
		value, err := decodeText(path, raw)
		if err != nil {
			return err
		}
		cycle := domain.BillingCycle(strings.ToLower(value))
		if !cycle.Valid() {
			return &FieldError{Path: path, Message: "expected monthly or annual"}
		}
		d.BillingCycle = cycle
	case "customer":
		return applyContact(&d.Customer, path, rest, raw)
	case "address":
		return applyAddress(&d.Address, path, rest, raw)
	case "addOns":
		if _, ok := f.catalog.AddOn(rest); !ok {
			return &FieldError{Path: path, Message: "unknown add-on"}
		}
		on, err := decodeBool(path, raw)
		if err != nil {
			return err
		}
		if d.AddOns == nil {
			d.AddOns = map[string]bool{}
		}
		d.AddOns[rest] = on
	case VehiclesList:
		return applyVehicle(d, path, rest, raw)
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

func applyAddress(a *domain.Address, path, name string, raw json.RawMessage) error {
	value, err := decodeText(path, raw)
	if err != nil {
		return err
	}
	switch name {
	case "line1":
		a.Line1 = value
	case "line2":
		a.Line2 = value
	case "city":
		a.City = value
	case "state":
		a.State = strings.ToUpper(value)
	case "zip":
		a.Zip = value
	default:
		return unknownField(path)
	}
	return nil
}

func applyVehicle(d *domain.OrderDraft, path, rest string, raw json.RawMessage) error {
	id, name, ok := strings.Cut(rest, ".")
	if !ok {
		return unknownField(path)
	}
	idx := vehicleIndex(d.Vehicles, id)
	if idx < 0 {
		return &FieldError{Path: path, Message: "unknown vehicle"}
	}
	v := &d.Vehicles[idx]
	switch name {
	case "year":
		year, err := decodeInt(path, raw)
		if err != nil {
			return err
		}
		v.Year = year
		return nil
	case "make", "model", "vin":
	default:
		return unknownField(path)
	}
	value, err := decodeText(path, raw)
	if err != nil {
		return err
	}
	switch name {
	case "make":
		v.Make = value
	case "model":
		v.Model = value
	case "vin":
		v.VIN = strings.ToUpper(value)
	}
	return nil
}

func vehicleIndex(vehicles []domain.Vehicle, id string) int {
	for i, v := range vehicles {
		if v.ID == id {
			return i
		}
	}
	return -1
}

func addVehicle(d *domain.OrderDraft, id string) error {
	d.Vehicles = append(d.Vehicles, domain.Vehicle{ID: id})
	return nil
}

func removeVehicle(d *domain.OrderDraft, id string) error {
	idx := vehicleIndex(d.Vehicles, id)
	if idx < 0 {
		return ErrItemNotFound
	}
	if len(d.Vehicles) <= 1 {
		return ErrListFloor
	}
	d.Vehicles = append(d.Vehicles[:idx:idx], d.Vehicles[idx+1:]...)
	return nil
}

func (f orderFlow) submit(kind domain.FlowKind) func(domain.OrderDraft, domain.PricingSummary) checkout.Submission {
	return func(d domain.OrderDraft, price domain.PricingSummary) checkout.Submission {
		addOns := d.EnabledAddOns()
		sort.Strings(addOns)
		var address *domain.Address
		if f.requiresAddress(d) && !d.Address.IsZero() {
			addr := d.Address
			address = &addr
		}
		description := "EvolveCharge order"
		if plan, ok := f.catalog.Plan(d.PlanID); ok {
			description = fmt.Sprintf("EvolveCharge %s (%s)", plan.Name, d.BillingCycle)
		}
		return checkout.Submission{
			Flow:         kind,
			Contact:      d.Customer,
			Address:      address,
			PlanID:       d.PlanID,
			BillingCycle: d.BillingCycle,
			AddOns:       addOns,
			Vehicles:     append([]domain.Vehicle(nil), d.Vehicles...),
			Pricing:      price,
			Description:  description,
		}
	}
}
