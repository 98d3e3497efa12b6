// Package catalog holds the plans and add-ons offered by the order flows.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Plan is a purchasable hardware + monitoring plan.
type Plan struct {
	ID              string  `yaml:"id" json:"id"`
	Name            string  `yaml:"name" json:"name"`
	HardwarePrice   float64 `yaml:"hardwarePrice" json:"hardwarePrice"`
	MonthlyPrice    float64 `yaml:"monthlyPrice" json:"monthlyPrice"`
	YearlyPrice     float64 `yaml:"yearlyPrice" json:"yearlyPrice"`
	RequiresInstall bool    `yaml:"requiresInstall" json:"requiresInstall"`
}

// AddOn is an optional extra with a fixed unit price.
type AddOn struct {
	ID    string  `yaml:"id" json:"id"`
	Name  string  `yaml:"name" json:"name"`
	Price float64 `yaml:"price" json:"price"`
}

// Catalog is an immutable lookup over plans and add-ons.
type Catalog struct {
	currency string
	plans    []Plan
	addOns   []AddOn
	planIdx  map[string]int
	addOnIdx map[string]int
}

type catalogFile struct {
	Currency string  `yaml:"currency"`
	Plans    []Plan  `yaml:"plans"`
	AddOns   []AddOn `yaml:"addOns"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(file.Currency, file.Plans, file.AddOns)
}

// New builds a catalog, rejecting duplicate or blank identifiers and negative prices.
func New(currency string, plans []Plan, addOns []AddOn) (*Catalog, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	if len(plans) == 0 {
		return nil, errors.New("catalog: at least one plan is required")
	}
	c := &Catalog{
		currency: currency,
		plans:    append([]Plan(nil), plans...),
		addOns:   append([]AddOn(nil), addOns...),
		planIdx:  make(map[string]int, len(plans)),
		addOnIdx: make(map[string]int, len(addOns)),
	}
	for i, p := range c.plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: plan %d has no id", i)
		}
		if _, dup := c.planIdx[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan %q", id)
		}
		if p.HardwarePrice < 0 || p.MonthlyPrice < 0 || p.YearlyPrice < 0 {
			return nil, fmt.Errorf("catalog: plan %q has a negative price", id)
		}
		c.plans[i].ID = id
		c.planIdx[id] = i
	}
	for i, a := range c.addOns {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: add-on %d has no id", i)
		}
		if _, dup := c.addOnIdx[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate add-on %q", id)
		}
		if a.Price < 0 {
			return nil, fmt.Errorf("catalog: add-on %q has a negative price", id)
		}
		c.addOns[i].ID = id
		c.addOnIdx[id] = i
	}
	return c, nil
}

// Currency returns the lower-case ISO currency code prices are expressed in.
func (c *Catalog) Currency() string { return c.currency }

// Plan looks up a plan by id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	i, ok := c.planIdx[strings.TrimSpace(id)]
	if !ok {
		return Plan{}, false
	}
	return c.plans[i], true
}

// AddOn looks up an add-on by id.
func (c *Catalog) AddOn(id string) (AddOn, bool) {
	i, ok := c.addOnIdx[strings.TrimSpace(id)]
	if !ok {
		return AddOn{}, false
	}
	return c.addOns[i], true
}

// Plans returns the plans in catalog order.
func (c *Catalog) Plans() []Plan { return append([]Plan(nil), c.plans...) }

// AddOns returns the add-ons in catalog order.
func (c *Catalog) AddOns() []AddOn { return append([]AddOn(nil), c.addOns...) }
