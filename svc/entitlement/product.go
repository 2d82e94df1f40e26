package entitlement

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Product maps a store SKU to a tier and billing cadence. An empty
// Platforms list makes the SKU valid on every platform.
type Product struct {
	ID        string   `yaml:"id"`
	Platforms []Source `yaml:"platforms"`
	Tier      Tier     `yaml:"tier"`
	Period    Period   `yaml:"period"`
}

// ProductMapping resolves platform product identifiers. It is immutable
// after construction.
type ProductMapping struct {
	byID map[string]Product
}

type productFile struct {
	Products []Product `yaml:"products"`
}

// NewProductMapping validates products and indexes them by id.
func NewProductMapping(products ...Product) (*ProductMapping, error) {
	m := &ProductMapping{byID: make(map[string]Product, len(products))}
	for _, p := range products {
		if err := validateProduct(p); err != nil {
			return nil, err
		}
		if _, ok := m.byID[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate product id %q", ErrInvalidProductMapping, p.ID)
		}
		p.Platforms = slices.Clone(p.Platforms)
		m.byID[p.ID] = p
	}
	return m, nil
}

func validateProduct(p Product) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: empty product id", ErrInvalidProductMapping)
	case !p.Tier.Paid():
		return fmt.Errorf("%w: product %q has non-paid tier %q", ErrInvalidProductMapping, p.ID, p.Tier)
	case p.Period != PeriodMonthly && p.Period != PeriodAnnual:
		return fmt.Errorf("%w: product %q has invalid period %q", ErrInvalidProductMapping, p.ID, p.Period)
	}
	for _, s := range p.Platforms {
		if _, err := ParseSource(string(s)); err != nil {
			return errors.Join(ErrInvalidProductMapping, err)
		}
	}
	return nil
}

// LoadProductMapping reads a YAML product file. An empty path yields the
// built-in mapping.
func LoadProductMapping(path string) (*ProductMapping, error) {
	if path == "" {
		return NewProductMapping(DefaultProducts()...)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidProductMapping, err)
	}
	return ParseProductMapping(raw)
}

func ParseProductMapping(raw []byte) (*ProductMapping, error) {
	var f productFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrInvalidProductMapping, err)
	}
	if len(f.Products) == 0 {
		return nil, fmt.Errorf("%w: no products defined", ErrInvalidProductMapping)
	}
	return NewProductMapping(f.Products...)
}

// Resolve looks up productID for the given platform.
func (m *ProductMapping) Resolve(src Source, productID string) (Product, error) {
	p, ok := m.byID[productID]
	if !ok || (len(p.Platforms) > 0 && !slices.Contains(p.Platforms, src)) {
		return Product{}, fmt.Errorf("%w: %s product %q", ErrUnknownProduct, src, productID)
	}
	return p, nil
}

// DefaultProducts is the SKU table shipped with the mobile apps.
func DefaultProducts() []Product {
	apple := []Source{SourceApple}
	google := []Source{SourceGoogle}
	return []Product{
		{ID: "com.nandezu.basic_monthly", Platforms: apple, Tier: TierBasic, Period: PeriodMonthly},
		{ID: "com.nandezu.promonthly", Platforms: apple, Tier: TierPro, Period: PeriodMonthly},
		{ID: "com.nandezu.premiummonthly", Platforms: apple, Tier: TierPremium, Period: PeriodMonthly},
		{ID: "com.nandezu.basicannual", Platforms: apple, Tier: TierBasic, Period: PeriodAnnual},
		{ID: "com.nandezu.proannual", Platforms: apple, Tier: TierPro, Period: PeriodAnnual},
		{ID: "com.nandezu.premiumannual", Platforms: apple, Tier: TierPremium, Period: PeriodAnnual},

		{ID: "basic.monthly", Tier: TierBasic, Period: PeriodMonthly},
		{ID: "pro.monthly", Tier: TierPro, Period: PeriodMonthly},
		{ID: "premium.monthly", Tier: TierPremium, Period: PeriodMonthly},
		{ID: "basic.annual", Tier: TierBasic, Period: PeriodAnnual},
		{ID: "pro.annual", Tier: TierPro, Period: PeriodAnnual},
		{ID: "premium.annual", Tier: TierPremium, Period: PeriodAnnual},

		// legacy Android SKUs
		{ID: "com.nandezu.basic_monthly_android", Platforms: google, Tier: TierBasic, Period: PeriodMonthly},
		{ID: "com.nandezu.promonthly_android", Platforms: google, Tier: TierPro, Period: PeriodMonthly},
		{ID: "com.nandezu.premiummonthly_android", Platforms: google, Tier: TierPremium, Period: PeriodMonthly},
		{ID: "com.nandezu.basicannual_android", Platforms: google, Tier: TierBasic, Period: PeriodAnnual},
		{ID: "com.nandezu.proannual_android", Platforms: google, Tier: TierPro, Period: PeriodAnnual},
		{ID: "com.nandezu.premiumannual_android", Platforms: google, Tier: TierPremium, Period: PeriodAnnual},
	}
}
