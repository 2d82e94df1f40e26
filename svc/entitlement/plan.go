package entitlement

import "fmt"

const currencyUSD = "USD"

// Plan is one entry of the static plan catalog.
type Plan struct {
	Tier         Tier  `json:"tier"`
	MonthlyPrice Money `json:"monthly_price"`
	AnnualPrice  Money `json:"annual_price"`
	Quota        Quota `json:"quota"`
}

// catalog is ordered by ascending tier.
var catalog = []Plan{
	{
		Tier:         TierFree,
		MonthlyPrice: Money{Currency: currencyUSD},
		AnnualPrice:  Money{Currency: currencyUSD},
		Quota:        Quota{TryOns: 5, ProfileImageSlots: 3, ResultSlots: 7},
	},
	{
		Tier:         TierBasic,
		MonthlyPrice: Money{Amount: 1000, Currency: currencyUSD},
		AnnualPrice:  Money{Amount: 9600, Currency: currencyUSD},
		Quota:        Quota{TryOns: 50, ProfileImageSlots: 30, ResultSlots: 20},
	},
	{
		Tier:         TierPro,
		MonthlyPrice: Money{Amount: 1500, Currency: currencyUSD},
		AnnualPrice:  Money{Amount: 15000, Currency: currencyUSD},
		Quota:        Quota{TryOns: 100, ProfileImageSlots: 50, ResultSlots: 40},
	},
	{
		Tier:         TierPremium,
		MonthlyPrice: Money{Amount: 2500, Currency: currencyUSD},
		AnnualPrice:  Money{Amount: 25000, Currency: currencyUSD},
		Quota:        Quota{TryOns: 200, ProfileImageSlots: 100, ResultSlots: 60},
	},
}

func planFor(t Tier) Plan {
	for _, p := range catalog {
		if p.Tier == t {
			return p
		}
	}
	panic(fmt.Sprintf("entitlement: unknown tier %q", t))
}

// QuotaFor returns the per-period allowance of tier. It panics on a tier
// outside the closed set.
func QuotaFor(t Tier) Quota {
	return planFor(t).Quota
}

// PriceFor returns the list price of tier billed per period.
// PeriodNone is always free of charge.
func PriceFor(t Tier, p Period) Money {
	plan := planFor(t)
	switch p {
	case PeriodMonthly:
		return plan.MonthlyPrice
	case PeriodAnnual:
		return plan.AnnualPrice
	case PeriodNone:
		return Money{Currency: currencyUSD}
	}
	panic(fmt.Sprintf("entitlement: unknown billing period %q", p))
}

// Plans lists the catalog in ascending tier order.
func Plans() []Plan {
	out := make([]Plan, len(catalog))
	copy(out, catalog)
	return out
}
