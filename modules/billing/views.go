package billing

import (
	"time"

	"github.com/nandezu/entitlements/svc/entitlement"
)

type SubscriptionView struct {
	Tier              entitlement.Tier   `json:"tier"`
	Period            entitlement.Period `json:"period"`
	Status            string             `json:"status"`
	Platform          entitlement.Source `json:"platform"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	Remaining         entitlement.Quota  `json:"remaining"`
	Allowance         entitlement.Quota  `json:"allowance"`
	Price             entitlement.Money  `json:"price"`
	Outcome           string             `json:"outcome,omitempty"`
}

func newSubscriptionView(e *entitlement.Entitlement, outcome entitlement.Outcome) SubscriptionView {
	v := SubscriptionView{
		Tier:              e.Tier,
		Period:            e.Period,
		Status:            e.State().Name(),
		Platform:          e.Source,
		PeriodStart:       e.PeriodStart,
		PeriodEnd:         e.PeriodEnd,
		CancelAtPeriodEnd: e.CancelAtPeriodEnd,
		Remaining:         e.Remaining,
		Allowance:         entitlement.QuotaFor(e.Tier),
		Price:             entitlement.PriceFor(e.Tier, e.Period),
	}
	if outcome != "" && outcome != entitlement.OutcomeUnchanged {
		v.Outcome = string(outcome)
	}
	return v
}

type UsageView struct {
	Feature   entitlement.Feature `json:"feature"`
	Remaining int                 `json:"remaining"`
}

type UsageSummaryView struct {
	Remaining entitlement.Quota `json:"remaining"`
	ResetsAt  time.Time         `json:"resets_at"`
}

type PaymentLinkView struct {
	URL string `json:"url"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}
