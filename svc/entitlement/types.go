package entitlement

import "fmt"

// Tier is the feature-quota tier, independent of billing cadence.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro, TierPremium:
		return true
	}
	return false
}

func (t Tier) Paid() bool { return t.Valid() && t != TierFree }

// Period is the billing cadence. Free entitlements use PeriodNone.
type Period string

const (
	PeriodNone    Period = "none"
	PeriodMonthly Period = "monthly"
	PeriodAnnual  Period = "annual"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodNone, PeriodMonthly, PeriodAnnual:
		return true
	}
	return false
}

// Source is the payment authority that owns an entitlement.
type Source string

const (
	SourceNone   Source = "none"
	SourceApple  Source = "apple"
	SourceGoogle Source = "google"
	SourceStripe Source = "stripe"
)

// ParseSource accepts the platform names used by clients.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceApple, SourceGoogle, SourceStripe:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
}

// Feature names a metered capability.
type Feature string

const (
	FeatureVirtualTryOn Feature = "virtual_try_on"
	FeatureProfileImage Feature = "profile_image"
	FeatureTryOnResult  Feature = "try_on_result"
)

func ParseFeature(s string) (Feature, error) {
	switch Feature(s) {
	case FeatureVirtualTryOn, FeatureProfileImage, FeatureTryOnResult:
		return Feature(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
}

// Money is an amount in the smallest currency unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Quota holds one count per metered feature. It is used both for the
// per-tier allowance and for the remaining counters of an entitlement.
type Quota struct {
	TryOns            int `json:"tryons"`
	ProfileImageSlots int `json:"profile_image_slots"`
	ResultSlots       int `json:"result_slots"`
}

func (q Quota) Get(f Feature) int {
	switch f {
	case FeatureVirtualTryOn:
		return q.TryOns
	case FeatureProfileImage:
		return q.ProfileImageSlots
	case FeatureTryOnResult:
		return q.ResultSlots
	}
	return 0
}

func (q *Quota) set(f Feature, n int) {
	switch f {
	case FeatureVirtualTryOn:
		q.TryOns = n
	case FeatureProfileImage:
		q.ProfileImageSlots = n
	case FeatureTryOnResult:
		q.ResultSlots = n
	}
}

// Outcome reports what an operation did to an entitlement.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRenewed   Outcome = "renewed"
	OutcomeRefilled  Outcome = "refilled"
	OutcomeExpired   Outcome = "expired"
	OutcomeLapsed    Outcome = "lapsed"
)

// Changed reports whether the outcome mutated state.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomeDuplicate, OutcomeStale, OutcomeUnchanged:
		return false
	}
	return true
}
