// Package usage defines metered-feature types consumed from the billing provider.
package usage

// Feature names a metered feature.
type Feature string

// FeatureMessages is the per-period message allowance.
const FeatureMessages Feature = "messages"

// Check is the billing provider's answer to "may this identity use the feature".
type Check struct {
	Allowed       bool  `json:"allowed"`
	Balance       int64 `json:"balance"`
	IncludedUsage int64 `json:"includedUsage"`
	Unlimited     bool  `json:"unlimited,omitempty"`
}

// Exhausted reports whether no further unit may be consumed.
func (c Check) Exhausted() bool {
	if c.Unlimited {
		return false
	}
	return !c.Allowed || c.Balance <= 0
}

// Plan is a product with a monthly allowance for FeatureMessages.
type Plan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MessagesPerTerm int64  `json:"messagesPerTerm"`
}

// Known plans.
var (
	PlanFree = Plan{ID: "free", Name: "Free", MessagesPerTerm: 5}
	PlanPro  = Plan{ID: "pro", Name: "Pro", MessagesPerTerm: 100}
)

// OutOfMessagesNotice is the user-facing text for an exhausted allowance.
const OutOfMessagesNotice = "You're out of messages for your current plan."
