// Package billing defines the billing provider port used for usage metering.
package billing

import (
	"context"

	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
)

// Billing checks and records consumption of metered features for a customer.
type Billing interface {
	Check(ctx context.Context, customerID string, feature usage.Feature) (usage.Check, error)
	Track(ctx context.Context, customerID string, feature usage.Feature, value int64) error
}
