package payments

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v76"
)

// Intent is the provider-neutral view of a one-time charge attempt.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
	CustomerID   string
	Metadata     map[string]string
}

// ProviderSubscription is the provider-neutral view of a recurring
// subscription object. ClientSecret is set for card subscriptions that
// still need client-side confirmation, ApprovalURL for wallet
// subscriptions awaiting buyer approval.
type ProviderSubscription struct {
	ID                 string
	Status             string
	CustomerID         string
	PriceID            string
	PlanID             string
	CustomID           string
	ClientSecret       string
	ApprovalURL        string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// IntentParams describes a one-time charge to create.
type IntentParams struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// SubscriptionParams describes a recurring subscription to create.
type SubscriptionParams struct {
	CustomerID     string
	PriceID        string
	Metadata       map[string]string
	IdempotencyKey string
}

// APIError carries a provider REST failure with enough structure for
// callers to classify it.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
	Raw        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Name + ": " + e.Message
	}
	return e.Name
}

// Provider names for stale-reference errors seen in the wild.
const (
	errNameResourceNotFound  = "RESOURCE_NOT_FOUND"
	errNameInvalidResourceID = "INVALID_RESOURCE_ID"
)

// IsMissingResource reports whether err says a previously memoized
// provider id no longer exists. The plan catalog clears its cached ids
// and recreates them exactly once when this returns true.
func IsMissingResource(err error) bool {
	if err == nil {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 404 {
			return true
		}
		return apiErr.Name == errNameResourceNotFound || apiErr.Name == errNameInvalidResourceID
	}

	return false
}
