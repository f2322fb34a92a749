package billing

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v76"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

// CardGateway is the card processor surface the billing engine depends on.
// payments.StripeGateway implements it; tests substitute fakes.
type CardGateway interface {
	EnsureCustomer(ctx context.Context, email, name string, userID uint) (string, error)
	CreateIntent(ctx context.Context, p payments.IntentParams) (*payments.Intent, error)
	GetIntent(ctx context.Context, id string) (*payments.Intent, error)
	CancelIntent(ctx context.Context, id string) (*payments.Intent, error)
	CreateProduct(ctx context.Context, name, description string) (string, error)
	CreatePrice(ctx context.Context, productID string, amount int64, currency, interval string) (string, error)
	CreateSubscription(ctx context.Context, p payments.SubscriptionParams) (*payments.ProviderSubscription, error)
	GetSubscription(ctx context.Context, id string) (*payments.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*payments.ProviderSubscription, error)
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// WalletGateway is the wallet processor surface. payments.PayPalClient
// implements it.
type WalletGateway interface {
	CreateProduct(ctx context.Context, name, description, requestID string) (string, error)
	CreatePlan(ctx context.Context, productID, name string, amount int64, currency, interval, requestID string) (string, error)
	CreateSubscription(ctx context.Context, planID, customID, returnURL, cancelURL, requestID string) (*payments.ProviderSubscription, error)
	GetSubscription(ctx context.Context, id string) (*payments.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id, reason string) error
	VerifyWebhookSignature(ctx context.Context, headers payments.WebhookHeaders, rawEvent []byte) (bool, error)
	HasWebhookID() bool
}

// Notifier delivers best-effort billing mails. Implementations log
// delivery failures instead of returning them.
type Notifier interface {
	SubscriptionActivated(user *models.User, planName string)
	PaymentFailed(user *models.User, amount int64, currency, reason string)
	PlanRestored(user *models.User, planName string)
}

// EventArchiver stores raw webhook payloads out of band. Best effort,
// failures must not affect webhook acknowledgement.
type EventArchiver interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte)
}

// PlanRef identifies a catalog plan either by database id or by type
// name. Exactly one side should be set; when both are set the id wins.
type PlanRef struct {
	ID   uint
	Type string
}

// PlanByID builds a reference to a plan row by primary key.
func PlanByID(id uint) PlanRef {
	return PlanRef{ID: id}
}

// PlanByType builds a reference to a plan by its type name ("pro").
func PlanByType(planType string) PlanRef {
	return PlanRef{Type: strings.ToLower(strings.TrimSpace(planType))}
}

// IsZero reports whether the reference identifies nothing.
func (r PlanRef) IsZero() bool {
	return r.ID == 0 && strings.TrimSpace(r.Type) == ""
}

// IntentResult is returned by one-time purchase creation. ClientSecret
// goes to the frontend to complete the card flow.
type IntentResult struct {
	Payment      *models.Payment
	ClientSecret string
}

// SubscribeResult is returned by recurring purchase creation. Card
// purchases carry a ClientSecret, wallet purchases an ApprovalURL.
type SubscribeResult struct {
	Payment                *models.Payment
	Subscription           *models.Subscription
	ProviderSubscriptionID string
	ClientSecret           string
	ApprovalURL            string
}

// WebhookAck is what a processed webhook reports back to the provider.
type WebhookAck struct {
	EventType string
	EventID   string
}

// WebhookEventInput is the normalized form handed to the event recorder.
type WebhookEventInput struct {
	Provider       string
	EventID        string
	EventType      string
	Payload        []byte
	SignatureValid bool
}

// mapIntentStatus translates a card intent status into a payment status.
func mapIntentStatus(status string) string {
	switch status {
	case payments.IntentStatusSucceeded:
		return models.PaymentStatusCompleted
	case payments.IntentStatusProcessing:
		return models.PaymentStatusProcessing
	case payments.IntentStatusCanceled:
		return models.PaymentStatusCanceled
	default:
		return models.PaymentStatusPending
	}
}

// mapCardSubscriptionStatus translates a card provider subscription
// status into a local subscription status. Unknown statuses map to "".
func mapCardSubscriptionStatus(status string) string {
	switch strings.ToLower(status) {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled":
		return models.SubscriptionStatusCanceled
	case "incomplete_expired":
		return models.SubscriptionStatusExpired
	case "incomplete", "paused":
		return models.SubscriptionStatusPending
	default:
		return ""
	}
}

// mapWalletSubscriptionStatus translates a wallet provider subscription
// status into a local subscription status. Unknown statuses map to "".
func mapWalletSubscriptionStatus(status string) string {
	switch strings.ToUpper(status) {
	case payments.PayPalStatusActive:
		return models.SubscriptionStatusActive
	case payments.PayPalStatusSuspended:
		return models.SubscriptionStatusPastDue
	case payments.PayPalStatusCancelled:
		return models.SubscriptionStatusCanceled
	case payments.PayPalStatusExpired:
		return models.SubscriptionStatusExpired
	case payments.PayPalStatusApprovalPending, payments.PayPalStatusApproved:
		return models.SubscriptionStatusPending
	default:
		return ""
	}
}
