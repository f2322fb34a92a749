package payments

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/price"
	"github.com/stripe/stripe-go/v76/product"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/QuillonLabs/quillon/internal/pkg/env"
)

// Card payment intent statuses as reported by the processor.
const (
	IntentStatusSucceeded             = "succeeded"
	IntentStatusProcessing            = "processing"
	IntentStatusCanceled              = "canceled"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresAction        = "requires_action"
)

// StripeGateway wraps the card processor SDK. The SDK key is process
// global; the gateway only adds webhook verification material and the
// 30s call timeout.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGatewayFromEnv configures the SDK from the environment.
func NewStripeGatewayFromEnv() *StripeGateway {
	stripe.Key = strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))

	config := &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, config))

	return &StripeGateway{
		webhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
	}
}

// EnsureCustomer finds the processor customer for the given email or
// creates one tagged with the internal user id.
func (g *StripeGateway) EnsureCustomer(ctx context.Context, email, name string, userID uint) (string, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := customer.List(listParams)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe customer lookup: %w", err)
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	params.AddMetadata("user_id", fmt.Sprintf("%d", userID))
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe customer create: %w", err)
	}
	return cust.ID, nil
}

// CreateIntent creates a one-time payment intent.
func (g *StripeGateway) CreateIntent(ctx context.Context, p IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe intent create: %w", err)
	}
	return intentFromStripe(intent), nil
}

// GetIntent fetches the current state of a payment intent.
func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe intent get: %w", err)
	}
	return intentFromStripe(intent), nil
}

// CancelIntent voids a not-yet-captured payment intent.
func (g *StripeGateway) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := paymentintent.Cancel(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe intent cancel: %w", err)
	}
	return intentFromStripe(intent), nil
}

// CreateProduct registers a catalog product and returns its id.
func (g *StripeGateway) CreateProduct(ctx context.Context, name, description string) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(name)}
	params.Context = ctx
	if description != "" {
		params.Description = stripe.String(description)
	}
	prod, err := product.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe product create: %w", err)
	}
	return prod.ID, nil
}

// CreatePrice registers a recurring price under a product. interval is
// "month" or "year".
func (g *StripeGateway) CreatePrice(ctx context.Context, productID string, amount int64, currency, interval string) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(amount),
		Currency:   stripe.String(currency),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(interval),
		},
	}
	params.Context = ctx
	pr, err := price.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe price create: %w", err)
	}
	return pr.ID, nil
}

// CreateSubscription starts an incomplete subscription and returns the
// client secret of its first invoice's payment intent.
func (g *StripeGateway) CreateSubscription(ctx context.Context, p SubscriptionParams) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe subscription create: %w", err)
	}
	return subscriptionFromStripe(sub), nil
}

// GetSubscription fetches the current state of a subscription.
func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe subscription get: %w", err)
	}
	return subscriptionFromStripe(sub), nil
}

// CancelSubscription either schedules cancellation for the period end or
// cancels immediately.
func (g *StripeGateway) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*ProviderSubscription, error) {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		sub, err := subscription.Update(id, params)
		if err != nil {
			return nil, fmt.Errorf("stripe subscription update: %w", err)
		}
		return subscriptionFromStripe(sub), nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := subscription.Cancel(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe subscription cancel: %w", err)
	}
	return subscriptionFromStripe(sub), nil
}

// ConstructWebhookEvent verifies the signature header against the raw
// payload and decodes the event.
func (g *StripeGateway) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	out := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	return out
}

func subscriptionFromStripe(sub *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out
}
