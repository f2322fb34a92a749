package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/QuillonLabs/quillon/internal/pkg/env"
	"github.com/QuillonLabs/quillon/internal/pkg/httpx"
)

const defaultPayPalAPIBase = "https://api-m.sandbox.paypal.com"

// tokenEarlyRefresh renews the cached OAuth token this long before its
// actual expiry so in-flight calls never race the cutoff.
const tokenEarlyRefresh = 60 * time.Second

// Wallet subscription statuses as reported by the provider.
const (
	PayPalStatusApprovalPending = "APPROVAL_PENDING"
	PayPalStatusApproved        = "APPROVED"
	PayPalStatusActive          = "ACTIVE"
	PayPalStatusSuspended       = "SUSPENDED"
	PayPalStatusCancelled       = "CANCELLED"
	PayPalStatusExpired         = "EXPIRED"
)

// WebhookHeaders carries the five transmission headers every genuine
// wallet webhook delivery ships with.
type WebhookHeaders struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// Complete reports whether all five headers are present.
func (h WebhookHeaders) Complete() bool {
	return h.TransmissionID != "" && h.TransmissionTime != "" &&
		h.TransmissionSig != "" && h.CertURL != "" && h.AuthAlgo != ""
}

// PayPalClient is a hand-rolled REST client for the wallet processor.
// It caches the client-credentials token and refreshes it 60s early.
type PayPalClient struct {
	ClientID     string
	ClientSecret string
	APIBase      string
	WebhookID    string

	HTTPClient *http.Client
	Retry      httpx.RetryPolicy

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type payPalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewPayPalClientFromEnv builds a client from the environment. A missing
// webhook id is tolerated; signature verification then degrades to
// log-only acceptance at the call site.
func NewPayPalClientFromEnv() *PayPalClient {
	return &PayPalClient{
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		APIBase:      strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE", defaultPayPalAPIBase)), "/"),
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Retry: httpx.DefaultRetryPolicy(),
	}
}

// HasWebhookID reports whether out-of-band signature verification is
// configured.
func (c *PayPalClient) HasWebhookID() bool {
	return c.WebhookID != ""
}

func (c *PayPalClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenEarlyRefresh)) {
		return c.accessToken, nil
	}

	if c.ClientID == "" || c.ClientSecret == "" {
		return "", errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET are not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("paypal token request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out payPalTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("paypal token request returned empty access_token")
	}

	c.accessToken = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// doRequest runs one authenticated JSON call. Creates pass a requestID
// so provider-side retries stay idempotent.
func (c *PayPalClient) doRequest(ctx context.Context, method, path string, payload any, requestID string) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	resp, err := httpx.Do(ctx, c.Retry, func() (*http.Response, error) {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, c.APIBase+path, reader)
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if requestID != "" {
			req.Header.Set("PayPal-Request-Id", requestID)
		}
		return c.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parsePayPalError(resp.StatusCode, body)
	}
	return body, nil
}

func parsePayPalError(status int, body []byte) error {
	var parsed struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)
	if parsed.Name == "" {
		parsed.Name = fmt.Sprintf("HTTP_%d", status)
	}
	return &APIError{
		StatusCode: status,
		Name:       parsed.Name,
		Message:    parsed.Message,
		Raw:        string(body),
	}
}

// CreateProduct registers a catalog product and returns its id.
func (c *PayPalClient) CreateProduct(ctx context.Context, name, description, requestID string) (string, error) {
	payload := map[string]string{
		"name":     name,
		"type":     "SERVICE",
		"category": "SOFTWARE",
	}
	if description != "" {
		payload["description"] = description
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/catalogs/products", payload, requestID)
	if err != nil {
		return "", fmt.Errorf("paypal product create: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("paypal product create returned empty id")
	}
	return out.ID, nil
}

// CreatePlan registers a recurring billing plan under a product.
// interval is "MONTH" or "YEAR"; amount is in minor units.
func (c *PayPalClient) CreatePlan(ctx context.Context, productID, name string, amount int64, currency, interval, requestID string) (string, error) {
	payload := map[string]any{
		"product_id": productID,
		"name":       name,
		"status":     "ACTIVE",
		"billing_cycles": []map[string]any{
			{
				"frequency": map[string]any{
					"interval_unit":  interval,
					"interval_count": 1,
				},
				"tenure_type":  "REGULAR",
				"sequence":     1,
				"total_cycles": 0,
				"pricing_scheme": map[string]any{
					"fixed_price": map[string]string{
						"value":         FormatMinorUnits(amount),
						"currency_code": strings.ToUpper(currency),
					},
				},
			},
		},
		"payment_preferences": map[string]any{
			"auto_bill_outstanding":     true,
			"payment_failure_threshold": 3,
		},
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/billing/plans", payload, requestID)
	if err != nil {
		return "", fmt.Errorf("paypal plan create: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("paypal plan create returned empty id")
	}
	return out.ID, nil
}

type payPalSubscriptionResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id"`
	StartTime   string `json:"start_time"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (r *payPalSubscriptionResponse) toProviderSubscription() *ProviderSubscription {
	out := &ProviderSubscription{
		ID:       r.ID,
		Status:   r.Status,
		PlanID:   r.PlanID,
		CustomID: r.CustomID,
	}
	for _, l := range r.Links {
		if l.Rel == "approve" {
			out.ApprovalURL = l.Href
			break
		}
	}
	if t, err := time.Parse(time.RFC3339, r.BillingInfo.LastPayment.Time); err == nil {
		out.CurrentPeriodStart = t.UTC()
	} else if t, err := time.Parse(time.RFC3339, r.StartTime); err == nil {
		out.CurrentPeriodStart = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, r.BillingInfo.NextBillingTime); err == nil {
		out.CurrentPeriodEnd = t.UTC()
	}
	return out
}

// CreateSubscription starts a wallet subscription. The returned
// ApprovalURL sends the buyer through the provider's approval flow;
// customID ties webhook deliveries back to the internal user.
func (c *PayPalClient) CreateSubscription(ctx context.Context, planID, customID, returnURL, cancelURL, requestID string) (*ProviderSubscription, error) {
	payload := map[string]any{
		"plan_id":   planID,
		"custom_id": customID,
		"application_context": map[string]string{
			"return_url":  returnURL,
			"cancel_url":  cancelURL,
			"user_action": "SUBSCRIBE_NOW",
		},
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/billing/subscriptions", payload, requestID)
	if err != nil {
		return nil, fmt.Errorf("paypal subscription create: %w", err)
	}

	var out payPalSubscriptionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("paypal subscription create returned empty id")
	}
	return out.toProviderSubscription(), nil
}

// GetSubscription fetches the current provider-side state.
func (c *PayPalClient) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, fmt.Errorf("paypal subscription get: %w", err)
	}

	var out payPalSubscriptionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.toProviderSubscription(), nil
}

// CancelSubscription cancels a wallet subscription. The provider
// responds 204 with no body.
func (c *PayPalClient) CancelSubscription(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "Cancelled by customer"
	}
	payload := map[string]string{"reason": reason}
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(id)+"/cancel", payload, ""); err != nil {
		return fmt.Errorf("paypal subscription cancel: %w", err)
	}
	return nil
}

// VerifyWebhookSignature asks the provider to verify a delivery using
// the five transmission headers, the configured webhook id and the raw
// event body.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, headers WebhookHeaders, rawEvent []byte) (bool, error) {
	if !c.HasWebhookID() {
		return false, errors.New("PAYPAL_WEBHOOK_ID is not configured")
	}

	payload := map[string]any{
		"auth_algo":         headers.AuthAlgo,
		"cert_url":          headers.CertURL,
		"transmission_id":   headers.TransmissionID,
		"transmission_sig":  headers.TransmissionSig,
		"transmission_time": headers.TransmissionTime,
		"webhook_id":        c.WebhookID,
		"webhook_event":     json.RawMessage(rawEvent),
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, "")
	if err != nil {
		return false, fmt.Errorf("paypal webhook verification: %w", err)
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}

// FormatMinorUnits renders cents as the decimal string the wallet
// processor expects ("1999" -> "19.99").
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseMinorUnits converts a wallet decimal amount ("19.99") back into
// minor units. Fractions beyond two digits are truncated.
func ParseMinorUnits(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount")
	}

	sign := int64(1)
	if strings.HasPrefix(value, "-") {
		sign = -1
		value = value[1:]
	}

	whole := value
	frac := ""
	if i := strings.IndexByte(value, '.'); i >= 0 {
		whole = value[:i]
		frac = value[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return sign * (units*100 + cents), nil
}
