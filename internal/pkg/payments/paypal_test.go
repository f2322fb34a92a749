package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/QuillonLabs/quillon/internal/pkg/httpx"
)

func newTestPayPalClient(apiBase string) *PayPalClient {
	return &PayPalClient{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		APIBase:      apiBase,
		WebhookID:    "wh-123",
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
		Retry:        httpx.RetryPolicy{MaxAttempts: 1, Interval: time.Millisecond, MaxInterval: time.Millisecond},
	}
}

func TestPayPalTokenCachingAndEarlyRefresh(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			atomic.AddInt32(&tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				t.Fatalf("missing or wrong basic auth")
			}
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "token_type": "Bearer", "expires_in": 3600})
		case "/v1/billing/subscriptions/I-1":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Fatalf("Authorization = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "I-1", "status": "ACTIVE"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestPayPalClient(srv.URL)

	for i := 0; i < 3; i++ {
		if _, err := c.GetSubscription(context.Background(), "I-1"); err != nil {
			t.Fatalf("GetSubscription: %v", err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("token endpoint called %d times, want 1 (cached)", got)
	}

	// Push the cached expiry inside the 60s early-refresh window; the
	// next call must fetch a fresh token.
	c.mu.Lock()
	c.tokenExpiry = time.Now().Add(30 * time.Second)
	c.mu.Unlock()

	if _, err := c.GetSubscription(context.Background(), "I-1"); err != nil {
		t.Fatalf("GetSubscription after expiry: %v", err)
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 2 {
		t.Fatalf("token endpoint called %d times, want 2 after early refresh", got)
	}
}

func TestPayPalCreateSubscriptionParsesApprovalLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
		case "/v1/billing/subscriptions":
			if got := r.Header.Get("PayPal-Request-Id"); got != "req-42" {
				t.Fatalf("PayPal-Request-Id = %q, want req-42", got)
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["plan_id"] != "P-99" || body["custom_id"] != "7" {
				t.Fatalf("unexpected create payload: %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "I-777",
				"status": "APPROVAL_PENDING",
				"links": []map[string]string{
					{"href": "https://paypal.test/self", "rel": "self"},
					{"href": "https://paypal.test/approve/I-777", "rel": "approve"},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestPayPalClient(srv.URL)
	sub, err := c.CreateSubscription(context.Background(), "P-99", "7", "https://app.test/done", "https://app.test/cancel", "req-42")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.ID != "I-777" || sub.Status != PayPalStatusApprovalPending {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.ApprovalURL != "https://paypal.test/approve/I-777" {
		t.Fatalf("approval url = %q", sub.ApprovalURL)
	}
}

func TestPayPalVerifyWebhookSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
		case "/v1/notifications/verify-webhook-signature":
			var body map[string]json.RawMessage
			json.NewDecoder(r.Body).Decode(&body)
			for _, key := range []string{"auth_algo", "cert_url", "transmission_id", "transmission_sig", "transmission_time", "webhook_id", "webhook_event"} {
				if _, ok := body[key]; !ok {
					t.Fatalf("verification payload missing %q", key)
				}
			}
			var webhookID string
			json.Unmarshal(body["webhook_id"], &webhookID)
			if webhookID != "wh-123" {
				t.Fatalf("webhook_id = %q", webhookID)
			}
			json.NewEncoder(w).Encode(map[string]string{"verification_status": "SUCCESS"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestPayPalClient(srv.URL)
	headers := WebhookHeaders{
		TransmissionID:   "t-id",
		TransmissionTime: "2026-01-02T03:04:05Z",
		TransmissionSig:  "sig",
		CertURL:          "https://paypal.test/cert",
		AuthAlgo:         "SHA256withRSA",
	}
	ok, err := c.VerifyWebhookSignature(context.Background(), headers, []byte(`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`))
	if err != nil {
		t.Fatalf("VerifyWebhookSignature: %v", err)
	}
	if !ok {
		t.Fatalf("expected verification to succeed")
	}
}

func TestPayPalErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"name": "RESOURCE_NOT_FOUND", "message": "The specified resource does not exist."})
		}
	}))
	defer srv.Close()

	c := newTestPayPalClient(srv.URL)
	_, err := c.GetSubscription(context.Background(), "I-gone")
	if err == nil {
		t.Fatalf("expected error for missing subscription")
	}
	if !IsMissingResource(err) {
		t.Fatalf("expected IsMissingResource, got %v", err)
	}
}

func TestWebhookHeadersComplete(t *testing.T) {
	h := WebhookHeaders{
		TransmissionID:   "a",
		TransmissionTime: "b",
		TransmissionSig:  "c",
		CertURL:          "d",
		AuthAlgo:         "e",
	}
	if !h.Complete() {
		t.Fatalf("expected complete headers")
	}
	h.CertURL = ""
	if h.Complete() {
		t.Fatalf("expected incomplete headers when cert url missing")
	}
}

func TestFormatMinorUnits(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{1999, "19.99"},
		{100, "1.00"},
		{5, "0.05"},
		{0, "0.00"},
		{129900, "1299.00"},
	}
	for _, c := range cases {
		if got := FormatMinorUnits(c.in); got != c.want {
			t.Fatalf("FormatMinorUnits(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"19.99", 1999},
		{"1.00", 100},
		{"0.05", 5},
		{"0.00", 0},
		{"1299", 129900},
		{"9.9", 990},
		{".50", 50},
		{"-4.20", -420},
		{"29.999", 2999},
		{" 10.00 ", 1000},
	}
	for _, c := range cases {
		got, err := ParseMinorUnits(c.in)
		if err != nil {
			t.Fatalf("ParseMinorUnits(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseMinorUnits(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"", "abc", "1.2.3"} {
		if _, err := ParseMinorUnits(bad); err == nil {
			t.Fatalf("ParseMinorUnits(%q): expected error", bad)
		}
	}
}
