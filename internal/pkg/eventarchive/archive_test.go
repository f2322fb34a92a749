package eventarchive

import (
	"context"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2025, 3, 7, 23, 59, 0, 0, time.UTC)
	got := ObjectKey("stripe", "evt_123", at)
	want := "webhooks/stripe/2025-03-07/evt_123.json"
	if got != want {
		t.Fatalf("ObjectKey = %q, want %q", got, want)
	}
}

func TestObjectKeyUsesUTCDay(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	at := time.Date(2025, 3, 7, 23, 30, 0, 0, loc)
	got := ObjectKey("paypal", "WH-1", at)
	want := "webhooks/paypal/2025-03-08/WH-1.json"
	if got != want {
		t.Fatalf("ObjectKey = %q, want %q", got, want)
	}
}

func TestLoadConfigValidatesWhenEnabled(t *testing.T) {
	t.Setenv("WEBHOOK_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET_NAME", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for missing bucket name")
	}

	t.Setenv("S3_BUCKET_NAME", "webhook-archive")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.IsEnabled() || cfg.BucketName != "webhook-archive" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNilArchiverIsSafe(t *testing.T) {
	var a *Archiver
	a.Archive(context.Background(), "stripe", "evt_1", []byte("{}"))
}
