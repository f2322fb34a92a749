package models

import (
	"time"

	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
	ProviderNone   = "none"
)

const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "cancelled"
	SubscriptionStatusExpired  = "expired"
)

// subscriptionTransitions is the explicit allow-list of status changes.
// Same-state writes are permitted everywhere so replayed webhooks stay
// idempotent.
var subscriptionTransitions = map[string][]string{
	SubscriptionStatusPending:  {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusActive:   {SubscriptionStatusPending, SubscriptionStatusPastDue, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired},
	SubscriptionStatusCanceled: {SubscriptionStatusActive, SubscriptionStatusPending},
	SubscriptionStatusExpired:  {SubscriptionStatusActive, SubscriptionStatusPending},
}

// CanTransitionSubscription reports whether from -> to is an allowed
// subscription status change.
func CanTransitionSubscription(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range subscriptionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Subscription is the single subscription record a user owns. Plan
// linkage, the frozen limits snapshot and the daily usage counters all
// live on this row so quota checks are one conditional UPDATE away.
type Subscription struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UserID   uint   `gorm:"not null;uniqueIndex" json:"user_id"`
	PlanID   uint   `gorm:"not null;index" json:"plan_id"`
	PlanType string `gorm:"type:varchar(50);not null;default:'free'" json:"plan_type"`

	Status       string `gorm:"type:varchar(32);not null;default:'pending';index:idx_subscriptions_provider_status,priority:2" json:"status"`
	BillingCycle string `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`

	Provider               string `gorm:"type:varchar(20);not null;default:'none';index:idx_subscriptions_provider_status,priority:1;index:idx_subscriptions_provider_subid,priority:1" json:"provider"`
	ProviderSubscriptionID string `gorm:"type:varchar(191);not null;default:'';index:idx_subscriptions_provider_subid,priority:2" json:"provider_subscription_id"`
	ProviderCustomerID     string `gorm:"type:varchar(191);not null;default:'';index" json:"-"`

	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CancelledAt        *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`

	// Limits snapshot, frozen when the plan is assigned. Later edits to
	// the catalog never change a running subscription's caps.
	Limits entitlements.Limits `gorm:"embedded;embeddedPrefix:limit_" json:"limits"`

	// Daily usage counters, reset lazily when LastResetDate falls behind
	// the current UTC day.
	WordsUsed     int64     `gorm:"not null;default:0" json:"words_used"`
	ImagesUsed    int64     `gorm:"not null;default:0" json:"images_used"`
	VideosUsed    int64     `gorm:"not null;default:0" json:"videos_used"`
	SearchesUsed  int64     `gorm:"not null;default:0" json:"searches_used"`
	MessagesUsed  int64     `gorm:"not null;default:0" json:"messages_used"`
	LastResetDate time.Time `gorm:"type:date;not null" json:"last_reset_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsedFor returns the counter value for one service.
func (s *Subscription) UsedFor(svc entitlements.Service) int64 {
	switch svc {
	case entitlements.ServiceWords:
		return s.WordsUsed
	case entitlements.ServiceImages:
		return s.ImagesUsed
	case entitlements.ServiceVideos:
		return s.VideosUsed
	case entitlements.ServiceSearches:
		return s.SearchesUsed
	case entitlements.ServiceMessages:
		return s.MessagesUsed
	}
	return 0
}

// IsActive reports whether the subscription currently entitles the user.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// WithinPeriod reports whether now falls inside the paid period, if one
// is recorded.
func (s *Subscription) WithinPeriod(now time.Time) bool {
	if s.CurrentPeriodEnd == nil {
		return true
	}
	return now.Before(*s.CurrentPeriodEnd)
}
