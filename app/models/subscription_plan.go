package models

import (
	"time"

	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

const (
	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

// SubscriptionPlan is one catalog entry. Provider product/price ids are
// created lazily on first use and memoized here; once set they are never
// regenerated except after a provider reports the id as gone.
type SubscriptionPlan struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"type:varchar(100);not null" json:"name"`
	Type        string `gorm:"type:varchar(50);not null;uniqueIndex" json:"type"`
	Description string `gorm:"type:text" json:"description"`
	// Prices in the currency's minor unit (cents).
	PriceMonthly int64  `gorm:"not null;default:0" json:"price_monthly"`
	PriceYearly  int64  `gorm:"not null;default:0" json:"price_yearly"`
	Currency     string `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`

	Limits entitlements.Limits `gorm:"embedded" json:"limits"`

	StripeProductID      string `gorm:"type:varchar(191);default:''" json:"-"`
	StripePriceMonthlyID string `gorm:"type:varchar(191);default:''" json:"-"`
	StripePriceYearlyID  string `gorm:"type:varchar(191);default:''" json:"-"`
	PayPalProductID      string `gorm:"column:paypal_product_id;type:varchar(191);default:''" json:"-"`
	PayPalPlanMonthlyID  string `gorm:"column:paypal_plan_monthly_id;type:varchar(191);default:''" json:"-"`
	PayPalPlanYearlyID   string `gorm:"column:paypal_plan_yearly_id;type:varchar(191);default:''" json:"-"`

	IsActive  bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Tier returns the normalized tier of this plan.
func (p *SubscriptionPlan) Tier() entitlements.Tier {
	return entitlements.ParseTier(p.Type)
}

// IsFree reports whether the plan has no paid price at all.
func (p *SubscriptionPlan) IsFree() bool {
	return p.PriceMonthly == 0 && p.PriceYearly == 0
}

// Price returns the minor-unit price for the given billing cycle.
func (p *SubscriptionPlan) Price(cycle string) int64 {
	if cycle == BillingCycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// NormalizeBillingCycle maps arbitrary input to a supported cycle,
// defaulting to monthly.
func NormalizeBillingCycle(cycle string) string {
	if cycle == BillingCycleYearly {
		return BillingCycleYearly
	}
	return BillingCycleMonthly
}
