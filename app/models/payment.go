package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCanceled   = "cancelled"
)

// paymentTransitions allow-lists payment status changes. Completed,
// failed and cancelled are terminal; retries create a new Payment row
// referencing the old one instead of mutating it.
var paymentTransitions = map[string][]string{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCanceled},
}

// CanTransitionPayment reports whether from -> to is an allowed payment
// status change. Same-state writes are allowed no-ops.
func CanTransitionPayment(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PaymentMetadata is the JSON blob snapshotted onto every payment before
// any provider object is created. The rollback manager restores the
// previous plan from it when a purchase dies mid-flight.
type PaymentMetadata struct {
	PreviousPlanID                 uint   `json:"previousPlanId,omitempty"`
	PreviousPlanType               string `json:"previousPlanType,omitempty"`
	PreviousStatus                 string `json:"previousStatus,omitempty"`
	PreviousProvider               string `json:"previousProvider,omitempty"`
	PreviousProviderSubscriptionID string `json:"previousProviderSubscriptionId,omitempty"`
	PreviousBillingCycle           string `json:"previousBillingCycle,omitempty"`
	TargetPlanID                   uint   `json:"targetPlanId,omitempty"`
	TargetPlanType                 string `json:"targetPlanType,omitempty"`
	BillingCycle                   string `json:"billingCycle,omitempty"`
	ProviderSubscriptionID         string `json:"providerSubscriptionId,omitempty"`
	RetryOfPaymentID               uint   `json:"retryOf,omitempty"`
}

// Payment is one provider charge attempt (payment intent or wallet
// subscription purchase). Provider ids make webhook lookups cheap.
type Payment struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	UserID            uint           `gorm:"not null;index" json:"user_id"`
	SubscriptionID    *uint          `gorm:"index" json:"subscription_id,omitempty"`
	Provider          string         `gorm:"type:varchar(20);not null;index:ux_payments_provider_paymentid,unique,priority:1" json:"provider"`
	ProviderPaymentID string         `gorm:"type:varchar(191);not null;index:ux_payments_provider_paymentid,unique,priority:2" json:"provider_payment_id"`
	Amount            int64          `gorm:"not null;default:0" json:"amount"`
	Currency          string         `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	Status            string         `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	Description       string         `gorm:"type:varchar(255);default:''" json:"description"`
	FailureReason     string         `gorm:"type:text" json:"failure_reason,omitempty"`
	Metadata          datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the payment reached a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCanceled:
		return true
	}
	return false
}

// DecodeMetadata unmarshals the metadata blob. A missing blob yields the
// zero value, not an error.
func (p *Payment) DecodeMetadata() (PaymentMetadata, error) {
	var meta PaymentMetadata
	if len(p.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(p.Metadata, &meta); err != nil {
		return PaymentMetadata{}, err
	}
	return meta, nil
}

// EncodeMetadata marshals meta onto the payment.
func (p *Payment) EncodeMetadata(meta PaymentMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	p.Metadata = datatypes.JSON(raw)
	return nil
}
