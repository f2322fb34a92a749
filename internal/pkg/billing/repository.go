package billing

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/QuillonLabs/quillon/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetPlanByID(id uint) (*models.SubscriptionPlan, error)
	GetPlanByType(planType string) (*models.SubscriptionPlan, error)
	ListActivePlans() ([]models.SubscriptionPlan, error)
	CreatePlan(plan *models.SubscriptionPlan) error
	CountPlans() (int64, error)
	SavePlanProviderRefs(plan *models.SubscriptionPlan) error
	FindPlanByWalletPlanID(walletPlanID string) (*models.SubscriptionPlan, string, error)

	GetSubscriptionByUserID(userID uint) (*models.Subscription, error)
	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	UpsertSubscription(sub *models.Subscription) error
	SaveSubscription(sub *models.Subscription) error
	ExpireLapsedSubscriptions(now time.Time) (int64, error)

	CreatePayment(payment *models.Payment) error
	SavePayment(payment *models.Payment) error
	GetPaymentByID(id uint) (*models.Payment, error)
	GetPaymentByProviderID(provider, providerPaymentID string) (*models.Payment, error)
	FindOpenPaymentByProviderSubscription(provider, providerSubscriptionID string) (*models.Payment, error)

	GetUserByID(id uint) (*models.User, error)

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetPlanByID(id uint) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetPlanByType(planType string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := r.db.Where("type = ? AND is_active = ?", planType, true).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) ListActivePlans() ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := r.db.Where("is_active = ?", true).Order("price_monthly ASC").Find(&plans).Error
	return plans, err
}

func (r *gormRepository) CreatePlan(plan *models.SubscriptionPlan) error {
	return r.db.Create(plan).Error
}

func (r *gormRepository) CountPlans() (int64, error) {
	var count int64
	err := r.db.Model(&models.SubscriptionPlan{}).Count(&count).Error
	return count, err
}

// SavePlanProviderRefs persists only the memoized provider id columns so
// concurrent price or name edits are not clobbered.
func (r *gormRepository) SavePlanProviderRefs(plan *models.SubscriptionPlan) error {
	return r.db.Model(plan).UpdateColumns(map[string]interface{}{
		"stripe_product_id":       plan.StripeProductID,
		"stripe_price_monthly_id": plan.StripePriceMonthlyID,
		"stripe_price_yearly_id":  plan.StripePriceYearlyID,
		"paypal_product_id":       plan.PayPalProductID,
		"paypal_plan_monthly_id":  plan.PayPalPlanMonthlyID,
		"paypal_plan_yearly_id":   plan.PayPalPlanYearlyID,
	}).Error
}

// FindPlanByWalletPlanID resolves a catalog plan from a wallet provider
// plan id and reports which billing cycle that id belongs to.
func (r *gormRepository) FindPlanByWalletPlanID(walletPlanID string) (*models.SubscriptionPlan, string, error) {
	var plan models.SubscriptionPlan
	err := r.db.Where("paypal_plan_monthly_id = ? OR paypal_plan_yearly_id = ?", walletPlanID, walletPlanID).
		First(&plan).Error
	if err != nil {
		return nil, "", err
	}
	cycle := models.BillingCycleMonthly
	if plan.PayPalPlanYearlyID == walletPlanID {
		cycle = models.BillingCycleYearly
	}
	return &plan, cycle, nil
}

func (r *gormRepository) GetSubscriptionByUserID(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription creates the user's single subscription row or, when a
// concurrent request already created it, updates that row in place.
func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id",
			"plan_type",
			"status",
			"billing_cycle",
			"provider",
			"provider_subscription_id",
			"provider_customer_id",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"cancelled_at",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID and counters reflect the stored row after upsert.
	return r.db.Where("user_id = ?", sub.UserID).First(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

// ExpireLapsedSubscriptions flips active subscriptions whose paid period
// has ended to expired. A renewal that already bumped the period end no
// longer matches the condition, so provider-managed subscriptions are
// untouched. Runs as one conditional bulk update.
func (r *gormRepository) ExpireLapsedSubscriptions(now time.Time) (int64, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("status = ? AND current_period_end IS NOT NULL AND current_period_end < ?",
			models.SubscriptionStatusActive, now).
		Updates(map[string]interface{}{
			"status":     models.SubscriptionStatusExpired,
			"updated_at": now,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CreatePayment(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *gormRepository) SavePayment(payment *models.Payment) error {
	return r.db.Save(payment).Error
}

func (r *gormRepository) GetPaymentByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *gormRepository) GetPaymentByProviderID(provider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindOpenPaymentByProviderSubscription locates the newest pending or
// processing payment whose metadata snapshot references the given provider
// subscription. Used to settle the initial invoice of a recurring purchase.
func (r *gormRepository) FindOpenPaymentByProviderSubscription(provider, providerSubscriptionID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider = ? AND status IN ?", provider,
		[]string{models.PaymentStatusPending, models.PaymentStatusProcessing}).
		Where(datatypes.JSONQuery("metadata").Equals(providerSubscriptionID, "providerSubscriptionId")).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
