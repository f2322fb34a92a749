package repository

import (
	"github.com/QuillonLabs/quillon/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// PaymentRepository exposes read access to the payment audit trail for
// the API surface. Mutations go through the billing engine only.
type PaymentRepository interface {
	GetByID(id uint) (*models.Payment, error)
	ListByUserID(userID uint, offset, limit int) ([]models.Payment, error)
	CountByUserID(userID uint) (int64, error)
}

// PlanRepository exposes catalog reads for the API surface.
type PlanRepository interface {
	GetByID(id uint) (*models.SubscriptionPlan, error)
	GetByType(planType string) (*models.SubscriptionPlan, error)
	GetActive() ([]models.SubscriptionPlan, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User    UserRepository
	Payment PaymentRepository
	Plan    PlanRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:    NewUserRepository(db),
		Payment: NewPaymentRepository(db),
		Plan:    NewPlanRepository(db),
	}
}
