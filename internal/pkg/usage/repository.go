package usage

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

// Repository is the persistence surface of the ledger. All counter
// mutations are single conditional UPDATEs so concurrent requests can
// never overshoot a cap, regardless of how many replicas run.
type Repository interface {
	GetByUserID(userID uint) (*models.Subscription, error)
	ResetIfStale(subscriptionID uint, today time.Time) error
	TryConsume(subscriptionID uint, svc entitlements.Service, limit int64) (bool, error)
	Release(subscriptionID uint, svc entitlements.Service) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns the gorm-backed ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func counterColumn(svc entitlements.Service) (string, error) {
	switch svc {
	case entitlements.ServiceWords:
		return "words_used", nil
	case entitlements.ServiceImages:
		return "images_used", nil
	case entitlements.ServiceVideos:
		return "videos_used", nil
	case entitlements.ServiceSearches:
		return "searches_used", nil
	case entitlements.ServiceMessages:
		return "messages_used", nil
	}
	return "", fmt.Errorf("unknown service %q", svc)
}

func (r *gormRepository) GetByUserID(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ResetIfStale zeroes all counters once per UTC day. The date guard
// makes concurrent resets collapse into one winner.
func (r *gormRepository) ResetIfStale(subscriptionID uint, today time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("id = ? AND last_reset_date < ?", subscriptionID, today).
		UpdateColumns(map[string]interface{}{
			"words_used":      0,
			"images_used":     0,
			"videos_used":     0,
			"searches_used":   0,
			"messages_used":   0,
			"last_reset_date": today,
		}).Error
}

// TryConsume takes one unit if the counter is still below the limit.
// Unlimited limits skip the guard but still count usage.
func (r *gormRepository) TryConsume(subscriptionID uint, svc entitlements.Service, limit int64) (bool, error) {
	col, err := counterColumn(svc)
	if err != nil {
		return false, err
	}

	tx := r.db.Model(&models.Subscription{}).Where("id = ?", subscriptionID)
	if !entitlements.IsUnlimited(limit) {
		tx = tx.Where(col+" < ?", limit)
	}
	res := tx.UpdateColumn(col, gorm.Expr(col+" + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release gives one reserved unit back after a downstream failure. The
// zero floor keeps replayed releases harmless.
func (r *gormRepository) Release(subscriptionID uint, svc entitlements.Service) error {
	col, err := counterColumn(svc)
	if err != nil {
		return err
	}
	return r.db.Model(&models.Subscription{}).
		Where("id = ? AND "+col+" > 0", subscriptionID).
		UpdateColumn(col, gorm.Expr(col+" - 1")).Error
}
