package statistics

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/cache"
	"github.com/QuillonLabs/quillon/internal/pkg/database"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

const (
	CacheKeyUsersTotal       = "statistics:users:total"
	CacheKeySubsActive       = "statistics:subscriptions:active:total"
	CacheKeySubsActiveTier   = "statistics:subscriptions:active:tier:%s" // Format with tier name
	CacheKeyPaymentsDaily    = "statistics:payments:completed:daily:%s"  // Format with date YYYY-MM-DD
	CacheKeyRevenueDaily     = "statistics:revenue:daily:%s"             // Format with date YYYY-MM-DD, minor units
	CacheKeyGenerationsDaily = "statistics:generations:daily:%s"         // Format with date YYYY-MM-DD
	CacheExpiration          = 30 * time.Minute
)

// StatisticsData holds the aggregates shown on the admin stats endpoint.
type StatisticsData struct {
	TotalUsers          int            `json:"total_users"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	ActiveByTier        map[string]int `json:"active_by_tier"`
	PaymentsToday       int            `json:"payments_completed_today"`
	RevenueTodayMinor   int64          `json:"revenue_today_minor"`
	GenerationsToday    int64          `json:"generations_today"`
}

var (
	lastCacheUpdate     time.Time
	cacheUpdateMutex    sync.Mutex
	cacheUpdateInterval = 5 * time.Minute
)

// ShouldUpdateCache reports whether the refresh interval has elapsed.
func ShouldUpdateCache() bool {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	return time.Since(lastCacheUpdate) > cacheUpdateInterval
}

// UpdateCacheIfNeeded refreshes the cached aggregates when they are stale.
func UpdateCacheIfNeeded() {
	if ShouldUpdateCache() {
		cacheUpdateMutex.Lock()
		defer cacheUpdateMutex.Unlock()

		if err := UpdateStatisticsCache(); err != nil {
			log.Printf("Error updating statistics cache: %v", err)
		} else {
			lastCacheUpdate = time.Now()
		}
	}
}

// ResetCacheUpdateTimer forces the next read to refresh the cache.
func ResetCacheUpdateTimer() {
	cacheUpdateMutex.Lock()
	defer cacheUpdateMutex.Unlock()

	lastCacheUpdate = time.Time{}
}

func utcToday() string {
	return time.Now().UTC().Format("2006-01-02")
}

func utcDayBounds() (time.Time, time.Time) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// UpdateStatisticsCache recomputes every aggregate and stores it in Redis.
func UpdateStatisticsCache() error {
	db := database.GetDB()
	today := utcToday()
	dayStart, dayEnd := utcDayBounds()

	var totalUsers int64
	if err := db.Model(&models.User{}).Count(&totalUsers).Error; err != nil {
		log.Printf("Error counting users: %v", err)
		return err
	}

	var activeSubs int64
	if err := db.Model(&models.Subscription{}).
		Where("status = ?", models.SubscriptionStatusActive).
		Count(&activeSubs).Error; err != nil {
		log.Printf("Error counting active subscriptions: %v", err)
		return err
	}

	tierCounts := map[string]int64{}
	for _, tier := range []entitlements.Tier{entitlements.TierFree, entitlements.TierBasic, entitlements.TierPro, entitlements.TierEnterprise} {
		var count int64
		if err := db.Model(&models.Subscription{}).
			Where("status = ? AND plan_type = ?", models.SubscriptionStatusActive, string(tier)).
			Count(&count).Error; err != nil {
			log.Printf("Error counting %s subscriptions: %v", tier, err)
			return err
		}
		tierCounts[string(tier)] = count
	}

	var paymentsToday int64
	if err := db.Model(&models.Payment{}).
		Where("status = ? AND updated_at BETWEEN ? AND ?", models.PaymentStatusCompleted, dayStart, dayEnd).
		Count(&paymentsToday).Error; err != nil {
		log.Printf("Error counting today's payments: %v", err)
		return err
	}

	var revenueToday int64
	if err := db.Model(&models.Payment{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ? AND updated_at BETWEEN ? AND ?", models.PaymentStatusCompleted, dayStart, dayEnd).
		Scan(&revenueToday).Error; err != nil {
		log.Printf("Error summing today's revenue: %v", err)
		return err
	}

	// Usage counters reset lazily per UTC day, so rows with today's
	// reset date carry exactly today's consumption.
	var generationsToday int64
	if err := db.Model(&models.Subscription{}).
		Select("COALESCE(SUM(words_used + images_used + videos_used + searches_used + messages_used), 0)").
		Where("last_reset_date = ?", dayStart).
		Scan(&generationsToday).Error; err != nil {
		log.Printf("Error summing today's generations: %v", err)
		return err
	}

	if err := cache.Set(CacheKeyUsersTotal, strconv.FormatInt(totalUsers, 10), CacheExpiration); err != nil {
		log.Printf("Error caching user count: %v", err)
		return err
	}
	if err := cache.Set(CacheKeySubsActive, strconv.FormatInt(activeSubs, 10), CacheExpiration); err != nil {
		log.Printf("Error caching active subscriptions: %v", err)
		return err
	}
	for tier, count := range tierCounts {
		if err := cache.Set(fmt.Sprintf(CacheKeySubsActiveTier, tier), strconv.FormatInt(count, 10), CacheExpiration); err != nil {
			log.Printf("Error caching %s subscriptions: %v", tier, err)
			return err
		}
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyPaymentsDaily, today), strconv.FormatInt(paymentsToday, 10), CacheExpiration); err != nil {
		log.Printf("Error caching today's payments: %v", err)
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyRevenueDaily, today), strconv.FormatInt(revenueToday, 10), CacheExpiration); err != nil {
		log.Printf("Error caching today's revenue: %v", err)
		return err
	}
	if err := cache.Set(fmt.Sprintf(CacheKeyGenerationsDaily, today), strconv.FormatInt(generationsToday, 10), CacheExpiration); err != nil {
		log.Printf("Error caching today's generations: %v", err)
		return err
	}

	log.Printf("Statistics updated in cache: Users: %d, Active Subs: %d, Payments Today: %d, Generations Today: %d",
		totalUsers, activeSubs, paymentsToday, generationsToday)

	return nil
}

// cachedCount reads a cached integer, recomputing through fallback on a miss.
func cachedCount(key string, fallback func() (int64, error)) int64 {
	val, err := cache.Get(key)
	if err == nil {
		if count, parseErr := strconv.ParseInt(val, 10, 64); parseErr == nil {
			return count
		}
	}

	count, err := fallback()
	if err != nil {
		log.Printf("Error computing statistic %s: %v", key, err)
		return 0
	}
	if err := cache.Set(key, strconv.FormatInt(count, 10), CacheExpiration); err != nil {
		log.Printf("Error caching statistic %s: %v", key, err)
	}
	return count
}

// GetTotalUsers returns the user count from cache or database.
func GetTotalUsers() int {
	return int(cachedCount(CacheKeyUsersTotal, func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.User{}).Count(&count).Error
		return count, err
	}))
}

// GetActiveSubscriptions returns the active subscription count from cache or database.
func GetActiveSubscriptions() int {
	return int(cachedCount(CacheKeySubsActive, func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.Subscription{}).
			Where("status = ?", models.SubscriptionStatusActive).
			Count(&count).Error
		return count, err
	}))
}

// GetActiveSubscriptionsByTier returns active counts per plan tier.
func GetActiveSubscriptionsByTier() map[string]int {
	out := make(map[string]int, 4)
	for _, tier := range []entitlements.Tier{entitlements.TierFree, entitlements.TierBasic, entitlements.TierPro, entitlements.TierEnterprise} {
		count := cachedCount(fmt.Sprintf(CacheKeySubsActiveTier, tier), func() (int64, error) {
			var count int64
			err := database.GetDB().Model(&models.Subscription{}).
				Where("status = ? AND plan_type = ?", models.SubscriptionStatusActive, string(tier)).
				Count(&count).Error
			return count, err
		})
		out[string(tier)] = int(count)
	}
	return out
}

// GetPaymentsToday returns the number of payments completed today.
func GetPaymentsToday() int {
	dayStart, dayEnd := utcDayBounds()
	return int(cachedCount(fmt.Sprintf(CacheKeyPaymentsDaily, utcToday()), func() (int64, error) {
		var count int64
		err := database.GetDB().Model(&models.Payment{}).
			Where("status = ? AND updated_at BETWEEN ? AND ?", models.PaymentStatusCompleted, dayStart, dayEnd).
			Count(&count).Error
		return count, err
	}))
}

// GetRevenueToday returns today's completed payment volume in minor units.
func GetRevenueToday() int64 {
	dayStart, dayEnd := utcDayBounds()
	return cachedCount(fmt.Sprintf(CacheKeyRevenueDaily, utcToday()), func() (int64, error) {
		var sum int64
		err := database.GetDB().Model(&models.Payment{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("status = ? AND updated_at BETWEEN ? AND ?", models.PaymentStatusCompleted, dayStart, dayEnd).
			Scan(&sum).Error
		return sum, err
	})
}

// GetGenerationsToday returns the total metered actions consumed today.
func GetGenerationsToday() int64 {
	dayStart, _ := utcDayBounds()
	return cachedCount(fmt.Sprintf(CacheKeyGenerationsDaily, utcToday()), func() (int64, error) {
		var sum int64
		err := database.GetDB().Model(&models.Subscription{}).
			Select("COALESCE(SUM(words_used + images_used + videos_used + searches_used + messages_used), 0)").
			Where("last_reset_date = ?", dayStart).
			Scan(&sum).Error
		return sum, err
	})
}

// GetStatisticsData assembles the full aggregate set for the admin API.
func GetStatisticsData() StatisticsData {
	UpdateCacheIfNeeded()

	return StatisticsData{
		TotalUsers:          GetTotalUsers(),
		ActiveSubscriptions: GetActiveSubscriptions(),
		ActiveByTier:        GetActiveSubscriptionsByTier(),
		PaymentsToday:       GetPaymentsToday(),
		RevenueTodayMinor:   GetRevenueToday(),
		GenerationsToday:    GetGenerationsToday(),
	}
}
