package usage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

// ErrQuotaExceeded marks a metered action rejected because the daily
// cap is spent.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// QuotaError carries which service hit which cap.
type QuotaError struct {
	Service entitlements.Service
	Limit   int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily quota exceeded for %s (limit %d)", e.Service, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Reservation is one consumed unit that can be given back if the
// action it paid for fails downstream.
type Reservation struct {
	SubscriptionID uint
	Service        entitlements.Service
}

// Ledger enforces per-user per-service daily caps. Counters only stay
// incremented when the metered action succeeds; callers release the
// unit on failure so failed calls never eat quota.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger wires a ledger over a repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// NewLedgerFromDB is a convenience constructor for the gorm repository.
func NewLedgerFromDB(db *gorm.DB) *Ledger {
	return NewLedger(NewRepository(db))
}

// UTCDay truncates t to its UTC calendar day.
func UTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EffectiveLimits resolves the caps that actually gate a subscription.
// Active, past-due (grace window) and pending subscriptions use their
// frozen snapshot; cancelled and expired rows gate at free-tier
// defaults. Pending keeps the snapshot because an in-flight purchase
// never touches it, so the caps the user already paid for stay in
// force until activation swaps them.
func EffectiveLimits(sub *models.Subscription) entitlements.Limits {
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusPending:
		return sub.Limits
	default:
		return entitlements.ForTier(entitlements.TierFree)
	}
}

// Reserve rolls the day over if needed, checks the cap for svc and
// takes one unit. The returned reservation must be released if the
// metered action fails afterwards.
func (l *Ledger) Reserve(sub *models.Subscription, svc entitlements.Service) (Reservation, error) {
	today := UTCDay(l.now())
	if err := l.repo.ResetIfStale(sub.ID, today); err != nil {
		return Reservation{}, fmt.Errorf("usage reset: %w", err)
	}

	limit := EffectiveLimits(sub).For(svc)
	ok, err := l.repo.TryConsume(sub.ID, svc, limit)
	if err != nil {
		return Reservation{}, fmt.Errorf("usage consume: %w", err)
	}
	if !ok {
		return Reservation{}, &QuotaError{Service: svc, Limit: limit}
	}
	return Reservation{SubscriptionID: sub.ID, Service: svc}, nil
}

// Release hands a reserved unit back after a downstream failure.
func (l *Ledger) Release(res Reservation) error {
	if res.SubscriptionID == 0 {
		return nil
	}
	return l.repo.Release(res.SubscriptionID, res.Service)
}

// ServiceUsage is one service's line in a usage snapshot.
type ServiceUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Unlimited bool  `json:"unlimited"`
}

// Snapshot renders today's counters against the effective limits. A
// stale row (no usage yet today) reads as zero without writing.
func (l *Ledger) Snapshot(sub *models.Subscription) map[entitlements.Service]ServiceUsage {
	today := UTCDay(l.now())
	stale := UTCDay(sub.LastResetDate).Before(today)
	limits := EffectiveLimits(sub)

	out := make(map[entitlements.Service]ServiceUsage, len(entitlements.Services))
	for _, svc := range entitlements.Services {
		used := sub.UsedFor(svc)
		if stale {
			used = 0
		}
		limit := limits.For(svc)
		su := ServiceUsage{
			Used:      used,
			Limit:     limit,
			Unlimited: entitlements.IsUnlimited(limit),
		}
		if su.Unlimited {
			su.Remaining = limit
		} else if limit > used {
			su.Remaining = limit - used
		}
		out[svc] = su
	}
	return out
}
