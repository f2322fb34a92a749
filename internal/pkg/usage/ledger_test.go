package usage

import (
	"errors"
	"testing"
	"time"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

// fakeRepo mirrors the conditional-UPDATE semantics of the gorm
// repository in memory.
type fakeRepo struct {
	sub *models.Subscription
}

func (f *fakeRepo) GetByUserID(userID uint) (*models.Subscription, error) {
	return f.sub, nil
}

func (f *fakeRepo) ResetIfStale(subscriptionID uint, today time.Time) error {
	if f.sub.LastResetDate.Before(today) {
		f.sub.WordsUsed = 0
		f.sub.ImagesUsed = 0
		f.sub.VideosUsed = 0
		f.sub.SearchesUsed = 0
		f.sub.MessagesUsed = 0
		f.sub.LastResetDate = today
	}
	return nil
}

func (f *fakeRepo) counter(svc entitlements.Service) *int64 {
	switch svc {
	case entitlements.ServiceWords:
		return &f.sub.WordsUsed
	case entitlements.ServiceImages:
		return &f.sub.ImagesUsed
	case entitlements.ServiceVideos:
		return &f.sub.VideosUsed
	case entitlements.ServiceSearches:
		return &f.sub.SearchesUsed
	case entitlements.ServiceMessages:
		return &f.sub.MessagesUsed
	}
	return nil
}

func (f *fakeRepo) TryConsume(subscriptionID uint, svc entitlements.Service, limit int64) (bool, error) {
	c := f.counter(svc)
	if !entitlements.IsUnlimited(limit) && *c >= limit {
		return false, nil
	}
	*c++
	return true, nil
}

func (f *fakeRepo) Release(subscriptionID uint, svc entitlements.Service) error {
	c := f.counter(svc)
	if *c > 0 {
		*c--
	}
	return nil
}

func activeSub(limits entitlements.Limits, day time.Time) *models.Subscription {
	return &models.Subscription{
		ID:            1,
		UserID:        1,
		Status:        models.SubscriptionStatusActive,
		Limits:        limits,
		LastResetDate: day,
	}
}

func ledgerAt(repo Repository, at time.Time) *Ledger {
	l := NewLedger(repo)
	l.now = func() time.Time { return at }
	return l
}

func TestReserveQuotaBoundary(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	repo := &fakeRepo{sub: activeSub(entitlements.Limits{ImagesPerDay: 3}, UTCDay(day))}
	l := ledgerAt(repo, day)

	for i := 0; i < 3; i++ {
		if _, err := l.Reserve(repo.sub, entitlements.ServiceImages); err != nil {
			t.Fatalf("reserve %d: unexpected error %v", i+1, err)
		}
	}

	_, err := l.Reserve(repo.sub, entitlements.ServiceImages)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded on 4th reserve, got %v", err)
	}

	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Service != entitlements.ServiceImages || qe.Limit != 3 {
		t.Fatalf("unexpected quota error details: %v", err)
	}
}

func TestReserveResetsOnNewUTCDay(t *testing.T) {
	day1 := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	repo := &fakeRepo{sub: activeSub(entitlements.Limits{SearchesPerDay: 1}, UTCDay(day1))}

	l := ledgerAt(repo, day1)
	if _, err := l.Reserve(repo.sub, entitlements.ServiceSearches); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve(repo.sub, entitlements.ServiceSearches); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exhaustion before midnight, got %v", err)
	}

	// Ten minutes later it is a new UTC day.
	day2 := day1.Add(10 * time.Minute)
	l2 := ledgerAt(repo, day2)
	if _, err := l2.Reserve(repo.sub, entitlements.ServiceSearches); err != nil {
		t.Fatalf("reserve after reset: %v", err)
	}
	if repo.sub.SearchesUsed != 1 {
		t.Fatalf("counter after reset = %d, want 1", repo.sub.SearchesUsed)
	}
}

func TestReserveUnlimitedNeverBlocks(t *testing.T) {
	day := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{sub: activeSub(entitlements.Limits{MessagesPerDay: entitlements.Unlimited}, UTCDay(day))}
	l := ledgerAt(repo, day)

	for i := 0; i < 50; i++ {
		if _, err := l.Reserve(repo.sub, entitlements.ServiceMessages); err != nil {
			t.Fatalf("reserve %d under unlimited cap: %v", i+1, err)
		}
	}
	if repo.sub.MessagesUsed != 50 {
		t.Fatalf("usage still counts under unlimited, got %d", repo.sub.MessagesUsed)
	}

	// Values above the sentinel behave the same.
	repo.sub.Limits.MessagesPerDay = entitlements.Unlimited + 12345
	if _, err := l.Reserve(repo.sub, entitlements.ServiceMessages); err != nil {
		t.Fatalf("reserve above sentinel: %v", err)
	}
}

func TestReleaseGivesUnitBack(t *testing.T) {
	day := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{sub: activeSub(entitlements.Limits{VideosPerDay: 1}, UTCDay(day))}
	l := ledgerAt(repo, day)

	res, err := l.Reserve(repo.sub, entitlements.ServiceVideos)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Downstream generation failed; the unit comes back.
	if err := l.Release(res); err != nil {
		t.Fatalf("release: %v", err)
	}
	if repo.sub.VideosUsed != 0 {
		t.Fatalf("counter after release = %d, want 0", repo.sub.VideosUsed)
	}

	if _, err := l.Reserve(repo.sub, entitlements.ServiceVideos); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestEffectiveLimitsFallsBackToFree(t *testing.T) {
	pro := entitlements.ForTier(entitlements.TierPro)
	free := entitlements.ForTier(entitlements.TierFree)

	cases := []struct {
		status string
		want   entitlements.Limits
	}{
		{models.SubscriptionStatusActive, pro},
		{models.SubscriptionStatusPastDue, pro},
		{models.SubscriptionStatusPending, pro},
		{models.SubscriptionStatusCanceled, free},
		{models.SubscriptionStatusExpired, free},
	}
	for _, c := range cases {
		sub := &models.Subscription{Status: c.status, Limits: pro}
		if got := EffectiveLimits(sub); got != c.want {
			t.Fatalf("EffectiveLimits(status=%s) = %+v, want %+v", c.status, got, c.want)
		}
	}
}

func TestPendingUpgradeKeepsPaidCaps(t *testing.T) {
	day := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	basic := entitlements.ForTier(entitlements.TierBasic)
	free := entitlements.ForTier(entitlements.TierFree)

	// A basic subscriber mid-upgrade: the purchase moved the row to
	// pending but the limits snapshot still holds the paid basic caps.
	sub := activeSub(basic, UTCDay(day))
	sub.Status = models.SubscriptionStatusPending
	repo := &fakeRepo{sub: sub}
	l := ledgerAt(repo, day)

	// Consume past the free-tier image cap; the basic cap still gates.
	for i := int64(0); i < free.ImagesPerDay+1; i++ {
		if _, err := l.Reserve(sub, entitlements.ServiceImages); err != nil {
			t.Fatalf("reserve %d during pending upgrade: %v", i+1, err)
		}
	}

	sub.ImagesUsed = basic.ImagesPerDay
	if _, err := l.Reserve(sub, entitlements.ServiceImages); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected basic cap to gate, got %v", err)
	}
}

func TestSnapshotShowsZerosForStaleDay(t *testing.T) {
	day1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sub := activeSub(entitlements.Limits{WordsPerDay: 100}, UTCDay(day1))
	sub.WordsUsed = 42

	repo := &fakeRepo{sub: sub}
	l := ledgerAt(repo, day1.Add(24*time.Hour))

	snap := l.Snapshot(sub)
	words := snap[entitlements.ServiceWords]
	if words.Used != 0 {
		t.Fatalf("stale snapshot used = %d, want 0", words.Used)
	}
	if words.Remaining != 100 {
		t.Fatalf("stale snapshot remaining = %d, want 100", words.Remaining)
	}

	// Same day keeps the counter visible.
	sameDay := ledgerAt(repo, day1)
	words = sameDay.Snapshot(sub)[entitlements.ServiceWords]
	if words.Used != 42 || words.Remaining != 58 {
		t.Fatalf("snapshot = %+v, want used 42 remaining 58", words)
	}
}
