package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/QuillonLabs/quillon/app/models"
)

func TestCatalogResolveByIDOrType(t *testing.T) {
	repo := newFakeRepo()
	catalog := NewCatalog(repo, newFakeCard(), newFakeWallet())

	byType, err := catalog.Resolve(PlanByType("basic"))
	if err != nil {
		t.Fatalf("Resolve by type: %v", err)
	}
	byID, err := catalog.Resolve(PlanByID(byType.ID))
	if err != nil {
		t.Fatalf("Resolve by id: %v", err)
	}
	if byID.ID != byType.ID || byID.Type != "basic" {
		t.Fatalf("resolved different plans: id=%d type=%q vs id=%d", byID.ID, byID.Type, byType.ID)
	}

	// The id wins when a caller fills both fields.
	pro, err := catalog.Resolve(PlanByType("pro"))
	if err != nil {
		t.Fatalf("Resolve pro: %v", err)
	}
	both, err := catalog.Resolve(PlanRef{ID: pro.ID, Type: "basic"})
	if err != nil {
		t.Fatalf("Resolve with both fields: %v", err)
	}
	if both.ID != pro.ID {
		t.Fatalf("expected id to take precedence, got plan %q", both.Type)
	}
}

func TestCatalogResolveUnknownPlan(t *testing.T) {
	repo := newFakeRepo()
	catalog := NewCatalog(repo, newFakeCard(), newFakeWallet())

	if _, err := catalog.Resolve(PlanByType("platinum")); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("Resolve unknown type: got %v, want ErrPlanNotFound", err)
	}
	if _, err := catalog.Resolve(PlanByID(9999)); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("Resolve unknown id: got %v, want ErrPlanNotFound", err)
	}
	if _, err := catalog.Resolve(PlanRef{}); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("Resolve zero ref: got %v, want ErrPlanNotFound", err)
	}
}

func TestCatalogResolveSkipsRetiredPlansByType(t *testing.T) {
	repo := newFakeRepo()
	catalog := NewCatalog(repo, newFakeCard(), newFakeWallet())

	plan, err := catalog.Resolve(PlanByType("basic"))
	if err != nil {
		t.Fatalf("Resolve basic: %v", err)
	}
	repo.plans[plan.ID].IsActive = false

	if _, err := catalog.Resolve(PlanByType("basic")); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("Resolve retired plan by type: got %v, want ErrPlanNotFound", err)
	}
	// Existing subscribers still resolve their plan by id.
	if _, err := catalog.Resolve(PlanByID(plan.ID)); err != nil {
		t.Fatalf("Resolve retired plan by id: %v", err)
	}
}

func TestSeedDefaultPlansRunsOnce(t *testing.T) {
	repo := &fakeRepo{
		plans:    map[uint]*models.SubscriptionPlan{},
		subs:     map[uint]*models.Subscription{},
		payments: map[uint]*models.Payment{},
		events:   map[string]*models.WebhookEvent{},
		users:    map[uint]*models.User{},
	}
	catalog := NewCatalog(repo, newFakeCard(), newFakeWallet())

	if err := catalog.SeedDefaultPlans(); err != nil {
		t.Fatalf("SeedDefaultPlans: %v", err)
	}
	count, _ := repo.CountPlans()
	if count != int64(len(defaultPlans())) {
		t.Fatalf("seeded %d plans, want %d", count, len(defaultPlans()))
	}

	if err := catalog.SeedDefaultPlans(); err != nil {
		t.Fatalf("SeedDefaultPlans second run: %v", err)
	}
	again, _ := repo.CountPlans()
	if again != count {
		t.Fatalf("second seed changed plan count from %d to %d", count, again)
	}

	free, err := catalog.Resolve(PlanByType("free"))
	if err != nil {
		t.Fatalf("Resolve free after seed: %v", err)
	}
	if !free.IsFree() {
		t.Fatalf("free plan has price %d", free.PriceMonthly)
	}
}

func TestEnsureCardPriceMemoized(t *testing.T) {
	repo := newFakeRepo()
	card := newFakeCard()
	catalog := NewCatalog(repo, card, newFakeWallet())
	ctx := context.Background()

	plan, err := catalog.Resolve(PlanByType("pro"))
	if err != nil {
		t.Fatalf("Resolve pro: %v", err)
	}

	first, err := catalog.EnsureCardPrice(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureCardPrice: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a price id")
	}
	if card.products != 1 || card.prices != 1 {
		t.Fatalf("first ensure created %d products and %d prices", card.products, card.prices)
	}

	second, err := catalog.EnsureCardPrice(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureCardPrice again: %v", err)
	}
	if second != first {
		t.Fatalf("memoized price changed from %q to %q", first, second)
	}
	if card.products != 1 || card.prices != 1 {
		t.Fatalf("second ensure hit the provider: %d products, %d prices", card.products, card.prices)
	}

	// The yearly cycle reuses the product but needs its own price.
	yearly, err := catalog.EnsureCardPrice(ctx, plan, models.BillingCycleYearly)
	if err != nil {
		t.Fatalf("EnsureCardPrice yearly: %v", err)
	}
	if yearly == first {
		t.Fatalf("yearly price reused the monthly id %q", first)
	}
	if card.products != 1 || card.prices != 2 {
		t.Fatalf("yearly ensure created %d products and %d prices", card.products, card.prices)
	}
}

func TestInvalidateCardRefsForcesRecreate(t *testing.T) {
	repo := newFakeRepo()
	card := newFakeCard()
	catalog := NewCatalog(repo, card, newFakeWallet())
	ctx := context.Background()

	plan, err := catalog.Resolve(PlanByType("basic"))
	if err != nil {
		t.Fatalf("Resolve basic: %v", err)
	}
	first, err := catalog.EnsureCardPrice(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureCardPrice: %v", err)
	}

	if err := catalog.InvalidateCardRefs(plan); err != nil {
		t.Fatalf("InvalidateCardRefs: %v", err)
	}
	if plan.StripeProductID != "" || plan.StripePriceMonthlyID != "" || plan.StripePriceYearlyID != "" {
		t.Fatalf("invalidate left refs behind: %+v", plan)
	}

	recreated, err := catalog.EnsureCardPrice(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureCardPrice after invalidate: %v", err)
	}
	if recreated == first {
		t.Fatalf("ensure after invalidate returned the stale id %q", first)
	}
	if card.products != 2 || card.prices != 2 {
		t.Fatalf("recreate hit the provider %d/%d times", card.products, card.prices)
	}
}

func TestEnsureWalletPlanMemoized(t *testing.T) {
	repo := newFakeRepo()
	wallet := newFakeWallet()
	catalog := NewCatalog(repo, newFakeCard(), wallet)
	ctx := context.Background()

	plan, err := catalog.Resolve(PlanByType("pro"))
	if err != nil {
		t.Fatalf("Resolve pro: %v", err)
	}

	first, err := catalog.EnsureWalletPlan(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureWalletPlan: %v", err)
	}
	second, err := catalog.EnsureWalletPlan(ctx, plan, models.BillingCycleMonthly)
	if err != nil {
		t.Fatalf("EnsureWalletPlan again: %v", err)
	}
	if first == "" || second != first {
		t.Fatalf("wallet plan not memoized: %q then %q", first, second)
	}
	if wallet.products != 1 || wallet.plansSeq != 1 {
		t.Fatalf("ensure hit the provider %d/%d times", wallet.products, wallet.plansSeq)
	}

	// Reverse lookup used by webhook adoption.
	found, cycle, err := repo.FindPlanByWalletPlanID(first)
	if err != nil {
		t.Fatalf("FindPlanByWalletPlanID: %v", err)
	}
	if found.ID != plan.ID || cycle != models.BillingCycleMonthly {
		t.Fatalf("reverse lookup found plan %d cycle %q", found.ID, cycle)
	}
}

func TestBillingIntervalMapping(t *testing.T) {
	tests := []struct {
		cycle      string
		cardWant   string
		walletWant string
	}{
		{cycle: models.BillingCycleMonthly, cardWant: "month", walletWant: "MONTH"},
		{cycle: models.BillingCycleYearly, cardWant: "year", walletWant: "YEAR"},
		{cycle: "unknown", cardWant: "month", walletWant: "MONTH"},
	}

	for _, tt := range tests {
		if got := cardInterval(tt.cycle); got != tt.cardWant {
			t.Fatalf("cardInterval(%q) = %q, want %q", tt.cycle, got, tt.cardWant)
		}
		if got := walletInterval(tt.cycle); got != tt.walletWant {
			t.Fatalf("walletInterval(%q) = %q, want %q", tt.cycle, got, tt.walletWant)
		}
	}
}
