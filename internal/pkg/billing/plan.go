package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

// Catalog resolves plan references and lazily provisions the matching
// provider objects, memoizing their ids on the plan row. When a memoized
// id turns out to be stale on the provider side the caller invalidates
// the refs and ensures them again, which recreates the objects.
type Catalog struct {
	repo   Repository
	card   CardGateway
	wallet WalletGateway
}

// NewCatalog creates a plan catalog over the given repository and
// provider gateways.
func NewCatalog(repo Repository, card CardGateway, wallet WalletGateway) *Catalog {
	return &Catalog{repo: repo, card: card, wallet: wallet}
}

// Resolve returns the plan a reference points at. References by id find
// the row regardless of the active flag so historical plans stay
// resolvable, references by type only match active plans.
func (c *Catalog) Resolve(ref PlanRef) (*models.SubscriptionPlan, error) {
	if ref.ID != 0 {
		plan, err := c.repo.GetPlanByID(ref.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		if err != nil {
			return nil, err
		}
		return plan, nil
	}

	planType := strings.ToLower(strings.TrimSpace(ref.Type))
	if planType == "" {
		return nil, ErrPlanNotFound
	}
	plan, err := c.repo.GetPlanByType(planType)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// SeedDefaultPlans creates the built-in plan rows when the catalog is
// empty. Existing catalogs are left alone.
func (c *Catalog) SeedDefaultPlans() error {
	count, err := c.repo.CountPlans()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	plans := defaultPlans()
	for i := range plans {
		if err := c.repo.CreatePlan(&plans[i]); err != nil {
			return err
		}
	}
	log.Printf("[Billing] seeded %d default plans", len(plans))
	return nil
}

// defaultPlans returns the built-in catalog. Prices are minor units.
func defaultPlans() []models.SubscriptionPlan {
	return []models.SubscriptionPlan{
		{
			Name:        "Free",
			Type:        string(entitlements.TierFree),
			Description: "Try out AI generation with daily starter quotas",
			Currency:    "usd",
			Limits:      entitlements.ForTier(entitlements.TierFree),
			IsActive:    true,
		},
		{
			Name:         "Basic",
			Type:         string(entitlements.TierBasic),
			Description:  "For individuals producing content regularly",
			PriceMonthly: 999,
			PriceYearly:  9990,
			Currency:     "usd",
			Limits:       entitlements.ForTier(entitlements.TierBasic),
			IsActive:     true,
		},
		{
			Name:         "Pro",
			Type:         string(entitlements.TierPro),
			Description:  "High daily quotas for professionals and small teams",
			PriceMonthly: 2999,
			PriceYearly:  29990,
			Currency:     "usd",
			Limits:       entitlements.ForTier(entitlements.TierPro),
			IsActive:     true,
		},
		{
			Name:         "Enterprise",
			Type:         string(entitlements.TierEnterprise),
			Description:  "Unlimited text, image and search generation",
			PriceMonthly: 9999,
			PriceYearly:  99990,
			Currency:     "usd",
			Limits:       entitlements.ForTier(entitlements.TierEnterprise),
			IsActive:     true,
		},
	}
}

// EnsureCardPrice returns the card provider price id for the plan and
// cycle, creating the product and price objects on first use and
// memoizing their ids.
func (c *Catalog) EnsureCardPrice(ctx context.Context, plan *models.SubscriptionPlan, cycle string) (string, error) {
	cycle = models.NormalizeBillingCycle(cycle)
	if id := cardPriceID(plan, cycle); id != "" {
		return id, nil
	}

	if plan.StripeProductID == "" {
		productID, err := c.card.CreateProduct(ctx, plan.Name, plan.Description)
		if err != nil {
			return "", fmt.Errorf("create card product for plan %s: %w", plan.Type, err)
		}
		plan.StripeProductID = productID
	}

	priceID, err := c.card.CreatePrice(ctx, plan.StripeProductID, plan.Price(cycle), plan.Currency, cardInterval(cycle))
	if err != nil {
		return "", fmt.Errorf("create card price for plan %s: %w", plan.Type, err)
	}
	setCardPriceID(plan, cycle, priceID)

	if err := c.repo.SavePlanProviderRefs(plan); err != nil {
		return "", fmt.Errorf("memoize card refs for plan %s: %w", plan.Type, err)
	}
	return priceID, nil
}

// InvalidateCardRefs drops the memoized card provider ids after the
// provider reported them missing. The next ensure recreates them.
func (c *Catalog) InvalidateCardRefs(plan *models.SubscriptionPlan) error {
	log.Printf("[Billing] invalidating card provider refs for plan %s", plan.Type)
	plan.StripeProductID = ""
	plan.StripePriceMonthlyID = ""
	plan.StripePriceYearlyID = ""
	return c.repo.SavePlanProviderRefs(plan)
}

// EnsureWalletPlan returns the wallet provider plan id for the plan and
// cycle, creating the product and plan objects on first use and
// memoizing their ids.
func (c *Catalog) EnsureWalletPlan(ctx context.Context, plan *models.SubscriptionPlan, cycle string) (string, error) {
	cycle = models.NormalizeBillingCycle(cycle)
	if id := walletPlanID(plan, cycle); id != "" {
		return id, nil
	}

	if plan.PayPalProductID == "" {
		productID, err := c.wallet.CreateProduct(ctx, plan.Name, plan.Description, uuid.NewString())
		if err != nil {
			return "", fmt.Errorf("create wallet product for plan %s: %w", plan.Type, err)
		}
		plan.PayPalProductID = productID
	}

	name := fmt.Sprintf("%s (%s)", plan.Name, cycle)
	planID, err := c.wallet.CreatePlan(ctx, plan.PayPalProductID, name, plan.Price(cycle), plan.Currency, walletInterval(cycle), uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("create wallet plan for plan %s: %w", plan.Type, err)
	}
	setWalletPlanID(plan, cycle, planID)

	if err := c.repo.SavePlanProviderRefs(plan); err != nil {
		return "", fmt.Errorf("memoize wallet refs for plan %s: %w", plan.Type, err)
	}
	return planID, nil
}

// InvalidateWalletRefs drops the memoized wallet provider ids after the
// provider reported them missing. The next ensure recreates them.
func (c *Catalog) InvalidateWalletRefs(plan *models.SubscriptionPlan) error {
	log.Printf("[Billing] invalidating wallet provider refs for plan %s", plan.Type)
	plan.PayPalProductID = ""
	plan.PayPalPlanMonthlyID = ""
	plan.PayPalPlanYearlyID = ""
	return c.repo.SavePlanProviderRefs(plan)
}

func cardPriceID(plan *models.SubscriptionPlan, cycle string) string {
	if cycle == models.BillingCycleYearly {
		return plan.StripePriceYearlyID
	}
	return plan.StripePriceMonthlyID
}

func setCardPriceID(plan *models.SubscriptionPlan, cycle, priceID string) {
	if cycle == models.BillingCycleYearly {
		plan.StripePriceYearlyID = priceID
		return
	}
	plan.StripePriceMonthlyID = priceID
}

func walletPlanID(plan *models.SubscriptionPlan, cycle string) string {
	if cycle == models.BillingCycleYearly {
		return plan.PayPalPlanYearlyID
	}
	return plan.PayPalPlanMonthlyID
}

func setWalletPlanID(plan *models.SubscriptionPlan, cycle, planID string) {
	if cycle == models.BillingCycleYearly {
		plan.PayPalPlanYearlyID = planID
		return
	}
	plan.PayPalPlanMonthlyID = planID
}

func cardInterval(cycle string) string {
	if cycle == models.BillingCycleYearly {
		return "year"
	}
	return "month"
}

func walletInterval(cycle string) string {
	if cycle == models.BillingCycleYearly {
		return "YEAR"
	}
	return "MONTH"
}
