// Package billing implements the token ledger and subscription-lifecycle
// reconciliation core: plan catalog, balance accounting, renewal detection,
// webhook reconciliation, plan transitions, and metered overage reporting.
package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/external"
	"github.com/the3venthoriz0n/hopper-sub000/internal/types"
)

// PriceSource lists provider catalog prices. Implemented by
// external.StripeClient; narrow so catalog tests can fake it.
type PriceSource interface {
	ListPrices(ctx context.Context) ([]external.ProviderPrice, error)
}

// planDefaults is the static bundled catalog, used until the first provider
// sync succeeds and as the fallback whenever the provider is unreachable.
// Price IDs are filled in from configuration at construction.
var planDefaults = map[types.PlanType]types.Plan{
	types.PlanFree: {
		Type:           types.PlanFree,
		Name:           "Free",
		IncludedTokens: 50,
		Interval:       types.IntervalMonth,
	},
	types.PlanFreeDaily: {
		Type:       types.PlanFreeDaily,
		Name:       "Free Daily",
		DailyGrant: 3,
		MaxAccrual: 10,
		Interval:   types.IntervalDay,
	},
	types.PlanStarter: {
		Type:                  types.PlanStarter,
		Name:                  "Starter",
		IncludedTokens:        300,
		OverageUnitPriceCents: 2,
		Interval:              types.IntervalMonth,
	},
	types.PlanCreator: {
		Type:                  types.PlanCreator,
		Name:                  "Creator",
		IncludedTokens:        1250,
		OverageUnitPriceCents: 2,
		Interval:              types.IntervalMonth,
	},
	types.PlanUnlimited: {
		Type:           types.PlanUnlimited,
		Name:           "Unlimited",
		IncludedTokens: types.UnlimitedTokens,
		Hidden:         true,
		Interval:       types.IntervalMonth,
	},
}

// Catalog resolves plan types to their economic terms. It is an injected
// object owned by the service context, not a package singleton, so tests and
// multi-tenant deployments stay deterministic.
//
// The catalog is read-mostly: lookups serve from an in-memory snapshot that
// is refreshed from the provider when it passes its TTL, and fall back to the
// static bundled defaults when the provider is unreachable. ForceRefresh is
// the escape hatch for a lookup that misses on a price the provider just
// added.
type Catalog struct {
	source         PriceSource
	overagePriceID string
	ttl            time.Duration
	logger         *slog.Logger

	mu        sync.RWMutex
	plans     map[types.PlanType]types.Plan
	byPriceID map[string]types.PlanType
	expiresAt time.Time
}

// NewCatalog builds a Catalog seeded with the static defaults and the
// configured per-plan price IDs. source may be nil, in which case the catalog
// is permanently static.
func NewCatalog(
	source PriceSource,
	priceIDs map[types.PlanType]string,
	overagePriceID string,
	ttl time.Duration,
	logger *slog.Logger,
) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	plans := make(map[types.PlanType]types.Plan, len(planDefaults))
	byPriceID := make(map[string]types.PlanType, len(planDefaults))
	for pt, plan := range planDefaults {
		if id, ok := priceIDs[pt]; ok && id != "" {
			plan.PriceID = id
			byPriceID[id] = pt
		}
		if pt.AllowsOverage() {
			plan.OveragePriceID = overagePriceID
		}
		plans[pt] = plan
	}

	return &Catalog{
		source:         source,
		overagePriceID: overagePriceID,
		ttl:            ttl,
		logger:         logger,
		plans:          plans,
		byPriceID:      byPriceID,
	}
}

// Get returns the catalog entry for the plan type, refreshing the cache first
// if it has gone stale.
func (c *Catalog) Get(ctx context.Context, planType types.PlanType) (types.Plan, error) {
	c.refreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	plan, ok := c.plans[planType]
	if !ok {
		return types.Plan{}, types.NewAppError(
			types.ErrCodeNotFoundPlan,
			"unknown plan type: "+string(planType),
			nil,
		)
	}
	return plan, nil
}

// ByPriceID resolves a provider price ID to its plan. Overage-only price IDs
// never identify a plan and are skipped. A miss triggers one forced refresh
// before giving up, so a price created in the provider console minutes ago
// still resolves.
func (c *Catalog) ByPriceID(ctx context.Context, priceID string) (types.Plan, bool) {
	if priceID == "" || priceID == c.overagePriceID {
		return types.Plan{}, false
	}

	c.refreshIfStale(ctx)

	if plan, ok := c.lookupPrice(priceID); ok {
		return plan, true
	}

	if err := c.ForceRefresh(ctx); err != nil {
		return types.Plan{}, false
	}
	return c.lookupPrice(priceID)
}

func (c *Catalog) lookupPrice(priceID string) (types.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pt, ok := c.byPriceID[priceID]
	if !ok {
		return types.Plan{}, false
	}
	return c.plans[pt], true
}

// List returns the catalog entries, excluding hidden plans unless asked.
func (c *Catalog) List(ctx context.Context, includeHidden bool) []types.Plan {
	c.refreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		if plan.Hidden && !includeHidden {
			continue
		}
		out = append(out, plan)
	}
	return out
}

// ForceRefresh re-syncs the catalog from the provider immediately. Provider
// failure leaves the current snapshot in place and returns the error.
func (c *Catalog) ForceRefresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}

	prices, err := c.source.ListPrices(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "plan catalog sync failed, keeping cached snapshot", "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, price := range prices {
		if price.UsageTypeMeter || price.ID == c.overagePriceID {
			continue
		}
		pt := resolvePlanType(price)
		plan, known := c.plans[pt]
		if !known {
			continue
		}
		// Drop the stale price index entry when the provider moved the plan
		// to a new price.
		if plan.PriceID != "" && plan.PriceID != price.ID {
			delete(c.byPriceID, plan.PriceID)
		}
		plan.PriceID = price.ID
		plan.ProductID = price.ProductID
		if price.ProductName != "" {
			plan.Name = price.ProductName
		}
		c.plans[pt] = plan
		c.byPriceID[price.ID] = pt
	}

	c.expiresAt = time.Now().Add(c.ttl)
	c.logger.InfoContext(ctx, "plan catalog synced", "prices", len(prices))
	return nil
}

// refreshIfStale re-syncs once the snapshot passes its TTL. Errors are
// swallowed; the cached/static snapshot keeps serving.
func (c *Catalog) refreshIfStale(ctx context.Context) {
	c.mu.RLock()
	stale := time.Now().After(c.expiresAt)
	c.mu.RUnlock()
	if !stale {
		return
	}
	_ = c.ForceRefresh(ctx)
}

// resolvePlanType maps a provider price onto a plan type via price metadata,
// then the lookup key.
func resolvePlanType(price external.ProviderPrice) types.PlanType {
	if pt := types.PlanType(price.Metadata["plan_type"]); pt.Valid() {
		return pt
	}
	if pt := types.PlanType(price.LookupKey); pt.Valid() {
		return pt
	}
	return ""
}
