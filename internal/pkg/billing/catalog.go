package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lunaria-app/lunaria/internal/pkg/entitlements"
	"github.com/lunaria-app/lunaria/internal/pkg/env"
)

// Effect is the entitlement change a validated purchase confers: a credit
// grant for one-time products or a plan activation for subscriptions.
type Effect struct {
	Credits  int                `json:"credits,omitempty"`
	Plan     entitlements.Plan  `json:"plan,omitempty"`
	Interval entitlements.Cycle `json:"interval,omitempty"`
}

// IsSubscription reports whether the effect activates a plan rather than
// granting credits.
func (e Effect) IsSubscription() bool {
	return e.Plan != ""
}

// Catalog maps Google Play product IDs to entitlement effects. It is loaded
// once at process start and read-only afterwards.
type Catalog struct {
	effects map[string]Effect
}

// defaultCatalogJSON mirrors the shipped product lineup. Operators override
// it with PLAY_PRODUCT_CATALOG_JSON.
const defaultCatalogJSON = `{
	"questions_3":          {"credits": 3},
	"questions_5":          {"credits": 5},
	"credits_3":            {"credits": 3},
	"credits_5":            {"credits": 5},
	"credits_10":           {"credits": 10},
	"credits_20":           {"credits": 20},
	"subscription_monthly": {"plan": "unlimited", "interval": "month"},
	"subscription_yearly":  {"plan": "unlimited", "interval": "year"},
	"premium_monthly":      {"plan": "unlimited", "interval": "month"},
	"premium_yearly":       {"plan": "unlimited", "interval": "year"}
}`

// NewCatalogFromEnv loads the product catalog from PLAY_PRODUCT_CATALOG_JSON,
// falling back to the built-in defaults.
func NewCatalogFromEnv() (*Catalog, error) {
	raw := strings.TrimSpace(env.GetEnv("PLAY_PRODUCT_CATALOG_JSON", ""))
	if raw == "" {
		raw = defaultCatalogJSON
	}
	return ParseCatalog(raw)
}

// ParseCatalog parses a JSON object of product id to effect.
func ParseCatalog(raw string) (*Catalog, error) {
	var effects map[string]Effect
	if err := json.Unmarshal([]byte(raw), &effects); err != nil {
		return nil, fmt.Errorf("invalid product catalog json: %w", err)
	}
	for id, effect := range effects {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("product catalog contains an empty product id")
		}
		if effect.Credits < 0 {
			return nil, fmt.Errorf("product %s: negative credit amount", id)
		}
		if effect.Credits == 0 && effect.Plan == "" {
			return nil, fmt.Errorf("product %s: effect must grant credits or a plan", id)
		}
		if effect.Credits > 0 && effect.Plan != "" {
			return nil, fmt.Errorf("product %s: effect cannot grant both credits and a plan", id)
		}
	}
	return &Catalog{effects: effects}, nil
}

// Effect returns the entitlement effect for a product id.
func (c *Catalog) Effect(productID string) (Effect, bool) {
	e, ok := c.effects[strings.TrimSpace(productID)]
	return e, ok
}

// IsCreditProduct reports whether the product id is a one-time credit pack.
func (c *Catalog) IsCreditProduct(productID string) bool {
	e, ok := c.Effect(productID)
	return ok && !e.IsSubscription()
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.effects)
}
