// ABOUTME: Subscription tiers and the daily limits and default model for each
// ABOUTME: Unknown tiers fall back to the free tier

package plans

import (
	"sort"
)

// Unlimited marks a limit with no cap.
const Unlimited = -1

// Tier names.
const (
	Free        = "free"
	Premium     = "premium"
	PremiumPlus = "premium_plus"
)

// Default models.
const (
	ModelFree = "mistral-medium-latest"
	ModelPaid = "mistral-large-latest"
)

// Limits are per-day allowances. Either may be Unlimited.
type Limits struct {
	DailyImages int `yaml:"daily_images" toml:"daily_images"`
	DailyTokens int `yaml:"daily_tokens" toml:"daily_tokens"`
}

// Tier is one plan definition.
type Tier struct {
	Limits `yaml:",inline"`
	Model  string `yaml:"model" toml:"model"`
}

// Policy maps tier names to their limits.
type Policy struct {
	tiers map[string]Tier
}

// DefaultTiers returns the built-in plan table.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		Free:        {Limits: Limits{DailyImages: 3, DailyTokens: 20000}, Model: ModelFree},
		Premium:     {Limits: Limits{DailyImages: 50, DailyTokens: 500000}, Model: ModelPaid},
		PremiumPlus: {Limits: Limits{DailyImages: Unlimited, DailyTokens: Unlimited}, Model: ModelPaid},
	}
}

// NewPolicy builds a policy from the given tiers layered over the defaults.
// A nil map gives the defaults alone.
func NewPolicy(overrides map[string]Tier) *Policy {
	tiers := DefaultTiers()
	for name, t := range overrides {
		if t.Model == "" {
			if def, ok := tiers[name]; ok {
				t.Model = def.Model
			} else {
				t.Model = ModelPaid
			}
		}
		tiers[name] = t
	}
	return &Policy{tiers: tiers}
}

func (p *Policy) tier(name string) Tier {
	if t, ok := p.tiers[name]; ok {
		return t
	}
	return p.tiers[Free]
}

// Limits returns the allowances for a tier.
func (p *Policy) Limits(tier string) Limits {
	return p.tier(tier).Limits
}

// Model returns the default model for a tier.
func (p *Policy) Model(tier string) string {
	return p.tier(tier).Model
}

// Known reports whether the tier is defined.
func (p *Policy) Known(tier string) bool {
	_, ok := p.tiers[tier]
	return ok
}

// Names lists the defined tiers in sorted order.
func (p *Policy) Names() []string {
	names := make([]string, 0, len(p.tiers))
	for n := range p.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
