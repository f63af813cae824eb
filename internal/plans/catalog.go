// Package plans holds the subscription catalog and the resolver that turns a
// role, an entitlement flag and a billing cycle into the billing page model.
package plans

import (
	"math"
	"strconv"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

// Slug is the stable identifier of a catalog plan.
type Slug string

const (
	ArtistStarter     Slug = "artist_starter"
	ArtistPro         Slug = "artist_pro"
	LabelAdminStarter Slug = "label_admin_starter"
	LabelAdminPro     Slug = "label_admin_pro"
)

// Tier distinguishes the entry plan from the upgraded one.
type Tier string

const (
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
)

// BillingCycle is the interval a plan is charged on.
type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

// ParseCycle normalises raw to a cycle, defaulting to Monthly.
func ParseCycle(raw string) BillingCycle {
	if BillingCycle(raw) == Yearly {
		return Yearly
	}
	return Monthly
}

// Currency of every catalog price.
const Currency = "gbp"

// Plan is a static catalog entry. Prices are in minor units.
type Plan struct {
	Slug              Slug
	Name              string
	Category          roles.Category
	Tier              Tier
	MonthlyPriceCents int64
	YearlyPriceCents  int64
	Features          []string
}

// PriceCents returns the charge for one billing period of c.
func (p Plan) PriceCents(c BillingCycle) int64 {
	if c == Yearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// SavingsPercent is the whole-number discount of paying yearly instead of
// twelve monthly charges.
func (p Plan) SavingsPercent() int {
	full := p.MonthlyPriceCents * 12
	if full <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(full-p.YearlyPriceCents) / float64(full)))
}

// SavingsLabel formats SavingsPercent for display, e.g. "17%".
func (p Plan) SavingsLabel() string {
	return strconv.Itoa(p.SavingsPercent()) + "%"
}

var (
	artistStarterFeatures = []string{
		"Up to 5 releases per year",
		"Basic analytics and reporting",
		"Email support",
		"Distribution to major platforms (Spotify, Apple Music, etc.)",
		"Basic earnings tracking",
		"Release management tools",
	}
	artistProExtras = []string{
		"Unlimited releases per year",
		"Advanced analytics and reporting",
		"Priority email and phone support",
		"Custom branding options",
		"Distribution to all major platforms",
		"Detailed earnings tracking and reporting",
		"Social media integration",
		"Marketing campaign tools",
		"Advanced royalty tracking",
		"Custom artist profile optimisation",
	}
	labelStarterFeatures = []string{
		"Up to 5 artists per label",
		"Basic label analytics and reporting",
		"Email support",
		"Standard artist management tools",
		"Basic earnings tracking",
		"Release management tools",
	}
	labelProExtras = []string{
		"Unlimited artist management",
		"Advanced label analytics and reporting",
		"Priority email and phone support",
		"Advanced artist management tools",
		"Detailed earnings tracking and reporting",
		"Custom label branding options",
		"Advanced artist onboarding",
		"Label social media integration",
		"Marketing campaign management",
		"Advanced royalty tracking",
		"Custom label profile optimisation",
	}
)

func withExtras(base, extras []string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

var catalog = []Plan{
	{
		Slug:              ArtistStarter,
		Name:              "Artist Starter",
		Category:          roles.CategoryArtist,
		Tier:              TierStarter,
		MonthlyPriceCents: 999,
		YearlyPriceCents:  9999,
		Features:          artistStarterFeatures,
	},
	{
		Slug:              ArtistPro,
		Name:              "Artist Pro",
		Category:          roles.CategoryArtist,
		Tier:              TierPro,
		MonthlyPriceCents: 1999,
		YearlyPriceCents:  19999,
		Features:          withExtras(artistStarterFeatures, artistProExtras),
	},
	{
		Slug:              LabelAdminStarter,
		Name:              "Label Admin Starter",
		Category:          roles.CategoryLabelAdmin,
		Tier:              TierStarter,
		MonthlyPriceCents: 2999,
		YearlyPriceCents:  29999,
		Features:          labelStarterFeatures,
	},
	{
		Slug:              LabelAdminPro,
		Name:              "Label Admin Pro",
		Category:          roles.CategoryLabelAdmin,
		Tier:              TierPro,
		MonthlyPriceCents: 4999,
		YearlyPriceCents:  49999,
		Features:          withExtras(labelStarterFeatures, labelProExtras),
	},
}

// All returns a copy of the catalog.
func All() []Plan {
	out := make([]Plan, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a plan by slug.
func Lookup(slug Slug) (Plan, bool) {
	for _, p := range catalog {
		if p.Slug == slug {
			return p, true
		}
	}
	return Plan{}, false
}

// FindByName finds a plan by its display name ("Artist Pro") or its slug.
func FindByName(name string) (Plan, bool) {
	for _, p := range catalog {
		if p.Name == name || string(p.Slug) == name {
			return p, true
		}
	}
	return Plan{}, false
}

// PlansFor returns the catalog entries offered to role, Starter first.
// No-billing roles get nil.
func PlansFor(role roles.Role) []Plan {
	category := role.Category()
	if category == roles.CategoryNone {
		return nil
	}
	var out []Plan
	for _, p := range catalog {
		if p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

// TierFor picks the tier implied by an entitlement flag.
func TierFor(entitled bool) Tier {
	if entitled {
		return TierPro
	}
	return TierStarter
}
