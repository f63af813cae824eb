package plans

import (
	"time"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

// ViewModel is everything the billing page renders for one user.
type ViewModel struct {
	Role           roles.Role      `json:"role"`
	BillingCycle   BillingCycle    `json:"billingCycle"`
	NoBilling      bool            `json:"noBilling"`
	Subscription   *Subscription   `json:"subscription"`
	AvailablePlans []AvailablePlan `json:"availablePlans"`
}

// Subscription describes the plan the user is currently on.
type Subscription struct {
	Plan            Slug         `json:"plan"`
	PlanName        string       `json:"planName"`
	Tier            Tier         `json:"tier"`
	Price           float64      `json:"price"`
	PriceCents      int64        `json:"priceCents"`
	Currency        string       `json:"currency"`
	BillingCycle    BillingCycle `json:"billingCycle"`
	NextBillingDate *time.Time   `json:"nextBillingDate"`
	Status          string       `json:"status,omitempty"`
	Features        []string     `json:"features"`
}

// AvailablePlan is a catalog entry as offered on the billing page.
type AvailablePlan struct {
	Plan                 Slug     `json:"plan"`
	Name                 string   `json:"name"`
	Tier                 Tier     `json:"tier"`
	MonthlyPrice         float64  `json:"monthlyPrice"`
	YearlyPrice          float64  `json:"yearlyPrice"`
	MonthlyPriceCents    int64    `json:"monthlyPriceCents"`
	YearlyPriceCents     int64    `json:"yearlyPriceCents"`
	YearlySavings        string   `json:"yearlySavings"`
	YearlySavingsPercent int      `json:"yearlySavingsPercent"`
	Features             []string `json:"features"`
	Current              bool     `json:"current"`
}

// NoBillingView is the model for roles without a subscription.
func NoBillingView(role roles.Role, cycle BillingCycle) ViewModel {
	return ViewModel{
		Role:           role,
		BillingCycle:   ParseCycle(string(cycle)),
		NoBilling:      true,
		AvailablePlans: []AvailablePlan{},
	}
}

// Resolve builds the billing view for role. It performs no I/O; the
// entitlement flag must already come from the server-side record. Roles
// outside the billable set, including unrecognised ones, get NoBillingView
// whatever the flag says.
func Resolve(role roles.Role, entitled bool, cycle BillingCycle) ViewModel {
	cycle = ParseCycle(string(cycle))
	offered := PlansFor(role)
	if len(offered) == 0 {
		return NoBillingView(role, cycle)
	}

	tier := TierFor(entitled)
	vm := ViewModel{
		Role:           role,
		BillingCycle:   cycle,
		AvailablePlans: make([]AvailablePlan, 0, len(offered)),
	}

	for _, p := range offered {
		current := p.Tier == tier
		vm.AvailablePlans = append(vm.AvailablePlans, AvailablePlan{
			Plan:                 p.Slug,
			Name:                 p.Name,
			Tier:                 p.Tier,
			MonthlyPrice:         toMajor(p.MonthlyPriceCents),
			YearlyPrice:          toMajor(p.YearlyPriceCents),
			MonthlyPriceCents:    p.MonthlyPriceCents,
			YearlyPriceCents:     p.YearlyPriceCents,
			YearlySavings:        p.SavingsLabel(),
			YearlySavingsPercent: p.SavingsPercent(),
			Features:             append([]string(nil), p.Features...),
			Current:              current,
		})
		if current {
			vm.Subscription = &Subscription{
				Plan:         p.Slug,
				PlanName:     p.Name,
				Tier:         p.Tier,
				Price:        toMajor(p.PriceCents(cycle)),
				PriceCents:   p.PriceCents(cycle),
				Currency:     Currency,
				BillingCycle: cycle,
				Features:     append([]string(nil), p.Features...),
			}
		}
	}

	return vm
}

func toMajor(cents int64) float64 {
	return float64(cents) / 100
}
