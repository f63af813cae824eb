package plans

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mscandco/distro-platform/backend/internal/roles"
)

func TestResolveNoBillingRoles(t *testing.T) {
	for _, role := range []roles.Role{roles.SuperAdmin, roles.CompanyAdmin, roles.DistributionPartner, roles.Unknown, roles.Parse("intern")} {
		for _, entitled := range []bool{false, true} {
			for _, cycle := range []BillingCycle{Monthly, Yearly} {
				vm := Resolve(role, entitled, cycle)
				assert.True(t, vm.NoBilling, "role %s", role)
				assert.Nil(t, vm.Subscription, "role %s", role)
				require.NotNil(t, vm.AvailablePlans)
				assert.Empty(t, vm.AvailablePlans, "role %s", role)
			}
		}
	}
}

func TestResolveArtistTiers(t *testing.T) {
	starter := Resolve(roles.Artist, false, Monthly)
	pro := Resolve(roles.Artist, true, Monthly)

	require.NotNil(t, starter.Subscription)
	require.NotNil(t, pro.Subscription)
	assert.Equal(t, "Artist Starter", starter.Subscription.PlanName)
	assert.Equal(t, "Artist Pro", pro.Subscription.PlanName)
	assert.Greater(t, pro.Subscription.Price, starter.Subscription.Price)
	assert.Subset(t, pro.Subscription.Features, starter.Subscription.Features)
	assert.Greater(t, len(pro.Subscription.Features), len(starter.Subscription.Features))
}

func TestResolveLabelAdminStarterMonthly(t *testing.T) {
	vm := Resolve(roles.LabelAdmin, false, Monthly)

	require.NotNil(t, vm.Subscription)
	assert.False(t, vm.NoBilling)
	assert.Equal(t, "Label Admin Starter", vm.Subscription.PlanName)
	assert.Equal(t, 29.99, vm.Subscription.Price)
	require.Len(t, vm.AvailablePlans, 2)

	current := 0
	for _, p := range vm.AvailablePlans {
		if p.Current {
			current++
			assert.Equal(t, "Label Admin Starter", p.Name)
		}
	}
	assert.Equal(t, 1, current)
}

func TestResolveYearlyPrice(t *testing.T) {
	vm := Resolve(roles.Artist, true, Yearly)
	require.NotNil(t, vm.Subscription)
	assert.Equal(t, Yearly, vm.Subscription.BillingCycle)
	assert.Equal(t, 199.99, vm.Subscription.Price)
}

func TestResolveUnknownCycleDefaultsToMonthly(t *testing.T) {
	vm := Resolve(roles.Artist, false, BillingCycle("weekly"))
	assert.Equal(t, Monthly, vm.BillingCycle)
	assert.Equal(t, 9.99, vm.Subscription.Price)
}

func TestCatalogYearlySavings(t *testing.T) {
	for _, p := range All() {
		t.Run(string(p.Slug), func(t *testing.T) {
			full := float64(p.MonthlyPriceCents * 12)
			expected := full * (1 - float64(p.SavingsPercent())/100)
			if diff := math.Abs(float64(p.YearlyPriceCents) - expected); diff > full*0.005 {
				t.Fatalf("yearly %d too far from %.2f (diff %.2f)", p.YearlyPriceCents, expected, diff)
			}
			assert.Equal(t, "17%", p.SavingsLabel())
		})
	}
}

func TestCatalogTiers(t *testing.T) {
	for _, role := range []roles.Role{roles.Artist, roles.LabelAdmin} {
		offered := PlansFor(role)
		require.Len(t, offered, 2)
		starter, pro := offered[0], offered[1]
		assert.Equal(t, TierStarter, starter.Tier)
		assert.Equal(t, TierPro, pro.Tier)
		assert.Greater(t, pro.MonthlyPriceCents, starter.MonthlyPriceCents)
		assert.Greater(t, pro.YearlyPriceCents, starter.YearlyPriceCents)
		assert.Subset(t, pro.Features, starter.Features)
	}
}

func TestResolveDoesNotShareCatalogSlices(t *testing.T) {
	vm := Resolve(roles.Artist, false, Monthly)
	vm.Subscription.Features[0] = "tampered"

	again := Resolve(roles.Artist, false, Monthly)
	assert.NotEqual(t, "tampered", again.Subscription.Features[0])
}

func TestFindByName(t *testing.T) {
	p, ok := FindByName("Artist Pro")
	require.True(t, ok)
	assert.Equal(t, ArtistPro, p.Slug)

	p, ok = FindByName("label_admin_starter")
	require.True(t, ok)
	assert.Equal(t, "Label Admin Starter", p.Name)

	_, ok = FindByName("Enterprise")
	assert.False(t, ok)
}
