// Package roles defines the platform roles and the single capability table
// every other package consults instead of branching on role strings.
package roles

import "strings"

// Role identifies the kind of account a session belongs to.
type Role string

const (
	Unknown             Role = ""
	Artist              Role = "artist"
	LabelAdmin          Role = "label_admin"
	DistributionPartner Role = "distribution_partner"
	CompanyAdmin        Role = "company_admin"
	SuperAdmin          Role = "super_admin"
)

// All lists the recognised roles in hierarchy order.
var All = []Role{Artist, LabelAdmin, DistributionPartner, CompanyAdmin, SuperAdmin}

// Category keys entitlements. Only billable roles have one.
type Category string

const (
	CategoryNone       Category = ""
	CategoryArtist     Category = "artist"
	CategoryLabelAdmin Category = "label_admin"
)

// Parse maps an identity-provider role string onto a Role. Anything that is
// not an exact match for a known role yields Unknown.
func Parse(raw string) Role {
	r := Role(strings.TrimSpace(raw))
	for _, known := range All {
		if r == known {
			return r
		}
	}
	return Unknown
}

// Valid reports whether r is one of the recognised roles.
func (r Role) Valid() bool {
	return Parse(string(r)) != Unknown
}

func (r Role) String() string {
	if r == Unknown {
		return "unknown"
	}
	return string(r)
}

// Category returns the entitlement category for r.
func (r Role) Category() Category {
	switch r {
	case Artist:
		return CategoryArtist
	case LabelAdmin:
		return CategoryLabelAdmin
	default:
		return CategoryNone
	}
}

// IsBillable reports whether accounts with this role carry a subscription.
func (r Role) IsBillable() bool {
	return r.Category() != CategoryNone
}

// ParseCategory fails closed to CategoryNone.
func ParseCategory(raw string) Category {
	switch Category(raw) {
	case CategoryArtist:
		return CategoryArtist
	case CategoryLabelAdmin:
		return CategoryLabelAdmin
	default:
		return CategoryNone
	}
}

var hierarchy = map[Role]int{
	Artist:              1,
	LabelAdmin:          2,
	DistributionPartner: 2,
	CompanyAdmin:        3,
	SuperAdmin:          4,
}

// Level returns the hierarchy level of r, 0 for Unknown.
func Level(r Role) int {
	return hierarchy[r]
}

// Outranks reports whether r sits strictly above other in the hierarchy.
func Outranks(r, other Role) bool {
	return Level(r) > Level(other)
}

var displayNames = map[Role]string{
	Artist:              "Artist",
	LabelAdmin:          "Label Admin",
	DistributionPartner: "Distribution Partner",
	CompanyAdmin:        "Company Admin",
	SuperAdmin:          "Super Admin",
}

// DisplayName returns the human readable role name.
func DisplayName(r Role) string {
	if name, ok := displayNames[r]; ok {
		return name
	}
	return "Unknown"
}
