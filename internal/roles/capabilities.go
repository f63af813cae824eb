package roles

import "sort"

// Permission names a capability in resource:action[:scope] form.
type Permission string

const (
	SubscriptionViewOwn   Permission = "subscription:view:own"
	SubscriptionManageOwn Permission = "subscription:manage:own"
	SubscriptionViewAny   Permission = "subscription:view:any"
	SubscriptionManageAny Permission = "subscription:manage:any"
	UserImpersonate       Permission = "user:impersonate"
	SystemLogs            Permission = "system:logs"
	SystemSettings        Permission = "system:settings"
)

var (
	everyone      = []Role{Artist, LabelAdmin, CompanyAdmin, SuperAdmin, DistributionPartner}
	creators      = []Role{Artist, LabelAdmin, CompanyAdmin, SuperAdmin}
	labelAndUp    = []Role{LabelAdmin, CompanyAdmin, SuperAdmin}
	companyAndUp  = []Role{CompanyAdmin, SuperAdmin}
	superOnly     = []Role{SuperAdmin}
	catalogueWide = []Role{CompanyAdmin, SuperAdmin, DistributionPartner}
)

var table = map[Permission][]Role{
	"profile:view:own":   everyone,
	"profile:edit:own":   everyone,
	"profile:view:any":   labelAndUp,
	"profile:edit:any":   companyAndUp,
	"profile:delete:any": superOnly,

	"release:view:own":     creators,
	"release:create":       creators,
	"release:edit:own":     creators,
	"release:delete:own":   creators,
	"release:view:label":   labelAndUp,
	"release:edit:label":   labelAndUp,
	"release:delete:label": labelAndUp,
	"release:view:any":     catalogueWide,
	"release:edit:any":     companyAndUp,
	"release:delete:any":   superOnly,
	"release:approve":      companyAndUp,
	"release:publish":      companyAndUp,

	"analytics:view:own":   creators,
	"analytics:view:label": labelAndUp,
	"analytics:view:any":   catalogueWide,
	"analytics:edit:any":   companyAndUp,
	"analytics:export":     creators,

	"artist:view:own":     creators,
	"artist:view:label":   labelAndUp,
	"artist:view:any":     companyAndUp,
	"artist:invite":       labelAndUp,
	"artist:remove:label": labelAndUp,
	"artist:manage:any":   companyAndUp,

	"earnings:view:own":   creators,
	"earnings:view:label": labelAndUp,
	"earnings:view:any":   companyAndUp,
	"earnings:edit:any":   companyAndUp,
	"earnings:approve":    companyAndUp,

	"wallet:view:own":     creators,
	"wallet:topup:own":    creators,
	"wallet:withdraw:own": creators,
	"wallet:view:any":     companyAndUp,
	"wallet:topup:any":    superOnly,
	"wallet:manage:any":   superOnly,

	SubscriptionViewOwn:   creators,
	SubscriptionManageOwn: creators,
	SubscriptionViewAny:   companyAndUp,
	SubscriptionManageAny: superOnly,

	"user:view:any":   companyAndUp,
	"user:create":     superOnly,
	"user:edit:any":   superOnly,
	"user:delete:any": superOnly,
	UserImpersonate:   superOnly,

	"notification:view:own":   creators,
	"notification:manage:own": creators,
	"notification:send:label": labelAndUp,
	"notification:send:any":   companyAndUp,

	"label:view:own": labelAndUp,
	"label:edit:own": labelAndUp,
	"label:view:any": companyAndUp,
	"label:edit:any": companyAndUp,
	"label:create":   companyAndUp,
	"label:delete":   superOnly,

	"company:view":     companyAndUp,
	"company:edit":     companyAndUp,
	"company:settings": companyAndUp,
	"company:delete":   superOnly,

	SystemSettings:     superOnly,
	SystemLogs:         superOnly,
	"system:reports":   companyAndUp,
	"system:analytics": companyAndUp,

	"content:view:own":   everyone,
	"content:edit:own":   creators,
	"content:view:any":   catalogueWide,
	"content:manage:any": catalogueWide,

	"upload:audio":           creators,
	"upload:artwork":         creators,
	"upload:profile_picture": everyone,

	"change_request:create:own": {Artist, LabelAdmin},
	"change_request:view:label": labelAndUp,
	"change_request:view:any":   companyAndUp,
	"change_request:approve":    companyAndUp,
	"change_request:reject":     companyAndUp,
}

// capabilities is the inverted table, built once.
var capabilities = invert(table)

func invert(t map[Permission][]Role) map[Role]map[Permission]struct{} {
	out := make(map[Role]map[Permission]struct{}, len(All))
	for perm, allowed := range t {
		for _, r := range allowed {
			if out[r] == nil {
				out[r] = make(map[Permission]struct{})
			}
			out[r][perm] = struct{}{}
		}
	}
	return out
}

// Has reports whether r is granted perm. Unknown permissions are denied.
func Has(r Role, perm Permission) bool {
	_, ok := capabilities[r][perm]
	return ok
}

// Capabilities returns the sorted permissions granted to r.
func Capabilities(r Role) []Permission {
	set := capabilities[r]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
