package policy

import "github.com/l0p7/immogest/internal/config"

const (
	staff = "agent"
	books = "comptable"
)

func grant(roles ...string) config.PolicyRuleConfig {
	return config.PolicyRuleConfig{Roles: roles}
}

func grantIf(condition string, roles ...string) config.PolicyRuleConfig {
	return config.PolicyRuleConfig{Roles: roles, Condition: condition}
}

// DefaultDocument is the policy set used when no policy file is configured.
// Admins are not listed: they bypass every rule.
func DefaultDocument() config.PolicyDocument {
	const unassignedOrMine = `!has(resource.assignedTo) || resource.assignedTo == "" || resource.assignedTo == subject.id`
	approach := map[string]config.PolicyRuleConfig{
		"viewAny": grant(staff),
		"view":    grant(staff),
		"create":  grant(staff),
		"update":  grantIf(unassignedOrMine, staff),
		"attach":  grant(staff),
	}
	return config.PolicyDocument{Policies: map[string]map[string]config.PolicyRuleConfig{
		"User": {
			"viewAny": grant(staff, books),
			"view":    grant(staff, books),
			"update":  grantIf(`resource.id == subject.id`, staff, books),
		},
		"Prestataire": {
			"viewAny": grant(staff, books),
			"view":    grant(staff, books),
			"create":  grant(staff),
			"update":  grant(staff),
			"attach":  grant(staff),
		},
		"Document": {
			"viewAny": grant(staff, books),
			"view":    grant(staff, books),
			"create":  grant(staff, books),
			"delete":  grantIf(`resource.ownerId == subject.id`, staff, books),
			"attach":  grant(staff),
		},
		"RemiseCle": {
			"viewAny": grant(staff),
			"view":    grant(staff),
			"create":  grant(staff),
			"update":  grant(staff),
			"attach":  grant(staff),
		},
		"ApprocheProprietaire": approach,
		"ApprocheLocataire":    approach,
	}}
}
