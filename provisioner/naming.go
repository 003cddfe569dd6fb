package provisioner

import (
	"strings"

	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

const databasePrefix = "tenant_"

// DatabaseNameFor returns the deterministic database name for a slug.
// Slugs never contain underscores, so the mapping is injective.
func DatabaseNameFor(slug string) (string, error) {
	if err := interfaces.ValidateSlug(slug); err != nil {
		return "", err
	}
	return databasePrefix + strings.ReplaceAll(slug, "-", "_"), nil
}

// RoleNameFor returns the login role owning the tenant database.
func RoleNameFor(slug string) (string, error) {
	name, err := DatabaseNameFor(slug)
	if err != nil {
		return "", err
	}
	return name + "_owner", nil
}
