package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Acme":                  "acme",
		"  Acme Corp, Inc.  ":   "acme-corp-inc",
		"Müller & Söhne":        "m-ller-s-hne",
		"---":                   "workspace",
		"":                      "workspace",
		"ACME__42":              "acme-42",
		strings.Repeat("a", 60): strings.Repeat("a", 40),
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
	assert.Equal(t, "acme-x1y2z3", WithSuffix("acme", "x1y2z3"))
	assert.Equal(t, "acme", WithSuffix("acme", ""))
	assert.Len(t, randomSuffix(), slugSuffixSize)
	assert.Equal(t, "jane.doe", DisplayNameFromEmail("jane.doe@example.com"))
}

func TestDefaultPermissions(t *testing.T) {
	for _, role := range []string{RoleOwner, RoleAdmin, RoleManager, RoleMember} {
		perms := DefaultPermissions(role)
		for _, p := range CRMWritePermissions {
			assert.True(t, perms[p], "%s should have %s", role, p)
		}
	}
	assert.True(t, DefaultPermissions(RoleOwner)[PermTenantManage])
	assert.True(t, DefaultPermissions(RoleAdmin)[PermMembersManage])
	assert.False(t, DefaultPermissions(RoleManager)[PermMembersManage])
	assert.Empty(t, DefaultPermissions("superuser"))

	m := &Membership{Role: RoleMember}
	assert.True(t, m.Can(PermDealsWrite))
	m.Permissions = map[string]bool{PermDealsWrite: false}
	assert.False(t, m.Can(PermDealsWrite))
	var nilM *Membership
	assert.False(t, nilM.Can(PermDealsWrite))
	assert.False(t, nilM.IsActive())
}
