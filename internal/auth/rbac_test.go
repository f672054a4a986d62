package auth

import (
	"fmt"
	"sync"
	"testing"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRBAC(t *testing.T) (*RBAC, *audit.Log) {
	logger := zaptest.NewLogger(t)
	log := audit.NewLog(logger, audit.DefaultConfig(), audit.WithMetadata(audit.Metadata{Service: "test"}))
	rbac, err := NewRBAC(logger, log, RBACConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { rbac.Close() })
	return rbac, log
}

func TestRBAC_DefaultRole(t *testing.T) {
	rbac, _ := newTestRBAC(t)

	assert.Equal(t, []Role{RoleUser}, rbac.UserRoles("nobody"))
	assert.True(t, rbac.HasPermission("nobody", PermQRCreate))
	assert.True(t, rbac.HasPermission("nobody", PermQRViewPublic))
	assert.False(t, rbac.HasPermission("nobody", PermTeamView))
}

func TestRBAC_InheritanceIsTransitive(t *testing.T) {
	rbac, _ := newTestRBAC(t)

	for i, role := range Roles() {
		perms, err := rbac.RolePermissions(role)
		require.NoError(t, err)

		seen := make(map[Permission]bool)
		for _, p := range perms {
			assert.False(t, seen[p], "duplicate %s in %s", p, role)
			seen[p] = true
		}

		// every lower role's permissions are included
		for _, lower := range Roles()[:i] {
			lowerPerms, err := rbac.RolePermissions(lower)
			require.NoError(t, err)
			for _, p := range lowerPerms {
				assert.True(t, seen[p], "%s should inherit %s from %s", role, p, lower)
			}
		}
	}
}

func TestRBAC_AssignAndRemove(t *testing.T) {
	rbac, log := newTestRBAC(t)

	require.NoError(t, rbac.AssignRole("u1", RoleTeamAdmin))
	assert.True(t, rbac.HasPermission("u1", PermTeamMembersInvite))
	assert.True(t, rbac.HasPermission("u1", PermQRCreate))
	assert.False(t, rbac.HasPermission("u1", PermTeamDelete))

	// a second assignment is a no-op
	require.NoError(t, rbac.AssignRole("u1", RoleTeamAdmin))
	assert.Equal(t, []Role{RoleTeamAdmin}, rbac.UserRoles("u1"))

	require.NoError(t, rbac.RemoveRole("u1", RoleTeamAdmin))
	assert.False(t, rbac.HasPermission("u1", PermTeamMembersInvite))
	assert.Equal(t, []Role{RoleUser}, rbac.UserRoles("u1"))

	err := rbac.RemoveRole("u1", RoleTeamAdmin)
	assert.ErrorIs(t, err, ErrRoleNotAssigned)

	assert.Len(t, log.Events(audit.Filter{Type: audit.EventRoleAssigned}), 1)
	assert.Len(t, log.Events(audit.Filter{Type: audit.EventRoleRemoved}), 1)
}

func TestRBAC_AssignValidation(t *testing.T) {
	rbac, _ := newTestRBAC(t)

	assert.ErrorIs(t, rbac.AssignRole("u1", Role("wizard")), ErrUnknownRole)
	assert.ErrorIs(t, rbac.AssignRole("", RoleAdmin), ErrInvalidUser)
	assert.ErrorIs(t, rbac.RemoveRole("", RoleAdmin), ErrInvalidUser)

	_, err := rbac.RolePermissions(Role("wizard"))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestRBAC_CacheInvalidatedOnChange(t *testing.T) {
	rbac, _ := newTestRBAC(t)

	// warm the cache
	assert.False(t, rbac.HasPermission("u2", PermAuditRead))

	require.NoError(t, rbac.AssignRole("u2", RoleAdmin))
	assert.True(t, rbac.HasPermission("u2", PermAuditRead))

	require.NoError(t, rbac.RemoveRole("u2", RoleAdmin))
	assert.False(t, rbac.HasPermission("u2", PermAuditRead))
}

func TestRBAC_PermissionQueries(t *testing.T) {
	rbac, _ := newTestRBAC(t)
	require.NoError(t, rbac.AssignRole("m", RoleTeamManager))

	tests := []struct {
		name  string
		check func() bool
		want  bool
	}{
		{"any with one match", func() bool { return rbac.HasAnyPermission("m", PermUsersManage, PermTeamQRUpdate) }, true},
		{"any with none", func() bool { return rbac.HasAnyPermission("m", PermUsersManage, PermRolesManage) }, false},
		{"any empty", func() bool { return rbac.HasAnyPermission("m") }, false},
		{"all satisfied", func() bool { return rbac.HasAllPermissions("m", PermTeamQRUpdate, PermQRRead) }, true},
		{"all missing one", func() bool { return rbac.HasAllPermissions("m", PermTeamQRUpdate, PermTeamDelete) }, false},
		{"all empty", func() bool { return rbac.HasAllPermissions("m") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check())
		})
	}
}

func TestRBAC_HasMinimumRole(t *testing.T) {
	rbac, _ := newTestRBAC(t)
	require.NoError(t, rbac.AssignRole("a", RoleAdmin))
	require.NoError(t, rbac.AssignRole("a", RoleTeamMember))

	assert.Equal(t, RoleAdmin, rbac.HighestRole("a"))
	assert.True(t, rbac.HasMinimumRole("a", RoleTeamOwner))
	assert.True(t, rbac.HasMinimumRole("a", RoleAdmin))
	assert.False(t, rbac.HasMinimumRole("a", RoleSuperAdmin))
	assert.True(t, rbac.HasMinimumRole("nobody", RoleGuest))
	assert.False(t, rbac.HasMinimumRole("nobody", RoleTeamMember))
	assert.False(t, rbac.HasMinimumRole("a", Role("wizard")))

	require.NoError(t, rbac.AssignRole("g", RoleGuest))
	assert.Equal(t, RoleGuest, rbac.HighestRole("g"))
	assert.True(t, rbac.HasMinimumRole("g", RoleGuest))
	assert.False(t, rbac.HasMinimumRole("g", RoleUser))
	assert.False(t, rbac.HasPermission("g", PermQRCreate))
}

func TestRBAC_RequirePermission(t *testing.T) {
	rbac, log := newTestRBAC(t)

	assert.NoError(t, rbac.RequirePermission("nobody", PermQRRead))

	err := rbac.RequirePermission("nobody", PermSecurityView)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	denied := log.Events(audit.Filter{Type: audit.EventPermissionDenied})
	require.Len(t, denied, 1)
	assert.Equal(t, "nobody", denied[0].UserID)
	assert.Equal(t, string(PermSecurityView), denied[0].Details["permission"])
}

func TestRBAC_ConcurrentAssignAndCheck(t *testing.T) {
	rbac, _ := newTestRBAC(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		user := fmt.Sprintf("user-%d", i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rbac.AssignRole(user, RoleAdmin)
				_ = rbac.RemoveRole(user, RoleAdmin)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rbac.HasPermission(user, PermAuditRead)
			}
		}()
	}
	wg.Wait()

	// after the last removal no stale grant survives in the cache
	for i := 0; i < 20; i++ {
		assert.False(t, rbac.HasPermission(fmt.Sprintf("user-%d", i), PermAuditRead))
	}
}

func TestResolveRolesDetectsCycles(t *testing.T) {
	defs := map[Role]roleDefinition{
		"a": {Permissions: []Permission{"x:read"}, Inherits: []Role{"b"}},
		"b": {Permissions: []Permission{"y:read"}, Inherits: []Role{"a"}},
	}
	_, err := resolveRoles(defs)
	assert.ErrorIs(t, err, ErrRoleCycle)

	_, err = resolveRoles(map[Role]roleDefinition{"a": {Inherits: []Role{"missing"}}})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestRBAC_SuperAdminBootstrap(t *testing.T) {
	rbac, err := NewRBAC(zaptest.NewLogger(t), nil, RBACConfig{SuperAdmins: []string{"root"}})
	require.NoError(t, err)
	defer rbac.Close()

	assert.Equal(t, RoleSuperAdmin, rbac.HighestRole("root"))
	assert.True(t, rbac.HasPermission("root", PermRolesManage))

	_, err = NewRBAC(zaptest.NewLogger(t), nil, RBACConfig{SuperAdmins: []string{""}})
	assert.ErrorIs(t, err, ErrInvalidUser)
}
