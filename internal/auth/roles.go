package auth

import (
	"errors"
	"fmt"
	"sort"
)

// Role is a global role in the fixed hierarchy.
type Role string

const (
	RoleGuest       Role = "guest"
	RoleUser        Role = "user"
	RoleTeamMember  Role = "team_member"
	RoleTeamManager Role = "team_manager"
	RoleTeamAdmin   Role = "team_admin"
	RoleTeamOwner   Role = "team_owner"
	RoleAdmin       Role = "admin"
	RoleSuperAdmin  Role = "super_admin"
)

// roleHierarchy is ordered from least to most privileged.
var roleHierarchy = []Role{
	RoleGuest,
	RoleUser,
	RoleTeamMember,
	RoleTeamManager,
	RoleTeamAdmin,
	RoleTeamOwner,
	RoleAdmin,
	RoleSuperAdmin,
}

// Permission is an atomic "resource:action" grant.
type Permission string

const (
	PermQRViewPublic Permission = "qr:view_public"

	PermQRCreate         Permission = "qr:create"
	PermQRRead           Permission = "qr:read"
	PermQRUpdate         Permission = "qr:update"
	PermQRDelete         Permission = "qr:delete"
	PermAnalyticsViewOwn Permission = "analytics:view_own"
	PermProfileUpdate    Permission = "profile:update"
	PermTeamCreate       Permission = "team:create"

	PermTeamView          Permission = "team:view"
	PermTeamQRRead        Permission = "team_qr:read"
	PermTeamQRCreate      Permission = "team_qr:create"
	PermTeamAnalyticsView Permission = "team_analytics:view"

	PermTeamQRUpdate        Permission = "team_qr:update"
	PermTeamQRDelete        Permission = "team_qr:delete"
	PermTeamMembersView     Permission = "team_members:view"
	PermTeamAnalyticsExport Permission = "team_analytics:export"

	PermTeamMembersInvite  Permission = "team_members:invite"
	PermTeamMembersRemove  Permission = "team_members:remove"
	PermTeamSettingsUpdate Permission = "team_settings:update"

	PermTeamDelete        Permission = "team:delete"
	PermTeamTransfer      Permission = "team:transfer"
	PermTeamBillingManage Permission = "team_billing:manage"

	PermUsersRead      Permission = "users:read"
	PermUsersManage    Permission = "users:manage"
	PermAuditRead      Permission = "audit:read"
	PermSecurityView   Permission = "security:view"
	PermSecurityManage Permission = "security:manage"

	PermSystemConfigure Permission = "system:configure"
	PermRolesManage     Permission = "roles:manage"
	PermAuditExport     Permission = "audit:export"
)

type roleDefinition struct {
	Permissions []Permission
	Inherits    []Role
}

// roleDefinitions lists each role's own permissions and the role it builds
// on. Effective permission sets are resolved once at construction.
var roleDefinitions = map[Role]roleDefinition{
	RoleGuest: {
		Permissions: []Permission{PermQRViewPublic},
	},
	RoleUser: {
		Permissions: []Permission{PermQRCreate, PermQRRead, PermQRUpdate, PermQRDelete, PermAnalyticsViewOwn, PermProfileUpdate, PermTeamCreate},
		Inherits:    []Role{RoleGuest},
	},
	RoleTeamMember: {
		Permissions: []Permission{PermTeamView, PermTeamQRRead, PermTeamQRCreate, PermTeamAnalyticsView},
		Inherits:    []Role{RoleUser},
	},
	RoleTeamManager: {
		Permissions: []Permission{PermTeamQRUpdate, PermTeamQRDelete, PermTeamMembersView, PermTeamAnalyticsExport},
		Inherits:    []Role{RoleTeamMember},
	},
	RoleTeamAdmin: {
		Permissions: []Permission{PermTeamMembersInvite, PermTeamMembersRemove, PermTeamSettingsUpdate},
		Inherits:    []Role{RoleTeamManager},
	},
	RoleTeamOwner: {
		Permissions: []Permission{PermTeamDelete, PermTeamTransfer, PermTeamBillingManage},
		Inherits:    []Role{RoleTeamAdmin},
	},
	RoleAdmin: {
		Permissions: []Permission{PermUsersRead, PermUsersManage, PermAuditRead, PermSecurityView},
		Inherits:    []Role{RoleTeamOwner},
	},
	RoleSuperAdmin: {
		Permissions: []Permission{PermSystemConfigure, PermRolesManage, PermAuditExport, PermSecurityManage},
		Inherits:    []Role{RoleAdmin},
	},
}

// ErrRoleCycle is returned when role inheritance is cyclic.
var ErrRoleCycle = errors.New("role inheritance cycle")

// Rank returns the role's position in the hierarchy, or -1 when unknown.
func (r Role) Rank() int {
	for i, role := range roleHierarchy {
		if role == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// Roles returns the hierarchy from least to most privileged.
func Roles() []Role {
	out := make([]Role, len(roleHierarchy))
	copy(out, roleHierarchy)
	return out
}

// resolveRoles computes the transitive, deduplicated permission set of
// every role.
func resolveRoles(defs map[Role]roleDefinition) (map[Role]map[Permission]struct{}, error) {
	resolved := make(map[Role]map[Permission]struct{}, len(defs))
	visiting := make(map[Role]bool)

	var visit func(role Role, path []Role) (map[Permission]struct{}, error)
	visit = func(role Role, path []Role) (map[Permission]struct{}, error) {
		if perms, ok := resolved[role]; ok {
			return perms, nil
		}
		def, ok := defs[role]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
		if visiting[role] {
			return nil, fmt.Errorf("%w: %v", ErrRoleCycle, append(path, role))
		}
		visiting[role] = true
		defer delete(visiting, role)

		perms := make(map[Permission]struct{})
		for _, p := range def.Permissions {
			perms[p] = struct{}{}
		}
		for _, parent := range def.Inherits {
			inherited, err := visit(parent, append(path, role))
			if err != nil {
				return nil, err
			}
			for p := range inherited {
				perms[p] = struct{}{}
			}
		}
		resolved[role] = perms
		return perms, nil
	}

	roles := make([]Role, 0, len(defs))
	for role := range defs {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, role := range roles {
		if _, err := visit(role, nil); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func sortedPermissions(set map[Permission]struct{}) []Permission {
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
