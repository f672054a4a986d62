package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

var (
	ErrUnknownRole      = errors.New("unknown role")
	ErrInvalidUser      = errors.New("invalid user id")
	ErrRoleNotAssigned  = errors.New("role not assigned")
	ErrPermissionDenied = errors.New("permission denied")
)

// RBACConfig defines RBAC configuration
type RBACConfig struct {
	// DefaultRole applies to users without an assignment.
	DefaultRole Role `yaml:"default_role"`

	// Permission cache settings
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheShards int           `yaml:"cache_shards"`
	CacheMaxMB  int           `yaml:"cache_max_mb"`

	// SuperAdmins are granted super_admin at startup.
	SuperAdmins []string `yaml:"super_admins"`
}

// DefaultRBACConfig returns the default RBAC configuration.
func DefaultRBACConfig() RBACConfig {
	return RBACConfig{
		DefaultRole: RoleUser,
		CacheTTL:    10 * time.Minute,
		CacheShards: 64,
		CacheMaxMB:  64,
	}
}

// RBAC resolves global roles into permissions. Assignments are held per user
// under sharded locks; resolved permission sets are cached per user and
// invalidated whenever the user's roles change.
type RBAC struct {
	logger *zap.Logger
	audit  audit.Recorder
	config RBACConfig

	effective   map[Role]map[Permission]struct{}
	assignments *datastructures.ShardedMap[[]Role]
	cache       *bigcache.BigCache
}

// NewRBAC creates the resolver. It fails if the role graph is inconsistent.
func NewRBAC(logger *zap.Logger, recorder audit.Recorder, config RBACConfig) (*RBAC, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	d := DefaultRBACConfig()
	if !config.DefaultRole.Valid() {
		config.DefaultRole = d.DefaultRole
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = d.CacheTTL
	}
	if config.CacheShards <= 0 || config.CacheShards&(config.CacheShards-1) != 0 {
		config.CacheShards = d.CacheShards
	}
	if config.CacheMaxMB <= 0 {
		config.CacheMaxMB = d.CacheMaxMB
	}

	effective, err := resolveRoles(roleDefinitions)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role hierarchy: %w", err)
	}

	cacheConfig := bigcache.DefaultConfig(config.CacheTTL)
	cacheConfig.Shards = config.CacheShards
	cacheConfig.CleanWindow = config.CacheTTL
	cacheConfig.HardMaxCacheSize = config.CacheMaxMB
	cacheConfig.Verbose = false
	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission cache: %w", err)
	}

	r := &RBAC{
		logger:      logger,
		audit:       recorder,
		config:      config,
		effective:   effective,
		assignments: datastructures.NewShardedMap[[]Role](0),
		cache:       cache,
	}
	for _, userID := range config.SuperAdmins {
		if err := r.AssignRole(userID, RoleSuperAdmin); err != nil {
			cache.Close()
			return nil, fmt.Errorf("failed to bootstrap super admin %q: %w", userID, err)
		}
	}
	return r, nil
}

// Close releases the permission cache.
func (r *RBAC) Close() error {
	return r.cache.Close()
}

// AssignRole grants role to userID. Assigning a role twice is a no-op.
func (r *RBAC) AssignRole(userID string, role Role) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	added := false
	r.assignments.Update(userID, func(roles []Role, _ bool) ([]Role, bool) {
		for _, existing := range roles {
			if existing == role {
				return roles, true
			}
		}
		added = true
		next := make([]Role, len(roles), len(roles)+1)
		copy(next, roles)
		next = append(next, role)
		r.invalidate(userID)
		return next, true
	})
	if !added {
		return nil
	}

	r.logger.Info("Role assigned",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	)
	r.audit.Record(audit.EventRoleAssigned, audit.SeverityLow,
		map[string]interface{}{"role": string(role)}, audit.WithUserID(userID))
	return nil
}

// RemoveRole revokes role from userID. A user left without roles falls back
// to the default role.
func (r *RBAC) RemoveRole(userID string, role Role) error {
	if userID == "" {
		return ErrInvalidUser
	}

	removed := false
	r.assignments.Update(userID, func(roles []Role, exists bool) ([]Role, bool) {
		next := make([]Role, 0, len(roles))
		for _, existing := range roles {
			if existing == role {
				removed = true
				continue
			}
			next = append(next, existing)
		}
		if removed {
			r.invalidate(userID)
		}
		return next, len(next) > 0
	})
	if !removed {
		return fmt.Errorf("%w: %s does not hold %s", ErrRoleNotAssigned, userID, role)
	}

	r.logger.Info("Role removed",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	)
	r.audit.Record(audit.EventRoleRemoved, audit.SeverityLow,
		map[string]interface{}{"role": string(role)}, audit.WithUserID(userID))
	return nil
}

// invalidate must be called while holding the user's assignment lock.
func (r *RBAC) invalidate(userID string) {
	if err := r.cache.Delete(userID); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		r.logger.Warn("Failed to invalidate permission cache", zap.String("user_id", userID), zap.Error(err))
	}
}

// UserRoles returns the user's roles, or the default role when none are
// assigned.
func (r *RBAC) UserRoles(userID string) []Role {
	roles, ok := r.assignments.Get(userID)
	if !ok || len(roles) == 0 {
		return []Role{r.config.DefaultRole}
	}
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// HighestRole returns the most privileged role the user holds.
func (r *RBAC) HighestRole(userID string) Role {
	roles := r.UserRoles(userID)
	best := roles[0]
	for _, role := range roles[1:] {
		if role.Rank() > best.Rank() {
			best = role
		}
	}
	return best
}

// UserPermissions returns the user's effective permissions, sorted.
func (r *RBAC) UserPermissions(userID string) []Permission {
	set := r.permissionSet(userID)
	return sortedPermissions(set)
}

// permissionSet reads through the cache. The lookup and the cache fill run
// under the user's read lock so a concurrent role change cannot leave a
// stale entry behind.
func (r *RBAC) permissionSet(userID string) map[Permission]struct{} {
	var set map[Permission]struct{}
	r.assignments.View(userID, func(roles []Role, _ bool) {
		if cached, err := r.cache.Get(userID); err == nil {
			set = decodePermissions(cached)
			return
		}

		if len(roles) == 0 {
			roles = []Role{r.config.DefaultRole}
		}
		set = make(map[Permission]struct{})
		for _, role := range roles {
			for p := range r.effective[role] {
				set[p] = struct{}{}
			}
		}
		if err := r.cache.Set(userID, encodePermissions(set)); err != nil {
			r.logger.Debug("Failed to cache permissions", zap.String("user_id", userID), zap.Error(err))
		}
	})
	return set
}

func encodePermissions(set map[Permission]struct{}) []byte {
	perms := sortedPermissions(set)
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return []byte(strings.Join(parts, "\n"))
}

func decodePermissions(data []byte) map[Permission]struct{} {
	set := make(map[Permission]struct{})
	if len(data) == 0 {
		return set
	}
	for _, p := range strings.Split(string(data), "\n") {
		set[Permission(p)] = struct{}{}
	}
	return set
}

// HasPermission reports whether the user holds perm.
func (r *RBAC) HasPermission(userID string, perm Permission) bool {
	_, ok := r.permissionSet(userID)[perm]
	return ok
}

// HasAnyPermission reports whether the user holds at least one of perms.
func (r *RBAC) HasAnyPermission(userID string, perms ...Permission) bool {
	set := r.permissionSet(userID)
	for _, p := range perms {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the user holds every one of perms.
func (r *RBAC) HasAllPermissions(userID string, perms ...Permission) bool {
	set := r.permissionSet(userID)
	for _, p := range perms {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// HasMinimumRole compares the user's highest role with minimum by hierarchy
// position only.
func (r *RBAC) HasMinimumRole(userID string, minimum Role) bool {
	if !minimum.Valid() {
		return false
	}
	return r.HighestRole(userID).Rank() >= minimum.Rank()
}

// RequirePermission returns ErrPermissionDenied and records a denial when
// the user lacks perm.
func (r *RBAC) RequirePermission(userID string, perm Permission) error {
	if r.HasPermission(userID, perm) {
		return nil
	}

	r.logger.Debug("Permission denied",
		zap.String("user_id", userID),
		zap.String("permission", string(perm)),
	)
	r.audit.Record(audit.EventPermissionDenied, audit.SeverityMedium, map[string]interface{}{
		"permission": string(perm),
		"role":       string(r.HighestRole(userID)),
	}, audit.WithUserID(userID))
	return fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, userID, perm)
}

// RolePermissions returns the effective permissions of role.
func (r *RBAC) RolePermissions(role Role) ([]Permission, error) {
	set, ok := r.effective[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return sortedPermissions(set), nil
}

// GetStats returns resolver statistics
func (r *RBAC) GetStats() map[string]interface{} {
	stats := r.cache.Stats()
	return map[string]interface{}{
		"assigned_users": r.assignments.Count(),
		"cache_entries":  r.cache.Len(),
		"cache_hits":     stats.Hits,
		"cache_misses":   stats.Misses,
	}
}
