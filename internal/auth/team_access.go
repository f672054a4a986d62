package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TeamRole is a role inside one team.
type TeamRole string

const (
	TeamRoleMember  TeamRole = "member"
	TeamRoleManager TeamRole = "manager"
	TeamRoleAdmin   TeamRole = "admin"
	TeamRoleOwner   TeamRole = "owner"
)

// teamRoleOrder is scanned from least to most privileged.
var teamRoleOrder = []TeamRole{TeamRoleMember, TeamRoleManager, TeamRoleAdmin, TeamRoleOwner}

// Rank returns the team role's position, or -1 when unknown.
func (r TeamRole) Rank() int {
	for i, role := range teamRoleOrder {
		if role == r {
			return i
		}
	}
	return -1
}

// TeamResource is a resource owned by a team.
type TeamResource string

const (
	ResourceQRCodes   TeamResource = "qr_codes"
	ResourceAnalytics TeamResource = "analytics"
	ResourceMembers   TeamResource = "members"
	ResourceSettings  TeamResource = "settings"
	ResourceBilling   TeamResource = "billing"
)

// TeamAction is an operation on a team resource.
type TeamAction string

const (
	ActionCreate TeamAction = "create"
	ActionRead   TeamAction = "read"
	ActionUpdate TeamAction = "update"
	ActionDelete TeamAction = "delete"
	ActionExport TeamAction = "export"
	ActionInvite TeamAction = "invite"
	ActionRemove TeamAction = "remove"
	ActionManage TeamAction = "manage"
)

// TeamPermissionMatrix maps a team role to the actions it may perform on
// each resource.
type TeamPermissionMatrix map[TeamRole]map[TeamResource][]TeamAction

// ErrInvalidMatrix is returned when a matrix is not monotone.
var ErrInvalidMatrix = errors.New("invalid team permission matrix")

// DefaultTeamMatrix returns the built-in team permission matrix.
func DefaultTeamMatrix() TeamPermissionMatrix {
	return TeamPermissionMatrix{
		TeamRoleMember: {
			ResourceQRCodes:   {ActionRead, ActionCreate},
			ResourceAnalytics: {ActionRead},
			ResourceMembers:   {ActionRead},
			ResourceSettings:  {ActionRead},
		},
		TeamRoleManager: {
			ResourceQRCodes:   {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
			ResourceAnalytics: {ActionRead, ActionExport},
			ResourceMembers:   {ActionRead, ActionInvite},
			ResourceSettings:  {ActionRead},
		},
		TeamRoleAdmin: {
			ResourceQRCodes:   {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
			ResourceAnalytics: {ActionRead, ActionExport},
			ResourceMembers:   {ActionRead, ActionInvite, ActionRemove},
			ResourceSettings:  {ActionRead, ActionUpdate},
			ResourceBilling:   {ActionRead},
		},
		TeamRoleOwner: {
			ResourceQRCodes:   {ActionRead, ActionCreate, ActionUpdate, ActionDelete},
			ResourceAnalytics: {ActionRead, ActionExport},
			ResourceMembers:   {ActionRead, ActionInvite, ActionRemove, ActionManage},
			ResourceSettings:  {ActionRead, ActionUpdate, ActionDelete},
			ResourceBilling:   {ActionRead, ActionManage},
		},
	}
}

// Allows reports whether role may perform action on resource.
func (m TeamPermissionMatrix) Allows(role TeamRole, resource TeamResource, action TeamAction) bool {
	for _, a := range m[role][resource] {
		if a == action {
			return true
		}
	}
	return false
}

// RequiredRole returns the least privileged role allowed to perform action
// on resource.
func (m TeamPermissionMatrix) RequiredRole(resource TeamResource, action TeamAction) (TeamRole, bool) {
	for _, role := range teamRoleOrder {
		if m.Allows(role, resource, action) {
			return role, true
		}
	}
	return "", false
}

// ValidateMatrix checks that every role is known and that each role's
// grants include everything the role below it may do.
func ValidateMatrix(m TeamPermissionMatrix) error {
	for role := range m {
		if role.Rank() < 0 {
			return fmt.Errorf("%w: unknown team role %q", ErrInvalidMatrix, role)
		}
	}
	for i := 1; i < len(teamRoleOrder); i++ {
		lower, higher := teamRoleOrder[i-1], teamRoleOrder[i]
		for resource, actions := range m[lower] {
			for _, action := range actions {
				if !m.Allows(higher, resource, action) {
					return fmt.Errorf("%w: %s may %s:%s but %s may not",
						ErrInvalidMatrix, lower, resource, action, higher)
				}
			}
		}
	}
	return nil
}

// AccessRequest names one resource/action pair.
type AccessRequest struct {
	Resource TeamResource `json:"resource"`
	Action   TeamAction   `json:"action"`
}

// Key returns the "resource:action" form used in batch results.
func (r AccessRequest) Key() string {
	return string(r.Resource) + ":" + string(r.Action)
}

// AccessDecision is the outcome of a team access check.
type AccessDecision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	Role         TeamRole `json:"role,omitempty"`
	RequiredRole TeamRole `json:"requiredRole,omitempty"`
}

const (
	ReasonGranted        = "granted"
	ReasonNotMember      = "not a member of this team"
	ReasonInsufficient   = "insufficient team role"
	ReasonLookupFailed   = "membership lookup failed"
	defaultBatchParallel = 8
)

// TeamAccessController decides team-scoped access from memberships and the
// permission matrix.
type TeamAccessController struct {
	logger *zap.Logger
	store  MembershipStore
	audit  audit.Recorder
	matrix TeamPermissionMatrix
}

// NewTeamAccessController validates matrix (nil uses the default) and
// returns a controller.
func NewTeamAccessController(logger *zap.Logger, store MembershipStore, recorder audit.Recorder, matrix TeamPermissionMatrix) (*TeamAccessController, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	if store == nil {
		return nil, errors.New("membership store is required")
	}
	if matrix == nil {
		matrix = DefaultTeamMatrix()
	}
	if err := ValidateMatrix(matrix); err != nil {
		return nil, err
	}
	return &TeamAccessController{
		logger: logger,
		store:  store,
		audit:  recorder,
		matrix: matrix,
	}, nil
}

// Matrix returns the controller's permission matrix.
func (c *TeamAccessController) Matrix() TeamPermissionMatrix {
	return c.matrix
}

// CheckTeamAccess decides whether userID may perform action on resource in
// teamID. Every decision is recorded in the audit log.
func (c *TeamAccessController) CheckTeamAccess(ctx context.Context, userID, teamID string, resource TeamResource, action TeamAction) AccessDecision {
	details := map[string]interface{}{
		"teamId":   teamID,
		"resource": string(resource),
		"action":   string(action),
	}

	membership, err := c.store.Membership(ctx, teamID, userID)
	switch {
	case errors.Is(err, ErrNotMember):
		details["reason"] = ReasonNotMember
		c.audit.Record(audit.EventPrivilegeEscalation, audit.SeverityHigh, details, audit.WithUserID(userID))
		return AccessDecision{Allowed: false, Reason: ReasonNotMember}
	case err != nil:
		c.logger.Error("Membership lookup failed",
			zap.String("user_id", userID),
			zap.String("team_id", teamID),
			zap.Error(err),
		)
		details["reason"] = ReasonLookupFailed
		c.audit.Record(audit.EventPermissionDenied, audit.SeverityMedium, details, audit.WithUserID(userID))
		return AccessDecision{Allowed: false, Reason: ReasonLookupFailed}
	case !membership.Active():
		// Until the invitation is accepted the user is not a member.
		details["reason"] = ReasonNotMember
		details["invitationPending"] = true
		details["invitedRole"] = string(membership.Role)
		c.audit.Record(audit.EventPrivilegeEscalation, audit.SeverityHigh, details, audit.WithUserID(userID))
		return AccessDecision{Allowed: false, Reason: ReasonNotMember}
	}

	details["role"] = string(membership.Role)
	if !c.matrix.Allows(membership.Role, resource, action) {
		decision := AccessDecision{Allowed: false, Reason: ReasonInsufficient, Role: membership.Role}
		if required, ok := c.matrix.RequiredRole(resource, action); ok {
			decision.RequiredRole = required
			details["requiredRole"] = string(required)
		}
		details["reason"] = ReasonInsufficient
		c.audit.Record(audit.EventPrivilegeEscalation, audit.SeverityMedium, details, audit.WithUserID(userID))
		return decision
	}

	c.audit.Record(audit.EventAccessGranted, audit.SeverityLow, details, audit.WithUserID(userID))
	return AccessDecision{Allowed: true, Reason: ReasonGranted, Role: membership.Role}
}

// CheckTeamAccessBatch evaluates requests concurrently and returns the
// decisions keyed by "resource:action".
func (c *TeamAccessController) CheckTeamAccessBatch(ctx context.Context, userID, teamID string, requests []AccessRequest) map[string]AccessDecision {
	results := make(map[string]AccessDecision, len(requests))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultBatchParallel)
	for _, req := range requests {
		g.Go(func() error {
			decision := c.CheckTeamAccess(gctx, userID, teamID, req.Resource, req.Action)
			mu.Lock()
			results[req.Key()] = decision
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
