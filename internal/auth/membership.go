package auth

import (
	"context"
	"errors"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
)

// ErrNotMember is returned by a MembershipStore when the user has no
// membership record for the team.
var ErrNotMember = errors.New("not a team member")

// Membership is a user's role in a team. Invitations that have not been
// accepted have a nil JoinedAt and grant nothing.
type Membership struct {
	TeamID    string     `json:"teamId"`
	UserID    string     `json:"userId"`
	Role      TeamRole   `json:"role"`
	InvitedAt time.Time  `json:"invitedAt"`
	JoinedAt  *time.Time `json:"joinedAt,omitempty"`
}

// Active reports whether the membership has been accepted.
func (m Membership) Active() bool {
	return m.JoinedAt != nil && !m.JoinedAt.IsZero()
}

// MembershipStore looks up team memberships.
type MembershipStore interface {
	Membership(ctx context.Context, teamID, userID string) (Membership, error)
}

// MemoryMembershipStore is an in-process MembershipStore.
type MemoryMembershipStore struct {
	members *datastructures.ShardedMap[Membership]
}

// NewMemoryMembershipStore creates an empty store.
func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{members: datastructures.NewShardedMap[Membership](0)}
}

func membershipKey(teamID, userID string) string {
	return teamID + "\x00" + userID
}

// Put creates or replaces a membership.
func (s *MemoryMembershipStore) Put(m Membership) {
	s.members.Set(membershipKey(m.TeamID, m.UserID), m)
}

// Remove deletes a membership.
func (s *MemoryMembershipStore) Remove(teamID, userID string) {
	s.members.Delete(membershipKey(teamID, userID))
}

// Membership implements MembershipStore.
func (s *MemoryMembershipStore) Membership(ctx context.Context, teamID, userID string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	m, ok := s.members.Get(membershipKey(teamID, userID))
	if !ok {
		return Membership{}, ErrNotMember
	}
	return m, nil
}
