package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
)

// MembershipStore reads and writes team memberships. It implements
// auth.MembershipStore.
type MembershipStore struct {
	db *DB
}

// NewMembershipStore creates a membership store on db.
func NewMembershipStore(db *DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// Membership returns the membership of userID in teamID, or
// auth.ErrNotMember.
func (s *MembershipStore) Membership(ctx context.Context, teamID, userID string) (auth.Membership, error) {
	m := auth.Membership{TeamID: teamID, UserID: userID}
	var (
		role     string
		joinedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT role, invited_at, joined_at FROM team_members WHERE team_id = ? AND user_id = ?`,
		teamID, userID,
	).Scan(&role, &m.InvitedAt, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Membership{}, auth.ErrNotMember
	}
	if err != nil {
		return auth.Membership{}, fmt.Errorf("failed to get membership: %w", err)
	}

	m.Role = auth.TeamRole(role)
	if joinedAt.Valid {
		t := joinedAt.Time
		m.JoinedAt = &t
	}
	return m, nil
}

// Upsert inserts or replaces a membership.
func (s *MembershipStore) Upsert(ctx context.Context, m auth.Membership) error {
	if m.Role.Rank() < 0 {
		return fmt.Errorf("unknown team role %q", m.Role)
	}
	var joinedAt sql.NullTime
	if m.JoinedAt != nil {
		joinedAt = sql.NullTime{Time: m.JoinedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_members (team_id, user_id, role, invited_at, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (team_id, user_id) DO UPDATE SET
			role = excluded.role,
			invited_at = excluded.invited_at,
			joined_at = excluded.joined_at`,
		m.TeamID, m.UserID, string(m.Role), m.InvitedAt.UTC(), joinedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// Remove deletes a membership. Removing a missing membership returns
// auth.ErrNotMember.
func (s *MembershipStore) Remove(ctx context.Context, teamID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM team_members WHERE team_id = ? AND user_id = ?`,
		teamID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	if n == 0 {
		return auth.ErrNotMember
	}
	return nil
}
