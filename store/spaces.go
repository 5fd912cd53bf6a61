package store

import (
	"context"

	"github.com/longregen/metaspace/domain"
)

// GetSpace retrieves an active space with its current member count.
func (s *Store) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	query := `
		SELECT sp.id, sp.name, sp.description, sp.map_image_url,
		       COALESCE(sp.map_id, ''), sp.admin_user_id, sp.is_public,
		       sp.max_users, sp.is_active, sp.created_at, sp.updated_at,
		       (SELECT COUNT(*) FROM user_spaces us WHERE us.space_id = sp.id)
		FROM spaces sp
		WHERE sp.id = $1 AND sp.is_active`

	space := &domain.Space{}
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&space.ID, &space.Name, &space.Description, &space.MapImageURL,
		&space.MapID, &space.AdminUserID, &space.IsPublic, &space.MaxUsers,
		&space.IsActive, &space.CreatedAt, &space.UpdatedAt, &space.CurrentUsers)
	if err != nil {
		return nil, WrapNotFound("get space", err)
	}
	return space, nil
}

// GetSpaceMapID resolves the map asset id for a space; the zero value
// means the caller should fall back to a default map.
func (s *Store) GetSpaceMapID(ctx context.Context, id string) (string, error) {
	var mapID string
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(map_id, '') FROM spaces WHERE id = $1`, id).Scan(&mapID)
	if err != nil {
		return "", WrapNotFound("get space map", err)
	}
	return mapID, nil
}

// IsSpaceMember reports whether the user has a membership row.
func (s *Store) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_spaces WHERE space_id = $1 AND user_id = $2)`,
		spaceID, userID).Scan(&exists)
	if err != nil {
		return false, WrapError("check membership", err)
	}
	return exists, nil
}

// AddSpaceMember inserts a membership row; a duplicate insert is a no-op.
func (s *Store) AddSpaceMember(ctx context.Context, spaceID, userID string) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO user_spaces (user_id, space_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, space_id) DO NOTHING`,
		userID, spaceID)
	if err != nil {
		return WrapError("add space member", err)
	}
	return nil
}

// ListSpaceMembers returns the users with a membership row for the space.
func (s *Store) ListSpaceMembers(ctx context.Context, spaceID string) ([]*domain.User, error) {
	query := `
		SELECT u.id, u.user_name, u.email, u.role, u.user_avatar_url,
		       COALESCE(u.user_designation, ''), u.user_is_active,
		       u.user_created_at, u.user_updated_at, us.joined_at
		FROM users u
		JOIN user_spaces us ON us.user_id = u.id
		WHERE us.space_id = $1 AND u.user_is_active
		ORDER BY us.joined_at`

	rows, err := s.conn(ctx).Query(ctx, query, spaceID)
	if err != nil {
		return nil, WrapError("list space members", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(
			&u.ID, &u.UserName, &u.Email, &u.Role, &u.AvatarURL,
			&u.Designation, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
			&u.JoinedAt); err != nil {
			return nil, WrapError("scan space member", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
