package store

import (
	"context"

	"github.com/longregen/metaspace/domain"
)

// GetUser retrieves an active user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := `
		SELECT id, user_name, email, role, user_avatar_url,
		       COALESCE(user_designation, ''), user_is_active,
		       user_created_at, user_updated_at
		FROM users
		WHERE id = $1 AND user_is_active`

	u := &domain.User{}
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&u.ID, &u.UserName, &u.Email, &u.Role, &u.AvatarURL,
		&u.Designation, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, WrapNotFound("get user", err)
	}
	return u, nil
}

// GetUserName resolves a display name; missing users come back as the
// bare id so broadcast enrichment never fails a message.
func (s *Store) GetUserName(ctx context.Context, id string) string {
	var name string
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT user_name FROM users WHERE id = $1`, id).Scan(&name)
	if err != nil || name == "" {
		return id
	}
	return name
}

// ListActiveUsers lists active users excluding the requester. When
// excludeSpaceID is set, members of that space are filtered out too.
func (s *Store) ListActiveUsers(ctx context.Context, requesterID, excludeSpaceID string) ([]*domain.User, error) {
	var query string
	args := []any{requesterID}

	if excludeSpaceID == "" {
		query = `
			SELECT id, user_name, email, role, user_avatar_url,
			       COALESCE(user_designation, ''), user_is_active,
			       user_created_at, user_updated_at
			FROM users
			WHERE user_is_active AND id <> $1
			ORDER BY user_name`
	} else {
		query = `
			SELECT id, user_name, email, role, user_avatar_url,
			       COALESCE(user_designation, ''), user_is_active,
			       user_created_at, user_updated_at
			FROM users
			WHERE user_is_active AND id <> $1
			  AND id NOT IN (SELECT user_id FROM user_spaces WHERE space_id = $2)
			ORDER BY user_name`
		args = append(args, excludeSpaceID)
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, WrapError("list active users", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(
			&u.ID, &u.UserName, &u.Email, &u.Role, &u.AvatarURL,
			&u.Designation, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, WrapError("scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
