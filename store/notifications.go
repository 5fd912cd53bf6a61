package store

import (
	"context"
	"encoding/json"

	"github.com/longregen/metaspace/domain"
)

// CreateInvite inserts an invite notification, with every precondition
// folded into the insert itself: the space is active and the sender is
// its admin or a member, the space has a free slot, the recipient is an
// active non-member, and no unread non-expired invite for the same pair
// exists. Zero rows inserted means a precondition failed.
func (s *Store) CreateInvite(ctx context.Context, n *domain.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return WrapError("encode invite data", err)
	}

	query := `
		INSERT INTO notifications (id, user_id, type, title, message, data,
		                           status, expires_at, is_active, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, true, now(), now()
		WHERE EXISTS (
			SELECT 1 FROM spaces sp
			WHERE sp.id = $9 AND sp.is_active
			  AND (sp.admin_user_id = $10 OR EXISTS (
			      SELECT 1 FROM user_spaces WHERE space_id = sp.id AND user_id = $10))
			  AND (SELECT COUNT(*) FROM user_spaces WHERE space_id = sp.id) < sp.max_users
		)
		AND EXISTS (SELECT 1 FROM users u WHERE u.id = $2 AND u.user_is_active)
		AND NOT EXISTS (
			SELECT 1 FROM user_spaces WHERE space_id = $9 AND user_id = $2
		)
		AND NOT EXISTS (
			SELECT 1 FROM notifications n
			WHERE n.user_id = $2 AND n.type = $3 AND n.status = $11
			  AND n.is_active
			  AND (n.expires_at IS NULL OR n.expires_at > now())
			  AND n.data->>'spaceId' = $12
		)`

	tag, err := s.conn(ctx).Exec(ctx, query,
		n.ID, n.UserID, domain.NotificationTypeInvites, n.Title, n.Message, data,
		domain.NotificationStatusUnread, n.ExpiresAt,
		n.Data.SpaceID, n.Data.FromUserID,
		domain.NotificationStatusUnread, n.Data.SpaceID)
	if err != nil {
		return WrapError("create invite", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// GetInvite fetches an active invite belonging to userID, locking the row
// when called inside a transaction.
func (s *Store) GetInvite(ctx context.Context, id, userID string) (*domain.Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, data, status,
		       expires_at, is_active, created_at, updated_at
		FROM notifications
		WHERE id = $1 AND user_id = $2 AND type = $3 AND is_active
		FOR UPDATE`

	n := &domain.Notification{}
	var data []byte
	err := s.conn(ctx).QueryRow(ctx, query, id, userID, domain.NotificationTypeInvites).Scan(
		&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Status,
		&n.ExpiresAt, &n.IsActive, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, WrapNotFound("get invite", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, WrapError("decode invite data", err)
		}
	}
	return n, nil
}

// SetNotificationStatus updates a notification's status unconditionally.
func (s *Store) SetNotificationStatus(ctx context.Context, id, status string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE notifications SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return WrapError("set notification status", err)
	}
	return nil
}

// SetNotificationStatusIf transitions status only from an expected prior
// state, reporting whether the row changed.
func (s *Store) SetNotificationStatusIf(ctx context.Context, id, userID, from, to string) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE notifications SET status = $4, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = $3 AND is_active`,
		id, userID, from, to)
	if err != nil {
		return false, WrapError("set notification status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListUnreadInvites lists a user's unread invites, newest first. Expired
// invites are filtered out unless includeExpired is set.
func (s *Store) ListUnreadInvites(ctx context.Context, userID string, includeExpired bool) ([]*domain.Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, data, status,
		       expires_at, is_active, created_at, updated_at
		FROM notifications
		WHERE user_id = $1 AND type = $2 AND status = $3 AND is_active
		  AND ($4 OR expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC`

	rows, err := s.conn(ctx).Query(ctx, query,
		userID, domain.NotificationTypeInvites, domain.NotificationStatusUnread, includeExpired)
	if err != nil {
		return nil, WrapError("list invites", err)
	}
	defer rows.Close()

	var invites []*domain.Notification
	for rows.Next() {
		n := &domain.Notification{}
		var data []byte
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Status,
			&n.ExpiresAt, &n.IsActive, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, WrapError("scan invite", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, WrapError("decode invite data", err)
			}
		}
		invites = append(invites, n)
	}
	return invites, rows.Err()
}
