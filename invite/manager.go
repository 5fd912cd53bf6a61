// Package invite manages space invitations: guarded creation, expiry,
// and transactional accept/decline against the store.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/protocol"
	"github.com/longregen/metaspace/store"
)

const inviteType = "space_invite"

// Notifier resolves a user to their live connection for push delivery.
// Offline recipients simply miss the push; the invite stays in the store.
type Notifier interface {
	LookupUser(userID string) (protocol.Conn, bool)
}

type Manager struct {
	store    *store.Store
	notifier Notifier
	expiry   time.Duration
	logger   *slog.Logger
}

func NewManager(st *store.Store, notifier Notifier, expiry time.Duration, logger *slog.Logger) *Manager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{store: st, notifier: notifier, expiry: expiry, logger: logger}
}

// SendInvite creates an unread invite notification for toUserID. All
// preconditions (sender membership or adminship, free slot, recipient
// active and not a member, no duplicate pending invite) are enforced by
// the guarded insert; a violated precondition surfaces as a conflict.
func (m *Manager) SendInvite(ctx context.Context, fromUserID, toUserID, spaceID string) (*domain.Notification, error) {
	space, err := m.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}
	from, err := m.store.GetUser(ctx, fromUserID)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.expiry)
	n := &domain.Notification{
		ID:      uuid.NewString(),
		UserID:  toUserID,
		Type:    domain.NotificationTypeInvites,
		Title:   "Space Invitation",
		Message: fmt.Sprintf("%s invited you to join %s", from.UserName, space.Name),
		Data: domain.InviteData{
			SpaceID:      spaceID,
			SpaceName:    space.Name,
			FromUserID:   fromUserID,
			FromUsername: from.UserName,
			InviteType:   inviteType,
		},
		Status:    domain.NotificationStatusUnread,
		ExpiresAt: &expiresAt,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.CreateInvite(ctx, n); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("invite preconditions not met: %w", err)
		}
		return nil, fmt.Errorf("send invite: %w", err)
	}

	metrics.InvitesSent.Inc()
	m.logger.Info("invite: sent",
		"from_user_id", fromUserID, "to_user_id", toUserID, "space_id", spaceID)

	m.push(toUserID, protocol.EvtInviteReceived, n)
	return n, nil
}

// AcceptInvite makes the invited user a member, transactionally. An
// expired invite is flipped to dismissed and the accept fails; an invite
// for an existing member succeeds idempotently.
func (m *Manager) AcceptInvite(ctx context.Context, userID, notificationID string) error {
	var invite *domain.Notification
	expired := false

	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		n, err := m.store.GetInvite(ctx, notificationID, userID)
		if err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}
		invite = n

		if n.Status != domain.NotificationStatusUnread {
			return fmt.Errorf("invite already processed: %w", domain.ErrConflict)
		}
		if n.Expired(time.Now().UTC()) {
			// Commit the dismissal even though the accept fails.
			expired = true
			return m.store.SetNotificationStatus(ctx, n.ID, domain.NotificationStatusDismissed)
		}

		space, err := m.store.GetSpace(ctx, n.Data.SpaceID)
		if err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}

		member, err := m.store.IsSpaceMember(ctx, space.ID, userID)
		if err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}
		if member {
			return m.store.SetNotificationStatus(ctx, n.ID, domain.NotificationStatusRead)
		}

		if space.MaxUsers > 0 && space.CurrentUsers >= space.MaxUsers {
			return fmt.Errorf("accept invite: %w", domain.ErrSpaceFull)
		}

		if err := m.store.AddSpaceMember(ctx, space.ID, userID); err != nil {
			return fmt.Errorf("accept invite: %w", err)
		}
		return m.store.SetNotificationStatus(ctx, n.ID, domain.NotificationStatusRead)
	})
	if err != nil {
		return err
	}
	if expired {
		return fmt.Errorf("invite expired: %w", domain.ErrExpired)
	}

	m.logger.Info("invite: accepted",
		"user_id", userID, "notification_id", notificationID, "space_id", invite.Data.SpaceID)
	m.push(invite.Data.FromUserID, protocol.EvtSpaceInviteAccepted, invite)
	return nil
}

// DeclineInvite dismisses an unread invite.
func (m *Manager) DeclineInvite(ctx context.Context, userID, notificationID string) error {
	changed, err := m.store.SetNotificationStatusIf(ctx, notificationID, userID,
		domain.NotificationStatusUnread, domain.NotificationStatusDismissed)
	if err != nil {
		return fmt.Errorf("decline invite: %w", err)
	}
	if !changed {
		return fmt.Errorf("decline invite: no unread invite: %w", domain.ErrNotFound)
	}

	m.logger.Info("invite: declined", "user_id", userID, "notification_id", notificationID)
	return nil
}

// GetUserInvites lists the user's unread invites, newest first.
func (m *Manager) GetUserInvites(ctx context.Context, userID string, includeExpired bool) ([]*domain.Notification, error) {
	return m.store.ListUnreadInvites(ctx, userID, includeExpired)
}

// GetAllUsers lists active users excluding the requester, and excluding
// members of spaceID when it is set.
func (m *Manager) GetAllUsers(ctx context.Context, requesterID, spaceID string) ([]*domain.User, error) {
	return m.store.ListActiveUsers(ctx, requesterID, spaceID)
}

func (m *Manager) push(userID, event string, n *domain.Notification) {
	if m.notifier == nil {
		return
	}
	conn, ok := m.notifier.LookupUser(userID)
	if !ok {
		return
	}
	err := conn.SendEvent(&protocol.InviteEvent{
		Event:        event,
		Notification: n.ID,
		Title:        n.Title,
		Message:      n.Message,
		Data:         n.Data,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Debug("invite: push not delivered",
			"user_id", userID, "event", event, "error", err)
	}
}
