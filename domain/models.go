package domain

import "time"

type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"user_name"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	AvatarURL   string     `json:"user_avatar_url"`
	Designation string     `json:"user_designation,omitempty"`
	IsActive    bool       `json:"user_is_active"`
	CreatedAt   time.Time  `json:"user_created_at"`
	UpdatedAt   time.Time  `json:"user_updated_at"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	IsAdmin     bool       `json:"is_admin,omitempty"`
}

// UserSnapshot is the projection of a user row that is broadcast into a
// space. Refreshed on join; not authoritative.
type UserSnapshot struct {
	ID          string `json:"id"`
	UserName    string `json:"user_name"`
	AvatarURL   string `json:"user_avatar_url"`
	Designation string `json:"user_designation,omitempty"`
}

func (u *User) Snapshot() *UserSnapshot {
	return &UserSnapshot{
		ID:          u.ID,
		UserName:    u.UserName,
		AvatarURL:   u.AvatarURL,
		Designation: u.Designation,
	}
}

type Space struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	MapImageURL  string    `json:"map_image_url"`
	MapID        string    `json:"map_id,omitempty"`
	AdminUserID  string    `json:"admin_user_id"`
	IsPublic     bool      `json:"is_public"`
	MaxUsers     int       `json:"max_users"`
	IsActive     bool      `json:"is_active"`
	CurrentUsers int       `json:"current_users,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const (
	MessageKindSpace   = "space"
	MessageKindPrivate = "private"
)

const (
	MessageStatusPending    = "pending"
	MessageStatusValidated  = "validated"
	MessageStatusCached     = "cached"
	MessageStatusBroadcast  = "broadcast"
	MessageStatusPersisted  = "persisted"
	MessageStatusFailed     = "failed"
	MessageStatusRolledBack = "rolled_back"
)

// Message is immutable once created apart from its status and retry
// counter, which track pipeline progress.
type Message struct {
	MessageID   string    `json:"message_id" msgpack:"message_id"`
	SenderID    string    `json:"sender_id" msgpack:"sender_id"`
	MessageType string    `json:"message_type" msgpack:"message_type"`
	Content     string    `json:"content" msgpack:"content"`
	Timestamp   time.Time `json:"timestamp" msgpack:"timestamp"`
	SpaceID     string    `json:"space_id,omitempty" msgpack:"space_id,omitempty"`
	ReceiverID  string    `json:"receiver_id,omitempty" msgpack:"receiver_id,omitempty"`
	Status      string    `json:"status" msgpack:"status"`
	RetryCount  int       `json:"retry_count" msgpack:"retry_count"`
}

const (
	NotificationTypeInvites = "invites"
	NotificationTypeUpdates = "updates"
)

const (
	NotificationStatusUnread    = "unread"
	NotificationStatusRead      = "read"
	NotificationStatusDismissed = "dismissed"
)

// Notification rows with type "invites" are space invitations. The data
// payload carries the invite context (InviteData).
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Data      InviteData `json:"data"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

type InviteData struct {
	SpaceID      string `json:"spaceId"`
	SpaceName    string `json:"spaceName"`
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	InviteType   string `json:"inviteType"`
}

const (
	MediaKindAudio  = "audio"
	MediaKindVideo  = "video"
	MediaKindScreen = "screen"
)

const (
	MediaStateEnabled  = "enabled"
	MediaStateDisabled = "disabled"
	MediaStateMuted    = "muted"
)

// MediaStream tracks one active stream; at most one per (user, space,
// kind). No media bytes cross the server, only signaling metadata.
type MediaStream struct {
	StreamID  string         `json:"stream_id"`
	UserID    string         `json:"user_id"`
	SpaceID   string         `json:"space_id"`
	MediaType string         `json:"media_type"`
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
