package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/longregen/metaspace/domain"
)

// Outbound event names. Broadcast fan-out uses UPPER_SNAKE; direct
// replies to the originating connection use lowercase.
const (
	EvtSubscribed      = "subscribed"
	EvtSpaceState      = "space_state"
	EvtPositionMoveAck = "position_move_ack"
	EvtPositionUpdate  = "position_update"
	EvtError           = "error"

	EvtUserJoined           = "USER_JOINED"
	EvtUserLeft             = "USER_LEFT"
	EvtChatMessage          = "CHAT_MESSAGE"
	EvtPrivateMessage       = "PRIVATE_MESSAGE"
	EvtWebRTCSignal         = "WEBRTC_SIGNAL"
	EvtAudioMuted           = "AUDIO_MUTED"
	EvtAudioUnmuted         = "AUDIO_UNMUTED"
	EvtInviteReceived       = "INVITE_RECEIVED"
	EvtSpaceInviteAccepted  = "SPACE_INVITE_ACCEPTED"
	EvtSpaceInviteDeclined  = "SPACE_INVITE_DECLINED"
	EvtNotificationReceived = "NOTIFICATION_RECEIVED"
	EvtConnectionStatus     = "CONNECTION_STATUS"
	EvtUserCountChanged     = "USER_COUNT_CHANGED"
	EvtSpaceUpdated         = "SPACE_UPDATED"
)

// StreamEventName builds the lifecycle event name for a media kind,
// e.g. ("audio", true) -> "AUDIO_STREAM_STARTED".
func StreamEventName(kind string, started bool) string {
	suffix := "_STREAM_STOPPED"
	if started {
		suffix = "_STREAM_STARTED"
	}
	return strings.ToUpper(kind) + suffix
}

type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func NewError(message string) *ErrorEvent {
	return &ErrorEvent{Event: EvtError, Message: message}
}

type SubscribedEvent struct {
	Event   string `json:"event"`
	SpaceID string `json:"space_id"`
}

// MediaInfo is the active-streams section of a space_state reply.
type MediaInfo struct {
	Audio  map[string]*domain.MediaStream `json:"audio_streams"`
	Video  map[string]*domain.MediaStream `json:"video_streams"`
	Screen map[string]*domain.MediaStream `json:"screen_streams"`
}

// SpaceStateEvent is the private snapshot sent to a connection right
// after its join is accepted.
type SpaceStateEvent struct {
	Event     string                          `json:"event"`
	SpaceID   string                          `json:"space_id"`
	MapID     string                          `json:"map_id"`
	Users     map[string]*domain.UserSnapshot `json:"users"`
	Positions map[string]domain.Position      `json:"positions"`
	MediaInfo *MediaInfo                      `json:"media_info,omitempty"`
}

type UserJoinedEvent struct {
	Event    string               `json:"event"`
	SpaceID  string               `json:"space_id"`
	UserID   string               `json:"user_id"`
	User     *domain.UserSnapshot `json:"user_data,omitempty"`
	Position domain.Position      `json:"position"`
}

type UserLeftEvent struct {
	Event   string `json:"event"`
	SpaceID string `json:"space_id"`
	UserID  string `json:"user_id"`
}

type PositionMoveAckEvent struct {
	Event string  `json:"event"`
	NX    float64 `json:"nx"`
	NY    float64 `json:"ny"`
}

type PositionUpdateEvent struct {
	Event     string  `json:"event"`
	SpaceID   string  `json:"space_id"`
	UserID    string  `json:"user_id"`
	NX        float64 `json:"nx"`
	NY        float64 `json:"ny"`
	Direction string  `json:"direction"`
	IsMoving  bool    `json:"isMoving"`
}

type ChatMessageEvent struct {
	Event     string    `json:"event"`
	SpaceID   string    `json:"space_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivateMessageEvent is delivered to the receiver. The Sent form, with
// ToUserID set and Sent true, is the confirmation echoed to the sender.
type PrivateMessageEvent struct {
	Event        string    `json:"event"`
	MessageID    string    `json:"message_id"`
	FromUserID   string    `json:"from_user_id,omitempty"`
	FromUserName string    `json:"from_user_name,omitempty"`
	ToUserID     string    `json:"to_user_id,omitempty"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Sent         bool      `json:"sent,omitempty"`
}

type StreamLifecycleEvent struct {
	Event     string    `json:"event"`
	SpaceID   string    `json:"space_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	StreamID  string    `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
}

type WebRTCSignalEvent struct {
	Event      string          `json:"event"`
	SignalType string          `json:"signal_type"`
	FromUserID string          `json:"from_user_id"`
	SpaceID    string          `json:"space_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type InviteEvent struct {
	Event        string            `json:"event"`
	Notification string            `json:"notification_id"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         domain.InviteData `json:"data"`
	Timestamp    time.Time         `json:"timestamp"`
}
