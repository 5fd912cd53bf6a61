package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/longregen/metaspace/domain"
)

// EventKind is the normalized inbound event discriminator.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSubscribe
	EventJoin
	EventPositionMove
	EventSendChatMessage
	EventSendPrivateMessage
	EventWebRTCSignal
	EventStartAudioStream
	EventStopAudioStream
	EventStartVideoStream
	EventStopVideoStream
	EventStartScreenStream
	EventStopScreenStream
	EventMuteAudio
	EventUnmuteAudio
	EventLeft
)

var eventKinds = map[string]EventKind{
	"subscribe":            EventSubscribe,
	"join":                 EventJoin,
	"position_move":        EventPositionMove,
	"send_chat_message":    EventSendChatMessage,
	"send_private_message": EventSendPrivateMessage,
	"webrtc_signal":        EventWebRTCSignal,
	"start_audio_stream":   EventStartAudioStream,
	"stop_audio_stream":    EventStopAudioStream,
	"start_video_stream":   EventStartVideoStream,
	"stop_video_stream":    EventStopVideoStream,
	"start_screen_stream":  EventStartScreenStream,
	"stop_screen_stream":   EventStopScreenStream,
	"mute_audio":           EventMuteAudio,
	"unmute_audio":         EventUnmuteAudio,
	"left":                 EventLeft,
}

// ClientEvent is one inbound frame. Fields are populated per event kind;
// unrelated fields stay zero.
type ClientEvent struct {
	Event      string           `json:"event"`
	SpaceID    string           `json:"space_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	Position   *domain.Position `json:"position,omitempty"`
	NX         *float64         `json:"nx,omitempty"`
	NY         *float64         `json:"ny,omitempty"`
	Direction  string           `json:"direction,omitempty"`
	IsMoving   bool             `json:"isMoving,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	SignalType string           `json:"signal_type,omitempty"`
	ToUserID   string           `json:"to_user_id,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// Kind maps the wire discriminator onto the closed event set. Anything
// unrecognized is EventUnknown and follows the protocol-error path.
func (e *ClientEvent) Kind() EventKind {
	return eventKinds[e.Event]
}

// MediaKind reports the media kind and direction for stream lifecycle
// events. ok is false for every other kind.
func (e *ClientEvent) MediaKind() (kind string, start bool, ok bool) {
	switch e.Kind() {
	case EventStartAudioStream:
		return domain.MediaKindAudio, true, true
	case EventStopAudioStream:
		return domain.MediaKindAudio, false, true
	case EventStartVideoStream:
		return domain.MediaKindVideo, true, true
	case EventStopVideoStream:
		return domain.MediaKindVideo, false, true
	case EventStartScreenStream:
		return domain.MediaKindScreen, true, true
	case EventStopScreenStream:
		return domain.MediaKindScreen, false, true
	}
	return "", false, false
}

// ChatPayload is the data object of send_chat_message and
// send_private_message frames.
type ChatPayload struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	SpaceID     string `json:"space_id,omitempty"`
}

func (e *ClientEvent) ChatData() (*ChatPayload, error) {
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("chat event: missing data")
	}
	var p ChatPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("chat event: %w", err)
	}
	return &p, nil
}

// ParseClientEvent decodes one inbound text frame. A frame that is not a
// JSON object, or that lacks the event discriminator, is a protocol error.
func ParseClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("frame has no event field")
	}
	return &ev, nil
}

// Marshal is the canonical outbound encoder: struct field order fixes the
// key order, timestamps render as RFC 3339, ids are plain strings. The
// broadcast loop relies on it being deterministic so one serialization
// serves every subscriber.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
