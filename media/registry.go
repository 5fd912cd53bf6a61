// Package media tracks active audio, video and screen streams per space
// and relays WebRTC signaling point-to-point. No media bytes pass
// through; only metadata and signaling.
package media

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/protocol"
)

// Space is the slice of a broadcaster the registry needs: membership
// checks, display names and the update queue.
type Space interface {
	SpaceID() string
	HasUser(userID string) bool
	UserName(userID string) string
	EnqueueEvent(event string, payload any) error
}

// Conns resolves a user to their live connection.
type Conns interface {
	LookupUser(userID string) (protocol.Conn, bool)
}

var signalTypes = map[string]struct{}{
	"offer":         {},
	"answer":        {},
	"ice_candidate": {},
}

// Registry holds the process-wide stream tables, keyed kind → space →
// user, plus the signaling peer graph.
type Registry struct {
	logger *slog.Logger
	conns  Conns

	mu      sync.Mutex
	streams map[string]map[string]map[string]*domain.MediaStream
	peers   map[string]map[string]struct{}
}

func NewRegistry(conns Conns, logger *slog.Logger) *Registry {
	streams := make(map[string]map[string]map[string]*domain.MediaStream, 3)
	for _, kind := range []string{domain.MediaKindAudio, domain.MediaKindVideo, domain.MediaKindScreen} {
		streams[kind] = make(map[string]map[string]*domain.MediaStream)
	}
	return &Registry{
		logger:  logger,
		conns:   conns,
		streams: streams,
		peers:   make(map[string]map[string]struct{}),
	}
}

func streamID(kind, userID, spaceID string) string {
	return fmt.Sprintf("%s_%s_%s_%d", kind, userID, spaceID, time.Now().UnixNano())
}

// StartStream creates a stream of the given kind for a joined user. A
// second stream of the same kind for the same user is rejected.
func (r *Registry) StartStream(space Space, userID, kind string, metadata map[string]any) (*domain.MediaStream, error) {
	if !space.HasUser(userID) {
		return nil, fmt.Errorf("user %s not in space %s: %w", userID, space.SpaceID(), domain.ErrForbidden)
	}

	spaceID := space.SpaceID()
	stream := &domain.MediaStream{
		StreamID:  streamID(kind, userID, spaceID),
		UserID:    userID,
		SpaceID:   spaceID,
		MediaType: kind,
		State:     domain.MediaStateEnabled,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	r.mu.Lock()
	bySpace := r.streams[kind]
	if bySpace == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown media kind %q: %w", kind, domain.ErrValidation)
	}
	if _, exists := bySpace[spaceID][userID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s stream already active for %s: %w", kind, userID, domain.ErrConflict)
	}
	if bySpace[spaceID] == nil {
		bySpace[spaceID] = make(map[string]*domain.MediaStream)
	}
	bySpace[spaceID][userID] = stream
	r.mu.Unlock()

	metrics.MediaStreamsActive.WithLabelValues(kind).Inc()
	r.logger.Info("media: stream started",
		"kind", kind, "user_id", userID, "space_id", spaceID, "stream_id", stream.StreamID)

	err := space.EnqueueEvent(protocol.StreamEventName(kind, true), &protocol.StreamLifecycleEvent{
		Event:     protocol.StreamEventName(kind, true),
		SpaceID:   spaceID,
		UserID:    userID,
		UserName:  space.UserName(userID),
		StreamID:  stream.StreamID,
		Timestamp: stream.Timestamp,
	})
	if err != nil {
		r.logger.Warn("media: started event not enqueued", "error", err)
	}
	return stream, nil
}

// StopStream removes a user's stream of the given kind.
func (r *Registry) StopStream(space Space, userID, kind string) error {
	spaceID := space.SpaceID()

	r.mu.Lock()
	stream := r.removeLocked(kind, spaceID, userID)
	r.mu.Unlock()

	if stream == nil {
		return fmt.Errorf("no %s stream for %s: %w", kind, userID, domain.ErrNotFound)
	}

	metrics.MediaStreamsActive.WithLabelValues(kind).Dec()
	r.logger.Info("media: stream stopped",
		"kind", kind, "user_id", userID, "space_id", spaceID, "stream_id", stream.StreamID)

	err := space.EnqueueEvent(protocol.StreamEventName(kind, false), &protocol.StreamLifecycleEvent{
		Event:     protocol.StreamEventName(kind, false),
		SpaceID:   spaceID,
		UserID:    userID,
		UserName:  space.UserName(userID),
		StreamID:  stream.StreamID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("media: stopped event not enqueued", "error", err)
	}
	return nil
}

// removeLocked deletes and returns the stream, or nil if absent.
func (r *Registry) removeLocked(kind, spaceID, userID string) *domain.MediaStream {
	bySpace := r.streams[kind]
	if bySpace == nil {
		return nil
	}
	stream, ok := bySpace[spaceID][userID]
	if !ok {
		return nil
	}
	delete(bySpace[spaceID], userID)
	if len(bySpace[spaceID]) == 0 {
		delete(bySpace, spaceID)
	}
	return stream
}

// SetAudioMuted flips a user's audio stream between enabled and muted
// and broadcasts the transition.
func (r *Registry) SetAudioMuted(space Space, userID string, muted bool) error {
	spaceID := space.SpaceID()

	r.mu.Lock()
	stream, ok := r.streams[domain.MediaKindAudio][spaceID][userID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no audio stream for %s: %w", userID, domain.ErrNotFound)
	}
	if muted {
		stream.State = domain.MediaStateMuted
	} else {
		stream.State = domain.MediaStateEnabled
	}
	id := stream.StreamID
	r.mu.Unlock()

	event := protocol.EvtAudioUnmuted
	if muted {
		event = protocol.EvtAudioMuted
	}
	return space.EnqueueEvent(event, &protocol.StreamLifecycleEvent{
		Event:     event,
		SpaceID:   spaceID,
		UserID:    userID,
		UserName:  space.UserName(userID),
		StreamID:  id,
		Timestamp: time.Now().UTC(),
	})
}

// Relay delivers one signaling message directly to the target user's
// connection. Both users must be in the space; an offline target is a
// failure, never a queue.
func (r *Registry) Relay(space Space, fromUserID, signalType, toUserID string, data json.RawMessage) error {
	if _, ok := signalTypes[signalType]; !ok {
		return fmt.Errorf("signal type %q: %w", signalType, domain.ErrValidation)
	}
	if !space.HasUser(fromUserID) || !space.HasUser(toUserID) {
		return fmt.Errorf("signaling peers must share the space: %w", domain.ErrForbidden)
	}

	conn, ok := r.conns.LookupUser(toUserID)
	if !ok {
		return fmt.Errorf("relay to %s: %w", toUserID, domain.ErrNotConnected)
	}

	err := conn.SendEvent(&protocol.WebRTCSignalEvent{
		Event:      protocol.EvtWebRTCSignal,
		SignalType: signalType,
		FromUserID: fromUserID,
		SpaceID:    space.SpaceID(),
		Data:       data,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("relay to %s: %w", toUserID, err)
	}

	r.mu.Lock()
	if r.peers[fromUserID] == nil {
		r.peers[fromUserID] = make(map[string]struct{})
	}
	r.peers[fromUserID][toUserID] = struct{}{}
	r.mu.Unlock()

	metrics.SignalsRelayed.WithLabelValues(signalType).Inc()
	return nil
}

// ActiveStreams snapshots the space's streams for a space_state reply.
func (r *Registry) ActiveStreams(spaceID string) *protocol.MediaInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := func(kind string) map[string]*domain.MediaStream {
		out := make(map[string]*domain.MediaStream, len(r.streams[kind][spaceID]))
		for userID, stream := range r.streams[kind][spaceID] {
			copied := *stream
			out[userID] = &copied
		}
		return out
	}
	return &protocol.MediaInfo{
		Audio:  snapshot(domain.MediaKindAudio),
		Video:  snapshot(domain.MediaKindVideo),
		Screen: snapshot(domain.MediaKindScreen),
	}
}

// CleanupUser stops every stream the user owns in any space, emitting
// the usual stopped events, and drops their signaling edges.
func (r *Registry) CleanupUser(userID string, lookup func(spaceID string) (Space, bool)) {
	type owned struct {
		kind    string
		spaceID string
	}

	r.mu.Lock()
	var found []owned
	for kind, bySpace := range r.streams {
		for spaceID, byUser := range bySpace {
			if _, ok := byUser[userID]; ok {
				found = append(found, owned{kind: kind, spaceID: spaceID})
			}
		}
	}
	delete(r.peers, userID)
	for _, edges := range r.peers {
		delete(edges, userID)
	}
	r.mu.Unlock()

	for _, o := range found {
		space, ok := lookup(o.spaceID)
		if !ok {
			r.mu.Lock()
			if r.removeLocked(o.kind, o.spaceID, userID) != nil {
				metrics.MediaStreamsActive.WithLabelValues(o.kind).Dec()
			}
			r.mu.Unlock()
			continue
		}
		if err := r.StopStream(space, userID, o.kind); err != nil {
			r.logger.Warn("media: cleanup stop failed",
				"user_id", userID, "kind", o.kind, "space_id", o.spaceID, "error", err)
		}
	}
}
