package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/protocol"
)

const (
	// broadcastWait bounds the idle wait of the fan-out loop so
	// cancellation is noticed promptly.
	broadcastWait = time.Second

	// updateQueueCap bounds the per-space update queue; Enqueue fails
	// instead of blocking when the queue is full.
	updateQueueCap = 1024
)

// Update is one queued outbound event. Exclude suppresses delivery to a
// single subscriber, typically the sender.
type Update struct {
	Event   string
	Payload any
	Exclude protocol.Conn
}

// SpaceBroadcaster owns the realtime state of one space and fans queued
// updates out to every subscriber. State is mutated only by the parsers
// attached to this space and the fan-out loop, so one mutex covers it.
type SpaceBroadcaster struct {
	spaceID string
	logger  *slog.Logger

	mu          sync.Mutex
	mapID       string
	users       map[string]*domain.UserSnapshot
	positions   map[string]domain.Position
	subscribers map[protocol.Conn]struct{}
	parserTasks map[protocol.Conn]context.CancelFunc
	running     bool
	cancel      context.CancelFunc

	updates chan Update
	done    chan struct{}
}

func NewSpaceBroadcaster(spaceID string, logger *slog.Logger) *SpaceBroadcaster {
	return &SpaceBroadcaster{
		spaceID:     spaceID,
		logger:      logger.With("space_id", spaceID),
		users:       make(map[string]*domain.UserSnapshot),
		positions:   make(map[string]domain.Position),
		subscribers: make(map[protocol.Conn]struct{}),
		parserTasks: make(map[protocol.Conn]context.CancelFunc),
		updates:     make(chan Update, updateQueueCap),
	}
}

func (b *SpaceBroadcaster) SpaceID() string {
	return b.spaceID
}

// StartIfNotRunning launches the fan-out loop once, reporting whether
// this call started it. Subsequent calls are no-ops until Stop.
func (b *SpaceBroadcaster) StartIfNotRunning(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx, b.done)
	b.logger.Info("ws: broadcast loop started")
	return true
}

// Stop cancels the fan-out loop and any parser still attached, then
// waits for the loop to exit.
func (b *SpaceBroadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	parsers := make([]context.CancelFunc, 0, len(b.parserTasks))
	for _, stop := range b.parserTasks {
		parsers = append(parsers, stop)
	}
	b.mu.Unlock()

	for _, stop := range parsers {
		if stop != nil {
			stop()
		}
	}
	cancel()
	<-done
	b.logger.Info("ws: broadcast loop stopped")
}

// AddSubscriber attaches a connection and its parser cancel handle.
func (b *SpaceBroadcaster) AddSubscriber(conn protocol.Conn, stop context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[conn] = struct{}{}
	b.parserTasks[conn] = stop
}

// RemoveSubscriber detaches a connection and reports how many remain.
func (b *SpaceBroadcaster) RemoveSubscriber(conn protocol.Conn) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, conn)
	delete(b.parserTasks, conn)
	return len(b.subscribers)
}

func (b *SpaceBroadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// AddUser records a joined user's snapshot and starting position.
func (b *SpaceBroadcaster) AddUser(user *domain.UserSnapshot, pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[user.ID] = user
	b.positions[user.ID] = pos
}

// SeedUsers records stored members at the origin position. Users that
// already joined live keep their snapshot and position.
func (b *SpaceBroadcaster) SeedUsers(users []*domain.UserSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range users {
		if _, ok := b.users[u.ID]; ok {
			continue
		}
		b.users[u.ID] = u
		b.positions[u.ID] = domain.Position{}
	}
}

// RemoveUser drops a user's snapshot and position together.
func (b *SpaceBroadcaster) RemoveUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
	delete(b.positions, userID)
}

// HasUser reports whether the user has joined this space.
func (b *SpaceBroadcaster) HasUser(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.users[userID]
	return ok
}

// UserName resolves a joined user's display name, falling back to the id.
func (b *SpaceBroadcaster) UserName(userID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[userID]; ok && u.UserName != "" {
		return u.UserName
	}
	return userID
}

// UpdatePosition moves a joined user. Unknown users are ignored so a
// racing leave cannot resurrect state.
func (b *SpaceBroadcaster) UpdatePosition(userID string, pos domain.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[userID]; !ok {
		return false
	}
	b.positions[userID] = pos
	return true
}

// MapID returns the cached map asset id, or "" if not yet resolved.
func (b *SpaceBroadcaster) MapID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapID
}

func (b *SpaceBroadcaster) SetMapID(mapID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapID = mapID
}

// Snapshot copies the space state for a space_state reply.
func (b *SpaceBroadcaster) Snapshot() (users map[string]*domain.UserSnapshot, positions map[string]domain.Position, mapID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	users = make(map[string]*domain.UserSnapshot, len(b.users))
	for id, u := range b.users {
		users[id] = u
	}
	positions = make(map[string]domain.Position, len(b.positions))
	for id, p := range b.positions {
		positions[id] = p
	}
	return users, positions, b.mapID
}

// Enqueue puts an update on the queue without blocking. A full queue is
// an error the caller must surface.
func (b *SpaceBroadcaster) Enqueue(u Update) error {
	select {
	case b.updates <- u:
		return nil
	default:
		return fmt.Errorf("space %s: update queue full", b.spaceID)
	}
}

// EnqueueEvent enqueues a payload with no exclusion.
func (b *SpaceBroadcaster) EnqueueEvent(event string, payload any) error {
	return b.Enqueue(Update{Event: event, Payload: payload})
}

func (b *SpaceBroadcaster) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-b.updates:
			b.fanOut(u)
		case <-time.After(broadcastWait):
			// idle tick; loop back to observe cancellation
		}
	}
}

// fanOut serializes the update once and writes it to every subscriber
// except the excluded one. Subscribers whose write fails are removed
// after the iteration.
func (b *SpaceBroadcaster) fanOut(u Update) {
	data, err := protocol.Marshal(u.Payload)
	if err != nil {
		b.logger.Error("ws: drop unserializable update", "event", u.Event, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]protocol.Conn, 0, len(b.subscribers))
	for conn := range b.subscribers {
		if conn == u.Exclude {
			continue
		}
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	var failed []protocol.Conn
	for _, conn := range targets {
		if err := conn.SendText(data); err != nil {
			b.logger.Warn("ws: subscriber write failed",
				"event", u.Event, "conn_id", conn.ID(), "error", err)
			metrics.BroadcastSendErrors.Inc()
			failed = append(failed, conn)
		}
	}
	metrics.EventsBroadcast.WithLabelValues(u.Event).Inc()

	if len(failed) > 0 {
		b.mu.Lock()
		for _, conn := range failed {
			delete(b.subscribers, conn)
		}
		b.mu.Unlock()
	}
}
