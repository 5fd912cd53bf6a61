package fabric

import (
	"log/slog"
	"sync"

	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/protocol"
)

// Router is the process-wide registry of active spaces and of which
// connection currently speaks for each user. It is the only mutable
// state shared across spaces, so every mutation goes through
// compare-and-swap style helpers under one mutex.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	spaces map[string]*SpaceBroadcaster
	users  map[string]protocol.Conn
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		spaces: make(map[string]*SpaceBroadcaster),
		users:  make(map[string]protocol.Conn),
	}
}

// GetOrCreateSpace returns the broadcaster for spaceID, creating and
// registering it on first use.
func (r *Router) GetOrCreateSpace(spaceID string) *SpaceBroadcaster {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.spaces[spaceID]; ok {
		return b
	}
	b := NewSpaceBroadcaster(spaceID, r.logger)
	r.spaces[spaceID] = b
	metrics.SpacesActive.Set(float64(len(r.spaces)))
	r.logger.Info("ws: space created", "space_id", spaceID)
	return b
}

// RemoveSpace deregisters a broadcaster, but only the exact instance the
// caller holds. A concurrent re-creation under the same id is left alone.
func (r *Router) RemoveSpace(spaceID string, b *SpaceBroadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.spaces[spaceID]; ok && current == b {
		delete(r.spaces, spaceID)
		metrics.SpacesActive.Set(float64(len(r.spaces)))
		r.logger.Info("ws: space removed", "space_id", spaceID)
	}
}

// LookupSpace returns the broadcaster for spaceID if one is registered.
func (r *Router) LookupSpace(spaceID string) (*SpaceBroadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.spaces[spaceID]
	return b, ok
}

// BindUser makes conn the authoritative connection for userID. A
// previously bound connection is displaced and closed, so concurrent
// binds for one user converge on exactly one winner.
func (r *Router) BindUser(userID string, conn protocol.Conn) {
	r.mu.Lock()
	prev := r.users[userID]
	r.users[userID] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Info("ws: displacing stale connection",
			"user_id", userID, "conn_id", prev.ID())
		_ = prev.Close()
	}
}

// UnbindUser removes the binding only if conn still owns it. A stale
// parser cleaning up after displacement must not evict its successor.
func (r *Router) UnbindUser(userID string, conn protocol.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.users[userID]; ok && current == conn {
		delete(r.users, userID)
		return true
	}
	return false
}

// LookupUser returns the connection currently bound for userID.
func (r *Router) LookupUser(userID string) (protocol.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.users[userID]
	return conn, ok
}

// ConnectionStats is a point-in-time view of the fabric, reported on the
// health endpoint.
type ConnectionStats struct {
	BoundUsers   int            `json:"bound_users"`
	ActiveSpaces int            `json:"active_spaces"`
	Subscribers  map[string]int `json:"subscribers_per_space"`
}

func (r *Router) ConnectionStats() ConnectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := ConnectionStats{
		BoundUsers:   len(r.users),
		ActiveSpaces: len(r.spaces),
		Subscribers:  make(map[string]int, len(r.spaces)),
	}
	for id, b := range r.spaces {
		stats.Subscribers[id] = b.SubscriberCount()
	}
	return stats
}

// Shutdown stops every registered broadcaster. Queues are not drained.
func (r *Router) Shutdown() {
	r.mu.Lock()
	spaces := make([]*SpaceBroadcaster, 0, len(r.spaces))
	for _, b := range r.spaces {
		spaces = append(spaces, b)
	}
	r.spaces = make(map[string]*SpaceBroadcaster)
	r.mu.Unlock()

	for _, b := range spaces {
		b.Stop()
	}
	metrics.SpacesActive.Set(0)
}
