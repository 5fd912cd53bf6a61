package fabric

import (
	"context"
	"errors"
	"log/slog"

	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/media"
	"github.com/longregen/metaspace/protocol"
)

// defaultMapID is used when a space row carries no map asset.
const defaultMapID = "office-01"

const (
	defaultDirection = "down"
)

type parserState int

const (
	stateOpened parserState = iota
	stateSubscribed
	stateJoined
	stateClosed
)

// ParserStore is the slice of the store the parser needs for join
// authentication and space bring-up.
type ParserStore interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetSpace(ctx context.Context, id string) (*domain.Space, error)
	GetSpaceMapID(ctx context.Context, id string) (string, error)
	ListSpaceMembers(ctx context.Context, spaceID string) ([]*domain.User, error)
}

// ConnectionParser drives one connection through the subscribe, join,
// in-space, closed lifecycle. It owns the connection's read loop; all
// state it touches belongs to the broadcaster it subscribed to.
type ConnectionParser struct {
	conn   protocol.Conn
	router *Router
	store  ParserStore
	chat   *chat.Pipeline
	media  *media.Registry
	logger *slog.Logger

	state       parserState
	userID      string
	spaceID     string
	bound       bool
	broadcaster *SpaceBroadcaster
}

func NewConnectionParser(conn protocol.Conn, router *Router, store ParserStore, pipeline *chat.Pipeline, registry *media.Registry, logger *slog.Logger) *ConnectionParser {
	return &ConnectionParser{
		conn:   conn,
		router: router,
		store:  store,
		chat:   pipeline,
		media:  registry,
		logger: logger.With("conn_id", conn.ID()),
	}
}

// Run reads frames until the transport closes, the client leaves, or ctx
// is cancelled. Cleanup runs unconditionally on the way out.
func (p *ConnectionParser) Run(ctx context.Context) {
	readerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Transport close is the only way to unblock ReadText.
		<-readerCtx.Done()
		_ = p.conn.Close()
	}()

	defer p.cleanup()

	for p.state != stateClosed {
		data, err := p.conn.ReadText()
		if err != nil {
			p.logger.Debug("ws: read loop ended", "error", err)
			return
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			p.sendError("invalid event")
			continue
		}
		p.dispatch(ctx, ev)
	}
}

func (p *ConnectionParser) sendError(message string) {
	if err := p.conn.SendEvent(protocol.NewError(message)); err != nil {
		p.logger.Debug("ws: error reply not delivered", "error", err)
	}
}

func (p *ConnectionParser) dispatch(ctx context.Context, ev *protocol.ClientEvent) {
	kind := ev.Kind()

	switch p.state {
	case stateOpened:
		if kind == protocol.EventSubscribe {
			p.handleSubscribe(ctx, ev)
			return
		}
		p.sendError("subscribe first")

	case stateSubscribed:
		switch kind {
		case protocol.EventJoin:
			p.handleJoin(ctx, ev)
		case protocol.EventLeft:
			p.state = stateClosed
		case protocol.EventSubscribe:
			p.sendError("already subscribed")
		default:
			p.sendError("join first")
		}

	case stateJoined:
		switch kind {
		case protocol.EventPositionMove:
			p.handlePositionMove(ev)
		case protocol.EventSendChatMessage:
			p.handleChatMessage(ctx, ev)
		case protocol.EventSendPrivateMessage:
			p.handlePrivateMessage(ctx, ev)
		case protocol.EventWebRTCSignal:
			p.handleSignal(ev)
		case protocol.EventMuteAudio:
			p.handleMute(true)
		case protocol.EventUnmuteAudio:
			p.handleMute(false)
		case protocol.EventLeft:
			p.state = stateClosed
		case protocol.EventSubscribe, protocol.EventJoin:
			p.sendError("already joined")
		default:
			if mediaKind, start, ok := ev.MediaKind(); ok {
				p.handleStream(mediaKind, start, ev.Metadata)
				return
			}
			p.sendError("unknown event")
		}
	}
}

func (p *ConnectionParser) handleSubscribe(ctx context.Context, ev *protocol.ClientEvent) {
	if ev.SpaceID == "" {
		p.sendError("space_id required")
		return
	}

	b := p.router.GetOrCreateSpace(ev.SpaceID)
	if b.StartIfNotRunning(ctx) {
		// First subscriber brings the space up: preload stored members at
		// the origin so the opening space_state shows them.
		if members, err := p.store.ListSpaceMembers(ctx, ev.SpaceID); err != nil {
			p.logger.Warn("ws: member preload failed", "space_id", ev.SpaceID, "error", err)
		} else {
			seed := make([]*domain.UserSnapshot, len(members))
			for i, m := range members {
				seed[i] = m.Snapshot()
			}
			b.SeedUsers(seed)
		}
	}
	b.AddSubscriber(p.conn, func() { _ = p.conn.Close() })

	if b.MapID() == "" {
		if mapID, err := p.store.GetSpaceMapID(ctx, ev.SpaceID); err == nil && mapID != "" {
			b.SetMapID(mapID)
		}
	}

	p.spaceID = ev.SpaceID
	p.broadcaster = b
	p.state = stateSubscribed
	p.logger.Info("ws: subscribed", "space_id", ev.SpaceID)

	if err := p.conn.SendEvent(&protocol.SubscribedEvent{
		Event:   protocol.EvtSubscribed,
		SpaceID: ev.SpaceID,
	}); err != nil {
		p.logger.Debug("ws: subscribed reply not delivered", "error", err)
	}
}

func (p *ConnectionParser) handleJoin(ctx context.Context, ev *protocol.ClientEvent) {
	if ev.UserID == "" {
		p.sendError("user_id required")
		return
	}
	if ev.SpaceID != "" && ev.SpaceID != p.spaceID {
		p.sendError("space_id does not match subscription")
		return
	}

	user, err := p.store.GetUser(ctx, ev.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.sendError("user not found")
		} else {
			p.logger.Error("ws: join user lookup failed", "user_id", ev.UserID, "error", err)
			p.sendError("join failed")
		}
		return
	}

	space, err := p.store.GetSpace(ctx, p.spaceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.sendError("space not found")
		} else {
			p.logger.Error("ws: join space lookup failed", "space_id", p.spaceID, "error", err)
			p.sendError("join failed")
		}
		return
	}
	if space.MaxUsers > 0 && space.CurrentUsers >= space.MaxUsers && !p.broadcaster.HasUser(ev.UserID) {
		p.sendError("space is full")
		return
	}

	p.router.BindUser(ev.UserID, p.conn)
	p.userID = ev.UserID
	p.bound = true

	if p.broadcaster.MapID() == "" {
		mapID := space.MapID
		if mapID == "" {
			mapID = defaultMapID
		}
		p.broadcaster.SetMapID(mapID)
	}

	pos := domain.Position{}
	if ev.Position != nil {
		pos = *ev.Position
	}
	p.broadcaster.AddUser(user.Snapshot(), pos)

	// space_state goes to the joining connection before user_joined is
	// enqueued, so everyone else observes the join strictly after the
	// joiner has its snapshot.
	users, positions, mapID := p.broadcaster.Snapshot()
	if err := p.conn.SendEvent(&protocol.SpaceStateEvent{
		Event:     protocol.EvtSpaceState,
		SpaceID:   p.spaceID,
		MapID:     mapID,
		Users:     users,
		Positions: positions,
		MediaInfo: p.media.ActiveStreams(p.spaceID),
	}); err != nil {
		p.logger.Warn("ws: space_state not delivered", "user_id", ev.UserID, "error", err)
	}

	if err := p.broadcaster.Enqueue(Update{
		Event:   protocol.EvtUserJoined,
		Exclude: p.conn,
		Payload: &protocol.UserJoinedEvent{
			Event:    protocol.EvtUserJoined,
			SpaceID:  p.spaceID,
			UserID:   ev.UserID,
			User:     user.Snapshot(),
			Position: pos,
		},
	}); err != nil {
		p.logger.Warn("ws: user_joined not enqueued", "user_id", ev.UserID, "error", err)
	}

	p.state = stateJoined
	p.logger.Info("ws: joined", "user_id", ev.UserID, "space_id", p.spaceID)
}

func (p *ConnectionParser) handlePositionMove(ev *protocol.ClientEvent) {
	if ev.NX == nil || ev.NY == nil {
		p.sendError("nx and ny required")
		return
	}
	pos := domain.Position{X: *ev.NX, Y: *ev.NY}
	if !p.broadcaster.UpdatePosition(p.userID, pos) {
		p.sendError("not in space")
		return
	}

	direction := ev.Direction
	if direction == "" {
		direction = defaultDirection
	}

	if err := p.conn.SendEvent(&protocol.PositionMoveAckEvent{
		Event: protocol.EvtPositionMoveAck,
		NX:    pos.X,
		NY:    pos.Y,
	}); err != nil {
		p.logger.Debug("ws: move ack not delivered", "error", err)
	}

	if err := p.broadcaster.EnqueueEvent(protocol.EvtPositionUpdate, &protocol.PositionUpdateEvent{
		Event:     protocol.EvtPositionUpdate,
		SpaceID:   p.spaceID,
		UserID:    p.userID,
		NX:        pos.X,
		NY:        pos.Y,
		Direction: direction,
		IsMoving:  ev.IsMoving,
	}); err != nil {
		p.logger.Warn("ws: position_update not enqueued", "error", err)
	}
}

func (p *ConnectionParser) handleChatMessage(ctx context.Context, ev *protocol.ClientEvent) {
	payload, err := ev.ChatData()
	if err != nil {
		p.sendError("invalid chat payload")
		return
	}
	if payload.MessageType == "" {
		payload.MessageType = domain.MessageKindSpace
	}

	msg := &domain.Message{
		SenderID:    p.userID,
		SpaceID:     p.spaceID,
		MessageType: payload.MessageType,
		Content:     payload.Content,
	}
	if err := p.chat.Send(ctx, p.broadcaster, msg); err != nil {
		p.logger.Warn("ws: chat message failed", "user_id", p.userID, "error", err)
		p.sendError("message not delivered")
	}
}

func (p *ConnectionParser) handlePrivateMessage(ctx context.Context, ev *protocol.ClientEvent) {
	payload, err := ev.ChatData()
	if err != nil {
		p.sendError("invalid chat payload")
		return
	}
	if payload.MessageType == "" {
		payload.MessageType = domain.MessageKindPrivate
	}

	msg := &domain.Message{
		SenderID:    p.userID,
		MessageType: payload.MessageType,
		Content:     payload.Content,
		ReceiverID:  payload.ReceiverID,
	}
	if err := p.chat.Send(ctx, nil, msg); err != nil {
		p.logger.Warn("ws: private message failed", "user_id", p.userID, "error", err)
		p.sendError("message not delivered")
	}
}

func (p *ConnectionParser) handleSignal(ev *protocol.ClientEvent) {
	if err := p.media.Relay(p.broadcaster, p.userID, ev.SignalType, ev.ToUserID, ev.Data); err != nil {
		p.logger.Debug("ws: signal relay failed",
			"user_id", p.userID, "to_user_id", ev.ToUserID, "error", err)
		p.sendError("signal not delivered")
	}
}

func (p *ConnectionParser) handleStream(kind string, start bool, metadata map[string]any) {
	var err error
	if start {
		_, err = p.media.StartStream(p.broadcaster, p.userID, kind, metadata)
	} else {
		err = p.media.StopStream(p.broadcaster, p.userID, kind)
	}
	if err != nil {
		p.logger.Debug("ws: stream op failed",
			"user_id", p.userID, "kind", kind, "start", start, "error", err)
		p.sendError("stream operation failed")
	}
}

func (p *ConnectionParser) handleMute(muted bool) {
	if err := p.media.SetAudioMuted(p.broadcaster, p.userID, muted); err != nil {
		p.sendError("mute operation failed")
	}
}

// cleanup tears down every registration this parser made, in the order
// unbind, user state, user_left, media, subscription. It is safe when
// the parser never got past Opened.
func (p *ConnectionParser) cleanup() {
	if p.bound {
		p.router.UnbindUser(p.userID, p.conn)
	}

	if p.broadcaster != nil {
		if p.userID != "" {
			p.broadcaster.RemoveUser(p.userID)
			if err := p.broadcaster.Enqueue(Update{
				Event:   protocol.EvtUserLeft,
				Exclude: p.conn,
				Payload: &protocol.UserLeftEvent{
					Event:   protocol.EvtUserLeft,
					SpaceID: p.spaceID,
					UserID:  p.userID,
				},
			}); err != nil {
				p.logger.Warn("ws: user_left not enqueued", "error", err)
			}

			p.media.CleanupUser(p.userID, func(spaceID string) (media.Space, bool) {
				if b, ok := p.router.LookupSpace(spaceID); ok {
					return b, true
				}
				return nil, false
			})
		}

		if remaining := p.broadcaster.RemoveSubscriber(p.conn); remaining == 0 {
			p.broadcaster.Stop()
			p.router.RemoveSpace(p.spaceID, p.broadcaster)
		}
	}

	_ = p.conn.Close()
	p.state = stateClosed
	p.logger.Info("ws: connection closed", "user_id", p.userID, "space_id", p.spaceID)
}
