// Package handlers implements the request-reply surface: typed envelopes
// dispatched onto the same operations the streaming channel uses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/invite"
	"github.com/longregen/metaspace/protocol"
	"github.com/longregen/metaspace/store"
)

// Request message types.
const (
	TypeJoinSpace     = "JOIN_SPACE"
	TypeLeaveSpace    = "LEAVE_SPACE"
	TypeMove          = "MOVE"
	TypeAction        = "ACTION"
	TypeChat          = "CHAT"
	TypeSendInvite    = "SEND_INVITE"
	TypeAcceptInvite  = "ACCEPT_INVITE"
	TypeDeclineInvite = "DECLINE_INVITE"
	TypeGetUsers      = "GET_USERS"
	TypeGetInvites    = "GET_INVITES"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response tells the caller what happened and, when Broadcast is set,
// which event it should enqueue on the space (or route to BroadcastTo).
type Response struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Data          any    `json:"data,omitempty"`
	Broadcast     bool   `json:"broadcast,omitempty"`
	BroadcastType string `json:"broadcastType,omitempty"`
	BroadcastTo   string `json:"broadcastTo,omitempty"`
}

type payload struct {
	UserID         string           `json:"user_id"`
	SpaceID        string           `json:"space_id"`
	Position       *domain.Position `json:"position,omitempty"`
	X              float64          `json:"x"`
	Y              float64          `json:"y"`
	Direction      string           `json:"direction"`
	Action         string           `json:"action"`
	Content        string           `json:"content"`
	MessageType    string           `json:"message_type"`
	ReceiverID     string           `json:"receiver_id"`
	ToUserID       string           `json:"to_user_id"`
	NotificationID string           `json:"notification_id"`
	IncludeExpired bool             `json:"include_expired"`
}

// SpaceResolver finds the live broadcast surface for a space, if any.
type SpaceResolver func(spaceID string) (chat.Space, bool)

type MessageHandler struct {
	store   *store.Store
	invites *invite.Manager
	chat    *chat.Pipeline
	spaces  SpaceResolver
	logger  *slog.Logger
}

func NewMessageHandler(st *store.Store, invites *invite.Manager, pipeline *chat.Pipeline, spaces SpaceResolver, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		store:   st,
		invites: invites,
		chat:    pipeline,
		spaces:  spaces,
		logger:  logger,
	}
}

func failed(err error) *Response {
	return &Response{Status: StatusFailed, Error: errMessage(err)}
}

func errMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not found"
	case errors.Is(err, domain.ErrValidation):
		return "validation failed"
	case errors.Is(err, domain.ErrSpaceFull):
		return "space is full"
	case errors.Is(err, domain.ErrExpired):
		return "invite expired"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	default:
		return "internal error"
	}
}

// Handle validates the envelope type against the closed set and
// dispatches. requesterID is the authenticated caller; a user_id in the
// payload may narrow but never substitute for it being present.
func (h *MessageHandler) Handle(ctx context.Context, requesterID string, req *Request) *Response {
	var p payload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return &Response{Status: StatusFailed, Error: "invalid payload"}
		}
	}
	if p.UserID == "" {
		p.UserID = requesterID
	}

	switch req.Type {
	case TypeJoinSpace:
		return h.handleJoinSpace(ctx, &p)
	case TypeLeaveSpace:
		return h.handleLeaveSpace(&p)
	case TypeMove:
		return h.handleMove(&p)
	case TypeAction:
		return h.handleAction(ctx, &p)
	case TypeChat:
		return h.handleChat(ctx, &p)
	case TypeSendInvite:
		return h.handleSendInvite(ctx, &p)
	case TypeAcceptInvite:
		return h.handleAcceptInvite(ctx, &p)
	case TypeDeclineInvite:
		return h.handleDeclineInvite(ctx, &p)
	case TypeGetUsers:
		return h.handleGetUsers(ctx, &p)
	case TypeGetInvites:
		return h.handleGetInvites(ctx, &p)
	default:
		h.logger.Warn("handler: unknown message type", "type", req.Type)
		return &Response{Status: StatusFailed, Error: "unknown message type"}
	}
}

func (h *MessageHandler) handleJoinSpace(ctx context.Context, p *payload) *Response {
	if p.SpaceID == "" || p.UserID == "" {
		return &Response{Status: StatusFailed, Error: "space_id and user_id required"}
	}
	space, err := h.store.GetSpace(ctx, p.SpaceID)
	if err != nil {
		return failed(err)
	}
	member, err := h.store.IsSpaceMember(ctx, p.SpaceID, p.UserID)
	if err != nil {
		return failed(err)
	}
	if !member && space.MaxUsers > 0 && space.CurrentUsers >= space.MaxUsers {
		return failed(domain.ErrSpaceFull)
	}
	return &Response{
		Status:        StatusSuccess,
		Data:          space,
		Broadcast:     true,
		BroadcastType: protocol.EvtUserJoined,
	}
}

func (h *MessageHandler) handleLeaveSpace(p *payload) *Response {
	if p.SpaceID == "" || p.UserID == "" {
		return &Response{Status: StatusFailed, Error: "space_id and user_id required"}
	}
	return &Response{
		Status:        StatusSuccess,
		Broadcast:     true,
		BroadcastType: protocol.EvtUserLeft,
	}
}

func (h *MessageHandler) handleMove(p *payload) *Response {
	if p.SpaceID == "" || p.UserID == "" {
		return &Response{Status: StatusFailed, Error: "space_id and user_id required"}
	}
	pos := domain.Position{X: p.X, Y: p.Y}
	if p.Position != nil {
		pos = *p.Position
	}
	return &Response{
		Status:        StatusSuccess,
		Data:          map[string]any{"user_id": p.UserID, "position": pos, "direction": p.Direction},
		Broadcast:     true,
		BroadcastType: protocol.EvtPositionUpdate,
	}
}

func (h *MessageHandler) handleAction(ctx context.Context, p *payload) *Response {
	if p.Action == "" {
		return &Response{Status: StatusFailed, Error: "action required"}
	}
	return &Response{
		Status: StatusSuccess,
		Data: map[string]any{
			"user_id":   p.UserID,
			"user_name": h.store.GetUserName(ctx, p.UserID),
			"action":    p.Action,
		},
		Broadcast:     true,
		BroadcastType: "USER_STATE_CHANGED",
	}
}

func (h *MessageHandler) handleChat(ctx context.Context, p *payload) *Response {
	messageType := p.MessageType
	if messageType == "" {
		messageType = domain.MessageKindSpace
	}

	msg := &domain.Message{
		SenderID:    p.UserID,
		SpaceID:     p.SpaceID,
		MessageType: messageType,
		Content:     p.Content,
		ReceiverID:  p.ReceiverID,
	}

	var space chat.Space
	if messageType == domain.MessageKindSpace {
		if s, ok := h.spaces(p.SpaceID); ok {
			space = s
		}
	}

	if err := h.chat.Send(ctx, space, msg); err != nil {
		return failed(err)
	}
	return &Response{
		Status: StatusSuccess,
		Data:   map[string]any{"message_id": msg.MessageID, "status": msg.Status},
	}
}

func (h *MessageHandler) handleSendInvite(ctx context.Context, p *payload) *Response {
	if p.ToUserID == "" || p.SpaceID == "" {
		return &Response{Status: StatusFailed, Error: "to_user_id and space_id required"}
	}
	n, err := h.invites.SendInvite(ctx, p.UserID, p.ToUserID, p.SpaceID)
	if err != nil {
		return failed(err)
	}
	return &Response{
		Status:        StatusSuccess,
		Message:       "invite sent",
		Data:          n,
		Broadcast:     true,
		BroadcastType: protocol.EvtInviteReceived,
		BroadcastTo:   p.ToUserID,
	}
}

func (h *MessageHandler) handleAcceptInvite(ctx context.Context, p *payload) *Response {
	if p.NotificationID == "" {
		return &Response{Status: StatusFailed, Error: "notification_id required"}
	}
	if err := h.invites.AcceptInvite(ctx, p.UserID, p.NotificationID); err != nil {
		return failed(err)
	}
	return &Response{Status: StatusSuccess, Message: "invite accepted"}
}

func (h *MessageHandler) handleDeclineInvite(ctx context.Context, p *payload) *Response {
	if p.NotificationID == "" {
		return &Response{Status: StatusFailed, Error: "notification_id required"}
	}
	if err := h.invites.DeclineInvite(ctx, p.UserID, p.NotificationID); err != nil {
		return failed(err)
	}
	return &Response{Status: StatusSuccess, Message: "invite declined"}
}

func (h *MessageHandler) handleGetUsers(ctx context.Context, p *payload) *Response {
	users, err := h.invites.GetAllUsers(ctx, p.UserID, p.SpaceID)
	if err != nil {
		return failed(err)
	}
	return &Response{Status: StatusSuccess, Data: map[string]any{"users": users}}
}

func (h *MessageHandler) handleGetInvites(ctx context.Context, p *payload) *Response {
	invites, err := h.invites.GetUserInvites(ctx, p.UserID, p.IncludeExpired)
	if err != nil {
		return failed(err)
	}
	return &Response{Status: StatusSuccess, Data: map[string]any{"invites": invites}}
}
