// Package chat implements the message pipeline: validate, authenticate,
// cache, broadcast, then persist asynchronously with rollback if the
// broadcast step fails.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/longregen/metaspace/backoff"
	"github.com/longregen/metaspace/cache"
	"github.com/longregen/metaspace/domain"
	"github.com/longregen/metaspace/metrics"
	"github.com/longregen/metaspace/protocol"
)

const (
	maxContentLength = 5000
	defaultCacheTTL  = 3600 * time.Second
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetSpace(ctx context.Context, id string) (*domain.Space, error)
	SaveMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
}

// Space is the broadcast surface for space-kind messages.
type Space interface {
	SpaceID() string
	EnqueueEvent(event string, payload any) error
}

// Conns resolves users to live connections for private delivery.
type Conns interface {
	LookupUser(userID string) (protocol.Conn, bool)
}

// Stats are the pipeline's lifetime counters.
type Stats struct {
	TotalProcessed int64
	Successful     int64
	Failed         int64
	Retries        int64
}

// Pipeline runs messages through the staged flow. Persistence happens in
// detached tasks; Wait blocks until they drain.
type Pipeline struct {
	store  Store
	cache  cache.Cache
	conns  Conns
	logger *slog.Logger

	cacheTTL     time.Duration
	cacheRetry   backoff.Strategy
	persistRetry backoff.Strategy

	totalProcessed atomic.Int64
	successful     atomic.Int64
	failed         atomic.Int64
	retries        atomic.Int64

	wg sync.WaitGroup

	dlqMu sync.Mutex
	dlq   []*domain.Message
}

func NewPipeline(store Store, c cache.Cache, conns Conns, cacheTTL time.Duration, logger *slog.Logger) *Pipeline {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Pipeline{
		store:        store,
		cache:        c,
		conns:        conns,
		logger:       logger,
		cacheTTL:     cacheTTL,
		cacheRetry:   backoff.Linear(3, 100*time.Millisecond),
		persistRetry: backoff.Linear(5, time.Second),
	}
}

func cacheKey(messageID string) string {
	return "msg:" + messageID
}

// Send runs one message through the pipeline. space is required for
// space-kind messages and ignored for private ones. On return the
// message has been broadcast; persistence continues in the background.
func (p *Pipeline) Send(ctx context.Context, space Space, msg *domain.Message) error {
	p.totalProcessed.Add(1)
	metrics.ChatProcessed.Inc()

	if err := p.validate(msg); err != nil {
		p.reject()
		return err
	}

	sender, err := p.authenticate(ctx, msg)
	if err != nil {
		p.reject()
		return err
	}

	cached := p.cacheWrite(ctx, msg)

	if err := p.broadcast(ctx, space, msg, sender); err != nil {
		p.rollback(ctx, msg, cached)
		p.reject()
		return err
	}
	msg.Status = domain.MessageStatusBroadcast

	p.successful.Add(1)
	metrics.ChatSuccessful.Inc()

	p.wg.Add(1)
	go p.persist(msg)

	return nil
}

// Lookup fetches a message by id, serving staged cache entries before
// falling back to the store.
func (p *Pipeline) Lookup(ctx context.Context, messageID string) (*domain.Message, error) {
	msg := &domain.Message{}
	if err := p.cache.Get(ctx, cacheKey(messageID), msg); err == nil {
		return msg, nil
	}
	return p.store.GetMessage(ctx, messageID)
}

// Wait blocks until all detached persistence tasks finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Stats snapshots the lifetime counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		TotalProcessed: p.totalProcessed.Load(),
		Successful:     p.successful.Load(),
		Failed:         p.failed.Load(),
		Retries:        p.retries.Load(),
	}
}

// DeadLetters returns the messages parked after exhausted persistence
// retries, for operator inspection.
func (p *Pipeline) DeadLetters() []*domain.Message {
	p.dlqMu.Lock()
	defer p.dlqMu.Unlock()
	out := make([]*domain.Message, len(p.dlq))
	copy(out, p.dlq)
	return out
}

func (p *Pipeline) reject() {
	p.failed.Add(1)
	metrics.ChatFailed.Inc()
}

func (p *Pipeline) validate(msg *domain.Message) error {
	if msg.SenderID == "" {
		return fmt.Errorf("sender required: %w", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(msg.Content); n == 0 || n > maxContentLength {
		return fmt.Errorf("content length %d outside 1..%d: %w", n, maxContentLength, domain.ErrValidation)
	}
	switch msg.MessageType {
	case domain.MessageKindSpace:
		if msg.SpaceID == "" {
			return fmt.Errorf("space message requires space_id: %w", domain.ErrValidation)
		}
	case domain.MessageKindPrivate:
		if msg.ReceiverID == "" {
			return fmt.Errorf("private message requires receiver_id: %w", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("message type %q: %w", msg.MessageType, domain.ErrValidation)
	}

	msg.MessageID = uuid.NewString()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Status = domain.MessageStatusValidated
	return nil
}

func (p *Pipeline) authenticate(ctx context.Context, msg *domain.Message) (*domain.User, error) {
	sender, err := p.store.GetUser(ctx, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("authenticate sender %s: %w", msg.SenderID, err)
	}
	switch msg.MessageType {
	case domain.MessageKindSpace:
		if _, err := p.store.GetSpace(ctx, msg.SpaceID); err != nil {
			return nil, fmt.Errorf("authenticate space %s: %w", msg.SpaceID, err)
		}
	case domain.MessageKindPrivate:
		if _, err := p.store.GetUser(ctx, msg.ReceiverID); err != nil {
			return nil, fmt.Errorf("authenticate receiver %s: %w", msg.ReceiverID, err)
		}
	}
	return sender, nil
}

// cacheWrite stages the message in the cache. Failure after retries is
// non-fatal; the pipeline continues without the cache entry.
func (p *Pipeline) cacheWrite(ctx context.Context, msg *domain.Message) bool {
	msg.Status = domain.MessageStatusCached
	err := backoff.RetryNotify(ctx, p.cacheRetry, func() error {
		return p.cache.Set(ctx, cacheKey(msg.MessageID), msg, p.cacheTTL)
	}, func(attempt int, err error) {
		p.retries.Add(1)
		metrics.ChatRetries.Inc()
		p.logger.Warn("chat: cache retry",
			"message_id", msg.MessageID, "attempt", attempt, "error", err)
	})
	if err != nil {
		p.logger.Warn("chat: proceeding without cache",
			"message_id", msg.MessageID, "error", err)
		return false
	}
	return true
}

func (p *Pipeline) broadcast(ctx context.Context, space Space, msg *domain.Message, sender *domain.User) error {
	switch msg.MessageType {
	case domain.MessageKindSpace:
		if space == nil {
			return fmt.Errorf("space %s has no broadcaster: %w", msg.SpaceID, domain.ErrNotFound)
		}
		return space.EnqueueEvent(protocol.EvtChatMessage, &protocol.ChatMessageEvent{
			Event:     protocol.EvtChatMessage,
			SpaceID:   msg.SpaceID,
			MessageID: msg.MessageID,
			UserID:    msg.SenderID,
			UserName:  sender.UserName,
			Message:   msg.Content,
			Timestamp: msg.Timestamp,
		})

	case domain.MessageKindPrivate:
		// Receiver first, then sender confirmation; an offline receiver
		// is skipped, a failed write is a rollback.
		if conn, ok := p.conns.LookupUser(msg.ReceiverID); ok {
			err := conn.SendEvent(&protocol.PrivateMessageEvent{
				Event:        protocol.EvtPrivateMessage,
				MessageID:    msg.MessageID,
				FromUserID:   msg.SenderID,
				FromUserName: sender.UserName,
				Message:      msg.Content,
				Timestamp:    msg.Timestamp,
			})
			if err != nil {
				return fmt.Errorf("deliver to %s: %w", msg.ReceiverID, err)
			}
		}
		if conn, ok := p.conns.LookupUser(msg.SenderID); ok {
			err := conn.SendEvent(&protocol.PrivateMessageEvent{
				Event:     protocol.EvtPrivateMessage,
				MessageID: msg.MessageID,
				ToUserID:  msg.ReceiverID,
				Message:   msg.Content,
				Timestamp: msg.Timestamp,
				Sent:      true,
			})
			if err != nil {
				return fmt.Errorf("confirm to %s: %w", msg.SenderID, err)
			}
		}
		return nil
	}
	return fmt.Errorf("message type %q: %w", msg.MessageType, domain.ErrValidation)
}

// rollback undoes the cache write after a failed broadcast. The message
// never reaches the store.
func (p *Pipeline) rollback(ctx context.Context, msg *domain.Message, cached bool) {
	if cached {
		if err := p.cache.Delete(ctx, cacheKey(msg.MessageID)); err != nil {
			p.logger.Warn("chat: rollback cache delete failed",
				"message_id", msg.MessageID, "error", err)
		}
	}
	msg.Status = domain.MessageStatusRolledBack
	p.logger.Info("chat: rolled back", "message_id", msg.MessageID)
}

// persist upserts the broadcast message in a detached task. Exhausted
// retries park the message in the dead-letter queue.
func (p *Pipeline) persist(msg *domain.Message) {
	defer p.wg.Done()
	ctx := context.Background()

	msg.Status = domain.MessageStatusPersisted
	err := backoff.RetryNotify(ctx, p.persistRetry, func() error {
		return p.store.SaveMessage(ctx, msg)
	}, func(attempt int, err error) {
		msg.RetryCount = attempt - 1
		p.retries.Add(1)
		metrics.ChatRetries.Inc()
		p.logger.Warn("chat: persist retry",
			"message_id", msg.MessageID, "attempt", attempt, "error", err)
	})
	if err != nil {
		msg.Status = domain.MessageStatusFailed
		p.dlqMu.Lock()
		p.dlq = append(p.dlq, msg)
		p.dlqMu.Unlock()
		metrics.ChatDeadLettered.Inc()
		p.logger.Error("chat: persist exhausted, dead-lettered",
			"message_id", msg.MessageID, "error", err)
		return
	}

	if err := p.cache.Delete(ctx, cacheKey(msg.MessageID)); err != nil {
		p.logger.Warn("chat: cache cleanup failed",
			"message_id", msg.MessageID, "error", err)
	}
	p.logger.Debug("chat: persisted", "message_id", msg.MessageID)
}
