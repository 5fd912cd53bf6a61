package store

import (
	"context"

	"github.com/longregen/metaspace/domain"
)

// SaveMessage upserts a chat message keyed by message_id. Re-running the
// persistence task for the same message only moves its status forward.
func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (message_id, sender_id, message_type, content,
		                      timestamp, space_id, receiver_id, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (message_id) DO UPDATE SET
			status = EXCLUDED.status`

	_, err := s.conn(ctx).Exec(ctx, query,
		msg.MessageID, msg.SenderID, msg.MessageType, msg.Content,
		msg.Timestamp, msg.SpaceID, msg.ReceiverID, msg.Status)
	if err != nil {
		return WrapError("save message", err)
	}
	return nil
}

// GetMessage retrieves a persisted message by its message_id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query := `
		SELECT message_id, sender_id, message_type, content, timestamp,
		       COALESCE(space_id::text, ''), COALESCE(receiver_id::text, ''), status
		FROM messages
		WHERE message_id = $1`

	msg := &domain.Message{}
	err := s.conn(ctx).QueryRow(ctx, query, messageID).Scan(
		&msg.MessageID, &msg.SenderID, &msg.MessageType, &msg.Content,
		&msg.Timestamp, &msg.SpaceID, &msg.ReceiverID, &msg.Status)
	if err != nil {
		return nil, WrapNotFound("get message", err)
	}
	return msg, nil
}
