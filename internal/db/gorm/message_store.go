package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solace-ai/solace/pkg/models"
)

// MessageStore provides message-related database operations.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a new message store.
func NewMessageStore(store *Store) *MessageStore {
	return &MessageStore{db: store.DB}
}

// CreateMessage inserts a message. Inserting an id that already exists is
// a silent no-op so that optimistic, realtime, and poll paths can all
// submit the same message without tripping over each other.
func (s *MessageStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fromModelMessage(msg)).Error
}

// GetMessage retrieves a message by id. Returns (nil, nil) when the row
// does not exist.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var row Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelMessage(&row), nil
}

// ListMessages returns a conversation's messages in chronological order.
// Ties on the epoch are broken by id so the order is stable.
func (s *MessageStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_epoch ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]*models.Message, len(rows))
	for i := range rows {
		result[i] = toModelMessage(&rows[i])
	}
	return result, nil
}

// ListMessagesAfter returns messages created at or after the given epoch,
// used by the relay's polling fallback to look for rows the change feed
// may have missed.
func (s *MessageStore) ListMessagesAfter(ctx context.Context, conversationID string, sinceEpoch int64) ([]*models.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at_epoch >= ?", conversationID, sinceEpoch).
		Order("created_at_epoch ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]*models.Message, len(rows))
	for i := range rows {
		result[i] = toModelMessage(&rows[i])
	}
	return result, nil
}

// CountUserMessages counts messages with the user role in a conversation,
// the measure behind the minimum-engagement gate.
func (s *MessageStore) CountUserMessages(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("conversation_id = ? AND role = ?", conversationID, string(models.MessageRoleUser)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
