// Package gorm provides GORM-based database operations for solace.
package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/solace-ai/solace/pkg/models"
)

// ConversationStore provides conversation-related database operations.
type ConversationStore struct {
	db *gorm.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(store *Store) *ConversationStore {
	return &ConversationStore{db: store.DB}
}

// CreateConversation persists a new conversation row.
func (s *ConversationStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return s.db.WithContext(ctx).Create(fromModelConversation(conv)).Error
}

// GetConversation retrieves a conversation by id. Returns (nil, nil) when
// the row does not exist.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&row), nil
}

// GetUserConversation retrieves a conversation scoped to its owner.
func (s *ConversationStore) GetUserConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&row), nil
}

// GetCurrentConversation returns the user's most recent non-terminal
// conversation, or (nil, nil) when none exists.
func (s *ConversationStore) GetCurrentConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{
			string(models.ConversationStatusActive),
			string(models.ConversationStatusPaused),
		}).
		Order("started_at_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&row), nil
}

// MarkPaused writes the paused status together with the captured pause
// context and accumulated duration.
func (s *ConversationStore) MarkPaused(ctx context.Context, id string, data models.SessionData, durationMinutes int64) error {
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           string(models.ConversationStatusPaused),
			"session_data":     data,
			"duration_minutes": durationMinutes,
		}).Error
}

// MarkResumed flips a paused conversation back to active and clears the
// pause context.
func (s *ConversationStore) MarkResumed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       string(models.ConversationStatusActive),
			"session_data": nil,
		}).Error
}

// MarkCompleted writes the terminal completed status, the final duration,
// and the completion marker.
func (s *ConversationStore) MarkCompleted(ctx context.Context, id string, data models.SessionData, durationMinutes int64) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             string(models.ConversationStatusCompleted),
			"session_data":       data,
			"duration_minutes":   durationMinutes,
			"completed_at":       now.Format(time.RFC3339),
			"completed_at_epoch": now.UnixMilli(),
		}).Error
}

// MarkTerminated writes the terminal error status.
func (s *ConversationStore) MarkTerminated(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             string(models.ConversationStatusTerminated),
			"completed_at":       now.Format(time.RFC3339),
			"completed_at_epoch": now.UnixMilli(),
		}).Error
}

// SaveInsights writes the analysis output onto a completed conversation.
func (s *ConversationStore) SaveInsights(ctx context.Context, id string, insights *models.SessionInsights) error {
	return s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"summary":         insights.Summary,
			"key_insights":    insights.KeyInsights,
			"ocean_signals":   insights.Ocean,
			"recommendations": insights.Recommendations,
		}).Error
}

// ListCompletedByUser returns completed conversations for a user, newest
// first, for history and team reporting.
func (s *ConversationStore) ListCompletedByUser(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	var rows []Conversation
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(models.ConversationStatusCompleted)).
		Order("completed_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]*models.Conversation, len(rows))
	for i := range rows {
		result[i] = toModelConversation(&rows[i])
	}
	return result, nil
}
