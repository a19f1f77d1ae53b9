package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solace-ai/solace/pkg/models"
)

// PausedStore tracks the single paused-conversation slot per user.
type PausedStore struct {
	db *gorm.DB
}

// NewPausedStore creates a new paused-conversation store.
func NewPausedStore(store *Store) *PausedStore {
	return &PausedStore{db: store.DB}
}

// UpsertPaused records a user's paused conversation, replacing any
// previous entry. Each user holds at most one paused slot.
func (s *PausedStore) UpsertPaused(ctx context.Context, paused *models.PausedConversation) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(fromModelPaused(paused)).Error
}

// GetPaused retrieves a user's paused conversation, or (nil, nil) when
// none is recorded.
func (s *PausedStore) GetPaused(ctx context.Context, userID string) (*models.PausedConversation, error) {
	var row PausedConversation
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelPaused(&row), nil
}

// DeletePaused clears a user's paused slot. Deleting a missing slot is
// not an error.
func (s *PausedStore) DeletePaused(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&PausedConversation{}).Error
}
