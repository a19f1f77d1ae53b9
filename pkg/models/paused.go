// Package models contains domain models for solace.
package models

import (
	"database/sql"
	"time"
)

// PausedConversation is the single-slot scratch record pointing at a user's
// paused conversation. At most one row exists per user; it is cleared when a
// new session starts or the conversation completes.
type PausedConversation struct {
	UserID         string         `db:"user_id" json:"user_id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	LastTopic      sql.NullString `db:"last_topic" json:"last_topic,omitempty"`
	PausedAt       string         `db:"paused_at" json:"paused_at"`
	PausedAtEpoch  int64          `db:"paused_at_epoch" json:"paused_at_epoch"`
}

// NewPausedConversation creates a paused-slot record stamped with now.
func NewPausedConversation(userID, conversationID, lastTopic string) *PausedConversation {
	now := time.Now()
	return &PausedConversation{
		UserID:         userID,
		ConversationID: conversationID,
		LastTopic:      sql.NullString{String: lastTopic, Valid: lastTopic != ""},
		PausedAt:       now.Format(time.RFC3339),
		PausedAtEpoch:  now.UnixMilli(),
	}
}
