// Package gorm provides GORM-based database operations for solace.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/solace-ai/solace/pkg/models"
)

// GORM Models

// Note: JSON column types (SessionData, MessageMeta, OceanScores,
// JSONStringArray) come from pkg/models and implement sql.Scanner and
// driver.Valuer.

// Conversation represents one chat session row.
type Conversation struct {
	ID                 string `gorm:"primaryKey;type:text"`
	UserID             string `gorm:"index:idx_conversations_user;index:idx_conversations_user_status,priority:1;not null"`
	Status             string `gorm:"type:text;check:status IN ('active', 'paused', 'completed', 'terminated');default:'active';index:idx_conversations_user_status,priority:2"`
	StartedAt          string `gorm:"not null"`
	StartedAtEpoch     int64  `gorm:"index:idx_conversations_started,sort:desc;not null"`
	CompletedAt        sql.NullString
	CompletedAtEpoch   sql.NullInt64
	DurationMinutes    sql.NullInt64
	MaxDurationMinutes int                `gorm:"default:15"`
	SessionData        models.SessionData `gorm:"type:text"`
	Summary            sql.NullString
	KeyInsights        models.JSONStringArray `gorm:"type:text"`
	OceanSignals       models.OceanScores     `gorm:"type:text"`
	Recommendations    models.JSONStringArray `gorm:"type:text"`
}

func (Conversation) TableName() string { return "conversations" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.StartedAtEpoch == 0 {
		c.StartedAtEpoch = time.Now().UnixMilli()
	}
	if c.StartedAt == "" {
		c.StartedAt = time.Now().Format(time.RFC3339)
	}
	if c.Status == "" {
		c.Status = string(models.ConversationStatusActive)
	}
	return nil
}

// Message represents one chat message row.
type Message struct {
	ID             string             `gorm:"primaryKey;type:text"`
	ConversationID string             `gorm:"index:idx_messages_conversation_created,priority:1;not null"`
	Role           string             `gorm:"type:text;check:role IN ('user', 'assistant');not null"`
	Content        string             `gorm:"type:text;not null"`
	CreatedAt      string             `gorm:"not null"`
	CreatedAtEpoch int64              `gorm:"index:idx_messages_conversation_created,priority:2;not null"`
	Metadata       models.MessageMeta `gorm:"type:text"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// PausedConversation is the single-slot paused pointer, one row per user.
type PausedConversation struct {
	UserID         string `gorm:"primaryKey;type:text"`
	ConversationID string `gorm:"not null"`
	LastTopic      sql.NullString
	PausedAt       string `gorm:"not null"`
	PausedAtEpoch  int64  `gorm:"not null"`
}

func (PausedConversation) TableName() string { return "paused_conversations" }

// BeforeCreate hook to ensure timestamps are set.
func (p *PausedConversation) BeforeCreate(tx *gorm.DB) error {
	if p.PausedAtEpoch == 0 {
		p.PausedAtEpoch = time.Now().UnixMilli()
	}
	if p.PausedAt == "" {
		p.PausedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Model converters

func toModelConversation(c *Conversation) *models.Conversation {
	return &models.Conversation{
		ID:                 c.ID,
		UserID:             c.UserID,
		Status:             models.ConversationStatus(c.Status),
		StartedAt:          c.StartedAt,
		StartedAtEpoch:     c.StartedAtEpoch,
		CompletedAt:        c.CompletedAt,
		CompletedAtEpoch:   c.CompletedAtEpoch,
		DurationMinutes:    c.DurationMinutes,
		MaxDurationMinutes: c.MaxDurationMinutes,
		SessionData:        c.SessionData,
		Summary:            c.Summary,
		KeyInsights:        c.KeyInsights,
		OceanSignals:       c.OceanSignals,
		Recommendations:    c.Recommendations,
	}
}

func fromModelConversation(c *models.Conversation) *Conversation {
	return &Conversation{
		ID:                 c.ID,
		UserID:             c.UserID,
		Status:             string(c.Status),
		StartedAt:          c.StartedAt,
		StartedAtEpoch:     c.StartedAtEpoch,
		CompletedAt:        c.CompletedAt,
		CompletedAtEpoch:   c.CompletedAtEpoch,
		DurationMinutes:    c.DurationMinutes,
		MaxDurationMinutes: c.MaxDurationMinutes,
		SessionData:        c.SessionData,
		Summary:            c.Summary,
		KeyInsights:        c.KeyInsights,
		OceanSignals:       c.OceanSignals,
		Recommendations:    c.Recommendations,
	}
}

func toModelMessage(m *Message) *models.Message {
	return &models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           models.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		CreatedAtEpoch: m.CreatedAtEpoch,
		Metadata:       m.Metadata,
	}
}

func fromModelMessage(m *models.Message) *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		CreatedAtEpoch: m.CreatedAtEpoch,
		Metadata:       m.Metadata,
	}
}

func toModelPaused(p *PausedConversation) *models.PausedConversation {
	return &models.PausedConversation{
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		LastTopic:      p.LastTopic,
		PausedAt:       p.PausedAt,
		PausedAtEpoch:  p.PausedAtEpoch,
	}
}

func fromModelPaused(p *models.PausedConversation) *PausedConversation {
	return &PausedConversation{
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		LastTopic:      p.LastTopic,
		PausedAt:       p.PausedAt,
		PausedAtEpoch:  p.PausedAtEpoch,
	}
}
