// Package models contains domain models for solace.
package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message sources, recorded in metadata for diagnostics.
const (
	MessageSourceOptimistic = "optimistic"
	MessageSourceRealtime   = "realtime"
	MessageSourcePoll       = "poll"
)

// Message is one chat message belonging to a conversation. IDs are
// client-generated for optimistic local messages and server-generated for
// rows arriving via the change feed; identity is unique per conversation.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	Role           MessageRole `db:"role" json:"role"`
	Content        string      `db:"content" json:"content"`
	CreatedAt      string      `db:"created_at" json:"created_at"`
	CreatedAtEpoch int64       `db:"created_at_epoch" json:"created_at_epoch"`
	Metadata       MessageMeta `db:"metadata" json:"metadata,omitempty"`
}

// NewUserMessage creates an optimistic local user message.
func NewUserMessage(conversationID, content string) *Message {
	return newMessage(conversationID, MessageRoleUser, content)
}

// NewAssistantMessage creates an assistant message authored by this service.
func NewAssistantMessage(conversationID, content string) *Message {
	return newMessage(conversationID, MessageRoleAssistant, content)
}

func newMessage(conversationID string, role MessageRole, content string) *Message {
	now := time.Now()
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedAtEpoch: now.UnixMilli(),
	}
}

// IsAssistant reports whether the message was authored by the assistant.
func (m *Message) IsAssistant() bool {
	return m.Role == MessageRoleAssistant
}
