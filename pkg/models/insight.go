// Package models contains domain models for solace.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SessionInsights is the analysis result for one completed conversation.
type SessionInsights struct {
	ConversationID   string          `db:"conversation_id" json:"conversation_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	Summary          sql.NullString  `db:"summary" json:"summary,omitempty"`
	KeyInsights      JSONStringArray `db:"key_insights" json:"key_insights,omitempty"`
	Ocean            OceanScores     `db:"ocean" json:"ocean"`
	Recommendations  JSONStringArray `db:"recommendations" json:"recommendations,omitempty"`
	GeneratedAt      string          `db:"generated_at" json:"generated_at"`
	GeneratedAtEpoch int64           `db:"generated_at_epoch" json:"generated_at_epoch"`
}

// NewSessionInsights creates an insights record stamped with the current time.
func NewSessionInsights(conversationID, userID string) *SessionInsights {
	now := time.Now()
	return &SessionInsights{
		ConversationID:   conversationID,
		UserID:           userID,
		GeneratedAt:      now.Format(time.RFC3339),
		GeneratedAtEpoch: now.UnixMilli(),
	}
}

// InsightsFromConversation rebuilds the stored insights from a conversation
// row. Returns nil when the conversation has no analysis output yet.
func InsightsFromConversation(c *Conversation) *SessionInsights {
	if c == nil {
		return nil
	}
	if !c.Summary.Valid && len(c.KeyInsights) == 0 && c.OceanSignals.IsZero() && len(c.Recommendations) == 0 {
		return nil
	}
	insights := &SessionInsights{
		ConversationID:  c.ID,
		UserID:          c.UserID,
		Summary:         c.Summary,
		KeyInsights:     c.KeyInsights,
		Ocean:           c.OceanSignals,
		Recommendations: c.Recommendations,
	}
	if c.CompletedAt.Valid {
		insights.GeneratedAt = c.CompletedAt.String
	}
	if c.CompletedAtEpoch.Valid {
		insights.GeneratedAtEpoch = c.CompletedAtEpoch.Int64
	}
	return insights
}

// SessionInsightsJSON is a JSON-friendly representation of SessionInsights.
// It converts sql.NullString to plain strings for clean JSON output.
type SessionInsightsJSON struct {
	ConversationID   string      `json:"conversation_id"`
	UserID           string      `json:"user_id"`
	Summary          string      `json:"summary,omitempty"`
	KeyInsights      []string    `json:"key_insights,omitempty"`
	Ocean            OceanScores `json:"ocean"`
	Recommendations  []string    `json:"recommendations,omitempty"`
	GeneratedAt      string      `json:"generated_at"`
	GeneratedAtEpoch int64       `json:"generated_at_epoch"`
}

// MarshalJSON implements json.Marshaler for SessionInsights.
// Converts sql.NullString fields to plain strings.
func (s *SessionInsights) MarshalJSON() ([]byte, error) {
	j := SessionInsightsJSON{
		ConversationID:   s.ConversationID,
		UserID:           s.UserID,
		KeyInsights:      s.KeyInsights,
		Ocean:            s.Ocean,
		Recommendations:  s.Recommendations,
		GeneratedAt:      s.GeneratedAt,
		GeneratedAtEpoch: s.GeneratedAtEpoch,
	}
	if s.Summary.Valid {
		j.Summary = s.Summary.String
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler for SessionInsights, accepting
// the flattened form MarshalJSON produces.
func (s *SessionInsights) UnmarshalJSON(data []byte) error {
	var j SessionInsightsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*s = SessionInsights{
		ConversationID:   j.ConversationID,
		UserID:           j.UserID,
		Summary:          sql.NullString{String: j.Summary, Valid: j.Summary != ""},
		KeyInsights:      JSONStringArray(j.KeyInsights),
		Ocean:            j.Ocean,
		Recommendations:  JSONStringArray(j.Recommendations),
		GeneratedAt:      j.GeneratedAt,
		GeneratedAtEpoch: j.GeneratedAtEpoch,
	}
	return nil
}
