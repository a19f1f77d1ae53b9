// Package models contains domain models for solace.
package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus represents the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive     ConversationStatus = "active"
	ConversationStatusPaused     ConversationStatus = "paused"
	ConversationStatusCompleted  ConversationStatus = "completed"
	ConversationStatusTerminated ConversationStatus = "terminated"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationStatusCompleted || s == ConversationStatusTerminated
}

// Conversation represents one therapy/coaching chat session between a user
// and the assistant. The remote store holds the durable copy; the snapshot
// cache is a reload convenience.
type Conversation struct {
	ID                 string             `db:"id"`
	UserID             string             `db:"user_id"`
	Status             ConversationStatus `db:"status"`
	StartedAt          string             `db:"started_at"`
	StartedAtEpoch     int64              `db:"started_at_epoch"`
	CompletedAt        sql.NullString     `db:"completed_at"`
	CompletedAtEpoch   sql.NullInt64      `db:"completed_at_epoch"`
	DurationMinutes    sql.NullInt64      `db:"duration_minutes"`
	MaxDurationMinutes int                `db:"max_duration_minutes"`
	SessionData        SessionData        `db:"session_data"`
	Summary            sql.NullString     `db:"summary"`
	KeyInsights        JSONStringArray    `db:"key_insights"`
	OceanSignals       OceanScores        `db:"ocean_signals"`
	Recommendations    JSONStringArray    `db:"recommendations"`
}

// NewConversation creates a fresh active conversation for a user.
func NewConversation(userID string, maxDurationMinutes int) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Status:             ConversationStatusActive,
		StartedAt:          now.Format(time.RFC3339),
		StartedAtEpoch:     now.UnixMilli(),
		MaxDurationMinutes: maxDurationMinutes,
	}
}

// IsActive reports whether the conversation accepts messages.
func (c *Conversation) IsActive() bool {
	return c != nil && c.Status == ConversationStatusActive
}

// IsPaused reports whether the conversation is paused.
func (c *Conversation) IsPaused() bool {
	return c != nil && c.Status == ConversationStatusPaused
}

// HasActiveSession reports whether the conversation counts as a live session
// (active or paused, not yet terminal).
func (c *Conversation) HasActiveSession() bool {
	return c != nil && (c.Status == ConversationStatusActive || c.Status == ConversationStatusPaused)
}

// ConversationJSON is a JSON-friendly representation of Conversation.
// It converts sql.Null* fields to plain values for clean JSON output.
type ConversationJSON struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Status             ConversationStatus `json:"status"`
	StartedAt          string             `json:"started_at"`
	StartedAtEpoch     int64              `json:"started_at_epoch"`
	CompletedAt        string             `json:"completed_at,omitempty"`
	CompletedAtEpoch   int64              `json:"completed_at_epoch,omitempty"`
	DurationMinutes    int64              `json:"duration_minutes,omitempty"`
	MaxDurationMinutes int                `json:"max_duration_minutes"`
	SessionData        *SessionData       `json:"session_data,omitempty"`
	Summary            string             `json:"summary,omitempty"`
	KeyInsights        []string           `json:"key_insights,omitempty"`
	OceanSignals       *OceanScores       `json:"ocean_signals,omitempty"`
	Recommendations    []string           `json:"recommendations,omitempty"`
}

// MarshalJSON implements json.Marshaler for Conversation.
// Converts sql.Null* fields to plain values.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	j := ConversationJSON{
		ID:                 c.ID,
		UserID:             c.UserID,
		Status:             c.Status,
		StartedAt:          c.StartedAt,
		StartedAtEpoch:     c.StartedAtEpoch,
		MaxDurationMinutes: c.MaxDurationMinutes,
		KeyInsights:        c.KeyInsights,
		Recommendations:    c.Recommendations,
	}
	if c.CompletedAt.Valid {
		j.CompletedAt = c.CompletedAt.String
	}
	if c.CompletedAtEpoch.Valid {
		j.CompletedAtEpoch = c.CompletedAtEpoch.Int64
	}
	if c.DurationMinutes.Valid {
		j.DurationMinutes = c.DurationMinutes.Int64
	}
	if !c.SessionData.IsZero() {
		data := c.SessionData
		j.SessionData = &data
	}
	if c.Summary.Valid {
		j.Summary = c.Summary.String
	}
	if !c.OceanSignals.IsZero() {
		ocean := c.OceanSignals
		j.OceanSignals = &ocean
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler for Conversation, accepting the
// flattened form MarshalJSON produces.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var j ConversationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*c = Conversation{
		ID:                 j.ID,
		UserID:             j.UserID,
		Status:             j.Status,
		StartedAt:          j.StartedAt,
		StartedAtEpoch:     j.StartedAtEpoch,
		CompletedAt:        sql.NullString{String: j.CompletedAt, Valid: j.CompletedAt != ""},
		CompletedAtEpoch:   sql.NullInt64{Int64: j.CompletedAtEpoch, Valid: j.CompletedAtEpoch != 0},
		DurationMinutes:    sql.NullInt64{Int64: j.DurationMinutes, Valid: j.DurationMinutes != 0},
		MaxDurationMinutes: j.MaxDurationMinutes,
		Summary:            sql.NullString{String: j.Summary, Valid: j.Summary != ""},
		KeyInsights:        JSONStringArray(j.KeyInsights),
		Recommendations:    JSONStringArray(j.Recommendations),
	}
	if j.SessionData != nil {
		c.SessionData = *j.SessionData
	}
	if j.OceanSignals != nil {
		c.OceanSignals = *j.OceanSignals
	}
	return nil
}

// DurationMinutesBetween computes the session duration in whole minutes,
// rounding any partial minute up.
func DurationMinutesBetween(startEpoch, endEpoch int64) int64 {
	elapsed := endEpoch - startEpoch
	if elapsed <= 0 {
		return 0
	}
	return (elapsed + 59999) / 60000
}
