// Package models contains domain models for solace.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONStringArray is a []string stored as a JSON text column.
type JSONStringArray []string

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, fmt.Errorf("marshal string array: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan string array: %w", err)
	}
	return json.Unmarshal(b, (*[]string)(a))
}

// SessionData is the closed pause/completion context payload stored on a
// conversation. It replaces the open-ended metadata bag of earlier builds:
// every field the resume flow needs is named here.
type SessionData struct {
	LastTopic        string   `json:"last_topic,omitempty"`
	PausedAt         string   `json:"paused_at,omitempty"`
	UserConcerns     []string `json:"user_concerns,omitempty"`
	MessageCount     int      `json:"message_count,omitempty"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	CompletionReason string   `json:"completion_reason,omitempty"`
}

// IsZero reports whether no context has been captured yet.
func (d SessionData) IsZero() bool {
	return d.LastTopic == "" && d.PausedAt == "" && len(d.UserConcerns) == 0 &&
		d.MessageCount == 0 && d.CompletedAt == "" && d.CompletionReason == ""
}

// Value implements driver.Valuer.
func (d SessionData) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *SessionData) Scan(value interface{}) error {
	if value == nil {
		*d = SessionData{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan session data: %w", err)
	}
	return json.Unmarshal(b, d)
}

// MessageMeta is the closed per-message metadata payload.
type MessageMeta struct {
	IsResumeMessage bool   `json:"is_resume_message,omitempty"`
	Source          string `json:"source,omitempty"`
}

// IsZero reports whether the metadata carries nothing.
func (m MessageMeta) IsZero() bool {
	return !m.IsResumeMessage && m.Source == ""
}

// Value implements driver.Valuer.
func (m MessageMeta) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *MessageMeta) Scan(value interface{}) error {
	if value == nil {
		*m = MessageMeta{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan message metadata: %w", err)
	}
	return json.Unmarshal(b, m)
}

// OceanScores is a Big-Five personality score set on a 0-1 scale, derived by
// the analysis service after a session completes.
type OceanScores struct {
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
}

// IsZero reports whether no scores have been recorded.
func (o OceanScores) IsZero() bool {
	return o == OceanScores{}
}

// Value implements driver.Valuer.
func (o OceanScores) Value() (driver.Value, error) {
	if o.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal ocean scores: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (o *OceanScores) Scan(value interface{}) error {
	if value == nil {
		*o = OceanScores{}
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan ocean scores: %w", err)
	}
	return json.Unmarshal(b, o)
}

// jsonBytes normalizes a scanned column value to raw JSON bytes.
func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
