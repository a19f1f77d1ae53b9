package session

import "github.com/solace-ai/solace/pkg/models"

// EventType identifies an event on the manager's loop.
type EventType string

const (
	// EventMessageReceived carries a relay-delivered message row.
	EventMessageReceived EventType = "message-received"
	// EventPollExhausted reports a fallback poll window that ended without
	// the awaited assistant reply.
	EventPollExhausted EventType = "poll-exhausted"
	// EventPauseRequested is the monitor asking for an idle pause.
	EventPauseRequested EventType = "pause-requested"
	// EventCompleteRequested is the monitor asking for a forced completion.
	EventCompleteRequested EventType = "complete-requested"
)

// Transition reasons recorded on session data and SSE payloads.
const (
	ReasonUser        = "user"
	ReasonIdle        = "idle-timeout"
	ReasonMaxDuration = "max-duration"
)

// Event is one unit of work for Manager.Run. The relay forwarders, fallback
// pollers, and the monitor all communicate through these instead of calling
// into session state directly.
type Event struct {
	Type           EventType
	UserID         string
	ConversationID string
	Reason         string
	Message        *models.Message
}
