// Package session owns the canonical conversation and message state for
// every user and mediates all lifecycle transitions. One Manager runs per
// process; the relay forwarders, fallback pollers, and the idle monitor
// communicate with it through its event channel instead of mutating shared
// state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solace-ai/solace/internal/assistant"
	"github.com/solace-ai/solace/internal/config"
	"github.com/solace-ai/solace/internal/feed"
	"github.com/solace-ai/solace/internal/metrics"
	"github.com/solace-ai/solace/internal/relay"
	"github.com/solace-ai/solace/internal/voice"
	"github.com/solace-ai/solace/internal/worker/sse"
	"github.com/solace-ai/solace/pkg/models"
)

// Sentinel errors for illegal operations. The API layer maps these onto
// HTTP status codes.
var (
	ErrNoActiveSession     = errors.New("no active session")
	ErrNotPaused           = errors.New("session is not paused")
	ErrAlreadyActive       = errors.New("session is already active")
	ErrMinimumEngagement   = errors.New("minimum engagement not met")
	ErrEmptyMessage        = errors.New("message content is empty")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrTerminalState       = errors.New("conversation is in a terminal state")
)

// EngagementError reports how far a user is from the completion gate.
type EngagementError struct {
	Sent     int
	Required int
}

func (e *EngagementError) Error() string {
	return fmt.Sprintf("minimum engagement not met: %d of %d user messages", e.Sent, e.Required)
}

// Is makes errors.Is(err, ErrMinimumEngagement) hold.
func (e *EngagementError) Is(target error) bool {
	return target == ErrMinimumEngagement
}

// ConversationStore is the conversation persistence contract, satisfied by
// the gorm store.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetUserConversation(ctx context.Context, id, userID string) (*models.Conversation, error)
	GetCurrentConversation(ctx context.Context, userID string) (*models.Conversation, error)
	MarkPaused(ctx context.Context, id string, data models.SessionData, durationMinutes int64) error
	MarkResumed(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, data models.SessionData, durationMinutes int64) error
	MarkTerminated(ctx context.Context, id string) error
	SaveInsights(ctx context.Context, id string, insights *models.SessionInsights) error
}

// MessageStore is the message persistence contract.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	CountUserMessages(ctx context.Context, conversationID string) (int64, error)
}

// PausedStore is the single-slot paused-record contract.
type PausedStore interface {
	UpsertPaused(ctx context.Context, paused *models.PausedConversation) error
	GetPaused(ctx context.Context, userID string) (*models.PausedConversation, error)
	DeletePaused(ctx context.Context, userID string) error
}

// AssistantClient invokes the language-model collaborator. The reply comes
// back through the messages API and the change feed, never synchronously.
type AssistantClient interface {
	Invoke(ctx context.Context, req assistant.Request) error
}

// AnalysisClient derives insights for a completed conversation.
type AnalysisClient interface {
	Analyze(ctx context.Context, conversationID, userID string, messages []*models.Message) (*models.SessionInsights, error)
}

// TeamGraph projects completed sessions into the manager-facing team view.
type TeamGraph interface {
	RecordCompletion(conv *models.Conversation, insights *models.SessionInsights) error
}

// Notifier publishes named SSE events to a user's connected clients.
type Notifier interface {
	Publish(userID, event string, data interface{})
}

// View is the read-only session shape handed to the API layer.
type View struct {
	Conversation     *models.Conversation `json:"conversation,omitempty"`
	Messages         []*models.Message    `json:"messages"`
	HasActiveSession bool                 `json:"has_active_session"`
	IsPaused         bool                 `json:"is_paused"`
	IsWaitingForAI   bool                 `json:"is_waiting_for_ai"`
}

// ActiveSession is one user's in-memory session state. All access goes
// through the manager's mutex; the relay and its forwarder goroutine live
// for the whole session including paused stretches.
type ActiveSession struct {
	UserID         string
	Conversation   *models.Conversation
	Messages       []*models.Message
	IsWaitingForAI bool
	LastActivityAt time.Time

	seen   map[string]struct{}
	relay  *relay.Relay
	ctx    context.Context
	cancel context.CancelFunc
}

// MonitorSnapshot is the read-only per-session view the idle monitor
// sweeps every tick.
type MonitorSnapshot struct {
	UserID             string
	ConversationID     string
	Status             models.ConversationStatus
	StartedAtEpoch     int64
	LastActivityAt     time.Time
	MaxDurationMinutes int
}

// ManagerConfig wires the manager's stores and collaborators. Assistant,
// Analysis, Team, Voice, and Notifier may be nil to disable their feature;
// the stores, feed, and snapshots are required.
type ManagerConfig struct {
	Conversations ConversationStore
	Messages      MessageStore
	Paused        PausedStore
	Feed          feed.Feed
	Snapshots     *SnapshotCache
	Assistant     AssistantClient
	Analysis      AnalysisClient
	Team          TeamGraph
	Voice         *voice.Registry
	Notifier      Notifier
	Settings      *config.Config
}

const eventBuffer = 256

// Manager is the session state controller.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ActiveSession
	events   chan Event

	conversations ConversationStore
	messages      MessageStore
	paused        PausedStore
	feed          feed.Feed
	snapshots     *SnapshotCache
	assistant     AssistantClient
	analysis      AnalysisClient
	team          TeamGraph
	voice         *voice.Registry
	notifier      Notifier
	settings      *config.Config

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closeOnce  sync.Once
}

// NewManager creates the controller. Call Run to start consuming events and
// Close on shutdown.
func NewManager(cfg ManagerConfig) *Manager {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:      make(map[string]*ActiveSession),
		events:        make(chan Event, eventBuffer),
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		paused:        cfg.Paused,
		feed:          cfg.Feed,
		snapshots:     cfg.Snapshots,
		assistant:     cfg.Assistant,
		analysis:      cfg.Analysis,
		team:          cfg.Team,
		voice:         cfg.Voice,
		notifier:      cfg.Notifier,
		settings:      settings,
		baseCtx:       ctx,
		baseCancel:    cancel,
	}
}

// Run consumes the event loop until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

// Request enqueues an event without blocking. The monitor uses this so a
// full channel can never stall its tick; a dropped request is retried on
// the next sweep.
func (m *Manager) Request(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		log.Warn().
			Str("type", string(ev.Type)).
			Str("userId", ev.UserID).
			Msg("Event channel full, dropping request")
		return false
	}
}

func (m *Manager) handleEvent(ev Event) {
	switch ev.Type {
	case EventMessageReceived:
		m.AddMessageToSession(ev.UserID, ev.Message)
	case EventPollExhausted:
		m.clearWaiting(ev.UserID, ev.ConversationID)
	case EventPauseRequested:
		m.requestIdlePause(ev)
	case EventCompleteRequested:
		m.requestForcedComplete(ev)
	}
}

// clearWaiting ends the waiting-for-assistant state after an exhausted poll
// window. Stale reports (session gone, conversation switched, reply already
// arrived) are no-ops.
func (m *Manager) clearWaiting(userID, conversationID string) {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.Conversation.ID != conversationID || !sess.IsWaitingForAI {
		m.mu.Unlock()
		return
	}
	sess.IsWaitingForAI = false
	m.writeSnapshotLocked(sess)
	m.mu.Unlock()

	metrics.FallbackPolls.Add(m.baseCtx, 1)
	log.Debug().Str("conversationId", conversationID).Msg("Fallback polls exhausted, inviting user to continue")
	m.notify(userID, sse.EventAssistantQuiet, map[string]string{"conversation_id": conversationID})
}

// requestIdlePause re-validates a monitor pause request under the lock; the
// user may have sent a message between the tick and now.
func (m *Manager) requestIdlePause(ev Event) {
	m.mu.Lock()
	sess := m.sessions[ev.UserID]
	if sess == nil || sess.Conversation.ID != ev.ConversationID || !sess.Conversation.IsActive() ||
		time.Since(sess.LastActivityAt) < m.settings.IdleTimeout() {
		m.mu.Unlock()
		return
	}
	emits, err := m.pauseLocked(m.baseCtx, sess, ReasonIdle)
	m.mu.Unlock()
	m.emit(emits)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", ev.ConversationID).Msg("Idle pause failed")
	}
}

// requestForcedComplete re-validates a monitor completion request under the
// lock before forcing the transition.
func (m *Manager) requestForcedComplete(ev Event) {
	m.mu.Lock()
	sess := m.sessions[ev.UserID]
	if sess == nil || sess.Conversation.ID != ev.ConversationID || sess.Conversation.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	maxDuration := time.Duration(sess.Conversation.MaxDurationMinutes) * time.Minute
	if maxDuration <= 0 {
		maxDuration = m.settings.MaxDuration()
	}
	if time.Since(time.UnixMilli(sess.Conversation.StartedAtEpoch)) < maxDuration {
		m.mu.Unlock()
		return
	}
	emits, err := m.completeLocked(m.baseCtx, sess, true)
	m.mu.Unlock()
	m.emit(emits)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", ev.ConversationID).Msg("Forced completion failed")
	}
}

// CurrentSession returns the user's session view, rehydrating from the
// snapshot cache or the store for users not in memory. Terminal or missing
// conversations yield an empty view, not an error.
func (m *Manager) CurrentSession(ctx context.Context, userID string) (*View, error) {
	m.mu.Lock()
	if sess := m.sessions[userID]; sess != nil {
		view := m.viewLocked(sess)
		m.mu.Unlock()
		return view, nil
	}

	sess, err := m.restoreLocked(ctx, userID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if sess == nil {
		m.mu.Unlock()
		return &View{Messages: []*models.Message{}}, nil
	}
	if sess.Conversation.IsActive() {
		m.openRelayLocked(sess, m.knownIDsLocked(sess))
	}
	m.writeSnapshotLocked(sess)
	view := m.viewLocked(sess)
	m.mu.Unlock()

	log.Info().
		Str("userId", userID).
		Str("conversationId", view.Conversation.ID).
		Msg("Session rehydrated")
	return view, nil
}

// ResumeSession rehydrates a known conversation into memory, reopening the
// relay when it is active. Read-path operation: never changes status.
func (m *Manager) ResumeSession(ctx context.Context, userID, conversationID string) (*View, error) {
	m.mu.Lock()
	if sess := m.sessions[userID]; sess != nil {
		if sess.Conversation.ID == conversationID {
			view := m.viewLocked(sess)
			m.mu.Unlock()
			return view, nil
		}
		m.teardownLocked(sess)
	}

	sess, err := m.rehydrateLocked(ctx, userID, conversationID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if sess.Conversation.IsActive() {
		m.openRelayLocked(sess, m.knownIDsLocked(sess))
	}
	m.writeSnapshotLocked(sess)
	view := m.viewLocked(sess)
	m.mu.Unlock()
	return view, nil
}

// SessionMessages returns the ordered message list, from memory when live
// and from the store otherwise.
func (m *Manager) SessionMessages(ctx context.Context, userID, conversationID string) ([]*models.Message, error) {
	m.mu.Lock()
	if sess := m.sessions[userID]; sess != nil && sess.Conversation.ID == conversationID {
		msgs := make([]*models.Message, len(sess.Messages))
		copy(msgs, sess.Messages)
		m.mu.Unlock()
		return msgs, nil
	}
	m.mu.Unlock()

	conv, err := m.conversations.GetUserConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrUnknownConversation
	}
	return m.messages.ListMessages(ctx, conversationID)
}

// SessionInsights returns the stored analysis output for a conversation,
// or nil when analysis has not produced any.
func (m *Manager) SessionInsights(ctx context.Context, userID, conversationID string) (*models.SessionInsights, error) {
	conv, err := m.conversations.GetUserConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrUnknownConversation
	}
	return models.InsightsFromConversation(conv), nil
}

// UpdateActivity records now as the user's last activity. Consumed by the
// idle monitor; never mutates conversation status.
func (m *Manager) UpdateActivity(userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[userID]
	if sess == nil {
		return ErrNoActiveSession
	}
	if sess.Conversation.ID != conversationID {
		return ErrUnknownConversation
	}
	sess.LastActivityAt = time.Now()
	return nil
}

// MonitorSnapshots returns the per-session state the monitor sweeps.
func (m *Manager) MonitorSnapshots() []MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]MonitorSnapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snaps = append(snaps, MonitorSnapshot{
			UserID:             sess.UserID,
			ConversationID:     sess.Conversation.ID,
			Status:             sess.Conversation.Status,
			StartedAtEpoch:     sess.Conversation.StartedAtEpoch,
			LastActivityAt:     sess.LastActivityAt,
			MaxDurationMinutes: sess.Conversation.MaxDurationMinutes,
		})
	}
	return snaps
}

// SessionCounts reports in-memory sessions by state for the status
// endpoint.
func (m *Manager) SessionCounts() (active, paused int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		switch sess.Conversation.Status {
		case models.ConversationStatusActive:
			active++
		case models.ConversationStatusPaused:
			paused++
		}
	}
	return active, paused
}

// HealSnapshot rewrites a user's snapshot file if they hold a live
// in-memory session.
func (m *Manager) HealSnapshot(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[userID]
	if sess == nil {
		return false
	}
	m.writeSnapshotLocked(sess)
	return true
}

// HealSnapshotFile resolves a snapshot file stem back to its live session
// and rewrites the file. Used by the snapshot watcher after external
// deletes; stems of users without a session report false.
func (m *Manager) HealSnapshotFile(stem string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sanitizeUserID(sess.UserID) == stem {
			m.writeSnapshotLocked(sess)
			return true
		}
	}
	return false
}

// Close persists every in-memory session's last state and stops all session
// goroutines. Idempotent; called once at shutdown.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for _, sess := range m.sessions {
			m.writeSnapshotLocked(sess)
			sess.cancel()
			sess.relay.Close()
		}
		m.sessions = make(map[string]*ActiveSession)
		m.mu.Unlock()
		m.baseCancel()
	})
}

// newSessionLocked builds the in-memory state, registers it, and starts the
// relay forwarder. The relay subscription itself is opened separately.
func (m *Manager) newSessionLocked(userID string, conv *models.Conversation, msgs []*models.Message) *ActiveSession {
	ctx, cancel := context.WithCancel(m.baseCtx)
	sess := &ActiveSession{
		UserID:         userID,
		Conversation:   conv,
		Messages:       make([]*models.Message, 0, len(msgs)+8),
		LastActivityAt: time.Now(),
		seen:           make(map[string]struct{}, len(msgs)),
		relay: relay.New(m.feed, m.messages, relay.Config{
			PollAttempts: m.settings.PollAttempts,
			PollInterval: m.settings.PollInterval(),
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, msg := range msgs {
		sess.Messages = append(sess.Messages, msg)
		sess.seen[msg.ID] = struct{}{}
	}
	m.sessions[userID] = sess
	go m.forward(sess)
	return sess
}

// forward pumps relay deliveries into the event loop. It exits when the
// relay closes its output or the session context ends.
func (m *Manager) forward(sess *ActiveSession) {
	for {
		select {
		case msg, ok := <-sess.relay.Messages():
			if !ok {
				return
			}
			select {
			case m.events <- Event{
				Type:           EventMessageReceived,
				UserID:         sess.UserID,
				ConversationID: msg.ConversationID,
				Message:        msg,
			}:
			case <-sess.ctx.Done():
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

func (m *Manager) openRelayLocked(sess *ActiveSession, knownIDs []string) {
	if err := sess.relay.Switch(sess.ctx, sess.Conversation.ID, knownIDs); err != nil {
		log.Warn().
			Err(err).
			Str("conversationId", sess.Conversation.ID).
			Msg("Realtime subscription unavailable, relying on fallback polls")
	}
}

// teardownLocked cancels the session's goroutines and drops it from the
// map. Store state is untouched.
func (m *Manager) teardownLocked(sess *ActiveSession) {
	sess.cancel()
	sess.relay.Close()
	delete(m.sessions, sess.UserID)
}

// rehydrateLocked rebuilds in-memory state from the store. Terminal
// conversations are refused.
func (m *Manager) rehydrateLocked(ctx context.Context, userID, conversationID string) (*ActiveSession, error) {
	conv, err := m.conversations.GetUserConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrUnknownConversation
	}
	if conv.Status.IsTerminal() {
		return nil, ErrTerminalState
	}
	msgs, err := m.messages.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return m.newSessionLocked(userID, conv, msgs), nil
}

// restoreLocked rebuilds a live session from the snapshot cache, falling
// back to the store. Returns (nil, nil) when the user has no live session.
func (m *Manager) restoreLocked(ctx context.Context, userID string) (*ActiveSession, error) {
	if m.snapshots == nil {
		return m.restoreFromStoreLocked(ctx, userID)
	}
	snap, err := m.snapshots.Read(userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Snapshot unreadable, falling back to store")
	}
	if snap == nil || snap.Conversation == nil {
		return m.restoreFromStoreLocked(ctx, userID)
	}

	// The store row wins when it disagrees with the cache.
	conv, err := m.conversations.GetConversation(ctx, snap.Conversation.ID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("conversationId", snap.Conversation.ID).
			Msg("Store unreachable, serving snapshot state")
		conv = snap.Conversation
	} else if conv == nil || conv.Status != snap.Conversation.Status {
		return m.restoreFromStoreLocked(ctx, userID)
	}

	if conv.Status.IsTerminal() {
		if err := m.snapshots.Clear(userID); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Failed to clear stale snapshot")
		}
		return nil, nil
	}
	return m.newSessionLocked(userID, conv, snap.Messages), nil
}

func (m *Manager) restoreFromStoreLocked(ctx context.Context, userID string) (*ActiveSession, error) {
	conv, err := m.conversations.GetCurrentConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load current conversation: %w", err)
	}
	if conv == nil {
		return nil, nil
	}
	msgs, err := m.messages.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return m.newSessionLocked(userID, conv, msgs), nil
}

func (m *Manager) viewLocked(sess *ActiveSession) *View {
	conv := *sess.Conversation
	msgs := make([]*models.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return &View{
		Conversation:     &conv,
		Messages:         msgs,
		HasActiveSession: conv.HasActiveSession(),
		IsPaused:         conv.IsPaused(),
		IsWaitingForAI:   sess.IsWaitingForAI,
	}
}

func (m *Manager) knownIDsLocked(sess *ActiveSession) []string {
	ids := make([]string, 0, len(sess.seen))
	for id := range sess.seen {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) writeSnapshotLocked(sess *ActiveSession) {
	if m.snapshots == nil {
		return
	}
	conv := *sess.Conversation
	msgs := make([]*models.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	snap := &Snapshot{
		Conversation: &conv,
		Messages:     msgs,
		IsPaused:     conv.IsPaused(),
	}
	if err := m.snapshots.Write(sess.UserID, snap); err != nil {
		log.Warn().Err(err).Str("userId", sess.UserID).Msg("Snapshot write failed")
	}
}

// pendingEvent is an SSE emission collected under the lock and published
// after it is released, so slow clients never stall state transitions.
type pendingEvent struct {
	userID string
	name   string
	data   interface{}
}

func (m *Manager) emit(events []pendingEvent) {
	for _, ev := range events {
		m.notify(ev.userID, ev.name, ev.data)
	}
}

func (m *Manager) notify(userID, event string, data interface{}) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(userID, event, data)
}

// insertOrdered keeps the list sorted by creation time (id as tie-break)
// regardless of push vs poll vs optimistic arrival order.
func insertOrdered(list []*models.Message, msg *models.Message) []*models.Message {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].CreatedAtEpoch != msg.CreatedAtEpoch {
			return list[i].CreatedAtEpoch > msg.CreatedAtEpoch
		}
		return list[i].ID > msg.ID
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}

func userMessageCount(messages []*models.Message) int {
	count := 0
	for _, msg := range messages {
		if msg.Role == models.MessageRoleUser {
			count++
		}
	}
	return count
}
