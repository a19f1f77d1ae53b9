package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solace-ai/solace/internal/analysis"
	"github.com/solace-ai/solace/internal/assistant"
	"github.com/solace-ai/solace/internal/feed"
	"github.com/solace-ai/solace/internal/metrics"
	"github.com/solace-ai/solace/internal/worker/sse"
	"github.com/solace-ai/solace/pkg/models"
	"github.com/solace-ai/solace/pkg/similarity"
)

// StartNewSession creates an active conversation and makes it the user's
// current session. Any prior non-terminal session for the user is
// terminated first: its paused slot is cleared below, so nothing could
// ever resume it.
func (m *Manager) StartNewSession(ctx context.Context, userID string) (*View, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	m.mu.Lock()
	if prev := m.sessions[userID]; prev != nil {
		if !prev.Conversation.Status.IsTerminal() {
			if err := m.conversations.MarkTerminated(ctx, prev.Conversation.ID); err != nil {
				log.Warn().
					Err(err).
					Str("conversationId", prev.Conversation.ID).
					Msg("Failed to terminate replaced conversation")
			} else {
				metrics.SessionsTerminated.Add(ctx, 1)
			}
		}
		m.teardownLocked(prev)
	}

	conv := models.NewConversation(userID, m.settings.MaxDurationMinutes)
	if err := m.conversations.CreateConversation(ctx, conv); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := m.paused.DeletePaused(ctx, userID); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Failed to clear paused record")
	}

	sess := m.newSessionLocked(userID, conv, nil)
	sess.IsWaitingForAI = true
	m.openRelayLocked(sess, nil)
	m.writeSnapshotLocked(sess)
	view := m.viewLocked(sess)
	m.mu.Unlock()

	metrics.SessionsStarted.Add(ctx, 1)
	log.Info().Str("userId", userID).Str("conversationId", conv.ID).Msg("Session started")
	m.notify(userID, sse.EventSessionStarted, view.Conversation)

	m.invokeAssistant(sess, assistant.Request{
		ConversationID: conv.ID,
		UserID:         userID,
		IsFirstMessage: true,
	})
	m.schedulePoll(sess, conv.ID, conv.StartedAtEpoch)
	return view, nil
}

// SendMessage persists a user message, announces it on the change feed,
// and appends it optimistically so the sender never waits for the feed
// echo. The assistant is invoked asynchronously and a bounded poll window
// opens in case its reply is dropped by the feed.
func (m *Manager) SendMessage(ctx context.Context, userID, conversationID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if sess.Conversation.ID != conversationID {
		m.mu.Unlock()
		return nil, ErrUnknownConversation
	}
	if sess.Conversation.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, ErrTerminalState
	}
	if !sess.Conversation.IsActive() {
		m.mu.Unlock()
		return nil, ErrNotPaused
	}

	msg := models.NewUserMessage(conversationID, content)
	msg.Metadata.Source = models.MessageSourceOptimistic
	if err := m.messages.CreateMessage(ctx, msg); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist message: %w", err)
	}

	sess.LastActivityAt = time.Now()
	sess.IsWaitingForAI = true
	_, emits := m.appendLocked(sess, msg)
	m.mu.Unlock()

	m.publishFeed(ctx, msg)
	m.emit(emits)

	m.invokeAssistant(sess, assistant.Request{
		Message:        content,
		ConversationID: conversationID,
		UserID:         userID,
	})
	m.schedulePoll(sess, conversationID, msg.CreatedAtEpoch)
	return msg, nil
}

// AddAssistantMessage ingests a reply row authored by the assistant
// service: persist, announce on the feed, then append through the normal
// ingestion path. The feed echo deduplicates by id.
func (m *Manager) AddAssistantMessage(ctx context.Context, userID, conversationID, content string, meta models.MessageMeta) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if meta.Source == "" {
		meta.Source = models.MessageSourceRealtime
	}

	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.Conversation.ID != conversationID {
		m.mu.Unlock()
		return m.addAssistantDetached(ctx, userID, conversationID, content, meta)
	}

	msg := models.NewAssistantMessage(conversationID, content)
	msg.Metadata = meta
	if err := m.messages.CreateMessage(ctx, msg); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	_, emits := m.appendLocked(sess, msg)
	m.mu.Unlock()

	m.publishFeed(ctx, msg)
	m.emit(emits)
	return msg, nil
}

// addAssistantDetached handles a reply that lands after its session left
// memory. The row is still persisted and announced so a later rehydrate
// sees it; there is no in-memory state to update.
func (m *Manager) addAssistantDetached(ctx context.Context, userID, conversationID, content string, meta models.MessageMeta) (*models.Message, error) {
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

	msg := models.NewAssistantMessage(conversationID, content)
	msg.Metadata = meta
	if err := m.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	m.publishFeed(ctx, msg)
	log.Debug().Str("conversationId", conversationID).Msg("Late assistant message persisted for detached session")
	return msg, nil
}

// AddMessageToSession is the single in-memory ingestion point for
// optimistic sends, realtime deliveries, and poll recoveries. Returns true
// when the message was appended; duplicates and unknown sessions return
// false.
func (m *Manager) AddMessageToSession(userID string, msg *models.Message) bool {
	if msg == nil {
		return false
	}
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil || sess.Conversation.ID != msg.ConversationID {
		m.mu.Unlock()
		return false
	}
	appended, emits := m.appendLocked(sess, msg)
	m.mu.Unlock()
	m.emit(emits)
	return appended
}

// PauseSession suspends the user's active session. Pausing an already
// paused session succeeds without side effects so an explicit pause and
// the idle monitor can race safely.
func (m *Manager) PauseSession(ctx context.Context, userID, conversationID, reason string) error {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	if sess.Conversation.ID != conversationID {
		m.mu.Unlock()
		return ErrUnknownConversation
	}
	emits, err := m.pauseLocked(ctx, sess, reason)
	m.mu.Unlock()
	m.emit(emits)
	return err
}

func (m *Manager) pauseLocked(ctx context.Context, sess *ActiveSession, reason string) ([]pendingEvent, error) {
	conv := sess.Conversation
	if conv.IsPaused() {
		return nil, nil
	}
	if conv.Status.IsTerminal() {
		return nil, ErrTerminalState
	}

	if m.voice != nil {
		m.voice.StopAll(sess.UserID)
	}
	emits := []pendingEvent{{sess.UserID, sse.EventAudioStop, map[string]string{"conversation_id": conv.ID}}}

	now := time.Now()
	data := m.sessionDataLocked(sess)
	data.PausedAt = now.Format(time.RFC3339)
	duration := models.DurationMinutesBetween(conv.StartedAtEpoch, now.UnixMilli())

	pausedEvent := pendingEvent{sess.UserID, sse.EventSessionPaused, map[string]interface{}{
		"conversation_id": conv.ID,
		"reason":          reason,
		"last_topic":      data.LastTopic,
	}}

	if err := m.conversations.MarkPaused(ctx, conv.ID, data, duration); err != nil {
		// Local state stays last-known-good; the navigation event still
		// fires so the client is not stuck on a frozen session view.
		emits = append(emits, pausedEvent)
		return emits, fmt.Errorf("pause conversation: %w", err)
	}

	conv.Status = models.ConversationStatusPaused
	conv.SessionData = data
	conv.DurationMinutes = sql.NullInt64{Int64: duration, Valid: true}
	sess.IsWaitingForAI = false

	if err := m.paused.UpsertPaused(ctx, models.NewPausedConversation(sess.UserID, conv.ID, data.LastTopic)); err != nil {
		log.Warn().Err(err).Str("conversationId", conv.ID).Msg("Failed to upsert paused record")
	}

	sess.relay.Stop()
	m.writeSnapshotLocked(sess)

	metrics.SessionsPaused.Add(ctx, 1)
	log.Info().
		Str("userId", sess.UserID).
		Str("conversationId", conv.ID).
		Str("reason", reason).
		Msg("Session paused")
	return append(emits, pausedEvent), nil
}

// ResumePausedSession reactivates a paused conversation. The pause context
// captured at suspension time is handed to the assistant so its greeting
// can reference where the user left off.
func (m *Manager) ResumePausedSession(ctx context.Context, userID, conversationID string) (*View, error) {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil {
		var err error
		sess, err = m.rehydrateLocked(ctx, userID, conversationID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	if sess.Conversation.ID != conversationID {
		m.mu.Unlock()
		return nil, ErrUnknownConversation
	}
	conv := sess.Conversation
	if conv.IsActive() {
		m.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	if !conv.IsPaused() {
		m.mu.Unlock()
		if conv.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return nil, ErrNotPaused
	}

	if err := m.conversations.MarkResumed(ctx, conv.ID); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("resume conversation: %w", err)
	}

	pauseContext := conv.SessionData
	conv.Status = models.ConversationStatusActive
	conv.SessionData = models.SessionData{}
	sess.LastActivityAt = time.Now()
	sess.IsWaitingForAI = true

	if err := m.paused.DeletePaused(ctx, userID); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Failed to clear paused record")
	}
	m.openRelayLocked(sess, m.knownIDsLocked(sess))
	m.writeSnapshotLocked(sess)
	view := m.viewLocked(sess)
	m.mu.Unlock()

	metrics.SessionsResumed.Add(ctx, 1)
	log.Info().
		Str("userId", userID).
		Str("conversationId", conversationID).
		Str("lastTopic", pauseContext.LastTopic).
		Msg("Session resumed")
	m.notify(userID, sse.EventSessionStarted, view.Conversation)

	m.invokeAssistant(sess, assistant.Request{
		ConversationID: conversationID,
		UserID:         userID,
		SessionContext: &pauseContext,
	})
	m.schedulePoll(sess, conversationID, time.Now().UnixMilli())
	return view, nil
}

// CompleteSession ends a conversation for good. Explicit completions must
// clear the engagement gate; forced completions (max duration) skip the
// gate but analysis still requires it.
func (m *Manager) CompleteSession(ctx context.Context, userID, conversationID string, forced bool) error {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil {
		var err error
		sess, err = m.rehydrateLocked(ctx, userID, conversationID)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if sess.Conversation.ID != conversationID {
		m.mu.Unlock()
		return ErrUnknownConversation
	}
	emits, err := m.completeLocked(ctx, sess, forced)
	m.mu.Unlock()
	m.emit(emits)
	return err
}

func (m *Manager) completeLocked(ctx context.Context, sess *ActiveSession, forced bool) ([]pendingEvent, error) {
	conv := sess.Conversation
	if conv.Status.IsTerminal() {
		return nil, ErrTerminalState
	}

	sent := userMessageCount(sess.Messages)
	required := m.settings.MinUserMessages
	if !forced && sent < required {
		return nil, &EngagementError{Sent: sent, Required: required}
	}

	if m.voice != nil {
		m.voice.StopAll(sess.UserID)
	}
	emits := []pendingEvent{{sess.UserID, sse.EventAudioStop, map[string]string{"conversation_id": conv.ID}}}

	now := time.Now()
	reason := ReasonUser
	if forced {
		reason = ReasonMaxDuration
	}
	data := m.sessionDataLocked(sess)
	data.CompletedAt = now.Format(time.RFC3339)
	data.CompletionReason = reason
	duration := models.DurationMinutesBetween(conv.StartedAtEpoch, now.UnixMilli())

	completedEvent := pendingEvent{sess.UserID, sse.EventSessionCompleted, map[string]interface{}{
		"conversation_id":  conv.ID,
		"reason":           reason,
		"duration_minutes": duration,
	}}

	if err := m.conversations.MarkCompleted(ctx, conv.ID, data, duration); err != nil {
		emits = append(emits, completedEvent)
		return emits, fmt.Errorf("complete conversation: %w", err)
	}

	conv.Status = models.ConversationStatusCompleted
	conv.CompletedAt = sql.NullString{String: data.CompletedAt, Valid: true}
	conv.CompletedAtEpoch = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	conv.DurationMinutes = sql.NullInt64{Int64: duration, Valid: true}
	conv.SessionData = data

	if err := m.paused.DeletePaused(ctx, sess.UserID); err != nil {
		log.Warn().Err(err).Str("userId", sess.UserID).Msg("Failed to clear paused record")
	}
	if m.snapshots != nil {
		if err := m.snapshots.Clear(sess.UserID); err != nil {
			log.Warn().Err(err).Str("userId", sess.UserID).Msg("Failed to clear snapshot")
		}
	}

	metrics.SessionsCompleted.Add(ctx, 1)
	metrics.SessionDurationMinutes.Record(ctx, float64(duration))
	log.Info().
		Str("userId", sess.UserID).
		Str("conversationId", conv.ID).
		Str("reason", reason).
		Int("userMessages", sent).
		Int64("durationMinutes", duration).
		Msg("Session completed")

	// Analysis runs only past the engagement gate, on both paths.
	if sent >= required && m.analysis != nil {
		convCopy := *conv
		messages := make([]*models.Message, len(sess.Messages))
		copy(messages, sess.Messages)
		go m.runAnalysis(&convCopy, messages)
	}

	m.teardownLocked(sess)
	return append(emits, completedEvent), nil
}

// Terminate is the error-path transition: the user's non-terminal
// conversation moves to terminated and the session is torn down without
// analysis.
func (m *Manager) Terminate(ctx context.Context, userID string) error {
	m.mu.Lock()
	sess := m.sessions[userID]
	if sess == nil {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	conv := sess.Conversation
	if conv.Status.IsTerminal() {
		m.mu.Unlock()
		return ErrTerminalState
	}
	if err := m.conversations.MarkTerminated(ctx, conv.ID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("terminate conversation: %w", err)
	}
	conv.Status = models.ConversationStatusTerminated
	if err := m.paused.DeletePaused(ctx, userID); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Failed to clear paused record")
	}
	if m.snapshots != nil {
		if err := m.snapshots.Clear(userID); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("Failed to clear snapshot")
		}
	}
	m.teardownLocked(sess)
	m.mu.Unlock()

	metrics.SessionsTerminated.Add(ctx, 1)
	log.Info().Str("userId", userID).Str("conversationId", conv.ID).Msg("Session terminated")
	return nil
}

// appendLocked applies id and near-duplicate checks, inserts in order, and
// clears the waiting flag when an assistant reply lands.
func (m *Manager) appendLocked(sess *ActiveSession, msg *models.Message) (bool, []pendingEvent) {
	if _, dup := sess.seen[msg.ID]; dup {
		metrics.MessagesDeduplicated.Add(m.baseCtx, 1)
		return false, nil
	}
	if m.isNearDuplicateLocked(sess, msg) {
		metrics.MessagesDeduplicated.Add(m.baseCtx, 1)
		return false, nil
	}

	sess.seen[msg.ID] = struct{}{}
	sess.Messages = insertOrdered(sess.Messages, msg)
	metrics.MessagesIngested.Add(m.baseCtx, 1)

	emits := []pendingEvent{{sess.UserID, sse.EventMessageAdded, msg}}
	if msg.IsAssistant() && sess.IsWaitingForAI {
		sess.IsWaitingForAI = false
		emits = append(emits, pendingEvent{sess.UserID, sse.EventWaitingCleared, map[string]string{
			"conversation_id": sess.Conversation.ID,
		}})
	}
	m.writeSnapshotLocked(sess)
	return true, emits
}

// isNearDuplicateLocked catches legacy rows that change id across delivery
// paths: same role and content arriving within the dedup window.
func (m *Manager) isNearDuplicateLocked(sess *ActiveSession, msg *models.Message) bool {
	window := m.settings.DedupWindow().Milliseconds()
	for _, existing := range sess.Messages {
		if existing.Role != msg.Role || existing.Content != msg.Content {
			continue
		}
		delta := msg.CreatedAtEpoch - existing.CreatedAtEpoch
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return true
		}
	}
	return false
}

// sessionDataLocked derives the resume context from the in-memory list.
func (m *Manager) sessionDataLocked(sess *ActiveSession) models.SessionData {
	return models.SessionData{
		LastTopic:    similarity.TopTopic(sess.Messages, 3),
		UserConcerns: similarity.CondenseConcerns(sess.Messages, 3),
		MessageCount: len(sess.Messages),
	}
}

func (m *Manager) publishFeed(ctx context.Context, msg *models.Message) {
	if err := m.feed.Publish(ctx, feed.Event{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        msg,
	}); err != nil {
		log.Warn().Err(err).Str("messageId", msg.ID).Msg("Feed publish failed")
	}
}

// invokeAssistant fires the collaborator request in the background. A
// failed invoke is only logged: the bounded poller clears the waiting flag
// if no reply ever lands.
func (m *Manager) invokeAssistant(sess *ActiveSession, req assistant.Request) {
	if m.assistant == nil {
		return
	}
	go func() {
		start := time.Now()
		err := m.assistant.Invoke(sess.ctx, req)
		metrics.AssistantRequestSeconds.Record(m.baseCtx, time.Since(start).Seconds())
		if err != nil && !errors.Is(err, assistant.ErrNotConfigured) && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("conversationId", req.ConversationID).Msg("Assistant request failed")
		}
	}()
}

// schedulePoll opens the relay's bounded poll window and reports an
// exhausted outcome back to the event loop.
func (m *Manager) schedulePoll(sess *ActiveSession, conversationID string, sinceEpoch int64) {
	outcome := sess.relay.StartPoll(sinceEpoch)
	go func() {
		select {
		case arrived, ok := <-outcome:
			if !ok || arrived {
				return
			}
			select {
			case m.events <- Event{Type: EventPollExhausted, UserID: sess.UserID, ConversationID: conversationID}:
			case <-sess.ctx.Done():
			}
		case <-sess.ctx.Done():
		}
	}()
}

// runAnalysis derives insights off the request path, stores them, projects
// the completion into the team graph, and notifies the user's clients.
func (m *Manager) runAnalysis(conv *models.Conversation, messages []*models.Message) {
	insights, err := m.analysis.Analyze(m.baseCtx, conv.ID, conv.UserID, messages)
	if err != nil {
		if !errors.Is(err, analysis.ErrNotConfigured) && !errors.Is(err, context.Canceled) {
			metrics.AnalysisFailures.Add(m.baseCtx, 1)
			log.Warn().Err(err).Str("conversationId", conv.ID).Msg("Session analysis failed")
		}
		return
	}
	if err := m.conversations.SaveInsights(m.baseCtx, conv.ID, insights); err != nil {
		log.Warn().Err(err).Str("conversationId", conv.ID).Msg("Failed to store insights")
		return
	}
	if m.team != nil {
		conv.OceanSignals = insights.Ocean
		if err := m.team.RecordCompletion(conv, insights); err != nil {
			log.Warn().Err(err).Str("conversationId", conv.ID).Msg("Failed to project completion into team graph")
		}
	}
	log.Info().Str("conversationId", conv.ID).Msg("Session insights ready")
	m.notify(conv.UserID, sse.EventInsightsReady, insights)
}
