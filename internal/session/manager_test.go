package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/solace-ai/solace/internal/assistant"
	"github.com/solace-ai/solace/internal/config"
	gormdb "github.com/solace-ai/solace/internal/db/gorm"
	"github.com/solace-ai/solace/internal/feed"
	"github.com/solace-ai/solace/internal/voice"
	"github.com/solace-ai/solace/internal/worker/sse"
	"github.com/solace-ai/solace/pkg/models"
)

type notifiedEvent struct {
	userID string
	name   string
	data   interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifiedEvent
}

func (r *recordingNotifier) Publish(userID, event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notifiedEvent{userID, event, data})
}

func (r *recordingNotifier) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last(name string) (notifiedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == name {
			return r.events[i], true
		}
	}
	return notifiedEvent{}, false
}

type fakeAssistant struct {
	mu   sync.Mutex
	reqs []assistant.Request
}

func (f *fakeAssistant) Invoke(_ context.Context, req assistant.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeAssistant) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// resumeContext returns the most recent request carrying a pause context.
func (f *fakeAssistant) resumeContext() *models.SessionData {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reqs) - 1; i >= 0; i-- {
		if f.reqs[i].SessionContext != nil {
			return f.reqs[i].SessionContext
		}
	}
	return nil
}

type fakeAnalysis struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeAnalysis) Analyze(_ context.Context, conversationID, userID string, _ []*models.Message) (*models.SessionInsights, error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	insights := models.NewSessionInsights(conversationID, userID)
	insights.Summary = sql.NullString{String: "steady progress on workload stress", Valid: true}
	insights.KeyInsights = models.JSONStringArray{"deadline pressure is the recurring theme"}
	insights.Ocean = models.OceanScores{Openness: 0.6, Conscientiousness: 0.7, Extraversion: 0.4, Agreeableness: 0.8, Neuroticism: 0.3}
	insights.Recommendations = models.JSONStringArray{"try shorter daily check-ins"}
	return insights, nil
}

func (f *fakeAnalysis) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeTeam struct {
	mu    sync.Mutex
	convs []*models.Conversation
}

func (f *fakeTeam) RecordCompletion(conv *models.Conversation, _ *models.SessionInsights) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, conv)
	return nil
}

func (f *fakeTeam) recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

type ManagerSuite struct {
	suite.Suite
	store     *gormdb.Store
	convs     *gormdb.ConversationStore
	msgs      *gormdb.MessageStore
	slots     *gormdb.PausedStore
	backend   *feed.MemoryFeed
	snapshots *SnapshotCache
	notifier  *recordingNotifier
	assistant *fakeAssistant
	analysis  *fakeAnalysis
	team      *fakeTeam
	settings  *config.Config
	manager   *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	dir := s.T().TempDir()
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(dir, "solace.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)

	s.store = store
	s.convs = gormdb.NewConversationStore(store)
	s.msgs = gormdb.NewMessageStore(store)
	s.slots = gormdb.NewPausedStore(store)
	s.backend = feed.NewMemoryFeed()
	s.snapshots = NewSnapshotCache(filepath.Join(dir, "sessions"))
	s.notifier = &recordingNotifier{}
	s.assistant = &fakeAssistant{}
	s.analysis = &fakeAnalysis{}
	s.team = &fakeTeam{}
	s.settings = config.Default()

	s.manager = NewManager(ManagerConfig{
		Conversations: s.convs,
		Messages:      s.msgs,
		Paused:        s.slots,
		Feed:          s.backend,
		Snapshots:     s.snapshots,
		Assistant:     s.assistant,
		Analysis:      s.analysis,
		Team:          s.team,
		Voice:         voice.NewRegistry(),
		Notifier:      s.notifier,
		Settings:      s.settings,
	})
}

func (s *ManagerSuite) TearDownTest() {
	s.manager.Close()
	s.backend.Close()
	s.Require().NoError(s.store.Close())
}

func (s *ManagerSuite) start(userID string) *View {
	view, err := s.manager.StartNewSession(context.Background(), userID)
	s.Require().NoError(err)
	s.Require().NotNil(view.Conversation)
	return view
}

func (s *ManagerSuite) send(userID, conversationID, content string) *models.Message {
	msg, err := s.manager.SendMessage(context.Background(), userID, conversationID, content)
	s.Require().NoError(err)
	return msg
}

// dropFromMemory simulates a restart: the in-memory session goes away while
// the snapshot file and store rows survive.
func (s *ManagerSuite) dropFromMemory(userID string) {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	sess := s.manager.sessions[userID]
	s.Require().NotNil(sess)
	s.manager.teardownLocked(sess)
}

func (s *ManagerSuite) TestStartNewSession() {
	view := s.start("user-1")

	s.True(view.HasActiveSession)
	s.False(view.IsPaused)
	s.True(view.IsWaitingForAI)
	s.Equal(models.ConversationStatusActive, view.Conversation.Status)
	s.Empty(view.Messages)

	stored, err := s.convs.GetCurrentConversation(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.Equal(view.Conversation.ID, stored.ID)

	s.True(s.snapshots.Has("user-1"))
	s.Equal(1, s.notifier.count(sse.EventSessionStarted))

	s.Require().Eventually(func() bool { return s.assistant.calls() >= 1 }, 2*time.Second, 10*time.Millisecond)
	s.assistant.mu.Lock()
	first := s.assistant.reqs[0]
	s.assistant.mu.Unlock()
	s.True(first.IsFirstMessage)
	s.Equal(view.Conversation.ID, first.ConversationID)
}

func (s *ManagerSuite) TestStartRequiresUserID() {
	_, err := s.manager.StartNewSession(context.Background(), "  ")
	s.Error(err)
}

func (s *ManagerSuite) TestStartReplacesExistingSession() {
	first := s.start("user-1")
	second := s.start("user-1")
	s.NotEqual(first.Conversation.ID, second.Conversation.ID)

	old, err := s.convs.GetConversation(context.Background(), first.Conversation.ID)
	s.Require().NoError(err)
	s.Require().NotNil(old)
	s.Equal(models.ConversationStatusTerminated, old.Status)

	active, paused := s.manager.SessionCounts()
	s.Equal(1, active)
	s.Equal(0, paused)
}

func (s *ManagerSuite) TestSendMessagePersistsAndAppends() {
	view := s.start("user-1")
	msg := s.send("user-1", view.Conversation.ID, "the deadline is close")

	s.Equal(models.MessageRoleUser, msg.Role)
	s.Equal(models.MessageSourceOptimistic, msg.Metadata.Source)

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().Len(current.Messages, 1)
	s.Equal("the deadline is close", current.Messages[0].Content)
	s.True(current.IsWaitingForAI)

	count, err := s.msgs.CountUserMessages(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	s.GreaterOrEqual(s.notifier.count(sse.EventMessageAdded), 1)
}

func (s *ManagerSuite) TestSendMessageValidation() {
	_, err := s.manager.SendMessage(context.Background(), "user-1", "whatever", "hi")
	s.ErrorIs(err, ErrNoActiveSession)

	view := s.start("user-1")

	_, err = s.manager.SendMessage(context.Background(), "user-1", view.Conversation.ID, "   ")
	s.ErrorIs(err, ErrEmptyMessage)

	_, err = s.manager.SendMessage(context.Background(), "user-1", "not-this-one", "hi")
	s.ErrorIs(err, ErrUnknownConversation)
}

func (s *ManagerSuite) TestSendMessageWhilePausedFails() {
	view := s.start("user-1")
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))

	_, err := s.manager.SendMessage(context.Background(), "user-1", view.Conversation.ID, "hello?")
	s.ErrorIs(err, ErrNotPaused)
}

func (s *ManagerSuite) TestFeedEchoDeduplicatesById() {
	view := s.start("user-1")
	msg := s.send("user-1", view.Conversation.ID, "only once please")

	s.False(s.manager.AddMessageToSession("user-1", msg))

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Len(current.Messages, 1)
}

func (s *ManagerSuite) TestNearDuplicateContentDropped() {
	view := s.start("user-1")
	reply, err := s.manager.AddAssistantMessage(context.Background(), "user-1", view.Conversation.ID, "welcome back", models.MessageMeta{})
	s.Require().NoError(err)

	// Same role and content under a fresh id, inside the dedup window.
	double := models.NewAssistantMessage(view.Conversation.ID, reply.Content)
	s.False(s.manager.AddMessageToSession("user-1", double))

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Len(current.Messages, 1)
}

func (s *ManagerSuite) TestAssistantReplyClearsWaiting() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "is anyone there")

	_, err := s.manager.AddAssistantMessage(context.Background(), "user-1", view.Conversation.ID, "I am, tell me more", models.MessageMeta{})
	s.Require().NoError(err)

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.False(current.IsWaitingForAI)
	s.Len(current.Messages, 2)
	s.Equal(1, s.notifier.count(sse.EventWaitingCleared))
}

func (s *ManagerSuite) TestMessagesStayOrderedByCreation() {
	view := s.start("user-1")
	base := time.Now().Add(-time.Minute).UnixMilli()

	early := models.NewUserMessage(view.Conversation.ID, "came first")
	early.CreatedAtEpoch = base
	middle := models.NewAssistantMessage(view.Conversation.ID, "came second")
	middle.CreatedAtEpoch = base + 4000
	late := models.NewUserMessage(view.Conversation.ID, "came third")
	late.CreatedAtEpoch = base + 8000

	// Poll recovery can hand rows back in any order.
	s.True(s.manager.AddMessageToSession("user-1", late))
	s.True(s.manager.AddMessageToSession("user-1", early))
	s.True(s.manager.AddMessageToSession("user-1", middle))

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().Len(current.Messages, 3)
	s.Equal("came first", current.Messages[0].Content)
	s.Equal("came second", current.Messages[1].Content)
	s.Equal("came third", current.Messages[2].Content)
}

func (s *ManagerSuite) TestPauseCapturesContext() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "the deadline at work is crushing me")
	s.send("user-1", view.Conversation.ID, "I keep thinking about the deadline")

	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.Equal(models.ConversationStatusPaused, stored.Status)
	s.NotEmpty(stored.SessionData.PausedAt)
	s.Contains(stored.SessionData.LastTopic, "deadline")
	s.Equal(2, stored.SessionData.MessageCount)
	s.True(stored.DurationMinutes.Valid)

	slot, err := s.slots.GetPaused(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(slot)
	s.Equal(view.Conversation.ID, slot.ConversationID)

	snap, err := s.snapshots.Read("user-1")
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.True(snap.IsPaused)

	s.Equal(1, s.notifier.count(sse.EventAudioStop))
	s.Equal(1, s.notifier.count(sse.EventSessionPaused))
	paused, ok := s.notifier.last(sse.EventSessionPaused)
	s.Require().True(ok)
	payload, ok := paused.data.(map[string]interface{})
	s.Require().True(ok)
	s.Equal(ReasonUser, payload["reason"])
}

func (s *ManagerSuite) TestPauseIsIdempotent() {
	view := s.start("user-1")
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonIdle))

	s.Equal(1, s.notifier.count(sse.EventSessionPaused))
}

func (s *ManagerSuite) TestPauseWithoutSessionFails() {
	err := s.manager.PauseSession(context.Background(), "user-1", "conv-x", ReasonUser)
	s.ErrorIs(err, ErrNoActiveSession)
}

func (s *ManagerSuite) TestResumeRestoresSession() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "thinking about the deadline again")
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))

	resumed, err := s.manager.ResumePausedSession(context.Background(), "user-1", view.Conversation.ID)
	s.Require().NoError(err)
	s.True(resumed.HasActiveSession)
	s.False(resumed.IsPaused)
	s.True(resumed.IsWaitingForAI)
	s.Len(resumed.Messages, 1)

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusActive, stored.Status)

	slot, err := s.slots.GetPaused(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Nil(slot)

	s.Equal(2, s.notifier.count(sse.EventSessionStarted))
}

func (s *ManagerSuite) TestResumeHandsPauseContextToAssistant() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "my project deadline is slipping")
	s.send("user-1", view.Conversation.ID, "the deadline pressure keeps me up")
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))

	_, err := s.manager.ResumePausedSession(context.Background(), "user-1", view.Conversation.ID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool { return s.assistant.resumeContext() != nil }, 2*time.Second, 10*time.Millisecond)
	resumeCtx := s.assistant.resumeContext()
	s.Contains(resumeCtx.LastTopic, "deadline")
	s.NotEmpty(resumeCtx.PausedAt)
}

func (s *ManagerSuite) TestResumeIsRejectedWhenActive() {
	view := s.start("user-1")
	_, err := s.manager.ResumePausedSession(context.Background(), "user-1", view.Conversation.ID)
	s.ErrorIs(err, ErrAlreadyActive)
}

func (s *ManagerSuite) TestResumeAfterCompleteFails() {
	view := s.start("user-1")
	for _, content := range []string{"one thing", "another thing", "a third thing"} {
		s.send("user-1", view.Conversation.ID, content)
	}
	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false))

	_, err := s.manager.ResumePausedSession(context.Background(), "user-1", view.Conversation.ID)
	s.ErrorIs(err, ErrTerminalState)
}

func (s *ManagerSuite) TestResumeUnknownConversationFails() {
	_, err := s.manager.ResumePausedSession(context.Background(), "user-1", "missing")
	s.ErrorIs(err, ErrUnknownConversation)
}

func (s *ManagerSuite) TestCompleteBelowGateFails() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "just one message")

	err := s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false)
	s.ErrorIs(err, ErrMinimumEngagement)

	var engagement *EngagementError
	s.Require().ErrorAs(err, &engagement)
	s.Equal(1, engagement.Sent)
	s.Equal(s.settings.MinUserMessages, engagement.Required)

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusActive, stored.Status)
}

func (s *ManagerSuite) TestCompleteCountsOnlyUserMessages() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "only user message")
	for _, content := range []string{"reply one", "reply two", "reply three"} {
		_, err := s.manager.AddAssistantMessage(context.Background(), "user-1", view.Conversation.ID, content, models.MessageMeta{})
		s.Require().NoError(err)
	}

	err := s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false)
	var engagement *EngagementError
	s.Require().ErrorAs(err, &engagement)
	s.Equal(1, engagement.Sent)
}

func (s *ManagerSuite) TestCompleteAfterGatePersists() {
	view := s.start("user-1")
	for _, content := range []string{"first worry", "second worry", "third worry"} {
		s.send("user-1", view.Conversation.ID, content)
	}

	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false))

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusCompleted, stored.Status)
	s.True(stored.CompletedAt.Valid)
	s.True(stored.DurationMinutes.Valid)
	s.Equal(ReasonUser, stored.SessionData.CompletionReason)

	active, paused := s.manager.SessionCounts()
	s.Equal(0, active+paused)
	s.False(s.snapshots.Has("user-1"))
	s.Equal(1, s.notifier.count(sse.EventSessionCompleted))

	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.False(current.HasActiveSession)
	s.Nil(current.Conversation)
}

func (s *ManagerSuite) TestCompletionRunsAnalysis() {
	view := s.start("user-1")
	for _, content := range []string{"stress at work", "the workload is rough", "I want a plan"} {
		s.send("user-1", view.Conversation.ID, content)
	}
	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false))

	s.Require().Eventually(func() bool {
		insights, err := s.manager.SessionInsights(context.Background(), "user-1", view.Conversation.ID)
		return err == nil && insights != nil
	}, 3*time.Second, 20*time.Millisecond)

	insights, err := s.manager.SessionInsights(context.Background(), "user-1", view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal("steady progress on workload stress", insights.Summary.String)
	s.False(insights.Ocean.IsZero())

	s.Require().Eventually(func() bool { return s.team.recorded() == 1 }, 2*time.Second, 20*time.Millisecond)
	s.Require().Eventually(func() bool { return s.notifier.count(sse.EventInsightsReady) == 1 }, 2*time.Second, 20*time.Millisecond)
}

func (s *ManagerSuite) TestForcedCompleteSkipsGateAndAnalysis() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "barely started")

	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, true))

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusCompleted, stored.Status)
	s.Equal(ReasonMaxDuration, stored.SessionData.CompletionReason)

	// Below the engagement gate nothing goes to analysis.
	time.Sleep(100 * time.Millisecond)
	s.Equal(0, s.analysis.calls())
}

func (s *ManagerSuite) TestCompleteTwiceFails() {
	view := s.start("user-1")
	for _, content := range []string{"a", "b", "c"} {
		s.send("user-1", view.Conversation.ID, content)
	}
	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false))

	err := s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false)
	s.ErrorIs(err, ErrTerminalState)
}

func (s *ManagerSuite) TestCurrentSessionEmptyForNewUser() {
	view, err := s.manager.CurrentSession(context.Background(), "nobody")
	s.Require().NoError(err)
	s.False(view.HasActiveSession)
	s.Nil(view.Conversation)
	s.NotNil(view.Messages)
	s.Empty(view.Messages)
}

func (s *ManagerSuite) TestCurrentSessionRehydratesFromSnapshot() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "please survive the restart")
	s.dropFromMemory("user-1")

	restored, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(restored.Conversation)
	s.Equal(view.Conversation.ID, restored.Conversation.ID)
	s.Require().Len(restored.Messages, 1)
	s.Equal("please survive the restart", restored.Messages[0].Content)

	active, _ := s.manager.SessionCounts()
	s.Equal(1, active)
}

func (s *ManagerSuite) TestCurrentSessionStoreWinsOverSnapshot() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "soon to be stale")

	// The store moves on while the snapshot still says active.
	s.Require().NoError(s.convs.MarkCompleted(context.Background(), view.Conversation.ID, models.SessionData{}, 1))
	s.dropFromMemory("user-1")

	restored, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.False(restored.HasActiveSession)
	s.Nil(restored.Conversation)
}

func (s *ManagerSuite) TestCurrentSessionRestoresPausedFromStore() {
	view := s.start("user-1")
	s.send("user-1", view.Conversation.ID, "pause survives restarts too")
	s.Require().NoError(s.manager.PauseSession(context.Background(), "user-1", view.Conversation.ID, ReasonUser))
	s.dropFromMemory("user-1")
	s.Require().NoError(s.snapshots.Clear("user-1"))

	restored, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.Require().NotNil(restored.Conversation)
	s.True(restored.IsPaused)
	s.Len(restored.Messages, 1)
}

func (s *ManagerSuite) TestUpdateActivity() {
	view := s.start("user-1")

	s.manager.mu.Lock()
	s.manager.sessions["user-1"].LastActivityAt = time.Now().Add(-10 * time.Minute)
	s.manager.mu.Unlock()

	s.Require().NoError(s.manager.UpdateActivity("user-1", view.Conversation.ID))

	s.manager.mu.Lock()
	refreshed := s.manager.sessions["user-1"].LastActivityAt
	s.manager.mu.Unlock()
	s.WithinDuration(time.Now(), refreshed, time.Second)

	s.ErrorIs(s.manager.UpdateActivity("user-1", "other"), ErrUnknownConversation)
	s.ErrorIs(s.manager.UpdateActivity("ghost", view.Conversation.ID), ErrNoActiveSession)
}

func (s *ManagerSuite) TestIdlePauseRequestIsRevalidated() {
	view := s.start("user-1")

	// Stale request: the user was active moments ago.
	s.manager.handleEvent(Event{Type: EventPauseRequested, UserID: "user-1", ConversationID: view.Conversation.ID, Reason: ReasonIdle})
	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusActive, stored.Status)

	// Genuinely idle now.
	s.manager.mu.Lock()
	s.manager.sessions["user-1"].LastActivityAt = time.Now().Add(-10 * time.Minute)
	s.manager.mu.Unlock()
	s.manager.handleEvent(Event{Type: EventPauseRequested, UserID: "user-1", ConversationID: view.Conversation.ID, Reason: ReasonIdle})

	stored, err = s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusPaused, stored.Status)
	s.Equal(1, s.notifier.count(sse.EventSessionPaused))
}

func (s *ManagerSuite) TestForcedCompleteRequestIsRevalidated() {
	view := s.start("user-1")

	// Not old enough yet.
	s.manager.handleEvent(Event{Type: EventCompleteRequested, UserID: "user-1", ConversationID: view.Conversation.ID, Reason: ReasonMaxDuration})
	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusActive, stored.Status)

	// Backdate the start past the cap.
	s.manager.mu.Lock()
	s.manager.sessions["user-1"].Conversation.StartedAtEpoch = time.Now().Add(-16 * time.Minute).UnixMilli()
	s.manager.mu.Unlock()
	s.manager.handleEvent(Event{Type: EventCompleteRequested, UserID: "user-1", ConversationID: view.Conversation.ID, Reason: ReasonMaxDuration})

	stored, err = s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusCompleted, stored.Status)
	s.Equal(ReasonMaxDuration, stored.SessionData.CompletionReason)
}

func (s *ManagerSuite) TestPollExhaustedClearsWaiting() {
	view := s.start("user-1")

	s.manager.handleEvent(Event{Type: EventPollExhausted, UserID: "user-1", ConversationID: view.Conversation.ID})
	current, err := s.manager.CurrentSession(context.Background(), "user-1")
	s.Require().NoError(err)
	s.False(current.IsWaitingForAI)
	s.Equal(1, s.notifier.count(sse.EventAssistantQuiet))

	// A second, stale report changes nothing.
	s.manager.handleEvent(Event{Type: EventPollExhausted, UserID: "user-1", ConversationID: view.Conversation.ID})
	s.Equal(1, s.notifier.count(sse.EventAssistantQuiet))
}

func (s *ManagerSuite) TestTerminateSession() {
	view := s.start("user-1")
	s.Require().NoError(s.manager.Terminate(context.Background(), "user-1"))

	stored, err := s.convs.GetConversation(context.Background(), view.Conversation.ID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusTerminated, stored.Status)
	s.False(s.snapshots.Has("user-1"))

	active, paused := s.manager.SessionCounts()
	s.Equal(0, active+paused)
}

func (s *ManagerSuite) TestSessionMessagesFallsBackToStore() {
	view := s.start("user-1")
	for _, content := range []string{"kept one", "kept two", "kept three"} {
		s.send("user-1", view.Conversation.ID, content)
	}
	s.Require().NoError(s.manager.CompleteSession(context.Background(), "user-1", view.Conversation.ID, false))

	msgs, err := s.manager.SessionMessages(context.Background(), "user-1", view.Conversation.ID)
	s.Require().NoError(err)
	s.Len(msgs, 3)

	_, err = s.manager.SessionMessages(context.Background(), "user-1", "missing")
	s.ErrorIs(err, ErrUnknownConversation)
}

func (s *ManagerSuite) TestHealSnapshot() {
	view := s.start("user-1")
	s.Require().NoError(s.snapshots.Clear("user-1"))
	s.Require().False(s.snapshots.Has("user-1"))

	s.True(s.manager.HealSnapshot("user-1"))
	s.True(s.snapshots.Has("user-1"))

	snap, err := s.snapshots.Read("user-1")
	s.Require().NoError(err)
	s.Equal(view.Conversation.ID, snap.Conversation.ID)

	s.False(s.manager.HealSnapshot("ghost"))
}

func (s *ManagerSuite) TestLifecycleScenario() {
	ctx := context.Background()
	view := s.start("user-1")
	conversationID := view.Conversation.ID

	for _, exchange := range []struct{ user, reply string }{
		{"work has been heavy lately", "what feels heaviest right now"},
		{"the deadline mostly", "what would ease the deadline"},
		{"maybe delegating a little", "that sounds workable"},
	} {
		s.send("user-1", conversationID, exchange.user)
		_, err := s.manager.AddAssistantMessage(ctx, "user-1", conversationID, exchange.reply, models.MessageMeta{})
		s.Require().NoError(err)
	}

	s.Require().NoError(s.manager.PauseSession(ctx, "user-1", conversationID, ReasonUser))
	resumed, err := s.manager.ResumePausedSession(ctx, "user-1", conversationID)
	s.Require().NoError(err)
	s.Len(resumed.Messages, 6)

	s.Require().NoError(s.manager.CompleteSession(ctx, "user-1", conversationID, false))

	stored, err := s.convs.GetConversation(ctx, conversationID)
	s.Require().NoError(err)
	s.Equal(models.ConversationStatusCompleted, stored.Status)

	slot, err := s.slots.GetPaused(ctx, "user-1")
	s.Require().NoError(err)
	s.Nil(slot)
	s.False(s.snapshots.Has("user-1"))

	s.Require().Eventually(func() bool {
		insights, err := s.manager.SessionInsights(ctx, "user-1", conversationID)
		return err == nil && insights != nil
	}, 3*time.Second, 20*time.Millisecond)
}
