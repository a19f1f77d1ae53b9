package gorm

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/solace-ai/solace/pkg/models"
)

// testConversationStore creates a ConversationStore with a temporary database for testing.
func testConversationStore(t *testing.T) (*ConversationStore, *Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "gorm_conversation_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	cfg := Config{
		Path:     dbPath,
		MaxConns: 4,
		LogLevel: logger.Silent,
	}

	store, err := NewStore(cfg)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("NewStore failed: %v", err)
	}

	convStore := NewConversationStore(store)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return convStore, store, cleanup
}

func TestConversationStore_CreateAndGet(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, models.ConversationStatusActive, got.Status)
	assert.Equal(t, 15, got.MaxDurationMinutes)
	assert.Equal(t, conv.StartedAtEpoch, got.StartedAtEpoch)
	assert.False(t, got.CompletedAt.Valid)
}

func TestConversationStore_GetMissing(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	got, err := convStore.GetConversation(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConversationStore_GetUserConversation(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))

	got, err := convStore.GetUserConversation(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// A different user does not see the conversation.
	got, err = convStore.GetUserConversation(ctx, conv.ID, "user-2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConversationStore_GetCurrentConversation(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	// No conversation yet.
	got, err := convStore.GetCurrentConversation(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A completed conversation does not count as current.
	done := models.NewConversation("user-1", 15)
	done.StartedAtEpoch = 1000
	require.NoError(t, convStore.CreateConversation(ctx, done))
	require.NoError(t, convStore.MarkCompleted(ctx, done.ID, models.SessionData{CompletionReason: "user"}, 5))

	got, err = convStore.GetCurrentConversation(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// An active conversation is current.
	active := models.NewConversation("user-1", 15)
	active.StartedAtEpoch = 2000
	require.NoError(t, convStore.CreateConversation(ctx, active))

	got, err = convStore.GetCurrentConversation(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)

	// A paused conversation is current too, and the newest one wins.
	require.NoError(t, convStore.MarkPaused(ctx, active.ID, models.SessionData{LastTopic: "work"}, 3))

	newer := models.NewConversation("user-1", 15)
	newer.StartedAtEpoch = 3000
	require.NoError(t, convStore.CreateConversation(ctx, newer))

	got, err = convStore.GetCurrentConversation(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
}

func TestConversationStore_MarkPaused(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))

	data := models.SessionData{
		LastTopic:    "deadline stress",
		PausedAt:     "2026-08-23T10:00:00Z",
		UserConcerns: []string{"workload", "sleep"},
		MessageCount: 4,
	}
	require.NoError(t, convStore.MarkPaused(ctx, conv.ID, data, 3))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ConversationStatusPaused, got.Status)
	assert.Equal(t, "deadline stress", got.SessionData.LastTopic)
	assert.Equal(t, []string{"workload", "sleep"}, got.SessionData.UserConcerns)
	assert.Equal(t, 4, got.SessionData.MessageCount)
	require.True(t, got.DurationMinutes.Valid)
	assert.Equal(t, int64(3), got.DurationMinutes.Int64)
}

func TestConversationStore_MarkResumed(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))
	require.NoError(t, convStore.MarkPaused(ctx, conv.ID, models.SessionData{LastTopic: "work"}, 3))

	require.NoError(t, convStore.MarkResumed(ctx, conv.ID))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ConversationStatusActive, got.Status)
	assert.True(t, got.SessionData.IsZero(), "pause context should be cleared on resume")
}

func TestConversationStore_MarkCompleted(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))

	data := models.SessionData{CompletionReason: "max_duration"}
	require.NoError(t, convStore.MarkCompleted(ctx, conv.ID, data, 15))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ConversationStatusCompleted, got.Status)
	assert.Equal(t, "max_duration", got.SessionData.CompletionReason)
	require.True(t, got.DurationMinutes.Valid)
	assert.Equal(t, int64(15), got.DurationMinutes.Int64)
	assert.True(t, got.CompletedAt.Valid)
	assert.True(t, got.CompletedAtEpoch.Valid)
	assert.Greater(t, got.CompletedAtEpoch.Int64, int64(0))
}

func TestConversationStore_MarkTerminated(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))
	require.NoError(t, convStore.MarkTerminated(ctx, conv.ID))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ConversationStatusTerminated, got.Status)
	assert.True(t, got.CompletedAt.Valid)
}

func TestConversationStore_SaveInsights(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	conv := models.NewConversation("user-1", 15)
	require.NoError(t, convStore.CreateConversation(ctx, conv))
	require.NoError(t, convStore.MarkCompleted(ctx, conv.ID, models.SessionData{CompletionReason: "user"}, 10))

	insights := models.NewSessionInsights(conv.ID, "user-1")
	insights.Summary = sql.NullString{String: "Worked through a scheduling conflict", Valid: true}
	insights.KeyInsights = models.JSONStringArray{"values clarity", "boundary setting"}
	insights.Ocean = models.OceanScores{Openness: 0.7, Conscientiousness: 0.6, Extraversion: 0.4, Agreeableness: 0.8, Neuroticism: 0.3}
	insights.Recommendations = models.JSONStringArray{"schedule a weekly review"}

	require.NoError(t, convStore.SaveInsights(ctx, conv.ID, insights))

	got, err := convStore.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Worked through a scheduling conflict", got.Summary.String)
	assert.Equal(t, []string{"values clarity", "boundary setting"}, []string(got.KeyInsights))
	assert.InDelta(t, 0.7, got.OceanSignals.Openness, 0.001)
	assert.Equal(t, []string{"schedule a weekly review"}, []string(got.Recommendations))

	rebuilt := models.InsightsFromConversation(got)
	require.NotNil(t, rebuilt)
	assert.Equal(t, conv.ID, rebuilt.ConversationID)
	assert.Equal(t, got.CompletedAtEpoch.Int64, rebuilt.GeneratedAtEpoch)
}

func TestConversationStore_ListCompletedByUser(t *testing.T) {
	convStore, _, cleanup := testConversationStore(t)
	defer cleanup()

	ctx := context.Background()

	for i, epoch := range []int64{1000, 2000, 3000} {
		conv := models.NewConversation("user-1", 15)
		conv.StartedAtEpoch = epoch
		require.NoError(t, convStore.CreateConversation(ctx, conv))
		if i < 2 {
			require.NoError(t, convStore.MarkCompleted(ctx, conv.ID, models.SessionData{}, 5))
		}
	}

	// A different user's completion must not leak in.
	other := models.NewConversation("user-2", 15)
	require.NoError(t, convStore.CreateConversation(ctx, other))
	require.NoError(t, convStore.MarkCompleted(ctx, other.ID, models.SessionData{}, 5))

	list, err := convStore.ListCompletedByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, conv := range list {
		assert.Equal(t, "user-1", conv.UserID)
		assert.Equal(t, models.ConversationStatusCompleted, conv.Status)
	}

	limited, err := convStore.ListCompletedByUser(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
