package gorm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/solace-ai/solace/pkg/models"
)

// testPausedStore creates a PausedStore with a temporary database for testing.
func testPausedStore(t *testing.T) (*PausedStore, *Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "gorm_paused_test_*")
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

	pausedStore := NewPausedStore(store)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return pausedStore, store, cleanup
}

func TestPausedStore_UpsertAndGet(t *testing.T) {
	pausedStore, _, cleanup := testPausedStore(t)
	defer cleanup()

	ctx := context.Background()

	paused := models.NewPausedConversation("user-1", "conv-1", "work stress")
	require.NoError(t, pausedStore.UpsertPaused(ctx, paused))

	got, err := pausedStore.GetPaused(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "work stress", got.LastTopic.String)
	assert.NotEmpty(t, got.PausedAt)
	assert.Greater(t, got.PausedAtEpoch, int64(0))
}

func TestPausedStore_GetMissing(t *testing.T) {
	pausedStore, _, cleanup := testPausedStore(t)
	defer cleanup()

	got, err := pausedStore.GetPaused(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPausedStore_UpsertReplacesSlot(t *testing.T) {
	pausedStore, _, cleanup := testPausedStore(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, pausedStore.UpsertPaused(ctx, models.NewPausedConversation("user-1", "conv-1", "first topic")))
	require.NoError(t, pausedStore.UpsertPaused(ctx, models.NewPausedConversation("user-1", "conv-2", "second topic")))

	got, err := pausedStore.GetPaused(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv-2", got.ConversationID)
	assert.Equal(t, "second topic", got.LastTopic.String)

	// Only one row per user.
	var count int64
	require.NoError(t, pausedStore.db.Model(&PausedConversation{}).Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPausedStore_Delete(t *testing.T) {
	pausedStore, _, cleanup := testPausedStore(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, pausedStore.UpsertPaused(ctx, models.NewPausedConversation("user-1", "conv-1", "")))
	require.NoError(t, pausedStore.DeletePaused(ctx, "user-1"))

	got, err := pausedStore.GetPaused(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an empty slot is fine.
	require.NoError(t, pausedStore.DeletePaused(ctx, "user-1"))
}
