package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solace-ai/solace/pkg/models"
)

func testSnapshotCache(t *testing.T) *SnapshotCache {
	t.Helper()
	return NewSnapshotCache(filepath.Join(t.TempDir(), "sessions"))
}

func TestSnapshotCache_WriteRead(t *testing.T) {
	cache := testSnapshotCache(t)

	conv := models.NewConversation("user-1", 15)
	msg := models.NewUserMessage(conv.ID, "hello there")
	err := cache.Write("user-1", &Snapshot{
		Conversation: conv,
		Messages:     []*models.Message{msg},
		IsPaused:     false,
	})
	require.NoError(t, err)

	snap, err := cache.Read("user-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, conv.ID, snap.Conversation.ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello there", snap.Messages[0].Content)
	assert.False(t, snap.IsPaused)
	assert.NotEmpty(t, snap.SavedAt)
	assert.Greater(t, snap.SavedAtEpoch, int64(0))
}

func TestSnapshotCache_ReadMissing(t *testing.T) {
	cache := testSnapshotCache(t)

	snap, err := cache.Read("nobody")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotCache_OverwriteReplaces(t *testing.T) {
	cache := testSnapshotCache(t)
	conv := models.NewConversation("user-1", 15)

	require.NoError(t, cache.Write("user-1", &Snapshot{
		Conversation: conv,
		Messages: []*models.Message{
			models.NewUserMessage(conv.ID, "first"),
			models.NewUserMessage(conv.ID, "second"),
		},
	}))
	require.NoError(t, cache.Write("user-1", &Snapshot{
		Conversation: conv,
		Messages:     []*models.Message{models.NewUserMessage(conv.ID, "only")},
		IsPaused:     true,
	}))

	snap, err := cache.Read("user-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "only", snap.Messages[0].Content)
	assert.True(t, snap.IsPaused)
}

func TestSnapshotCache_Clear(t *testing.T) {
	cache := testSnapshotCache(t)
	conv := models.NewConversation("user-1", 15)
	require.NoError(t, cache.Write("user-1", &Snapshot{Conversation: conv}))
	require.True(t, cache.Has("user-1"))

	require.NoError(t, cache.Clear("user-1"))
	assert.False(t, cache.Has("user-1"))

	snap, err := cache.Read("user-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	// Clearing an absent snapshot is not an error.
	require.NoError(t, cache.Clear("user-1"))
}

func TestSnapshotCache_SanitizesUserID(t *testing.T) {
	cache := testSnapshotCache(t)
	conv := models.NewConversation("odd", 15)

	userID := "../weird/user:id"
	require.NoError(t, cache.Write(userID, &Snapshot{Conversation: conv}))

	path := cache.Path(userID)
	assert.Equal(t, cache.Dir(), filepath.Dir(path))
	assert.False(t, strings.ContainsAny(filepath.Base(path), "/:\\"))

	_, err := os.Stat(path)
	require.NoError(t, err)

	snap, err := cache.Read(userID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, conv.ID, snap.Conversation.ID)
}

func TestSnapshotCache_CorruptFile(t *testing.T) {
	cache := testSnapshotCache(t)
	require.NoError(t, os.MkdirAll(cache.Dir(), 0o755))
	require.NoError(t, os.WriteFile(cache.Path("user-1"), []byte("{not json"), 0o644))

	snap, err := cache.Read("user-1")
	assert.Error(t, err)
	assert.Nil(t, snap)
}
