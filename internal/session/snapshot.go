package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/solace-ai/solace/pkg/models"
)

// Snapshot is the on-disk cache of one user's session state. It exists so a
// restarted service (or a reconnecting client) can show the conversation
// immediately; the remote store stays the source of truth.
type Snapshot struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
	IsPaused     bool                 `json:"is_paused"`
	SavedAt      string               `json:"saved_at"`
	SavedAtEpoch int64                `json:"saved_at_epoch"`
}

// SnapshotCache reads and writes per-user snapshot files under one
// directory, one JSON file per user.
type SnapshotCache struct {
	dir string
	mu  sync.Mutex
}

// NewSnapshotCache creates a cache rooted at dir. The directory is created
// on first write.
func NewSnapshotCache(dir string) *SnapshotCache {
	return &SnapshotCache{dir: dir}
}

// Dir returns the cache directory.
func (c *SnapshotCache) Dir() string {
	return c.dir
}

// Path returns the snapshot file path for a user.
func (c *SnapshotCache) Path(userID string) string {
	return filepath.Join(c.dir, sanitizeUserID(userID)+".json")
}

// Write persists a snapshot atomically (temp file + rename).
func (c *SnapshotCache) Write(userID string, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	now := time.Now()
	snap.SavedAt = now.Format(time.RFC3339)
	snap.SavedAtEpoch = now.UnixMilli()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", userID, err)
	}

	path := c.Path(userID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot for %s: %w", userID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot for %s: %w", userID, err)
	}
	return nil
}

// Read loads a user's snapshot. Returns (nil, nil) when none exists.
func (c *SnapshotCache) Read(userID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.Path(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", userID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return &snap, nil
}

// Clear removes a user's snapshot. Missing files are not an error.
func (c *SnapshotCache) Clear(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.Path(userID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear snapshot for %s: %w", userID, err)
	}
	return nil
}

// Has reports whether a snapshot file exists for the user.
func (c *SnapshotCache) Has(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := os.Stat(c.Path(userID))
	return err == nil
}

// sanitizeUserID keeps snapshot filenames flat even for hostile user ids.
func sanitizeUserID(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, userID)
}
