// ABOUTME: Per-conversation JSON file cache for instant rendering offline.
// ABOUTME: Best-effort reads, atomic write-via-rename saves.

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/campuschat/courier/internal/store"
)

// Cache stores one JSON file per conversation under a directory. A
// corrupt or missing file is treated as an empty cache, never an error
// the UI has to care about.
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// path is symmetric in the pair: both participants map to the same file.
func (c *Cache) path(self, peer string) string {
	key := store.PairKey(self, peer)
	return filepath.Join(c.dir, sanitizeKey(key)+".json")
}

// sanitizeKey keeps the canonical pair key filename-safe.
func sanitizeKey(key string) string {
	out := []byte(key)
	for i, ch := range out {
		switch ch {
		case '|', '/', '\\', ':':
			out[i] = '_'
		}
	}
	return string(out)
}

// Load returns the cached conversation, or an empty list when nothing
// usable is on disk.
func (c *Cache) Load(self, peer string) ([]Message, error) {
	data, err := os.ReadFile(c.path(self, peer))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("cache file corrupt: %w", err)
	}
	return msgs, nil
}

// Save writes the full conversation atomically: a temp file in the same
// directory is renamed over the old cache so readers never see a partial
// write.
func (c *Cache) Save(self, peer string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	target := c.path(self, peer)
	tmp, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Clear empties the cached conversation.
func (c *Cache) Clear(self, peer string) error {
	return c.Save(self, peer, nil)
}
