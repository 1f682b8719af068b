package cursor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/edgard/relaybot/internal/errors"
)

const fileHeader = "# relaybot cursors: source channel id -> last forwarded message id\n"

// FileStore keeps cursors in memory and persists them as a YAML document,
// one "channel_id: message_id" entry per line.
type FileStore struct {
	mu      sync.Mutex
	path    string
	cursors map[string]string
	log     *slog.Logger
}

// OpenFile loads the cursor file at path. A missing file yields an empty
// store; an unreadable or corrupt one yields an empty store and a warning.
func OpenFile(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &FileStore{
		path:    path,
		cursors: make(map[string]string),
		log:     logger.With("component", "cursor_store", "path", path),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.log.Info("Cursor file not found, starting empty")
		return s
	case err != nil:
		s.log.Warn("Failed to read cursor file, starting empty", "error", err)
		return s
	}

	loaded := make(map[string]string)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("Cursor file is corrupt, starting empty", "error", err)
		return s
	}
	for channelID, messageID := range loaded {
		if channelID != "" && messageID != "" {
			s.cursors[channelID] = messageID
		}
	}
	s.log.Info("Loaded cursors", "count", len(s.cursors))
	return s
}

// Get returns the stored message id for channelID.
func (s *FileStore) Get(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cursors[channelID]
	return id, ok
}

// Commit advances the cursor for channelID and persists the whole map.
func (s *FileStore) Commit(_ context.Context, channelID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cursors[channelID]
	if !Advances(current, ok, messageID) {
		return false, nil
	}
	s.cursors[channelID] = messageID

	if err := s.writeLocked(); err != nil {
		return true, apperrors.NewPersistenceError("failed to persist cursor", err)
	}
	return true, nil
}

// Flush rewrites the cursor file from memory.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(); err != nil {
		return apperrors.NewPersistenceError("failed to flush cursors", err)
	}
	return nil
}

// Snapshot returns a copy of all cursors.
func (s *FileStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cursors)
}

// Close flushes the store.
func (s *FileStore) Close() error {
	return s.Flush(context.Background())
}

// writeLocked writes to a temp sibling, syncs it, and renames it over the
// target so readers never observe a partial file.
func (s *FileStore) writeLocked() error {
	body, err := yaml.Marshal(s.cursors)
	if err != nil {
		return fmt.Errorf("encoding cursors: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(fileHeader); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

var _ Store = (*FileStore)(nil)
