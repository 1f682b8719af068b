package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/relaybot/internal/cursor"
	apperrors "github.com/edgard/relaybot/internal/errors"
)

// cursorRow is one row of the cursors table.
type cursorRow struct {
	ChannelID string    `db:"channel_id"`
	MessageID string    `db:"message_id"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CursorStore implements cursor.Store on top of SQLite. The in-memory map
// answers Get; every Commit is upserted before it returns.
type CursorStore struct {
	mu      sync.Mutex
	db      *sqlx.DB
	cursors map[string]string
	logger  *slog.Logger
}

// NewCursorStore loads all cursors from db.
func NewCursorStore(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*CursorStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &CursorStore{
		db:      db,
		cursors: make(map[string]string),
		logger:  logger.With("component", "cursor_store", "backend", "sqlite"),
	}

	var rows []cursorRow
	if err := db.SelectContext(ctx, &rows, `SELECT channel_id, message_id, updated_at FROM cursors`); err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	for _, r := range rows {
		s.cursors[r.ChannelID] = r.MessageID
	}
	s.logger.InfoContext(ctx, "Loaded cursors", "count", len(s.cursors))
	return s, nil
}

// Get returns the stored message id for channelID.
func (s *CursorStore) Get(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cursors[channelID]
	return id, ok
}

// Commit advances the cursor for channelID and upserts it.
func (s *CursorStore) Commit(ctx context.Context, channelID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cursors[channelID]
	if !cursor.Advances(current, ok, messageID) {
		return false, nil
	}
	s.cursors[channelID] = messageID

	if err := s.upsert(ctx, cursorRow{ChannelID: channelID, MessageID: messageID, UpdatedAt: time.Now().UTC()}); err != nil {
		return true, apperrors.NewPersistenceError("failed to persist cursor", err)
	}
	return true, nil
}

// Flush rewrites every in-memory cursor in a single transaction.
func (s *CursorStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("failed to begin flush", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	for channelID, messageID := range s.cursors {
		if _, err := tx.NamedExecContext(ctx, upsertQuery, cursorRow{ChannelID: channelID, MessageID: messageID, UpdatedAt: now}); err != nil {
			return apperrors.NewPersistenceError("failed to flush cursor "+channelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewPersistenceError("failed to commit flush", err)
	}
	return nil
}

// Snapshot returns a copy of all cursors.
func (s *CursorStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cursors)
}

// Close flushes and closes the database.
func (s *CursorStore) Close() error {
	flushErr := s.Flush(context.Background())
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return flushErr
}

// Upserts never rewind: the WHERE clause keeps the stored id when a
// concurrent writer already moved it further.
const upsertQuery = `
	INSERT INTO cursors (channel_id, message_id, updated_at)
	VALUES (:channel_id, :message_id, :updated_at)
	ON CONFLICT(channel_id) DO UPDATE SET
		message_id = excluded.message_id,
		updated_at = excluded.updated_at
	WHERE length(excluded.message_id) > length(cursors.message_id)
	   OR (length(excluded.message_id) = length(cursors.message_id) AND excluded.message_id >= cursors.message_id);
`

func (s *CursorStore) upsert(ctx context.Context, row cursorRow) error {
	if _, err := s.db.NamedExecContext(ctx, upsertQuery, row); err != nil {
		s.logger.ErrorContext(ctx, "Error saving cursor", "channel_id", row.ChannelID, "message_id", row.MessageID, "error", err)
		return fmt.Errorf("failed to save cursor (channel %s): %w", row.ChannelID, err)
	}
	return nil
}

var _ cursor.Store = (*CursorStore)(nil)
