package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/chatstore/chat"
)

// Pending task kinds.
const (
	TaskSendReaction   = "send-reaction"
	TaskDeleteReaction = "delete-reaction"
	TaskDeleteMessage  = "delete-message"
)

// A PendingTask is an offline mutation queued for delivery to the server
// once the connection recovers. The local state and store already reflect
// the change; the task replays it upstream.
type PendingTask struct {
	ID        string
	CID       string
	MessageID string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AddPendingTask queues a task. A missing id is filled with a fresh UUID
// and the stored task is returned.
func (s *Store) AddPendingTask(ctx context.Context, task PendingTask) (PendingTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	row := taskRow{
		ID:        task.ID,
		CID:       task.CID,
		MessageID: task.MessageID,
		Kind:      task.Kind,
		Payload:   string(task.Payload),
		CreatedAt: task.CreatedAt,
	}
	if _, err := s.bun.NewInsert().Model(&row).Exec(ctx); err != nil {
		return PendingTask{}, fmt.Errorf("insert pending task: %w", err)
	}
	return task, nil
}

// PendingTasks returns all queued tasks, oldest first.
func (s *Store) PendingTasks(ctx context.Context) ([]PendingTask, error) {
	var rows []taskRow
	err := s.bun.NewSelect().
		Model(&rows).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}
	out := make([]PendingTask, len(rows))
	for i, row := range rows {
		out[i] = PendingTask{
			ID:        row.ID,
			CID:       row.CID,
			MessageID: row.MessageID,
			Kind:      row.Kind,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

// DeletePendingTask removes a task once the server accepted it (or it is
// known to be permanently undeliverable).
func (s *Store) DeletePendingTask(ctx context.Context, id string) error {
	if _, err := s.bun.NewDelete().
		Model((*taskRow)(nil)).
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete pending task: %w", err)
	}
	return nil
}

// LastSyncedAt returns the user's replay watermark, or chat.ErrNotFound
// when no sync has completed yet.
func (s *Store) LastSyncedAt(ctx context.Context, userID string) (time.Time, error) {
	var row syncStatusRow
	err := s.bun.NewSelect().
		Model(&row).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("sync status for %s: %w", userID, chat.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("select sync status: %w", err)
	}
	return row.LastSyncedAt, nil
}

// SetLastSyncedAt records the user's replay watermark.
func (s *Store) SetLastSyncedAt(ctx context.Context, userID string, at time.Time) error {
	row := syncStatusRow{
		UserID:       userID,
		LastSyncedAt: at,
	}
	_, err := s.bun.NewInsert().
		Model(&row).
		On("CONFLICT (user_id) DO UPDATE").
		Set("last_synced_at = EXCLUDED.last_synced_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert sync status: %w", err)
	}
	return nil
}
