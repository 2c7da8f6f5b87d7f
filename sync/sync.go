// Package sync keeps the local chat store and the in-memory channel list
// consistent with the server: it applies pushed events, replays missed ones
// after a reconnect, and queues writes made offline for delivery.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/offlinekit/chatstore/chat"
	"github.com/offlinekit/chatstore/chat/validator"
	"github.com/offlinekit/chatstore/sqlite"
	"github.com/offlinekit/chatstore/state"
)

// A DB provides the storage layer that persists channel state.
type DB interface {
	UpsertChannelData(ctx context.Context, ch chat.ChannelData) error
	DeleteChannel(ctx context.Context, cid string) error
	ApplyMessage(ctx context.Context, msg chat.Message) error
	GetChannelMessages(ctx context.Context, cid, currentUserID string) ([]chat.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) error
	SaveReaction(ctx context.Context, r chat.Reaction, counts map[string]int, update bool) error
	RemoveReaction(ctx context.Context, messageID, userID, reactionType string, counts map[string]int) error
	ApplyMember(ctx context.Context, m chat.Member) error
	RemoveMember(ctx context.Context, cid, userID string) error
	ApplyRead(ctx context.Context, rd chat.Read) error
	ApplyChannelState(ctx context.Context, st chat.ChannelState) error
	SaveChannelStates(ctx context.Context, signature string, states []chat.ChannelState) error
	GetChannelsForQuery(ctx context.Context, signature, currentUserID string) ([]chat.ChannelState, error)
	AddPendingTask(ctx context.Context, task sqlite.PendingTask) (sqlite.PendingTask, error)
	PendingTasks(ctx context.Context) ([]sqlite.PendingTask, error)
	DeletePendingTask(ctx context.Context, id string) error
	LastSyncedAt(ctx context.Context, userID string) (time.Time, error)
	SetLastSyncedAt(ctx context.Context, userID string, at time.Time) error
}

// A Cache provides the hot per-channel message cache. It is optional; a nil
// Cache disables write-through.
type Cache interface {
	ListMessages(ctx context.Context, cid, currentUserID string) ([]chat.Message, error)
	InsertMessage(ctx context.Context, msg chat.Message) error
	InsertReaction(ctx context.Context, cid string, r chat.Reaction) error
	DeleteReaction(ctx context.Context, cid, messageID, userID, reactionType string) error
	DeleteMessage(ctx context.Context, cid, messageID string) error
	DeleteChannel(ctx context.Context, cid string) error
}

// A Client is the live connection to the chat server.
type Client interface {
	QueryChannel(ctx context.Context, cid string) (chat.ChannelState, error)
	SendReaction(ctx context.Context, messageID string, r chat.Reaction, enforceUnique bool) error
	DeleteReaction(ctx context.Context, messageID, reactionType string) error
	DeleteMessage(ctx context.Context, messageID string) error
	Sync(ctx context.Context, cids []string, since time.Time) ([]chat.Event, error)
}

// An EventSource delivers server events. Subscribe returns an unsubscribe
// function.
type EventSource interface {
	Subscribe(fn func(chat.Event)) func()
}

// Manager applies server events and local optimistic updates to the store,
// the hot cache, and an in-memory channel list, and reconciles all three
// with the server after a reconnect.
type Manager struct {
	Logger *slog.Logger
	DB     DB
	Cache  Cache
	Client Client
	Source EventSource
	Val    *validator.Validator

	UserID                 string
	EnforceUniqueReactions bool
	LockChannelOrder       bool

	mu          sync.Mutex
	channels    []chat.ChannelState
	unsubscribe func()
	resyncing   atomic.Bool
}

// reactionTask is the payload of queued reaction deliveries.
type reactionTask struct {
	Reaction      chat.Reaction `json:"reaction"`
	EnforceUnique bool          `json:"enforce_unique,omitempty"`
}

// Start subscribes to the event source and runs an initial reconciliation.
// Calling Start on a started manager only re-runs the reconciliation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.unsubscribe == nil {
		m.unsubscribe = m.Source.Subscribe(func(ev chat.Event) {
			if err := m.HandleEvent(ctx, ev); err != nil {
				m.Logger.Error("Could not apply event", "type", ev.Type, "error", err.Error())
			}
		})
	}
	m.mu.Unlock()
	return m.Resync(ctx)
}

// Stop detaches the manager from the event source.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Channels returns a snapshot of the in-memory channel list.
func (m *Manager) Channels() []chat.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.ChannelState, len(m.channels))
	copy(out, m.channels)
	return out
}

// SeedChannels installs a fresh channel-list query result, persisting it
// under the query signature so the list can be restored offline.
func (m *Manager) SeedChannels(ctx context.Context, signature string, states []chat.ChannelState) error {
	if err := m.DB.SaveChannelStates(ctx, signature, states); err != nil {
		return fmt.Errorf("save channel states: %w", err)
	}
	m.mu.Lock()
	m.channels = state.UniqueByCID(states)
	m.mu.Unlock()
	return nil
}

// RestoreChannels loads a previously seeded channel-list query from the
// store and installs it as the in-memory list. A signature that has never
// been seeded returns chat.ErrNotFound.
func (m *Manager) RestoreChannels(ctx context.Context, signature string) ([]chat.ChannelState, error) {
	states, err := m.DB.GetChannelsForQuery(ctx, signature, m.UserID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.channels = state.UniqueByCID(states)
	m.mu.Unlock()
	return m.Channels(), nil
}

// Messages returns one channel's messages oldest first, serving from the
// hot cache when it holds the channel and falling back to the store
// otherwise. A cache read failure degrades to the store, never to an error.
func (m *Manager) Messages(ctx context.Context, cid string) ([]chat.Message, error) {
	if m.Cache != nil {
		msgs, err := m.Cache.ListMessages(ctx, cid, m.UserID)
		switch {
		case err != nil:
			m.Logger.Warn("Hot cache read failed, falling back to store", "cid", cid, "error", err.Error())
		case len(msgs) > 0:
			// The cache yields newest first; readers get chronological order.
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
			return msgs, nil
		}
	}
	return m.DB.GetChannelMessages(ctx, cid, m.UserID)
}

// AddReaction optimistically applies the current user's reaction to memory
// and store, then queues it for delivery. An unknown channel or message is
// a silent no-op.
func (m *Manager) AddReaction(ctx context.Context, cid, messageID, reactionType string) error {
	user := chat.User{ID: m.UserID}

	m.mu.Lock()
	i := indexOf(m.channels, cid)
	if i < 0 {
		m.mu.Unlock()
		return nil
	}
	r, op := state.AddReactionToLocalState(&m.channels[i], messageID, reactionType, user, m.EnforceUniqueReactions)
	counts := countsFor(m.channels[i], messageID)
	m.mu.Unlock()

	if op == state.PersistNone {
		return nil
	}
	if err := m.DB.SaveReaction(ctx, r, counts, op == state.PersistUpdate); err != nil {
		return fmt.Errorf("save reaction: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.InsertReaction(ctx, cid, r); err != nil {
			return fmt.Errorf("cache reaction: %w", err)
		}
	}

	payload, err := json.Marshal(reactionTask{Reaction: r, EnforceUnique: m.EnforceUniqueReactions})
	if err != nil {
		return fmt.Errorf("marshal reaction task: %w", err)
	}
	task, err := m.DB.AddPendingTask(ctx, sqlite.PendingTask{
		CID:       cid,
		MessageID: messageID,
		Kind:      sqlite.TaskSendReaction,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("queue reaction task: %w", err)
	}
	if err := m.Client.SendReaction(ctx, messageID, r, m.EnforceUniqueReactions); err != nil {
		m.Logger.Warn("Reaction not delivered, queued for resync",
			"message_id", messageID, "type", reactionType, "error", err.Error())
		return nil
	}
	return m.DB.DeletePendingTask(ctx, task.ID)
}

// RemoveReaction optimistically removes the current user's reaction and
// queues the deletion for delivery. An unknown channel, message, or
// reaction is a silent no-op.
func (m *Manager) RemoveReaction(ctx context.Context, cid, messageID, reactionType string) error {
	user := chat.User{ID: m.UserID}

	m.mu.Lock()
	i := indexOf(m.channels, cid)
	if i < 0 {
		m.mu.Unlock()
		return nil
	}
	r, op := state.RemoveReactionFromLocalState(&m.channels[i], messageID, reactionType, user)
	counts := countsFor(m.channels[i], messageID)
	m.mu.Unlock()

	if op == state.PersistNone {
		return nil
	}
	if err := m.DB.RemoveReaction(ctx, messageID, m.UserID, reactionType, counts); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.DeleteReaction(ctx, cid, messageID, m.UserID, reactionType); err != nil {
			return fmt.Errorf("uncache reaction: %w", err)
		}
	}

	payload, err := json.Marshal(reactionTask{Reaction: r})
	if err != nil {
		return fmt.Errorf("marshal reaction task: %w", err)
	}
	task, err := m.DB.AddPendingTask(ctx, sqlite.PendingTask{
		CID:       cid,
		MessageID: messageID,
		Kind:      sqlite.TaskDeleteReaction,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("queue reaction task: %w", err)
	}
	if err := m.Client.DeleteReaction(ctx, messageID, reactionType); err != nil {
		m.Logger.Warn("Reaction deletion not delivered, queued for resync",
			"message_id", messageID, "type", reactionType, "error", err.Error())
		return nil
	}
	return m.DB.DeletePendingTask(ctx, task.ID)
}

// DeleteMessage optimistically soft-deletes a message locally and queues
// the deletion for delivery.
func (m *Manager) DeleteMessage(ctx context.Context, cid, messageID string) error {
	at := time.Now()

	m.mu.Lock()
	if i := indexOf(m.channels, cid); i >= 0 {
		for _, msg := range m.channels[i].Messages {
			if msg.ID != messageID {
				continue
			}
			deleted := at
			msg.DeletedAt = &deleted
			msg.Type = "deleted"
			m.channels = state.UpdateChannelMessage(m.channels, msg)
			break
		}
	}
	m.mu.Unlock()

	if err := m.DB.SoftDeleteMessage(ctx, messageID, at); err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.DeleteMessage(ctx, cid, messageID); err != nil {
			return fmt.Errorf("uncache message: %w", err)
		}
	}

	task, err := m.DB.AddPendingTask(ctx, sqlite.PendingTask{
		CID:       cid,
		MessageID: messageID,
		Kind:      sqlite.TaskDeleteMessage,
	})
	if err != nil {
		return fmt.Errorf("queue message task: %w", err)
	}
	if err := m.Client.DeleteMessage(ctx, messageID); err != nil {
		m.Logger.Warn("Message deletion not delivered, queued for resync",
			"message_id", messageID, "error", err.Error())
		return nil
	}
	return m.DB.DeletePendingTask(ctx, task.ID)
}

// Resync replays events missed since the last watermark, advances the
// watermark, and delivers queued offline writes. At most one reconciliation
// runs at a time; concurrent calls are no-ops.
func (m *Manager) Resync(ctx context.Context) error {
	if !m.resyncing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.resyncing.Store(false)

	since, err := m.DB.LastSyncedAt(ctx, m.UserID)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		// First connection for this user; nothing to replay.
	case err != nil:
		return fmt.Errorf("load sync watermark: %w", err)
	default:
		cids := m.knownCIDs()
		if len(cids) > 0 {
			events, err := m.Client.Sync(ctx, cids, since)
			if err != nil {
				return fmt.Errorf("replay events: %w", err)
			}
			for _, ev := range events {
				if err := m.HandleEvent(ctx, ev); err != nil {
					m.Logger.Error("Could not apply replayed event", "type", ev.Type, "error", err.Error())
				}
			}
		}
	}

	if err := m.DB.SetLastSyncedAt(ctx, m.UserID, time.Now()); err != nil {
		return fmt.Errorf("set sync watermark: %w", err)
	}
	return m.runPendingTasks(ctx)
}

// runPendingTasks delivers queued offline writes oldest first. A task that
// fails stays queued for the next reconciliation; an unrecognized task is
// dropped.
func (m *Manager) runPendingTasks(ctx context.Context) error {
	tasks, err := m.DB.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	for _, task := range tasks {
		if err := m.runPendingTask(ctx, task); err != nil {
			m.Logger.Warn("Pending task not delivered, kept for next resync",
				"task_id", task.ID, "kind", task.Kind, "error", err.Error())
			continue
		}
		if err := m.DB.DeletePendingTask(ctx, task.ID); err != nil {
			return fmt.Errorf("delete pending task: %w", err)
		}
	}
	return nil
}

func (m *Manager) runPendingTask(ctx context.Context, task sqlite.PendingTask) error {
	switch task.Kind {
	case sqlite.TaskSendReaction:
		var rt reactionTask
		if err := json.Unmarshal(task.Payload, &rt); err != nil {
			m.Logger.Warn("Dropping corrupt pending task", "task_id", task.ID, "error", err.Error())
			return nil
		}
		return m.Client.SendReaction(ctx, task.MessageID, rt.Reaction, rt.EnforceUnique)
	case sqlite.TaskDeleteReaction:
		var rt reactionTask
		if err := json.Unmarshal(task.Payload, &rt); err != nil {
			m.Logger.Warn("Dropping corrupt pending task", "task_id", task.ID, "error", err.Error())
			return nil
		}
		return m.Client.DeleteReaction(ctx, task.MessageID, rt.Reaction.Type)
	case sqlite.TaskDeleteMessage:
		return m.Client.DeleteMessage(ctx, task.MessageID)
	default:
		m.Logger.Warn("Dropping unknown pending task", "task_id", task.ID, "kind", task.Kind)
		return nil
	}
}

func (m *Manager) knownCIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cids := make([]string, len(m.channels))
	for i, ch := range m.channels {
		cids[i] = ch.Channel.CID
	}
	return cids
}

func indexOf(channels []chat.ChannelState, cid string) int {
	for i, ch := range channels {
		if ch.Channel.CID == cid {
			return i
		}
	}
	return -1
}

func countsFor(ch chat.ChannelState, messageID string) map[string]int {
	for _, msg := range ch.Messages {
		if msg.ID == messageID {
			return msg.ReactionCounts
		}
	}
	return nil
}
