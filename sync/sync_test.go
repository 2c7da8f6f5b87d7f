package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/offlinekit/chatstore/chat"
	"github.com/offlinekit/chatstore/chat/validator"
	"github.com/offlinekit/chatstore/sqlite"
)

func newTestManager(t *testing.T, db *testdb, cache *testcache, client *testclient) *Manager {
	t.Helper()
	db.T = t
	if client != nil {
		client.T = t
	}
	m := &Manager{
		Logger:                 slogt.New(t),
		DB:                     db,
		Client:                 client,
		Source:                 &testsource{},
		Val:                    validator.New(),
		UserID:                 "u1",
		EnforceUniqueReactions: true,
	}
	if cache != nil {
		cache.T = t
		m.Cache = cache
	}
	return m
}

func seededChannels() []chat.ChannelState {
	return []chat.ChannelState{
		{
			Channel: chat.ChannelData{CID: "messaging:a", ID: "a", Type: "messaging"},
			Messages: []chat.Message{
				{ID: "m1", CID: "messaging:a", Text: "hello"},
			},
		},
		{
			Channel: chat.ChannelData{CID: "messaging:b", ID: "b", Type: "messaging"},
		},
	}
}

func TestManager_HandleEvent_MessageNew(t *testing.T) {
	var (
		applied chat.Message
		cached  chat.Message
	)
	db := &testdb{
		applyMessage: func(t *testing.T, msg chat.Message) error {
			applied = msg
			return nil
		},
	}
	cache := &testcache{
		insertMessage: func(t *testing.T, msg chat.Message) error {
			cached = msg
			return nil
		},
	}
	m := newTestManager(t, db, cache, &testclient{})
	m.channels = seededChannels()

	ev := chat.Event{
		Type: chat.EventMessageNew,
		CID:  "messaging:b",
		Message: &chat.Message{
			ID:   "m2",
			Text: "new in b",
		},
	}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if applied.ID != "m2" || applied.CID != "messaging:b" {
		t.Errorf("Applied message %+v, want m2 in messaging:b", applied)
	}
	if cached.ID != "m2" {
		t.Errorf("Cached message %+v, want m2", cached)
	}

	channels := m.Channels()
	if channels[0].Channel.CID != "messaging:b" {
		t.Errorf("Got front channel %s, want messaging:b", channels[0].Channel.CID)
	}
	if len(channels[0].Messages) != 1 || channels[0].Messages[0].ID != "m2" {
		t.Errorf("Got messages %+v, want m2 appended", channels[0].Messages)
	}
}

func TestManager_HandleEvent_MessageNewLockedOrder(t *testing.T) {
	m := newTestManager(t, &testdb{}, nil, &testclient{})
	m.LockChannelOrder = true
	m.channels = seededChannels()

	ev := chat.Event{
		Type:    chat.EventMessageNew,
		CID:     "messaging:b",
		Message: &chat.Message{ID: "m2", Text: "new"},
	}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	channels := m.Channels()
	if channels[0].Channel.CID != "messaging:a" {
		t.Errorf("Got front channel %s, want order untouched", channels[0].Channel.CID)
	}
}

func TestManager_HandleEvent_InvalidEventDropped(t *testing.T) {
	db := &testdb{
		applyMessage: func(t *testing.T, msg chat.Message) error {
			t.Error("ApplyMessage called for an invalid event")
			return nil
		},
	}
	m := newTestManager(t, db, nil, &testclient{})

	// Type is required; an empty one fails validation and is dropped.
	ev := chat.Event{Message: &chat.Message{ID: "m1"}}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func TestManager_HandleEvent_ChannelUpdatedMergePersisted(t *testing.T) {
	var persisted chat.ChannelData
	db := &testdb{
		upsertChannelData: func(t *testing.T, ch chat.ChannelData) error {
			persisted = ch
			return nil
		},
	}
	m := newTestManager(t, db, nil, &testclient{})
	hidden := true
	m.channels = []chat.ChannelState{
		{
			Channel: chat.ChannelData{
				CID:             "messaging:a",
				ID:              "a",
				Type:            "messaging",
				Name:            "Old name",
				Hidden:          &hidden,
				OwnCapabilities: []string{"send-message"},
			},
		},
	}

	// The event renames the channel but omits hidden and capabilities.
	ev := chat.Event{
		Type: chat.EventChannelUpdated,
		Channel: &chat.ChannelData{
			CID:  "messaging:a",
			ID:   "a",
			Type: "messaging",
			Name: "New name",
		},
	}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if persisted.Name != "New name" {
		t.Errorf("Got persisted name %q, want New name", persisted.Name)
	}
	if persisted.Hidden == nil || !*persisted.Hidden {
		t.Error("Omitted hidden flag was not preserved through the merge")
	}
	if diff := cmp.Diff([]string{"send-message"}, persisted.OwnCapabilities); diff != "" {
		t.Errorf("OwnCapabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_HandleEvent_ChannelDeleted(t *testing.T) {
	var deletedDB, deletedCache string
	db := &testdb{
		deleteChannel: func(t *testing.T, cid string) error {
			deletedDB = cid
			return nil
		},
	}
	cache := &testcache{
		deleteChannel: func(t *testing.T, cid string) error {
			deletedCache = cid
			return nil
		},
	}
	m := newTestManager(t, db, cache, &testclient{})
	m.channels = seededChannels()

	ev := chat.Event{Type: chat.EventChannelDeleted, CID: "messaging:a"}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if deletedDB != "messaging:a" || deletedCache != "messaging:a" {
		t.Errorf("Got db=%q cache=%q, want messaging:a in both", deletedDB, deletedCache)
	}
	for _, ch := range m.Channels() {
		if ch.Channel.CID == "messaging:a" {
			t.Error("Deleted channel still in the list")
		}
	}
}

func TestManager_HandleEvent_MemberRemovedSelf(t *testing.T) {
	db := &testdb{}
	m := newTestManager(t, db, nil, &testclient{})
	m.channels = seededChannels()

	ev := chat.Event{
		Type:   chat.EventMemberRemoved,
		CID:    "messaging:a",
		Member: &chat.Member{UserID: "u1"},
	}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	for _, ch := range m.Channels() {
		if ch.Channel.CID == "messaging:a" {
			t.Error("Channel still listed after the current user was removed")
		}
	}
}

func TestManager_HandleEvent_AddedToChannel(t *testing.T) {
	fetched := chat.ChannelState{
		Channel: chat.ChannelData{CID: "messaging:new", ID: "new", Type: "messaging"},
		Messages: []chat.Message{
			{ID: "m9", CID: "messaging:new", Text: "welcome"},
		},
	}
	var persisted chat.ChannelState
	db := &testdb{
		applyChannelState: func(t *testing.T, st chat.ChannelState) error {
			persisted = st
			return nil
		},
	}
	client := &testclient{
		queryChannel: func(t *testing.T, cid string) (chat.ChannelState, error) {
			if cid != "messaging:new" {
				t.Errorf("Got query for %s, want messaging:new", cid)
			}
			return fetched, nil
		},
	}
	m := newTestManager(t, db, nil, client)
	m.channels = seededChannels()

	ev := chat.Event{Type: chat.EventNotificationAddedToChannel, CID: "messaging:new"}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if persisted.Channel.CID != "messaging:new" {
		t.Errorf("Persisted %+v, want the fetched channel", persisted.Channel)
	}
	channels := m.Channels()
	if channels[0].Channel.CID != "messaging:new" {
		t.Errorf("Got front channel %s, want messaging:new prepended", channels[0].Channel.CID)
	}
	if len(channels) != 3 {
		t.Errorf("Got %d channels, want 3", len(channels))
	}
}

// Reaction events do not always carry a copy of the owning message. The
// store distinguishes nil counts (unknown, recount from rows) from an empty
// map (known zero), so the handler must pass nil through untouched.
func TestManager_HandleEvent_ReactionWithoutMessage(t *testing.T) {
	var (
		saved       chat.Reaction
		savedCounts map[string]int
		savedCalled bool
	)
	db := &testdb{
		saveReaction: func(t *testing.T, r chat.Reaction, counts map[string]int, update bool) error {
			saved = r
			savedCounts = counts
			savedCalled = true
			return nil
		},
	}
	m := newTestManager(t, db, nil, nil)
	m.channels = seededChannels()

	ev := chat.Event{
		Type: chat.EventReactionNew,
		CID:  "messaging:a",
		Reaction: &chat.Reaction{
			MessageID: "m1",
			UserID:    "u2",
			Type:      "like",
			Score:     1,
		},
	}
	if err := m.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if !savedCalled {
		t.Fatal("Reaction was not persisted")
	}
	if saved.UserID != "u2" || saved.Type != "like" {
		t.Errorf("Saved reaction %+v, want u2's like", saved)
	}
	if savedCounts != nil {
		t.Errorf("Got counts %v, want nil so the store recounts its rows", savedCounts)
	}
}

func TestManager_AddReaction(t *testing.T) {
	t.Run("DeliveredRemovesTask", func(t *testing.T) {
		var (
			saved       chat.Reaction
			savedUpdate bool
			queued      *sqlite.PendingTask
			deletedTask string
			sent        bool
		)
		db := &testdb{
			saveReaction: func(t *testing.T, r chat.Reaction, counts map[string]int, update bool) error {
				saved = r
				savedUpdate = update
				return nil
			},
			addPendingTask: func(t *testing.T, task sqlite.PendingTask) (sqlite.PendingTask, error) {
				task.ID = "task-1"
				queued = &task
				return task, nil
			},
			deletePendingTask: func(t *testing.T, id string) error {
				deletedTask = id
				return nil
			},
		}
		client := &testclient{
			sendReaction: func(t *testing.T, messageID string, r chat.Reaction, enforceUnique bool) error {
				sent = true
				if !enforceUnique {
					t.Error("Expected unique enforcement to be forwarded")
				}
				return nil
			},
		}
		m := newTestManager(t, db, nil, client)
		m.channels = seededChannels()

		if err := m.AddReaction(context.Background(), "messaging:a", "m1", "like"); err != nil {
			t.Fatal(err)
		}

		if saved.Type != "like" || saved.UserID != "u1" {
			t.Errorf("Saved reaction %+v, want a like by u1", saved)
		}
		if savedUpdate {
			t.Error("First reaction took the update path, want insert")
		}
		if queued == nil || queued.Kind != sqlite.TaskSendReaction {
			t.Fatalf("Queued task %+v, want a send-reaction task", queued)
		}
		if !sent {
			t.Error("Reaction was not sent to the client")
		}
		if deletedTask != "task-1" {
			t.Errorf("Got deleted task %q, want task-1", deletedTask)
		}

		// The optimistic update landed in memory.
		msg := m.Channels()[0].Messages[0]
		if diff := cmp.Diff(map[string]int{"like": 1}, msg.ReactionCounts); diff != "" {
			t.Errorf("ReactionCounts mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("SendFailureKeepsTask", func(t *testing.T) {
		var deleted bool
		db := &testdb{
			addPendingTask: func(t *testing.T, task sqlite.PendingTask) (sqlite.PendingTask, error) {
				task.ID = "task-1"
				return task, nil
			},
			deletePendingTask: func(t *testing.T, id string) error {
				deleted = true
				return nil
			},
		}
		client := &testclient{
			sendReaction: func(t *testing.T, messageID string, r chat.Reaction, enforceUnique bool) error {
				return errors.New("connection refused")
			},
		}
		m := newTestManager(t, db, nil, client)
		m.channels = seededChannels()

		if err := m.AddReaction(context.Background(), "messaging:a", "m1", "like"); err != nil {
			t.Fatalf("Got err %v, want offline send to be swallowed", err)
		}
		if deleted {
			t.Error("Task was deleted although delivery failed")
		}
	})

	t.Run("UnknownChannelNoop", func(t *testing.T) {
		db := &testdb{
			saveReaction: func(t *testing.T, r chat.Reaction, counts map[string]int, update bool) error {
				t.Error("SaveReaction called for an unknown channel")
				return nil
			},
		}
		m := newTestManager(t, db, nil, &testclient{})

		if err := m.AddReaction(context.Background(), "messaging:nope", "m1", "like"); err != nil {
			t.Fatal(err)
		}
	})
}

func TestManager_RemoveReaction(t *testing.T) {
	var (
		removed bool
		queued  []string
	)
	db := &testdb{
		removeReaction: func(t *testing.T, messageID, userID, reactionType string, counts map[string]int) error {
			removed = true
			if messageID != "m1" || userID != "u1" || reactionType != "like" {
				t.Errorf("Got %s/%s/%s", messageID, userID, reactionType)
			}
			if len(counts) != 0 {
				t.Errorf("Got counts %v, want the like key gone", counts)
			}
			return nil
		},
		addPendingTask: func(t *testing.T, task sqlite.PendingTask) (sqlite.PendingTask, error) {
			queued = append(queued, task.Kind)
			return task, nil
		},
	}
	m := newTestManager(t, db, nil, &testclient{})
	m.channels = seededChannels()

	// React first so there is something to remove.
	if err := m.AddReaction(context.Background(), "messaging:a", "m1", "like"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveReaction(context.Background(), "messaging:a", "m1", "like"); err != nil {
		t.Fatal(err)
	}

	if !removed {
		t.Error("RemoveReaction never reached the store")
	}
	want := []string{sqlite.TaskSendReaction, sqlite.TaskDeleteReaction}
	if diff := cmp.Diff(want, queued); diff != "" {
		t.Errorf("Queued task kinds mismatch (-want +got):\n%s", diff)
	}
	msg := m.Channels()[0].Messages[0]
	if len(msg.ReactionCounts) != 0 {
		t.Errorf("Got counts %v, want empty after unreact", msg.ReactionCounts)
	}
}

func TestManager_Resync(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var (
		applied     []string
		synced      []string
		watermarked bool
		sentTask    bool
		deletedTask string
	)
	db := &testdb{
		lastSyncedAt: func(t *testing.T, userID string) (time.Time, error) {
			return since, nil
		},
		setLastSyncedAt: func(t *testing.T, userID string, at time.Time) error {
			watermarked = true
			return nil
		},
		applyMessage: func(t *testing.T, msg chat.Message) error {
			applied = append(applied, msg.ID)
			return nil
		},
		pendingTasks: func(t *testing.T) ([]sqlite.PendingTask, error) {
			return []sqlite.PendingTask{
				{
					ID:        "task-1",
					CID:       "messaging:a",
					MessageID: "m1",
					Kind:      sqlite.TaskSendReaction,
					Payload:   []byte(`{"reaction":{"message_id":"m1","user_id":"u1","type":"like"}}`),
				},
			}, nil
		},
		deletePendingTask: func(t *testing.T, id string) error {
			deletedTask = id
			return nil
		},
	}
	client := &testclient{
		sync: func(t *testing.T, cids []string, got time.Time) ([]chat.Event, error) {
			synced = cids
			if !got.Equal(since) {
				t.Errorf("Got since %v, want %v", got, since)
			}
			return []chat.Event{
				{Type: chat.EventMessageNew, CID: "messaging:a", Message: &chat.Message{ID: "m7"}},
			}, nil
		},
		sendReaction: func(t *testing.T, messageID string, r chat.Reaction, enforceUnique bool) error {
			sentTask = true
			if r.Type != "like" {
				t.Errorf("Got queued reaction type %q, want like", r.Type)
			}
			return nil
		},
	}
	m := newTestManager(t, db, nil, client)
	m.channels = seededChannels()

	if err := m.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"messaging:a", "messaging:b"}, synced); diff != "" {
		t.Errorf("Synced cids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m7"}, applied); diff != "" {
		t.Errorf("Replayed messages mismatch (-want +got):\n%s", diff)
	}
	if !watermarked {
		t.Error("Watermark was not advanced")
	}
	if !sentTask {
		t.Error("Queued reaction was not delivered")
	}
	if deletedTask != "task-1" {
		t.Errorf("Got deleted task %q, want task-1", deletedTask)
	}
}

func TestManager_ResyncSingleFlight(t *testing.T) {
	db := &testdb{
		lastSyncedAt: func(t *testing.T, userID string) (time.Time, error) {
			t.Error("Resync ran while another was in flight")
			return time.Time{}, nil
		},
	}
	m := newTestManager(t, db, nil, &testclient{})
	m.resyncing.Store(true)

	if err := m.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManager_ResyncFirstRunSkipsReplay(t *testing.T) {
	var watermarked bool
	db := &testdb{
		setLastSyncedAt: func(t *testing.T, userID string, at time.Time) error {
			watermarked = true
			return nil
		},
	}
	client := &testclient{
		sync: func(t *testing.T, cids []string, since time.Time) ([]chat.Event, error) {
			t.Error("Sync called although no watermark exists")
			return nil, nil
		},
	}
	m := newTestManager(t, db, nil, client)
	m.channels = seededChannels()

	if err := m.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !watermarked {
		t.Error("First resync did not establish a watermark")
	}
}

func TestManager_Messages(t *testing.T) {
	t.Run("CacheHitChronological", func(t *testing.T) {
		cache := &testcache{
			listMessages: func(t *testing.T, cid, currentUserID string) ([]chat.Message, error) {
				// Newest first, as the hot cache returns them.
				return []chat.Message{{ID: "m2"}, {ID: "m1"}}, nil
			},
		}
		db := &testdb{
			getChannelMessages: func(t *testing.T, cid, currentUserID string) ([]chat.Message, error) {
				t.Error("Store read although the cache had the channel")
				return nil, nil
			},
		}
		m := newTestManager(t, db, cache, &testclient{})

		got, err := m.Messages(context.Background(), "messaging:a")
		if err != nil {
			t.Fatal(err)
		}
		ids := []string{got[0].ID, got[1].ID}
		if diff := cmp.Diff([]string{"m1", "m2"}, ids); diff != "" {
			t.Errorf("Order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("CacheMissFallsBackToStore", func(t *testing.T) {
		db := &testdb{
			getChannelMessages: func(t *testing.T, cid, currentUserID string) ([]chat.Message, error) {
				return []chat.Message{{ID: "m1"}}, nil
			},
		}
		m := newTestManager(t, db, &testcache{}, &testclient{})

		got, err := m.Messages(context.Background(), "messaging:a")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("Got %+v, want the store's m1", got)
		}
	})

	t.Run("CacheErrorDegradesToStore", func(t *testing.T) {
		cache := &testcache{
			listMessages: func(t *testing.T, cid, currentUserID string) ([]chat.Message, error) {
				return nil, errors.New("connection refused")
			},
		}
		db := &testdb{
			getChannelMessages: func(t *testing.T, cid, currentUserID string) ([]chat.Message, error) {
				return []chat.Message{{ID: "m1"}}, nil
			},
		}
		m := newTestManager(t, db, cache, &testclient{})

		got, err := m.Messages(context.Background(), "messaging:a")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Errorf("Got %d messages, want the store fallback", len(got))
		}
	})
}

func TestManager_StartStop(t *testing.T) {
	var applied []string
	db := &testdb{
		applyMessage: func(t *testing.T, msg chat.Message) error {
			applied = append(applied, msg.ID)
			return nil
		},
	}
	m := newTestManager(t, db, nil, &testclient{})
	source := &testsource{}
	m.Source = source
	m.channels = seededChannels()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	source.Emit(chat.Event{
		Type:    chat.EventMessageNew,
		CID:     "messaging:a",
		Message: &chat.Message{ID: "m5"},
	})
	if diff := cmp.Diff([]string{"m5"}, applied); diff != "" {
		t.Errorf("Applied messages mismatch (-want +got):\n%s", diff)
	}

	m.Stop()
	source.Emit(chat.Event{
		Type:    chat.EventMessageNew,
		CID:     "messaging:a",
		Message: &chat.Message{ID: "m6"},
	})
	if len(applied) != 1 {
		t.Error("Event was applied after Stop")
	}
}

func TestManager_RestoreChannels(t *testing.T) {
	db := &testdb{
		getChannelsForQuery: func(t *testing.T, signature, currentUserID string) ([]chat.ChannelState, error) {
			if signature == "known" {
				return seededChannels(), nil
			}
			return nil, chat.ErrNotFound
		},
	}
	m := newTestManager(t, db, nil, &testclient{})

	channels, err := m.RestoreChannels(context.Background(), "known")
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Errorf("Got %d channels, want 2", len(channels))
	}

	if _, err := m.RestoreChannels(context.Background(), "unknown"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Got err %v, want chat.ErrNotFound", err)
	}
}

type testdb struct {
	T                   *testing.T
	upsertChannelData   func(t *testing.T, ch chat.ChannelData) error
	deleteChannel       func(t *testing.T, cid string) error
	applyMessage        func(t *testing.T, msg chat.Message) error
	getChannelMessages  func(t *testing.T, cid, currentUserID string) ([]chat.Message, error)
	softDeleteMessage   func(t *testing.T, messageID string, at time.Time) error
	saveReaction        func(t *testing.T, r chat.Reaction, counts map[string]int, update bool) error
	removeReaction      func(t *testing.T, messageID, userID, reactionType string, counts map[string]int) error
	applyMember         func(t *testing.T, m chat.Member) error
	removeMember        func(t *testing.T, cid, userID string) error
	applyRead           func(t *testing.T, rd chat.Read) error
	applyChannelState   func(t *testing.T, st chat.ChannelState) error
	saveChannelStates   func(t *testing.T, signature string, states []chat.ChannelState) error
	getChannelsForQuery func(t *testing.T, signature, currentUserID string) ([]chat.ChannelState, error)
	addPendingTask      func(t *testing.T, task sqlite.PendingTask) (sqlite.PendingTask, error)
	pendingTasks        func(t *testing.T) ([]sqlite.PendingTask, error)
	deletePendingTask   func(t *testing.T, id string) error
	lastSyncedAt        func(t *testing.T, userID string) (time.Time, error)
	setLastSyncedAt     func(t *testing.T, userID string, at time.Time) error
}

func (db *testdb) UpsertChannelData(_ context.Context, ch chat.ChannelData) error {
	if db.upsertChannelData == nil {
		return nil
	}
	return db.upsertChannelData(db.T, ch)
}

func (db *testdb) DeleteChannel(_ context.Context, cid string) error {
	if db.deleteChannel == nil {
		return nil
	}
	return db.deleteChannel(db.T, cid)
}

func (db *testdb) ApplyMessage(_ context.Context, msg chat.Message) error {
	if db.applyMessage == nil {
		return nil
	}
	return db.applyMessage(db.T, msg)
}

func (db *testdb) GetChannelMessages(_ context.Context, cid, currentUserID string) ([]chat.Message, error) {
	if db.getChannelMessages == nil {
		return nil, nil
	}
	return db.getChannelMessages(db.T, cid, currentUserID)
}

func (db *testdb) SoftDeleteMessage(_ context.Context, messageID string, at time.Time) error {
	if db.softDeleteMessage == nil {
		return nil
	}
	return db.softDeleteMessage(db.T, messageID, at)
}

func (db *testdb) SaveReaction(_ context.Context, r chat.Reaction, counts map[string]int, update bool) error {
	if db.saveReaction == nil {
		return nil
	}
	return db.saveReaction(db.T, r, counts, update)
}

func (db *testdb) RemoveReaction(_ context.Context, messageID, userID, reactionType string, counts map[string]int) error {
	if db.removeReaction == nil {
		return nil
	}
	return db.removeReaction(db.T, messageID, userID, reactionType, counts)
}

func (db *testdb) ApplyMember(_ context.Context, m chat.Member) error {
	if db.applyMember == nil {
		return nil
	}
	return db.applyMember(db.T, m)
}

func (db *testdb) RemoveMember(_ context.Context, cid, userID string) error {
	if db.removeMember == nil {
		return nil
	}
	return db.removeMember(db.T, cid, userID)
}

func (db *testdb) ApplyRead(_ context.Context, rd chat.Read) error {
	if db.applyRead == nil {
		return nil
	}
	return db.applyRead(db.T, rd)
}

func (db *testdb) ApplyChannelState(_ context.Context, st chat.ChannelState) error {
	if db.applyChannelState == nil {
		return nil
	}
	return db.applyChannelState(db.T, st)
}

func (db *testdb) SaveChannelStates(_ context.Context, signature string, states []chat.ChannelState) error {
	if db.saveChannelStates == nil {
		return nil
	}
	return db.saveChannelStates(db.T, signature, states)
}

func (db *testdb) GetChannelsForQuery(_ context.Context, signature, currentUserID string) ([]chat.ChannelState, error) {
	if db.getChannelsForQuery == nil {
		return nil, chat.ErrNotFound
	}
	return db.getChannelsForQuery(db.T, signature, currentUserID)
}

func (db *testdb) AddPendingTask(_ context.Context, task sqlite.PendingTask) (sqlite.PendingTask, error) {
	if db.addPendingTask == nil {
		return task, nil
	}
	return db.addPendingTask(db.T, task)
}

func (db *testdb) PendingTasks(_ context.Context) ([]sqlite.PendingTask, error) {
	if db.pendingTasks == nil {
		return nil, nil
	}
	return db.pendingTasks(db.T)
}

func (db *testdb) DeletePendingTask(_ context.Context, id string) error {
	if db.deletePendingTask == nil {
		return nil
	}
	return db.deletePendingTask(db.T, id)
}

func (db *testdb) LastSyncedAt(_ context.Context, userID string) (time.Time, error) {
	if db.lastSyncedAt == nil {
		return time.Time{}, chat.ErrNotFound
	}
	return db.lastSyncedAt(db.T, userID)
}

func (db *testdb) SetLastSyncedAt(_ context.Context, userID string, at time.Time) error {
	if db.setLastSyncedAt == nil {
		return nil
	}
	return db.setLastSyncedAt(db.T, userID, at)
}

type testcache struct {
	T              *testing.T
	listMessages   func(t *testing.T, cid, currentUserID string) ([]chat.Message, error)
	insertMessage  func(t *testing.T, msg chat.Message) error
	insertReaction func(t *testing.T, cid string, r chat.Reaction) error
	deleteReaction func(t *testing.T, cid, messageID, userID, reactionType string) error
	deleteMessage  func(t *testing.T, cid, messageID string) error
	deleteChannel  func(t *testing.T, cid string) error
}

func (c *testcache) ListMessages(_ context.Context, cid, currentUserID string) ([]chat.Message, error) {
	if c.listMessages == nil {
		return nil, nil
	}
	return c.listMessages(c.T, cid, currentUserID)
}

func (c *testcache) InsertMessage(_ context.Context, msg chat.Message) error {
	if c.insertMessage == nil {
		return nil
	}
	return c.insertMessage(c.T, msg)
}

func (c *testcache) InsertReaction(_ context.Context, cid string, r chat.Reaction) error {
	if c.insertReaction == nil {
		return nil
	}
	return c.insertReaction(c.T, cid, r)
}

func (c *testcache) DeleteReaction(_ context.Context, cid, messageID, userID, reactionType string) error {
	if c.deleteReaction == nil {
		return nil
	}
	return c.deleteReaction(c.T, cid, messageID, userID, reactionType)
}

func (c *testcache) DeleteMessage(_ context.Context, cid, messageID string) error {
	if c.deleteMessage == nil {
		return nil
	}
	return c.deleteMessage(c.T, cid, messageID)
}

func (c *testcache) DeleteChannel(_ context.Context, cid string) error {
	if c.deleteChannel == nil {
		return nil
	}
	return c.deleteChannel(c.T, cid)
}

type testclient struct {
	T              *testing.T
	queryChannel   func(t *testing.T, cid string) (chat.ChannelState, error)
	sendReaction   func(t *testing.T, messageID string, r chat.Reaction, enforceUnique bool) error
	deleteReaction func(t *testing.T, messageID, reactionType string) error
	deleteMessage  func(t *testing.T, messageID string) error
	sync           func(t *testing.T, cids []string, since time.Time) ([]chat.Event, error)
}

func (c *testclient) QueryChannel(_ context.Context, cid string) (chat.ChannelState, error) {
	if c.queryChannel == nil {
		return chat.ChannelState{}, chat.ErrNotFound
	}
	return c.queryChannel(c.T, cid)
}

func (c *testclient) SendReaction(_ context.Context, messageID string, r chat.Reaction, enforceUnique bool) error {
	if c.sendReaction == nil {
		return nil
	}
	return c.sendReaction(c.T, messageID, r, enforceUnique)
}

func (c *testclient) DeleteReaction(_ context.Context, messageID, reactionType string) error {
	if c.deleteReaction == nil {
		return nil
	}
	return c.deleteReaction(c.T, messageID, reactionType)
}

func (c *testclient) DeleteMessage(_ context.Context, messageID string) error {
	if c.deleteMessage == nil {
		return nil
	}
	return c.deleteMessage(c.T, messageID)
}

func (c *testclient) Sync(_ context.Context, cids []string, since time.Time) ([]chat.Event, error) {
	if c.sync == nil {
		return nil, nil
	}
	return c.sync(c.T, cids, since)
}

// testsource is an EventSource whose events are pushed by the test.
type testsource struct {
	fn func(chat.Event)
}

func (s *testsource) Subscribe(fn func(chat.Event)) func() {
	s.fn = fn
	return func() { s.fn = nil }
}

func (s *testsource) Emit(ev chat.Event) {
	if s.fn != nil {
		s.fn(ev)
	}
}
