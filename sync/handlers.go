package sync

import (
	"context"
	"fmt"

	"github.com/offlinekit/chatstore/chat"
	"github.com/offlinekit/chatstore/state"
)

// HandleEvent validates one server event and routes it to its handler.
// Events that fail validation or carry a type this layer does not track are
// dropped with a log line, not an error.
func (m *Manager) HandleEvent(ctx context.Context, ev chat.Event) error {
	if errs := m.Val.ValidateStruct(ev); len(errs) > 0 {
		m.Logger.Warn("Dropping invalid event", "type", ev.Type, "errors", fmt.Sprintf("%v", errs))
		return nil
	}

	switch ev.Type {
	case chat.EventMessageNew:
		return m.handleMessageNew(ctx, ev)
	case chat.EventMessageUpdated:
		return m.handleMessageUpdated(ctx, ev)
	case chat.EventMessageDeleted:
		return m.handleMessageDeleted(ctx, ev)
	case chat.EventMessageRead:
		return m.handleMessageRead(ctx, ev)
	case chat.EventReactionNew:
		return m.handleReaction(ctx, ev, false)
	case chat.EventReactionUpdated:
		return m.handleReaction(ctx, ev, true)
	case chat.EventReactionDeleted:
		return m.handleReactionDeleted(ctx, ev)
	case chat.EventChannelUpdated:
		return m.handleChannelUpdated(ctx, ev)
	case chat.EventChannelDeleted:
		return m.handleChannelDeleted(ctx, ev)
	case chat.EventChannelHidden:
		return m.handleChannelHidden(ctx, ev)
	case chat.EventChannelVisible:
		return m.handleChannelVisible(ctx, ev)
	case chat.EventMemberAdded, chat.EventMemberUpdated:
		return m.handleMemberUpserted(ctx, ev)
	case chat.EventMemberRemoved:
		return m.handleMemberRemoved(ctx, ev)
	case chat.EventNotificationNewMessage:
		return m.handleNotificationNewMessage(ctx, ev)
	case chat.EventNotificationAddedToChannel, chat.EventNotificationInviteAccepted:
		return m.handleAddedToChannel(ctx, ev)
	case chat.EventConnectionChanged:
		if ev.Online {
			return m.Resync(ctx)
		}
		m.Logger.Info("Connection lost, writes will queue until reconnect")
		return nil
	case chat.EventHealthCheck:
		return nil
	default:
		m.Logger.Debug("Ignoring event", "type", ev.Type)
		return nil
	}
}

func (m *Manager) handleMessageNew(ctx context.Context, ev chat.Event) error {
	if ev.Message == nil {
		return nil
	}
	msg := *ev.Message
	if msg.CID == "" {
		msg.CID = ev.CID
	}

	if err := m.DB.ApplyMessage(ctx, msg); err != nil {
		return fmt.Errorf("apply message: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("cache message: %w", err)
		}
	}

	m.mu.Lock()
	m.channels = state.AppendChannelMessage(m.channels, msg)
	m.channels = state.MoveChannelUp(m.channels, msg.CID, m.LockChannelOrder)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleMessageUpdated(ctx context.Context, ev chat.Event) error {
	if ev.Message == nil {
		return nil
	}
	msg := *ev.Message
	if msg.CID == "" {
		msg.CID = ev.CID
	}

	if err := m.DB.ApplyMessage(ctx, msg); err != nil {
		return fmt.Errorf("apply message: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("cache message: %w", err)
		}
	}

	m.mu.Lock()
	m.channels = state.UpdateChannelMessage(m.channels, msg)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleMessageDeleted(ctx context.Context, ev chat.Event) error {
	if ev.Message == nil {
		return nil
	}
	msg := *ev.Message
	if msg.CID == "" {
		msg.CID = ev.CID
	}
	at := ev.CreatedAt
	if msg.DeletedAt != nil {
		at = *msg.DeletedAt
	} else {
		msg.DeletedAt = &at
	}
	msg.Type = "deleted"

	if err := m.DB.SoftDeleteMessage(ctx, msg.ID, at); err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.DeleteMessage(ctx, msg.CID, msg.ID); err != nil {
			return fmt.Errorf("uncache message: %w", err)
		}
	}

	m.mu.Lock()
	m.channels = state.UpdateChannelMessage(m.channels, msg)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleMessageRead(ctx context.Context, ev chat.Event) error {
	if ev.User == nil || ev.CID == "" {
		return nil
	}
	rd := chat.Read{
		CID:      ev.CID,
		UserID:   ev.User.ID,
		User:     ev.User,
		LastRead: ev.CreatedAt,
	}
	if err := m.DB.ApplyRead(ctx, rd); err != nil {
		return fmt.Errorf("apply read: %w", err)
	}

	m.mu.Lock()
	if i := indexOf(m.channels, ev.CID); i >= 0 {
		m.channels[i].Reads = upsertRead(m.channels[i].Reads, rd)
	}
	m.mu.Unlock()
	return nil
}

// handleReaction applies a server-confirmed reaction. When the event
// carries a fresh copy of the owning message its counts are authoritative
// and overwrite whatever the optimistic update produced locally; without
// one the store recounts from its own reaction rows.
func (m *Manager) handleReaction(ctx context.Context, ev chat.Event, update bool) error {
	if ev.Reaction == nil {
		return nil
	}
	counts := eventCounts(ev)

	if err := m.DB.SaveReaction(ctx, *ev.Reaction, counts, update); err != nil {
		return fmt.Errorf("save reaction: %w", err)
	}
	if m.Cache != nil && ev.CID != "" {
		if err := m.Cache.InsertReaction(ctx, ev.CID, *ev.Reaction); err != nil {
			return fmt.Errorf("cache reaction: %w", err)
		}
	}

	m.updateEventMessage(ev)
	return nil
}

func (m *Manager) handleReactionDeleted(ctx context.Context, ev chat.Event) error {
	if ev.Reaction == nil {
		return nil
	}
	r := *ev.Reaction
	counts := eventCounts(ev)

	if err := m.DB.RemoveReaction(ctx, r.MessageID, r.UserID, r.Type, counts); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if m.Cache != nil && ev.CID != "" {
		if err := m.Cache.DeleteReaction(ctx, ev.CID, r.MessageID, r.UserID, r.Type); err != nil {
			return fmt.Errorf("uncache reaction: %w", err)
		}
	}

	m.updateEventMessage(ev)
	return nil
}

func (m *Manager) handleChannelUpdated(ctx context.Context, ev chat.Event) error {
	if ev.Channel == nil {
		return nil
	}

	// Merge before persisting so fields the event omits keep their locally
	// known values in the store too, not just in memory.
	m.mu.Lock()
	m.channels = state.UpdateChannel(m.channels, *ev.Channel)
	merged := *ev.Channel
	if i := indexOf(m.channels, ev.Channel.CID); i >= 0 {
		merged = m.channels[i].Channel
	}
	m.mu.Unlock()

	if err := m.DB.UpsertChannelData(ctx, merged); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func (m *Manager) handleChannelDeleted(ctx context.Context, ev chat.Event) error {
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	if err := m.DB.DeleteChannel(ctx, cid); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if m.Cache != nil {
		if err := m.Cache.DeleteChannel(ctx, cid); err != nil {
			return fmt.Errorf("uncache channel: %w", err)
		}
	}

	m.mu.Lock()
	m.channels = state.RemoveChannel(m.channels, cid)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleChannelHidden(ctx context.Context, ev chat.Event) error {
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	m.mu.Lock()
	data := channelDataFor(m.channels, ev, cid)
	m.channels = state.RemoveChannel(m.channels, cid)
	m.mu.Unlock()

	hidden := true
	data.Hidden = &hidden
	if err := m.DB.UpsertChannelData(ctx, data); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func (m *Manager) handleChannelVisible(ctx context.Context, ev chat.Event) error {
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	m.mu.Lock()
	data := channelDataFor(m.channels, ev, cid)
	m.mu.Unlock()

	hidden := false
	data.Hidden = &hidden
	if err := m.DB.UpsertChannelData(ctx, data); err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}

	m.mu.Lock()
	if i := indexOf(m.channels, cid); i >= 0 {
		m.channels = state.UpdateChannel(m.channels, data)
	} else {
		m.channels = state.PrependChannel(m.channels, chat.ChannelState{Channel: data})
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleMemberUpserted(ctx context.Context, ev chat.Event) error {
	if ev.Member == nil {
		return nil
	}
	member := *ev.Member
	if member.CID == "" {
		member.CID = ev.CID
	}

	if err := m.DB.ApplyMember(ctx, member); err != nil {
		return fmt.Errorf("apply member: %w", err)
	}

	m.mu.Lock()
	if i := indexOf(m.channels, member.CID); i >= 0 {
		m.channels[i].Members = upsertMember(m.channels[i].Members, member)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleMemberRemoved(ctx context.Context, ev chat.Event) error {
	if ev.Member == nil {
		return nil
	}
	cid := ev.Member.CID
	if cid == "" {
		cid = ev.CID
	}
	if cid == "" {
		return nil
	}

	if err := m.DB.RemoveMember(ctx, cid, ev.Member.UserID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	m.mu.Lock()
	if ev.Member.UserID == m.UserID {
		// The current user lost access; the channel leaves the list.
		m.channels = state.RemoveChannel(m.channels, cid)
	} else if i := indexOf(m.channels, cid); i >= 0 {
		m.channels[i].Members = removeMember(m.channels[i].Members, ev.Member.UserID)
	}
	m.mu.Unlock()
	return nil
}

// handleNotificationNewMessage covers messages in channels the user is not
// watching. A channel already in the list takes the plain new-message path;
// an unknown one is fetched from the server first.
func (m *Manager) handleNotificationNewMessage(ctx context.Context, ev chat.Event) error {
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	m.mu.Lock()
	known := indexOf(m.channels, cid) >= 0
	m.mu.Unlock()

	if known {
		return m.handleMessageNew(ctx, ev)
	}
	return m.handleAddedToChannel(ctx, ev)
}

// handleAddedToChannel fetches and watches the full channel from the server
// before prepending it, so the list entry carries messages, members and
// reads rather than just the notification payload.
func (m *Manager) handleAddedToChannel(ctx context.Context, ev chat.Event) error {
	cid := eventCID(ev)
	if cid == "" {
		return nil
	}

	st, err := m.Client.QueryChannel(ctx, cid)
	if err != nil {
		return fmt.Errorf("query channel %s: %w", cid, err)
	}
	if err := m.DB.ApplyChannelState(ctx, st); err != nil {
		return fmt.Errorf("apply channel state: %w", err)
	}

	m.mu.Lock()
	m.channels = state.PrependChannel(m.channels, st)
	m.mu.Unlock()
	return nil
}

// updateEventMessage refreshes the in-memory copy of the message attached
// to a reaction event, when the event carries one.
func (m *Manager) updateEventMessage(ev chat.Event) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	if msg.CID == "" {
		msg.CID = ev.CID
	}
	m.mu.Lock()
	m.channels = state.UpdateChannelMessage(m.channels, msg)
	m.mu.Unlock()
}

func eventCID(ev chat.Event) string {
	if ev.CID != "" {
		return ev.CID
	}
	if ev.Channel != nil {
		return ev.Channel.CID
	}
	return ""
}

// eventCounts returns the authoritative reaction counts carried by the
// event's message payload. Nil means the event did not say; the store then
// recomputes counts from its reaction rows instead of overwriting them.
func eventCounts(ev chat.Event) map[string]int {
	if ev.Message == nil {
		return nil
	}
	return ev.Message.ReactionCounts
}

// channelDataFor resolves the best known channel data for cid: the list
// entry if present, else the event payload, else a bare cid-only record.
func channelDataFor(channels []chat.ChannelState, ev chat.Event, cid string) chat.ChannelData {
	if i := indexOf(channels, cid); i >= 0 {
		return channels[i].Channel
	}
	if ev.Channel != nil {
		return *ev.Channel
	}
	data := chat.ChannelData{CID: cid}
	if chType, chID, err := chat.ParseCID(cid); err == nil {
		data.Type = chType
		data.ID = chID
	}
	return data
}

func upsertMember(members []chat.Member, member chat.Member) []chat.Member {
	for i, existing := range members {
		if existing.UserID == member.UserID {
			out := make([]chat.Member, len(members))
			copy(out, members)
			out[i] = member
			return out
		}
	}
	return append(members[:len(members):len(members)], member)
}

func removeMember(members []chat.Member, userID string) []chat.Member {
	out := make([]chat.Member, 0, len(members))
	for _, m := range members {
		if m.UserID == userID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func upsertRead(reads []chat.Read, rd chat.Read) []chat.Read {
	for i, existing := range reads {
		if existing.UserID == rd.UserID {
			out := make([]chat.Read, len(reads))
			copy(out, reads)
			out[i] = rd
			return out
		}
	}
	return append(reads[:len(reads):len(reads)], rd)
}
