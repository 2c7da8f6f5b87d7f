// Package state applies optimistic updates and server events to in-memory
// channel state. The channel-list reducers are pure: they return new slices
// and leave their inputs untouched. The reaction functions update the given
// ChannelState but always build fresh reaction slices and counts maps, so
// no nested data is shared with previously returned snapshots. Each mutator
// also reports the store write that mirrors the change.
package state

import (
	"time"

	"github.com/offlinekit/chatstore/chat"
)

// PersistOp names the store write that must follow an in-memory reaction
// change. PersistNone means the change was a no-op (lookup miss) and nothing
// should be written.
type PersistOp int

const (
	PersistNone PersistOp = iota
	PersistInsert
	PersistUpdate
	PersistDelete
)

func (op PersistOp) String() string {
	switch op {
	case PersistInsert:
		return "insert"
	case PersistUpdate:
		return "update"
	case PersistDelete:
		return "delete"
	}
	return "none"
}

// AddReactionToLocalState applies an optimistic reaction by user on the
// message with the given id inside ch. The reaction is synthesized with
// client-generated timestamps; the server has not confirmed it yet.
//
// With enforceUnique set, any prior reaction by the same user is retired
// first: it is removed from own_reactions and latest_reactions and its
// type's count is decremented (the key is dropped at zero, never left
// negative). The returned op is PersistUpdate in that case, since a row for
// (message, user) conceptually already exists, and PersistInsert otherwise.
//
// A message id that is not present locally is a harmless skip: PersistNone.
func AddReactionToLocalState(ch *chat.ChannelState, messageID, reactionType string, user chat.User, enforceUnique bool) (chat.Reaction, PersistOp) {
	i := indexOfMessage(ch.Messages, messageID)
	if i < 0 || user.ID == "" {
		return chat.Reaction{}, PersistNone
	}

	now := time.Now()
	reaction := chat.Reaction{
		MessageID: messageID,
		UserID:    user.ID,
		Type:      reactionType,
		Score:     1,
		User:      &user,
		CreatedAt: now,
		UpdatedAt: now,
	}

	msg := ch.Messages[i]
	counts := cloneCounts(msg.ReactionCounts)
	op := PersistInsert

	if enforceUnique {
		own, removedOwn := withoutUser(msg.OwnReactions, user.ID)
		latest, _ := withoutUser(msg.LatestReactions, user.ID)
		for _, prev := range removedOwn {
			decrement(counts, prev.Type)
		}
		if len(removedOwn) > 0 {
			op = PersistUpdate
		}
		msg.OwnReactions = own
		msg.LatestReactions = latest
	} else {
		msg.OwnReactions = cloneReactions(msg.OwnReactions)
		msg.LatestReactions = cloneReactions(msg.LatestReactions)
	}

	counts[reactionType]++
	msg.ReactionCounts = counts
	msg.OwnReactions = append(msg.OwnReactions, reaction)
	msg.LatestReactions = append(msg.LatestReactions, reaction)
	ch.Messages[i] = msg

	return reaction, op
}

// RemoveReactionFromLocalState removes user's reaction of the given type
// from the message with the given id inside ch. The type's count entry is
// decremented and deleted entirely at zero, so the counts map never carries
// zero-valued keys. A missing message or empty user id is a harmless skip.
func RemoveReactionFromLocalState(ch *chat.ChannelState, messageID, reactionType string, user chat.User) (chat.Reaction, PersistOp) {
	i := indexOfMessage(ch.Messages, messageID)
	if i < 0 || user.ID == "" {
		return chat.Reaction{}, PersistNone
	}

	msg := ch.Messages[i]

	own := make([]chat.Reaction, 0, len(msg.OwnReactions))
	for _, r := range msg.OwnReactions {
		if r.Type == reactionType {
			continue
		}
		own = append(own, r)
	}

	latest := make([]chat.Reaction, 0, len(msg.LatestReactions))
	for _, r := range msg.LatestReactions {
		if r.UserID == user.ID && r.Type == reactionType {
			continue
		}
		latest = append(latest, r)
	}

	counts := cloneCounts(msg.ReactionCounts)
	decrement(counts, reactionType)

	msg.OwnReactions = own
	msg.LatestReactions = latest
	msg.ReactionCounts = counts
	ch.Messages[i] = msg

	removed := chat.Reaction{
		MessageID: messageID,
		UserID:    user.ID,
		Type:      reactionType,
		User:      &user,
	}
	return removed, PersistDelete
}

func indexOfMessage(msgs []chat.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// withoutUser filters out every reaction authored by userID, returning the
// kept reactions as a fresh slice plus the removed ones.
func withoutUser(reactions []chat.Reaction, userID string) (kept, removed []chat.Reaction) {
	kept = make([]chat.Reaction, 0, len(reactions))
	for _, r := range reactions {
		if r.UserID == userID {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, removed
}

func cloneReactions(reactions []chat.Reaction) []chat.Reaction {
	out := make([]chat.Reaction, len(reactions))
	copy(out, reactions)
	return out
}

func cloneCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

// decrement lowers the count for a reaction type, dropping the key once it
// reaches zero. Counts never go negative.
func decrement(counts map[string]int, reactionType string) {
	if n, ok := counts[reactionType]; ok {
		if n > 1 {
			counts[reactionType] = n - 1
		} else {
			delete(counts, reactionType)
		}
	}
}
