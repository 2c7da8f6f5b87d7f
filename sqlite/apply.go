package sqlite

import (
	"context"
	"time"

	"github.com/offlinekit/chatstore/chat"
)

// The methods in this file are the default, flush-immediately write paths
// used by event application. Each builds a single-purpose Batch and commits
// it; callers that need to compose writes across entities build a Batch
// themselves and call Flush once.

// UpsertChannelData persists channel-level data whenever a channel object is
// observed in a query response or event payload.
func (s *Store) UpsertChannelData(ctx context.Context, ch chat.ChannelData) error {
	b := new(Batch)
	if err := b.UpsertChannel(ch); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// ApplyMessage persists a message together with its sender and any reactions
// riding on the payload, all in one transaction.
func (s *Store) ApplyMessage(ctx context.Context, msg chat.Message) error {
	b := new(Batch)
	if err := batchMessage(b, msg); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// SoftDeleteMessage marks a message deleted without removing the row.
func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string, at time.Time) error {
	b := new(Batch)
	b.SoftDeleteMessage(messageID, at)
	return s.Flush(ctx, b)
}

// SaveReaction persists one reaction plus the owning message's rewritten
// reaction counts. With update set it takes the replace path used under
// unique-reaction enforcement, where a prior row for the user already
// exists. Nil counts are recomputed from the reaction rows in the same
// transaction.
func (s *Store) SaveReaction(ctx context.Context, r chat.Reaction, counts map[string]int, update bool) error {
	b := new(Batch)
	if r.User != nil {
		if err := b.UpsertUsers(*r.User); err != nil {
			return err
		}
	}
	var err error
	if update {
		err = b.UpdateReaction(r, counts)
	} else {
		err = b.InsertReaction(r, counts)
	}
	if err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// RemoveReaction deletes one reaction row and rewrites the owning message's
// counts in the same transaction. Nil counts are recomputed from the
// remaining reaction rows.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, reactionType string, counts map[string]int) error {
	b := new(Batch)
	if err := b.DeleteReaction(messageID, userID, reactionType, counts); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// DeleteChannel removes a channel and every row scoped to it in one
// transaction.
func (s *Store) DeleteChannel(ctx context.Context, cid string) error {
	b := new(Batch)
	b.DeleteChannel(cid)
	return s.Flush(ctx, b)
}

// ApplyMember persists one channel membership (and its user, when present).
func (s *Store) ApplyMember(ctx context.Context, m chat.Member) error {
	b := new(Batch)
	if m.User != nil {
		if err := b.UpsertUsers(*m.User); err != nil {
			return err
		}
	}
	if err := b.UpsertMembers(m); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// RemoveMember deletes one channel membership.
func (s *Store) RemoveMember(ctx context.Context, cid, userID string) error {
	b := new(Batch)
	b.DeleteMember(cid, userID)
	return s.Flush(ctx, b)
}

// ApplyRead persists one read state (and its user, when present).
func (s *Store) ApplyRead(ctx context.Context, rd chat.Read) error {
	b := new(Batch)
	if rd.User != nil {
		if err := b.UpsertUsers(*rd.User); err != nil {
			return err
		}
	}
	if err := b.UpsertReads(rd); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// ApplyUser persists one user.
func (s *Store) ApplyUser(ctx context.Context, u chat.User) error {
	b := new(Batch)
	if err := b.UpsertUsers(u); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// ApplyChannelState persists a full channel object graph: the channel data
// plus its members, reads and messages, in one transaction. Used when a
// channel is fetched from the network so the next offline read can
// reconstruct it.
func (s *Store) ApplyChannelState(ctx context.Context, st chat.ChannelState) error {
	b := new(Batch)
	if err := batchChannelState(b, st); err != nil {
		return err
	}
	return s.Flush(ctx, b)
}

// SaveChannelStates persists a channel-list query result: the memoized cid
// order under the query's signature plus every channel graph, atomically.
func (s *Store) SaveChannelStates(ctx context.Context, signature string, states []chat.ChannelState) error {
	b := new(Batch)
	cids := make([]string, len(states))
	for i, st := range states {
		cids[i] = st.Channel.CID
	}
	if err := b.UpsertQueryCIDs(signature, cids); err != nil {
		return err
	}
	for _, st := range states {
		if err := batchChannelState(b, st); err != nil {
			return err
		}
	}
	return s.Flush(ctx, b)
}

func batchMessage(b *Batch, msg chat.Message) error {
	users := make([]chat.User, 0, len(msg.LatestReactions)+1)
	if msg.User != nil {
		users = append(users, *msg.User)
	}
	for _, r := range msg.LatestReactions {
		if r.User != nil {
			users = append(users, *r.User)
		}
	}
	if err := b.UpsertUsers(users...); err != nil {
		return err
	}
	if err := b.UpsertMessages(msg); err != nil {
		return err
	}
	return b.upsertReactions(msg.LatestReactions...)
}

func batchChannelState(b *Batch, st chat.ChannelState) error {
	if err := b.UpsertChannel(st.Channel); err != nil {
		return err
	}
	for _, m := range st.Members {
		if m.User != nil {
			if err := b.UpsertUsers(*m.User); err != nil {
				return err
			}
		}
	}
	if err := b.UpsertMembers(st.Members...); err != nil {
		return err
	}
	for _, rd := range st.Reads {
		if rd.User != nil {
			if err := b.UpsertUsers(*rd.User); err != nil {
				return err
			}
		}
	}
	if err := b.UpsertReads(st.Reads...); err != nil {
		return err
	}
	for _, msg := range st.Messages {
		if err := batchMessage(b, msg); err != nil {
			return err
		}
	}
	return nil
}
