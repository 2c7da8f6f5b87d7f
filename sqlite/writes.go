package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/offlinekit/chatstore/chat"
)

// A Batch collects write operations that must commit together. Related
// writes (a reaction row and its message's reaction counts, a channel and
// its members) are composed into one Batch and applied in a single
// transaction by Store.Flush; there is no way to apply half a batch.
type Batch struct {
	ops []func(ctx context.Context, tx bun.IDB) error
}

func (b *Batch) add(op func(ctx context.Context, tx bun.IDB) error) {
	b.ops = append(b.ops, op)
}

// Len reports the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Flush applies every operation in the batch within one transaction. A nil
// or empty batch is a no-op.
func (s *Store) Flush(ctx context.Context, b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	return s.bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, op := range b.ops {
			if err := op(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertChannel queues an insert-or-update of channel-level data. The
// update side carries a version guard: a row is only overwritten when the
// incoming updated_at is not older than the stored one, so a stale
// out-of-order event cannot clobber newer local state. Rows without a known
// updated_at on either side are overwritten unconditionally.
func (b *Batch) UpsertChannel(ch chat.ChannelData) error {
	row, err := channelRowFrom(ch)
	if err != nil {
		return err
	}
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewInsert().
			Model(&row).
			On("CONFLICT (cid) DO UPDATE").
			Set("channel_id = EXCLUDED.channel_id").
			Set("channel_type = EXCLUDED.channel_type").
			Set("display_name = EXCLUDED.display_name").
			Set("image = EXCLUDED.image").
			Set("hidden = EXCLUDED.hidden").
			Set("own_capabilities = EXCLUDED.own_capabilities").
			Set("updated_at = EXCLUDED.updated_at").
			Set("extra_data = EXCLUDED.extra_data").
			Where("EXCLUDED.updated_at IS NULL OR c.updated_at IS NULL OR EXCLUDED.updated_at >= c.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert channel %s: %w", row.CID, err)
		}
		return nil
	})
	return nil
}

// UpsertMessages queues inserts-or-updates for the given messages, with the
// same updated_at version guard as UpsertChannel.
func (b *Batch) UpsertMessages(msgs ...chat.Message) error {
	for _, msg := range msgs {
		row, err := messageRowFrom(msg)
		if err != nil {
			return err
		}
		b.add(func(ctx context.Context, tx bun.IDB) error {
			_, err := tx.NewInsert().
				Model(&row).
				On("CONFLICT (id) DO UPDATE").
				Set("cid = EXCLUDED.cid").
				Set("sender_id = EXCLUDED.sender_id").
				Set("type = EXCLUDED.type").
				Set("text = EXCLUDED.text").
				Set("attachments = EXCLUDED.attachments").
				Set("reaction_counts = EXCLUDED.reaction_counts").
				Set("updated_at = EXCLUDED.updated_at").
				Set("deleted_at = EXCLUDED.deleted_at").
				Set("text_updated_at = EXCLUDED.text_updated_at").
				Set("extra_data = EXCLUDED.extra_data").
				Where("EXCLUDED.updated_at IS NULL OR m.updated_at IS NULL OR EXCLUDED.updated_at >= m.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("upsert message %s: %w", row.ID, err)
			}
			return nil
		})
	}
	return nil
}

// UpsertUsers queues inserts-or-updates for the given users.
func (b *Batch) UpsertUsers(users ...chat.User) error {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		row, err := userRowFrom(u)
		if err != nil {
			return err
		}
		b.add(func(ctx context.Context, tx bun.IDB) error {
			_, err := tx.NewInsert().
				Model(&row).
				On("CONFLICT (id) DO UPDATE").
				Set("name = EXCLUDED.name").
				Set("role = EXCLUDED.role").
				Set("online = EXCLUDED.online").
				Set("banned = EXCLUDED.banned").
				Set("last_active = EXCLUDED.last_active").
				Set("updated_at = EXCLUDED.updated_at").
				Set("extra_data = EXCLUDED.extra_data").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("upsert user %s: %w", row.ID, err)
			}
			return nil
		})
	}
	return nil
}

// UpsertMembers queues inserts-or-updates for the given channel members.
func (b *Batch) UpsertMembers(members ...chat.Member) error {
	for _, m := range members {
		row := memberRowFrom(m)
		b.add(func(ctx context.Context, tx bun.IDB) error {
			_, err := tx.NewInsert().
				Model(&row).
				On("CONFLICT (cid, user_id) DO UPDATE").
				Set("role = EXCLUDED.role").
				Set("channel_role = EXCLUDED.channel_role").
				Set("banned = EXCLUDED.banned").
				Set("shadow_banned = EXCLUDED.shadow_banned").
				Set("moderator = EXCLUDED.moderator").
				Set("invited = EXCLUDED.invited").
				Set("invited_at = EXCLUDED.invited_at").
				Set("invite_accepted_at = EXCLUDED.invite_accepted_at").
				Set("invite_rejected_at = EXCLUDED.invite_rejected_at").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("upsert member %s/%s: %w", row.CID, row.UserID, err)
			}
			return nil
		})
	}
	return nil
}

// DeleteMember queues removal of one channel membership.
func (b *Batch) DeleteMember(cid, userID string) {
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewDelete().
			Model((*memberRow)(nil)).
			Where("cid = ?", cid).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete member %s/%s: %w", cid, userID, err)
		}
		return nil
	})
}

// UpsertReads queues inserts-or-updates for the given read states.
func (b *Batch) UpsertReads(reads ...chat.Read) error {
	for _, rd := range reads {
		row := readRowFrom(rd)
		b.add(func(ctx context.Context, tx bun.IDB) error {
			_, err := tx.NewInsert().
				Model(&row).
				On("CONFLICT (cid, user_id) DO UPDATE").
				Set("last_read = EXCLUDED.last_read").
				Set("unread_messages = EXCLUDED.unread_messages").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("upsert read %s/%s: %w", row.CID, row.UserID, err)
			}
			return nil
		})
	}
	return nil
}

// UpsertQueryCIDs queues the memoized cid list for a channel-list query
// signature. An empty list is stored as such; it is distinct from the
// signature never having been cached.
func (b *Batch) UpsertQueryCIDs(signature string, cids []string) error {
	if cids == nil {
		cids = []string{}
	}
	blob, err := json.Marshal(cids)
	if err != nil {
		return fmt.Errorf("marshal cids: %w", err)
	}
	row := queryRow{
		Signature: signature,
		CIDs:      string(blob),
		UpdatedAt: time.Now(),
	}
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewInsert().
			Model(&row).
			On("CONFLICT (signature) DO UPDATE").
			Set("cids = EXCLUDED.cids").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert channel query: %w", err)
		}
		return nil
	})
	return nil
}

func (b *Batch) upsertReactions(reactions ...chat.Reaction) error {
	for _, r := range reactions {
		row, err := reactionRowFrom(r)
		if err != nil {
			return err
		}
		b.add(func(ctx context.Context, tx bun.IDB) error {
			_, err := tx.NewInsert().
				Model(&row).
				On("CONFLICT (message_id, user_id, type) DO UPDATE").
				Set("score = EXCLUDED.score").
				Set("updated_at = EXCLUDED.updated_at").
				Set("extra_data = EXCLUDED.extra_data").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("insert reaction %s/%s/%s: %w", row.MessageID, row.UserID, row.Type, err)
			}
			return nil
		})
	}
	return nil
}

// InsertReaction queues exactly two operations: an idempotent upsert of the
// reaction row and a rewrite of the owning message's reaction counts. They
// commit in the same transaction when the batch is flushed, so the counts
// blob cannot drift from the reaction rows.
func (b *Batch) InsertReaction(r chat.Reaction, counts map[string]int) error {
	if err := b.upsertReactions(r); err != nil {
		return err
	}
	return b.updateMessageCounts(r.MessageID, counts)
}

// UpdateReaction replaces whatever reaction the user currently has on the
// message with r, then rewrites the message's counts. It is the
// unique-enforcement path: replacing via delete+upsert avoids a duplicate
// key on the (message, user, type) composite when the type changed.
func (b *Batch) UpdateReaction(r chat.Reaction, counts map[string]int) error {
	row, err := reactionRowFrom(r)
	if err != nil {
		return err
	}
	b.add(func(ctx context.Context, tx bun.IDB) error {
		if _, err := tx.NewDelete().
			Model((*reactionRow)(nil)).
			Where("message_id = ?", row.MessageID).
			Where("user_id = ?", row.UserID).
			Exec(ctx); err != nil {
			return fmt.Errorf("retire prior reaction %s/%s: %w", row.MessageID, row.UserID, err)
		}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("update reaction %s/%s/%s: %w", row.MessageID, row.UserID, row.Type, err)
		}
		return nil
	})
	return b.updateMessageCounts(r.MessageID, counts)
}

// DeleteReaction queues removal of one reaction row plus the counts rewrite
// on the owning message.
func (b *Batch) DeleteReaction(messageID, userID, reactionType string, counts map[string]int) error {
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewDelete().
			Model((*reactionRow)(nil)).
			Where("message_id = ?", messageID).
			Where("user_id = ?", userID).
			Where("type = ?", reactionType).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete reaction %s/%s/%s: %w", messageID, userID, reactionType, err)
		}
		return nil
	})
	return b.updateMessageCounts(messageID, counts)
}

// updateMessageCounts rewrites the owning message's reaction_counts blob.
// A nil map means the caller does not know the authoritative counts, so
// they are recomputed from the reaction rows inside the same transaction,
// after the queued reaction write has run. An empty non-nil map is a known
// "no reactions left" and clears the blob.
func (b *Batch) updateMessageCounts(messageID string, counts map[string]int) error {
	if counts == nil {
		b.add(func(ctx context.Context, tx bun.IDB) error {
			return recountMessageReactions(ctx, tx, messageID)
		})
		return nil
	}
	blob, err := marshalCounts(counts)
	if err != nil {
		return fmt.Errorf("marshal reaction counts: %w", err)
	}
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewUpdate().
			Model((*messageRow)(nil)).
			Set("reaction_counts = ?", blob).
			Where("id = ?", messageID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update reaction counts for message %s: %w", messageID, err)
		}
		return nil
	})
	return nil
}

func recountMessageReactions(ctx context.Context, tx bun.IDB, messageID string) error {
	var rows []struct {
		Type string `bun:"type"`
		N    int    `bun:"n"`
	}
	if err := tx.NewSelect().
		Model((*reactionRow)(nil)).
		Column("type").
		ColumnExpr("count(*) AS n").
		Where("message_id = ?", messageID).
		Group("type").
		Scan(ctx, &rows); err != nil {
		return fmt.Errorf("recount reactions for message %s: %w", messageID, err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.N
	}
	blob, err := marshalCounts(counts)
	if err != nil {
		return fmt.Errorf("marshal reaction counts: %w", err)
	}
	if _, err := tx.NewUpdate().
		Model((*messageRow)(nil)).
		Set("reaction_counts = ?", blob).
		Where("id = ?", messageID).
		Exec(ctx); err != nil {
		return fmt.Errorf("update reaction counts for message %s: %w", messageID, err)
	}
	return nil
}

// DeleteChannel queues removal of a channel together with every row scoped
// to it: its messages, their reactions, its members, reads, and read
// receipts all go in the same transaction.
func (b *Batch) DeleteChannel(cid string) {
	b.add(func(ctx context.Context, tx bun.IDB) error {
		if _, err := tx.NewDelete().
			Model((*reactionRow)(nil)).
			Where("message_id IN (SELECT id FROM messages WHERE cid = ?)", cid).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete reactions for channel %s: %w", cid, err)
		}
		for _, model := range []any{
			(*messageRow)(nil),
			(*memberRow)(nil),
			(*readRow)(nil),
			(*channelRow)(nil),
		} {
			if _, err := tx.NewDelete().
				Model(model).
				Where("cid = ?", cid).
				Exec(ctx); err != nil {
				return fmt.Errorf("delete channel %s: %w", cid, err)
			}
		}
		return nil
	})
}

// SoftDeleteMessage queues marking a message deleted. The row stays in
// place; readers see the deleted_at timestamp.
func (b *Batch) SoftDeleteMessage(messageID string, at time.Time) {
	b.add(func(ctx context.Context, tx bun.IDB) error {
		_, err := tx.NewUpdate().
			Model((*messageRow)(nil)).
			Set("deleted_at = ?", at).
			Set("type = ?", "deleted").
			Where("id = ?", messageID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("soft delete message %s: %w", messageID, err)
		}
		return nil
	})
}
