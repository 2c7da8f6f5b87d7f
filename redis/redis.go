// Package redis keeps a small per-channel hot cache of the newest messages so
// an active conversation can render without touching the SQLite store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/offlinekit/chatstore/chat"
)

// Redis provides caching in Redis.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

const (
	channelPrefix = "channel"
	maxSize       = 25
)

func messagesKey(cid string) string {
	return fmt.Sprintf("%s:%s:messages", channelPrefix, cid)
}

func reactionsKey(msgKey string) string {
	return fmt.Sprintf("%s:reactions", msgKey)
}

// ListMessages returns the cached messages of a channel, newest first.
// Reactions made by currentUserID are surfaced as own reactions.
func (r *Redis) ListMessages(ctx context.Context, cid, currentUserID string) ([]chat.Message, error) {
	vals, err := r.cli.ZRevRangeByScore(ctx, messagesKey(cid), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}

	out := make([]chat.Message, len(vals))
	for i, key := range vals {
		var msg message
		err = r.cli.HGetAll(ctx, key).Scan(&msg)
		if err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}

		reactions, err := r.listReactions(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list reactions: %w", err)
		}

		msg.Reactions = reactions
		out[i] = msg.ChatMessage(currentUserID)
	}

	return out, nil
}

// InsertMessage adds the message to its channel's sorted set, keyed by
// creation time, and evicts the oldest entries beyond the per-channel cap.
// Re-inserting an existing id overwrites the hash in place, so edits reuse
// this path.
func (r *Redis) InsertMessage(ctx context.Context, msg chat.Message) error {
	m := messageFrom(msg)

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := fmt.Sprintf("%s:%s:message:%s", channelPrefix, msg.CID, m.ID)
			pipe.HSet(ctx, key, m)
			pipe.ZAdd(ctx, messagesKey(msg.CID), redis.Z{
				Score:  float64(msg.CreatedAt.UnixNano()),
				Member: key,
			})

			return nil
		})
		return err
	}, m.ID)

	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	if err := r.evictOldest(ctx, msg.CID); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

// listReactions fetches all cached reactions for the message stored under
// msgKey.
func (r *Redis) listReactions(ctx context.Context, msgKey string) ([]reaction, error) {
	vals, err := r.cli.ZRangeByScore(ctx, reactionsKey(msgKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	out := make([]reaction, len(vals))
	for i, key := range vals {
		var rc reaction
		err := r.cli.HGetAll(ctx, key).Scan(&rc)
		if err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}

		out[i] = rc
	}

	return out, nil
}

// InsertReaction caches a reaction against the message it belongs to. The
// reaction is keyed by user and type, so repeating the same reaction is
// idempotent.
func (r *Redis) InsertReaction(ctx context.Context, cid string, cr chat.Reaction) error {
	rc := reactionFrom(cr)

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			msgKey := fmt.Sprintf("%s:%s:message:%s", channelPrefix, cid, cr.MessageID)
			keyPrefix := reactionsKey(msgKey)
			key := fmt.Sprintf("%s:%s:%s", keyPrefix, cr.UserID, cr.Type)
			pipe.HSet(ctx, key, rc)

			pipe.ZAdd(ctx, keyPrefix, redis.Z{
				Score:  float64(cr.CreatedAt.UnixNano()),
				Member: key,
			})
			return nil
		})

		return err
	}, cr.MessageID)

	if err != nil {
		return fmt.Errorf("could not insert reaction: %w", err)
	}

	return nil
}

// DeleteReaction drops a cached reaction. Missing keys are not an error, so
// unreacting a message that fell out of the cache is a no-op.
func (r *Redis) DeleteReaction(ctx context.Context, cid, messageID, userID, reactionType string) error {
	msgKey := fmt.Sprintf("%s:%s:message:%s", channelPrefix, cid, messageID)
	keyPrefix := reactionsKey(msgKey)
	key := fmt.Sprintf("%s:%s:%s", keyPrefix, userID, reactionType)

	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keyPrefix, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not delete reaction: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message and its reactions from the channel
// cache.
func (r *Redis) DeleteMessage(ctx context.Context, cid, messageID string) error {
	key := fmt.Sprintf("%s:%s:message:%s", channelPrefix, cid, messageID)
	if err := r.dropMessage(ctx, messagesKey(cid), key); err != nil {
		return fmt.Errorf("could not delete message: %w", err)
	}
	return nil
}

// DeleteChannel drops the whole cached window of a channel. Used when the
// channel is deleted or the local copy is known to be stale.
func (r *Redis) DeleteChannel(ctx context.Context, cid string) error {
	setKey := messagesKey(cid)
	keys, err := r.cli.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	for _, key := range keys {
		if err := r.dropMessage(ctx, setKey, key); err != nil {
			return fmt.Errorf("could not delete channel: %w", err)
		}
	}
	if err := r.cli.Del(ctx, setKey).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (r *Redis) dropMessage(ctx context.Context, setKey, msgKey string) error {
	reactionKeys, err := r.cli.ZRange(ctx, reactionsKey(msgKey), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, setKey, msgKey)
		pipe.Del(ctx, msgKey)
		pipe.Del(ctx, reactionsKey(msgKey))
		for _, key := range reactionKeys {
			pipe.Del(ctx, key)
		}
		return nil
	})
	return err
}

func (r *Redis) evictOldest(ctx context.Context, cid string) error {
	setKey := messagesKey(cid)
	vals, err := r.cli.ZRange(ctx, setKey, 0, int64(-maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	for _, key := range vals {
		if err := r.dropMessage(ctx, setKey, key); err != nil {
			return fmt.Errorf("drop message: %w", err)
		}
	}

	return nil
}
