package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/offlinekit/chatstore/chat"
)

// moderationBlockedText marks messages a moderation policy rejected. They
// stay in the store but are invisible to readers.
const moderationBlockedText = "Message was blocked by moderation"

// ChannelsQuery identifies the channels to assemble and the user whose
// reactions populate own_reactions.
type ChannelsQuery struct {
	CIDs          []string
	CurrentUserID string
}

// GetChannels reconstructs one ChannelState per requested cid, populated
// with members, reads and messages (with reactions partitioned into own vs
// latest for CurrentUserID). Channels come back in the order of q.CIDs,
// typically a cached query's cid order, and cids with no local row are
// skipped. Rows with corrupt serialized columns are dropped with a warning
// rather than failing the whole read.
func (s *Store) GetChannels(ctx context.Context, q ChannelsQuery) ([]chat.ChannelState, error) {
	chRows, err := s.selectChannels(ctx, q.CIDs)
	if err != nil {
		return nil, err
	}
	channelsByCID := make(map[string]chat.ChannelData, len(chRows))
	for _, row := range chRows {
		ch, err := row.ChannelData()
		if err != nil {
			s.log.Warn("Dropping corrupt channel row", "cid", row.CID, "error", err.Error())
			continue
		}
		channelsByCID[row.CID] = ch
	}

	messagesByCID, err := s.messagesForChannels(ctx, q.CIDs, q.CurrentUserID)
	if err != nil {
		return nil, err
	}

	memberRows, err := s.selectMembers(ctx, q.CIDs)
	if err != nil {
		return nil, err
	}
	membersByCID := make(map[string][]chat.Member)
	for _, row := range memberRows {
		m, err := row.Member()
		if err != nil {
			s.log.Warn("Dropping corrupt member row", "cid", row.CID, "user_id", row.UserID, "error", err.Error())
			continue
		}
		membersByCID[row.CID] = append(membersByCID[row.CID], m)
	}

	readRows, err := s.selectReads(ctx, q.CIDs)
	if err != nil {
		return nil, err
	}
	readsByCID := make(map[string][]chat.Read)
	for _, row := range readRows {
		rd, err := row.Read()
		if err != nil {
			s.log.Warn("Dropping corrupt read row", "cid", row.CID, "user_id", row.UserID, "error", err.Error())
			continue
		}
		readsByCID[row.CID] = append(readsByCID[row.CID], rd)
	}

	out := make([]chat.ChannelState, 0, len(q.CIDs))
	for _, cid := range q.CIDs {
		ch, ok := channelsByCID[cid]
		if !ok {
			continue
		}
		out = append(out, chat.ChannelState{
			Channel:  ch,
			Messages: messagesByCID[cid],
			Members:  membersByCID[cid],
			Reads:    readsByCID[cid],
		})
	}
	return out, nil
}

// GetChannelMessages returns one channel's messages, oldest first, with
// reactions attached and moderation-blocked messages filtered out.
func (s *Store) GetChannelMessages(ctx context.Context, cid, currentUserID string) ([]chat.Message, error) {
	byCID, err := s.messagesForChannels(ctx, []string{cid}, currentUserID)
	if err != nil {
		return nil, err
	}
	return byCID[cid], nil
}

// GetMembers returns one channel's members.
func (s *Store) GetMembers(ctx context.Context, cid string) ([]chat.Member, error) {
	rows, err := s.selectMembers(ctx, []string{cid})
	if err != nil {
		return nil, err
	}
	out := make([]chat.Member, 0, len(rows))
	for _, row := range rows {
		m, err := row.Member()
		if err != nil {
			s.log.Warn("Dropping corrupt member row", "cid", row.CID, "user_id", row.UserID, "error", err.Error())
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetReads returns one channel's read states.
func (s *Store) GetReads(ctx context.Context, cid string) ([]chat.Read, error) {
	rows, err := s.selectReads(ctx, []string{cid})
	if err != nil {
		return nil, err
	}
	out := make([]chat.Read, 0, len(rows))
	for _, row := range rows {
		rd, err := row.Read()
		if err != nil {
			s.log.Warn("Dropping corrupt read row", "cid", row.CID, "user_id", row.UserID, "error", err.Error())
			continue
		}
		out = append(out, rd)
	}
	return out, nil
}

// GetReactions returns reactions on one message, oldest first. A limit of
// zero returns them all.
func (s *Store) GetReactions(ctx context.Context, messageID string, limit int) ([]chat.Reaction, error) {
	var rows []reactionRow
	q := s.bun.NewSelect().
		Model(&rows).
		Relation("User").
		Where("r.message_id = ?", messageID).
		Order("r.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("select reactions: %w", err)
	}
	out := make([]chat.Reaction, 0, len(rows))
	for _, row := range rows {
		r, err := row.Reaction()
		if err != nil {
			s.log.Warn("Dropping corrupt reaction row", "message_id", row.MessageID, "error", err.Error())
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetUser returns one user by id, or chat.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (chat.User, error) {
	var row userRow
	err := s.bun.NewSelect().
		Model(&row).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("select user: %w", err)
	}
	return row.User()
}

// GetChannelsForQuery assembles channel state for a cached channel-list
// query. A signature that was never cached yields chat.ErrNotFound, which
// is distinct from a cached query that matched zero channels (an empty
// slice).
func (s *Store) GetChannelsForQuery(ctx context.Context, signature, currentUserID string) ([]chat.ChannelState, error) {
	cids, err := s.ChannelIDsForQuery(ctx, signature)
	if err != nil {
		return nil, err
	}
	if cids == nil {
		return nil, fmt.Errorf("channel query %q: %w", signature, chat.ErrNotFound)
	}
	if len(cids) == 0 {
		return []chat.ChannelState{}, nil
	}
	return s.GetChannels(ctx, ChannelsQuery{CIDs: cids, CurrentUserID: currentUserID})
}

// messagesForChannels loads and assembles messages for the given cids,
// attaching reactions grouped by message and partitioned into own vs latest
// by currentUserID.
func (s *Store) messagesForChannels(ctx context.Context, cids []string, currentUserID string) (map[string][]chat.Message, error) {
	msgRows, err := s.selectMessagesForChannels(ctx, cids)
	if err != nil {
		return nil, err
	}
	if len(msgRows) == 0 {
		return nil, nil
	}

	msgIDs := make([]string, len(msgRows))
	for i, row := range msgRows {
		msgIDs[i] = row.ID
	}
	reactionRows, err := s.selectReactionsForMessages(ctx, msgIDs)
	if err != nil {
		return nil, err
	}
	own := make(map[string][]chat.Reaction)
	latest := make(map[string][]chat.Reaction)
	for _, row := range reactionRows {
		r, err := row.Reaction()
		if err != nil {
			s.log.Warn("Dropping corrupt reaction row", "message_id", row.MessageID, "error", err.Error())
			continue
		}
		latest[row.MessageID] = append(latest[row.MessageID], r)
		if currentUserID != "" && r.UserID == currentUserID {
			own[row.MessageID] = append(own[row.MessageID], r)
		}
	}

	out := make(map[string][]chat.Message, len(cids))
	for _, row := range msgRows {
		if strings.Contains(row.Text, moderationBlockedText) {
			continue
		}
		msg, err := row.Message()
		if err != nil {
			s.log.Warn("Dropping corrupt message row", "id", row.ID, "error", err.Error())
			continue
		}
		msg.OwnReactions = own[row.ID]
		msg.LatestReactions = latest[row.ID]
		out[row.CID] = append(out[row.CID], msg)
	}
	return out, nil
}
