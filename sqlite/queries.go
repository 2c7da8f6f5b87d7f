package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// SortOption is one field of a channel-list sort, e.g. {last_message_at, -1}.
type SortOption struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// QuerySignature derives the cache key for a channel-list query from its
// filter and sort parameters. encoding/json emits map keys in sorted order,
// so equal filters always produce the same signature regardless of how the
// caller built the map.
func QuerySignature(filters map[string]any, sort []SortOption) (string, error) {
	payload := struct {
		Filters map[string]any `json:"filters"`
		Sort    []SortOption   `json:"sort"`
	}{
		Filters: filters,
		Sort:    sort,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal query signature: %w", err)
	}
	return string(b), nil
}

// ChannelIDsForQuery returns the memoized cid list for a filter+sort
// signature. A signature that was never cached yields (nil, nil); a cached
// query that matched zero channels yields an empty, non-nil slice. A corrupt
// cids blob fails closed and is reported as a cache miss.
func (s *Store) ChannelIDsForQuery(ctx context.Context, signature string) ([]string, error) {
	var row queryRow
	err := s.bun.NewSelect().
		Model(&row).
		Where("signature = ?", signature).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select channel query: %w", err)
	}

	var cids []string
	if err := json.Unmarshal([]byte(row.CIDs), &cids); err != nil {
		s.log.Warn("Corrupt cid list for cached query, treating as miss",
			"signature", signature, "error", err.Error())
		return nil, nil
	}
	if cids == nil {
		cids = []string{}
	}
	return cids, nil
}

func (s *Store) selectChannels(ctx context.Context, cids []string) ([]channelRow, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	var rows []channelRow
	err := s.bun.NewSelect().
		Model(&rows).
		Where("cid IN (?)", bun.In(cids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	return rows, nil
}

func (s *Store) selectMessagesForChannels(ctx context.Context, cids []string) ([]messageRow, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.bun.NewSelect().
		Model(&rows).
		Relation("Sender").
		Where("m.cid IN (?)", bun.In(cids)).
		Order("m.cid", "m.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	return rows, nil
}

func (s *Store) selectReactionsForMessages(ctx context.Context, messageIDs []string) ([]reactionRow, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []reactionRow
	err := s.bun.NewSelect().
		Model(&rows).
		Relation("User").
		Where("r.message_id IN (?)", bun.In(messageIDs)).
		Order("r.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select reactions: %w", err)
	}
	return rows, nil
}

func (s *Store) selectMembers(ctx context.Context, cids []string) ([]memberRow, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	var rows []memberRow
	err := s.bun.NewSelect().
		Model(&rows).
		Relation("User").
		Where("mb.cid IN (?)", bun.In(cids)).
		Order("mb.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	return rows, nil
}

func (s *Store) selectReads(ctx context.Context, cids []string) ([]readRow, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	var rows []readRow
	err := s.bun.NewSelect().
		Model(&rows).
		Relation("User").
		Where("rd.cid IN (?)", bun.In(cids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select reads: %w", err)
	}
	return rows, nil
}
