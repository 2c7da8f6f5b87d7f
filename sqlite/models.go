package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/offlinekit/chatstore/chat"
)

// Row types are the flat, serialization-friendly projections of the domain
// objects. Every row type maps back to its domain shape via a method, and is
// built from one via a *RowFrom function; the pair are exact inverses modulo
// JSON serialization. Nested and unknown fields ride in JSON text columns.

// A userRow represents a user in the database.
type userRow struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID         string     `bun:"id,pk"`
	Name       string     `bun:"name"`
	Role       string     `bun:"role"`
	Online     bool       `bun:"online"`
	Banned     bool       `bun:"banned"`
	LastActive *time.Time `bun:"last_active"`
	CreatedAt  time.Time  `bun:"created_at,nullzero"`
	UpdatedAt  time.Time  `bun:"updated_at,nullzero"`
	ExtraData  string     `bun:"extra_data"`
}

func userRowFrom(u chat.User) (userRow, error) {
	extra, err := marshalExtra(u.ExtraData)
	if err != nil {
		return userRow{}, fmt.Errorf("marshal user extra data: %w", err)
	}
	return userRow{
		ID:         u.ID,
		Name:       u.Name,
		Role:       u.Role,
		Online:     u.Online,
		Banned:     u.Banned,
		LastActive: u.LastActive,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
		ExtraData:  extra,
	}, nil
}

func (r userRow) User() (chat.User, error) {
	extra, err := unmarshalExtra(r.ExtraData)
	if err != nil {
		return chat.User{}, fmt.Errorf("unmarshal user extra data: %w", err)
	}
	return chat.User{
		ID:         r.ID,
		Name:       r.Name,
		Role:       r.Role,
		Online:     r.Online,
		Banned:     r.Banned,
		LastActive: r.LastActive,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ExtraData:  extra,
	}, nil
}

// A channelRow represents channel-level data in the database.
type channelRow struct {
	bun.BaseModel `bun:"table:channels,alias:c"`

	CID             string    `bun:"cid,pk"`
	ChannelID       string    `bun:"channel_id,notnull"`
	ChannelType     string    `bun:"channel_type,notnull"`
	DisplayName     string    `bun:"display_name"`
	Image           string    `bun:"image"`
	Hidden          *bool     `bun:"hidden"`
	OwnCapabilities string    `bun:"own_capabilities"`
	CreatedAt       time.Time `bun:"created_at,nullzero"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero"`
	ExtraData       string    `bun:"extra_data"`
}

func channelRowFrom(ch chat.ChannelData) (channelRow, error) {
	caps, err := marshalStrings(ch.OwnCapabilities)
	if err != nil {
		return channelRow{}, fmt.Errorf("marshal own capabilities: %w", err)
	}
	extra, err := marshalExtra(ch.ExtraData)
	if err != nil {
		return channelRow{}, fmt.Errorf("marshal channel extra data: %w", err)
	}
	return channelRow{
		CID:             ch.CID,
		ChannelID:       ch.ID,
		ChannelType:     ch.Type,
		DisplayName:     ch.Name,
		Image:           ch.Image,
		Hidden:          ch.Hidden,
		OwnCapabilities: caps,
		CreatedAt:       ch.CreatedAt,
		UpdatedAt:       ch.UpdatedAt,
		ExtraData:       extra,
	}, nil
}

func (r channelRow) ChannelData() (chat.ChannelData, error) {
	caps, err := unmarshalStrings(r.OwnCapabilities)
	if err != nil {
		return chat.ChannelData{}, fmt.Errorf("unmarshal own capabilities: %w", err)
	}
	extra, err := unmarshalExtra(r.ExtraData)
	if err != nil {
		return chat.ChannelData{}, fmt.Errorf("unmarshal channel extra data: %w", err)
	}
	return chat.ChannelData{
		CID:             r.CID,
		ID:              r.ChannelID,
		Type:            r.ChannelType,
		Name:            r.DisplayName,
		Image:           r.Image,
		Hidden:          r.Hidden,
		OwnCapabilities: caps,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExtraData:       extra,
	}, nil
}

// A messageRow represents a message in the database. Messages are never
// physically deleted here; deletion is recorded in deleted_at.
type messageRow struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID             string     `bun:"id,pk"`
	CID            string     `bun:"cid,notnull"`
	SenderID       string     `bun:"sender_id"`
	Type           string     `bun:"type"`
	Text           string     `bun:"text"`
	Attachments    string     `bun:"attachments"`
	ReactionCounts string     `bun:"reaction_counts"`
	CreatedAt      time.Time  `bun:"created_at,nullzero"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero"`
	DeletedAt      *time.Time `bun:"deleted_at"`
	TextUpdatedAt  *time.Time `bun:"text_updated_at"`
	ExtraData      string     `bun:"extra_data"`

	Sender *userRow `bun:"rel:belongs-to,join:sender_id=id"`
}

func messageRowFrom(msg chat.Message) (messageRow, error) {
	var attachments string
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return messageRow{}, fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(b)
	}
	counts, err := marshalCounts(msg.ReactionCounts)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshal reaction counts: %w", err)
	}
	extra, err := marshalExtra(msg.ExtraData)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshal message extra data: %w", err)
	}

	var senderID string
	if msg.User != nil {
		senderID = msg.User.ID
	}
	return messageRow{
		ID:             msg.ID,
		CID:            msg.CID,
		SenderID:       senderID,
		Type:           msg.Type,
		Text:           msg.Text,
		Attachments:    attachments,
		ReactionCounts: counts,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		DeletedAt:      msg.DeletedAt,
		TextUpdatedAt:  msg.TextUpdatedAt,
		ExtraData:      extra,
	}, nil
}

// Message rebuilds the domain message. Reactions are attached by the
// aggregate read layer, not here.
func (r messageRow) Message() (chat.Message, error) {
	var attachments []chat.Attachment
	if r.Attachments != "" {
		if err := json.Unmarshal([]byte(r.Attachments), &attachments); err != nil {
			return chat.Message{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	counts, err := unmarshalCounts(r.ReactionCounts)
	if err != nil {
		return chat.Message{}, fmt.Errorf("unmarshal reaction counts: %w", err)
	}
	extra, err := unmarshalExtra(r.ExtraData)
	if err != nil {
		return chat.Message{}, fmt.Errorf("unmarshal message extra data: %w", err)
	}

	msg := chat.Message{
		ID:             r.ID,
		CID:            r.CID,
		Type:           r.Type,
		Text:           r.Text,
		Attachments:    attachments,
		ReactionCounts: counts,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      r.DeletedAt,
		TextUpdatedAt:  r.TextUpdatedAt,
		ExtraData:      extra,
	}
	if r.Sender != nil {
		sender, err := r.Sender.User()
		if err != nil {
			return chat.Message{}, err
		}
		msg.User = &sender
	} else if r.SenderID != "" {
		msg.User = &chat.User{ID: r.SenderID}
	}
	return msg, nil
}

// A reactionRow represents one reaction in the database, identified by
// (message_id, user_id, type).
type reactionRow struct {
	bun.BaseModel `bun:"table:reactions,alias:r"`

	MessageID string    `bun:"message_id,pk"`
	UserID    string    `bun:"user_id,pk"`
	Type      string    `bun:"type,pk"`
	Score     int       `bun:"score"`
	CreatedAt time.Time `bun:"created_at,nullzero"`
	UpdatedAt time.Time `bun:"updated_at,nullzero"`
	ExtraData string    `bun:"extra_data"`

	User *userRow `bun:"rel:belongs-to,join:user_id=id"`
}

func reactionRowFrom(r chat.Reaction) (reactionRow, error) {
	extra, err := marshalExtra(r.ExtraData)
	if err != nil {
		return reactionRow{}, fmt.Errorf("marshal reaction extra data: %w", err)
	}
	return reactionRow{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Type:      r.Type,
		Score:     r.Score,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExtraData: extra,
	}, nil
}

func (r reactionRow) Reaction() (chat.Reaction, error) {
	extra, err := unmarshalExtra(r.ExtraData)
	if err != nil {
		return chat.Reaction{}, fmt.Errorf("unmarshal reaction extra data: %w", err)
	}
	out := chat.Reaction{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Type:      r.Type,
		Score:     r.Score,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExtraData: extra,
	}
	if r.User != nil {
		user, err := r.User.User()
		if err != nil {
			return chat.Reaction{}, err
		}
		out.User = &user
	} else if r.UserID != "" {
		out.User = &chat.User{ID: r.UserID}
	}
	return out, nil
}

// A memberRow represents channel membership in the database, identified by
// (cid, user_id).
type memberRow struct {
	bun.BaseModel `bun:"table:members,alias:mb"`

	CID              string     `bun:"cid,pk"`
	UserID           string     `bun:"user_id,pk"`
	Role             string     `bun:"role"`
	ChannelRole      string     `bun:"channel_role"`
	Banned           bool       `bun:"banned"`
	ShadowBanned     bool       `bun:"shadow_banned"`
	Moderator        bool       `bun:"moderator"`
	Invited          bool       `bun:"invited"`
	InvitedAt        *time.Time `bun:"invited_at"`
	InviteAcceptedAt *time.Time `bun:"invite_accepted_at"`
	InviteRejectedAt *time.Time `bun:"invite_rejected_at"`
	CreatedAt        time.Time  `bun:"created_at,nullzero"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero"`

	User *userRow `bun:"rel:belongs-to,join:user_id=id"`
}

func memberRowFrom(m chat.Member) memberRow {
	return memberRow{
		CID:              m.CID,
		UserID:           m.UserID,
		Role:             m.Role,
		ChannelRole:      m.ChannelRole,
		Banned:           m.Banned,
		ShadowBanned:     m.ShadowBanned,
		Moderator:        m.Moderator,
		Invited:          m.Invited,
		InvitedAt:        m.InvitedAt,
		InviteAcceptedAt: m.InviteAcceptedAt,
		InviteRejectedAt: m.InviteRejectedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func (r memberRow) Member() (chat.Member, error) {
	out := chat.Member{
		CID:              r.CID,
		UserID:           r.UserID,
		Role:             r.Role,
		ChannelRole:      r.ChannelRole,
		Banned:           r.Banned,
		ShadowBanned:     r.ShadowBanned,
		Moderator:        r.Moderator,
		Invited:          r.Invited,
		InvitedAt:        r.InvitedAt,
		InviteAcceptedAt: r.InviteAcceptedAt,
		InviteRejectedAt: r.InviteRejectedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.User != nil {
		user, err := r.User.User()
		if err != nil {
			return chat.Member{}, err
		}
		out.User = &user
	}
	return out, nil
}

// A readRow represents a user's read state in a channel, identified by
// (cid, user_id).
type readRow struct {
	bun.BaseModel `bun:"table:reads,alias:rd"`

	CID            string    `bun:"cid,pk"`
	UserID         string    `bun:"user_id,pk"`
	LastRead       time.Time `bun:"last_read,nullzero"`
	UnreadMessages int       `bun:"unread_messages"`

	User *userRow `bun:"rel:belongs-to,join:user_id=id"`
}

func readRowFrom(rd chat.Read) readRow {
	return readRow{
		CID:            rd.CID,
		UserID:         rd.UserID,
		LastRead:       rd.LastRead,
		UnreadMessages: rd.UnreadMessages,
	}
}

func (r readRow) Read() (chat.Read, error) {
	out := chat.Read{
		CID:            r.CID,
		UserID:         r.UserID,
		LastRead:       r.LastRead,
		UnreadMessages: r.UnreadMessages,
	}
	if r.User != nil {
		user, err := r.User.User()
		if err != nil {
			return chat.Read{}, err
		}
		out.User = &user
	}
	return out, nil
}

// A queryRow memoizes the ordered cid result set of one channel-list query,
// keyed by the query's serialized filter+sort signature.
type queryRow struct {
	bun.BaseModel `bun:"table:channel_queries,alias:q"`

	Signature string    `bun:"signature,pk"`
	CIDs      string    `bun:"cids,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero"`
}

// A taskRow is one queued offline mutation awaiting server delivery.
type taskRow struct {
	bun.BaseModel `bun:"table:pending_tasks,alias:t"`

	ID        string    `bun:"id,pk"`
	CID       string    `bun:"cid"`
	MessageID string    `bun:"message_id"`
	Kind      string    `bun:"kind,notnull"`
	Payload   string    `bun:"payload"`
	CreatedAt time.Time `bun:"created_at,nullzero"`
}

// A syncStatusRow tracks the last-synced-at watermark per user, used to
// replay missed events after a reconnect.
type syncStatusRow struct {
	bun.BaseModel `bun:"table:sync_status,alias:s"`

	UserID       string    `bun:"user_id,pk"`
	LastSyncedAt time.Time `bun:"last_synced_at,nullzero"`
}

func marshalExtra(extra chat.ExtraData) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalExtra(s string) (chat.ExtraData, error) {
	if s == "" {
		return nil, nil
	}
	var extra chat.ExtraData
	if err := json.Unmarshal([]byte(s), &extra); err != nil {
		return nil, err
	}
	return extra, nil
}

// marshalCounts serializes a reaction-count map, dropping zero-valued keys
// so the stored blob upholds the counts invariant even if the caller's map
// does not.
func marshalCounts(counts map[string]int) (string, error) {
	if len(counts) == 0 {
		return "", nil
	}
	cleaned := make(map[string]int, len(counts))
	for k, v := range counts {
		if v > 0 {
			cleaned[k] = v
		}
	}
	if len(cleaned) == 0 {
		return "", nil
	}
	b, err := json.Marshal(cleaned)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalCounts(s string) (map[string]int, error) {
	if s == "" {
		return nil, nil
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(s), &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// marshalStrings keeps the nil/empty distinction: nil serializes to the
// empty string, an empty slice to "[]".
func marshalStrings(vals []string) (string, error) {
	if vals == nil {
		return "", nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil, err
	}
	if vals == nil {
		vals = []string{}
	}
	return vals, nil
}
