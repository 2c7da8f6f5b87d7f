// Package chat defines the canonical object shapes mirrored by the offline
// store. The types match the shapes the rendering layer consumes, so reads
// served from the local cache are indistinguishable from network responses.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound reports a lookup miss. Reconciliation code treats it as a
// harmless skip; callers outside the reconciliation path may surface it.
var ErrNotFound = errors.New("chat: not found")

// ExtraData carries fields the schema does not track explicitly. It is kept
// typed in memory and serialized to JSON only at the storage boundary, which
// lets the store tolerate drift in the upstream object shapes without losing
// data.
type ExtraData map[string]any

// CID composes a channel identifier from its type and id, e.g.
// "messaging:general".
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// ParseCID splits a composite channel identifier into its type and id.
func ParseCID(cid string) (channelType, channelID string, err error) {
	channelType, channelID, ok := strings.Cut(cid, ":")
	if !ok || channelType == "" || channelID == "" {
		return "", "", fmt.Errorf("malformed cid %q", cid)
	}
	return channelType, channelID, nil
}

// A User represents a chat user. Users are referenced, not owned, by
// messages, reactions, members and reads; the store embeds them back into
// those shapes on read.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Role       string     `json:"role,omitempty"`
	Online     bool       `json:"online"`
	Banned     bool       `json:"banned"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExtraData  ExtraData  `json:"-"`
}

// A Reaction represents one user's reaction of a given type on a message.
// The triple (MessageID, UserID, Type) identifies it.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Score     int       `json:"score"`
	User      *User     `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExtraData ExtraData `json:"-"`
}

// An Attachment is a file, image or link preview attached to a message.
// Attachments are persisted as one JSON blob on the message row.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	AssetURL string `json:"asset_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// A Message represents a message in a channel.
//
// ReactionCounts maps reaction type to the number of reactions of that type.
// The map never carries zero-valued keys; a type with no remaining reactions
// is removed rather than set to zero.
type Message struct {
	ID              string         `json:"id"`
	CID             string         `json:"cid"`
	Type            string         `json:"type,omitempty"`
	Text            string         `json:"text"`
	User            *User          `json:"user,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	LatestReactions []Reaction     `json:"latest_reactions,omitempty"`
	OwnReactions    []Reaction     `json:"own_reactions,omitempty"`
	ReactionCounts  map[string]int `json:"reaction_counts,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
	TextUpdatedAt   *time.Time     `json:"message_text_updated_at,omitempty"`
	ExtraData       ExtraData      `json:"-"`
}

// A Member represents a user's membership in a channel, identified by
// (CID, UserID).
type Member struct {
	CID              string     `json:"cid"`
	UserID           string     `json:"user_id"`
	User             *User      `json:"user,omitempty"`
	Role             string     `json:"role,omitempty"`
	ChannelRole      string     `json:"channel_role,omitempty"`
	Banned           bool       `json:"banned"`
	ShadowBanned     bool       `json:"shadow_banned"`
	Moderator        bool       `json:"is_moderator"`
	Invited          bool       `json:"invited"`
	InvitedAt        *time.Time `json:"invited_at,omitempty"`
	InviteAcceptedAt *time.Time `json:"invite_accepted_at,omitempty"`
	InviteRejectedAt *time.Time `json:"invite_rejected_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// A Read represents a user's read state in a channel, identified by
// (CID, UserID).
type Read struct {
	CID            string    `json:"cid"`
	UserID         string    `json:"user_id"`
	User           *User     `json:"user,omitempty"`
	LastRead       time.Time `json:"last_read"`
	UnreadMessages int       `json:"unread_messages"`
}

// ChannelData holds the channel-level display and capability fields. Hidden
// and OwnCapabilities are pointers so that an event payload which omits them
// can be told apart from one that sets them; merges preserve the previously
// known values in that case.
type ChannelData struct {
	CID             string    `json:"cid"`
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Name            string    `json:"name,omitempty"`
	Image           string    `json:"image,omitempty"`
	Hidden          *bool     `json:"hidden,omitempty"`
	OwnCapabilities []string  `json:"own_capabilities,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExtraData       ExtraData `json:"-"`
}

// ChannelState is the assembled object graph for one channel: the channel
// data plus its messages, members and read states. It is what the aggregate
// read APIs reconstruct from flat rows.
type ChannelState struct {
	Channel  ChannelData `json:"channel"`
	Messages []Message   `json:"messages"`
	Members  []Member    `json:"members"`
	Reads    []Read      `json:"read"`
}
