package chat

import "time"

// Event types delivered by the client connection.
const (
	EventMessageNew         = "message.new"
	EventMessageUpdated     = "message.updated"
	EventMessageDeleted     = "message.deleted"
	EventMessageRead        = "message.read"
	EventReactionNew        = "reaction.new"
	EventReactionUpdated    = "reaction.updated"
	EventReactionDeleted    = "reaction.deleted"
	EventChannelUpdated     = "channel.updated"
	EventChannelDeleted     = "channel.deleted"
	EventChannelHidden      = "channel.hidden"
	EventChannelVisible     = "channel.visible"
	EventMemberAdded        = "member.added"
	EventMemberUpdated      = "member.updated"
	EventMemberRemoved      = "member.removed"
	EventNotificationNewMessage     = "notification.message_new"
	EventNotificationAddedToChannel = "notification.added_to_channel"
	EventNotificationInviteAccepted = "notification.invite_accepted"
	EventConnectionChanged          = "connection.changed"
	EventHealthCheck                = "health.check"
)

// An Event is a single state change pushed by the server (or synthesized
// locally, e.g. connection.changed). Which payload pointers are set depends
// on Type.
type Event struct {
	Type      string       `json:"type" validate:"required"`
	CID       string       `json:"cid,omitempty"`
	Channel   *ChannelData `json:"channel,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Reaction  *Reaction    `json:"reaction,omitempty"`
	Member    *Member      `json:"member,omitempty"`
	User      *User        `json:"user,omitempty"`
	Online    bool         `json:"online,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
