package redis

import (
	"time"

	"github.com/offlinekit/chatstore/chat"
)

// A message represents a cached message, stored as a Redis hash.
type message struct {
	ID         string    `redis:"id"`
	CID        string    `redis:"cid"`
	Type       string    `redis:"type"`
	Text       string    `redis:"text"`
	SenderID   string    `redis:"sender_id"`
	SenderName string    `redis:"sender_name"`
	CreatedAt  time.Time `redis:"created_at"`
	UpdatedAt  time.Time `redis:"updated_at"`
	Reactions  []reaction
}

// reaction represents a reaction to a cached message, stored as a Redis hash.
type reaction struct {
	MessageID string    `redis:"message_id"`
	UserID    string    `redis:"user_id"`
	UserName  string    `redis:"user_name"`
	Type      string    `redis:"type"`
	Score     int       `redis:"score"`
	CreatedAt time.Time `redis:"created_at"`
}

func messageFrom(msg chat.Message) *message {
	m := &message{
		ID:        msg.ID,
		CID:       msg.CID,
		Type:      msg.Type,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
	if msg.User != nil {
		m.SenderID = msg.User.ID
		m.SenderName = msg.User.Name
	}
	return m
}

func reactionFrom(r chat.Reaction) *reaction {
	out := &reaction{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Type:      r.Type,
		Score:     r.Score,
		CreatedAt: r.CreatedAt,
	}
	if r.User != nil {
		out.UserName = r.User.Name
	}
	return out
}

// ChatMessage converts the cached hash back into a domain message. Reactions
// by currentUserID land in OwnReactions, everything lands in LatestReactions,
// and the counts map is rebuilt from the reaction list.
func (m message) ChatMessage(currentUserID string) chat.Message {
	msg := chat.Message{
		ID:        m.ID,
		CID:       m.CID,
		Type:      m.Type,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.SenderID != "" {
		msg.User = &chat.User{
			ID:   m.SenderID,
			Name: m.SenderName,
		}
	}

	if len(m.Reactions) == 0 {
		return msg
	}
	msg.LatestReactions = make([]chat.Reaction, len(m.Reactions))
	msg.ReactionCounts = make(map[string]int, len(m.Reactions))
	for i, r := range m.Reactions {
		cr := r.chatReaction()
		msg.LatestReactions[i] = cr
		msg.ReactionCounts[r.Type]++
		if currentUserID != "" && r.UserID == currentUserID {
			msg.OwnReactions = append(msg.OwnReactions, cr)
		}
	}
	return msg
}

func (r reaction) chatReaction() chat.Reaction {
	out := chat.Reaction{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Type:      r.Type,
		Score:     r.Score,
		CreatedAt: r.CreatedAt,
	}
	if r.UserID != "" {
		out.User = &chat.User{
			ID:   r.UserID,
			Name: r.UserName,
		}
	}
	return out
}
