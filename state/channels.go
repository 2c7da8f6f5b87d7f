package state

import "github.com/offlinekit/chatstore/chat"

// MoveChannelUp moves the channel matching cid to the front of the list,
// keeping the rest of the order intact. The returned slice is deduplicated
// by cid (first occurrence wins), so calling it again with the same cid is
// a no-op. With lockOrder set, or when cid is not in the list, the input is
// returned unchanged.
func MoveChannelUp(channels []chat.ChannelState, cid string, lockOrder bool) []chat.ChannelState {
	if lockOrder {
		return channels
	}
	i := indexOfChannel(channels, cid)
	if i < 0 {
		return channels
	}

	out := make([]chat.ChannelState, 0, len(channels))
	out = append(out, channels[i])
	out = append(out, channels[:i]...)
	out = append(out, channels[i+1:]...)
	return UniqueByCID(out)
}

// PrependChannel puts ch at the front of the list, deduplicated by cid. If
// the channel was already present its earlier entry is replaced by ch.
func PrependChannel(channels []chat.ChannelState, ch chat.ChannelState) []chat.ChannelState {
	out := make([]chat.ChannelState, 0, len(channels)+1)
	out = append(out, ch)
	out = append(out, channels...)
	return UniqueByCID(out)
}

// RemoveChannel filters the channel matching cid out of the list. Used by
// the channel.deleted, channel.hidden and member.removed reducers.
func RemoveChannel(channels []chat.ChannelState, cid string) []chat.ChannelState {
	out := make([]chat.ChannelState, 0, len(channels))
	for _, c := range channels {
		if c.Channel.CID == cid {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UpdateChannel merges incoming channel data into the matching list entry.
// Fields the event payload omits keep their previously known values: Hidden
// and OwnCapabilities are only overwritten when the incoming data carries
// them. A cid not present in the list leaves it unchanged.
func UpdateChannel(channels []chat.ChannelState, incoming chat.ChannelData) []chat.ChannelState {
	i := indexOfChannel(channels, incoming.CID)
	if i < 0 {
		return channels
	}

	out := make([]chat.ChannelState, len(channels))
	copy(out, channels)

	prev := out[i].Channel
	if incoming.Hidden == nil {
		incoming.Hidden = prev.Hidden
	}
	if incoming.OwnCapabilities == nil {
		incoming.OwnCapabilities = prev.OwnCapabilities
	}
	out[i].Channel = incoming
	return out
}

// UpdateChannelMessage replaces the in-memory copy of msg within its
// channel, matched by message id. A channel or message that is not known
// locally is a harmless skip.
func UpdateChannelMessage(channels []chat.ChannelState, msg chat.Message) []chat.ChannelState {
	ci := indexOfChannel(channels, msg.CID)
	if ci < 0 {
		return channels
	}
	mi := indexOfMessage(channels[ci].Messages, msg.ID)
	if mi < 0 {
		return channels
	}

	out := make([]chat.ChannelState, len(channels))
	copy(out, channels)
	msgs := make([]chat.Message, len(out[ci].Messages))
	copy(msgs, out[ci].Messages)
	msgs[mi] = msg
	out[ci].Messages = msgs
	return out
}

// AppendChannelMessage adds msg to the end of its channel's message list,
// replacing any existing message with the same id instead of duplicating it.
func AppendChannelMessage(channels []chat.ChannelState, msg chat.Message) []chat.ChannelState {
	ci := indexOfChannel(channels, msg.CID)
	if ci < 0 {
		return channels
	}
	if mi := indexOfMessage(channels[ci].Messages, msg.ID); mi >= 0 {
		return UpdateChannelMessage(channels, msg)
	}

	out := make([]chat.ChannelState, len(channels))
	copy(out, channels)
	msgs := make([]chat.Message, 0, len(out[ci].Messages)+1)
	msgs = append(msgs, out[ci].Messages...)
	msgs = append(msgs, msg)
	out[ci].Messages = msgs
	return out
}

// UniqueByCID removes duplicate channels from the list, keeping the first
// occurrence of each cid. The order of kept entries is stable.
func UniqueByCID(channels []chat.ChannelState) []chat.ChannelState {
	seen := make(map[string]struct{}, len(channels))
	out := make([]chat.ChannelState, 0, len(channels))
	for _, c := range channels {
		if _, ok := seen[c.Channel.CID]; ok {
			continue
		}
		seen[c.Channel.CID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func indexOfChannel(channels []chat.ChannelState, cid string) int {
	for i, c := range channels {
		if c.Channel.CID == cid {
			return i
		}
	}
	return -1
}
