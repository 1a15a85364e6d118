package main

// The psky lexicon collections this bridge understands.
const (
	collectionProfile = "social.psky.actor.profile"
	collectionRoom    = "social.psky.chat.room"
	collectionMessage = "social.psky.chat.message"
)

// ChannelName is the IRC-visible name of a channel, #{room}@{owner-handle}.
type ChannelName string

// ChannelURI is the canonical AT-URI of a room record,
// at://{owner-did}/social.psky.chat.room/{rkey}.
type ChannelURI string

// Profile is a social.psky.actor.profile record.
type Profile struct {
	Type     string `json:"$type"`
	Nickname string `json:"nickname,omitempty"`
}

// MessageRecord is a social.psky.chat.message record. Room holds the AT-URI of
// the room the message belongs to.
type MessageRecord struct {
	Type    string     `json:"$type"`
	Content string     `json:"content"`
	Room    ChannelURI `json:"room"`
}

// Room is a social.psky.chat.room record. The allow/deny lists are carried but
// not enforced.
type Room struct {
	Name      string   `json:"name"`
	Topic     string   `json:"topic,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Allowlist *ModList `json:"allowlist,omitempty"`
	Denylist  *ModList `json:"denylist,omitempty"`
}

// ModList is a room allow or deny list.
type ModList struct {
	Active bool     `json:"active"`
	Users  []string `json:"users"`
}

// equal compares the fields of two rooms. Used to decide whether a room commit
// actually changed anything.
func (r Room) equal(other Room) bool {
	if r.Name != other.Name || r.Topic != other.Topic {
		return false
	}
	if !stringSlicesEqual(r.Languages, other.Languages) {
		return false
	}
	if !stringSlicesEqual(r.Tags, other.Tags) {
		return false
	}
	if !modListsEqual(r.Allowlist, other.Allowlist) {
		return false
	}
	return modListsEqual(r.Denylist, other.Denylist)
}

func modListsEqual(a, b *ModList) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Active == b.Active && stringSlicesEqual(a.Users, b.Users)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BusEventKind says what a BusEvent describes.
type BusEventKind int

const (
	// JoinEvent means a user was first seen in (or explicitly joined) a
	// channel.
	JoinEvent BusEventKind = iota

	// PartEvent means a local user left a channel.
	PartEvent

	// MessageEvent carries a chat message.
	MessageEvent
)

// BusEvent is the payload fanned out to sessions subscribed to a channel.
type BusEvent struct {
	Kind BusEventKind

	// The acting user, copied at publish time.
	User User

	// Set for MessageEvent only.
	Message *MessageRecord

	// The IRC name of the channel the event belongs to. For direct messages
	// this is the recipient's handle.
	Channel ChannelName
}
