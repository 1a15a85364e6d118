package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitEvent(t *testing.T, did, collection, rkey string,
	record interface{}) jetstreamEvent {
	t.Helper()
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	return jetstreamEvent{
		DID:    did,
		TimeUS: 1000,
		Kind:   "commit",
		Commit: &jetstreamCommit{
			Operation:  "create",
			Collection: collection,
			RKey:       rkey,
			Record:     raw,
		},
	}
}

func TestJetstreamURL(t *testing.T) {
	i := newTestIrcsky(t, nil)

	u := i.jetstreamURL(0)
	assert.Contains(t, u, "wss://jetstream.invalid:443/subscribe")
	assert.Contains(t, u, "wantedCollections=social.psky.chat.message")
	assert.Contains(t, u, "wantedCollections=social.psky.actor.profile")
	assert.Contains(t, u, "wantedCollections=social.psky.chat.room")
	assert.NotContains(t, u, "cursor")

	assert.Contains(t, i.jetstreamURL(12345), "&cursor=12345")
}

func TestJetstreamIdentityUpdatesHandle(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:alice", Handle: "old.test"})

	cursor := i.handleJetstreamEvent(jetstreamEvent{
		DID:    "did:plc:alice",
		TimeUS: 42,
		Kind:   "identity",
		Identity: &jetstreamIdentity{
			DID:    "did:plc:alice",
			Handle: "new.test",
		},
	})
	assert.Equal(t, int64(42), cursor)

	u, ok := i.lookupUser("did:plc:alice")
	require.True(t, ok)
	assert.Equal(t, "new.test", u.Handle)

	// An identity event for a DID we never cached does not create an entry.
	i.handleJetstreamEvent(jetstreamEvent{
		DID:      "did:plc:stranger",
		Kind:     "identity",
		Identity: &jetstreamIdentity{DID: "did:plc:stranger", Handle: "s"},
	})
	_, ok = i.lookupUser("did:plc:stranger")
	assert.False(t, ok)
}

func TestJetstreamProfileCommit(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:alice", Handle: "alice.test"})

	i.handleJetstreamEvent(commitEvent(t, "did:plc:alice",
		collectionProfile, "self",
		Profile{Type: collectionProfile, Nickname: "Alice"}))

	u, ok := i.lookupUser("did:plc:alice")
	require.True(t, ok)
	require.NotNil(t, u.Profile)
	assert.Equal(t, "Alice", u.Profile.Nickname)
}

func TestJetstreamRoomCommit(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:alice", Handle: "alice.test"})

	i.handleJetstreamEvent(commitEvent(t, "did:plc:alice",
		collectionRoom, "3abc", Room{Name: "lounge", Topic: "chat"}))

	uri := ChannelURI("at://did:plc:alice/social.psky.chat.room/3abc")
	name, ok := i.channelName(uri)
	require.True(t, ok)
	assert.Equal(t, ChannelName("#lounge@alice.test"), name)

	topic, ok := i.channelTopic(uri)
	require.True(t, ok)
	assert.Equal(t, "chat", topic)
}

// A room whose owner has no verified handle cannot be named, so the commit
// is dropped.
func TestJetstreamRoomCommitHandlelessOwner(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:alice"})

	i.handleJetstreamEvent(commitEvent(t, "did:plc:alice",
		collectionRoom, "3abc", Room{Name: "lounge"}))

	uri := ChannelURI("at://did:plc:alice/social.psky.chat.room/3abc")
	_, ok := i.channelName(uri)
	assert.False(t, ok)
}

// The first message from a sender joins them to the channel: subscribers see
// a Join, then the Message. Later messages carry no Join.
func TestJetstreamMessageCommit(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:bob", Handle: "bob.test"})

	uri := ChannelURI("at://did:plc:alice/social.psky.chat.room/3abc")
	ch := seedChannel(i, uri, "#lounge@alice.test", Room{Name: "lounge"})

	events := make(chan BusEvent, busBacklog)
	ch.Bus.Attach(events)

	send := func(content string) {
		i.handleJetstreamEvent(commitEvent(t, "did:plc:bob",
			collectionMessage, "3msg",
			MessageRecord{Type: collectionMessage, Content: content,
				Room: uri}))
	}

	send("first")
	require.Len(t, events, 2)

	join := <-events
	assert.Equal(t, JoinEvent, join.Kind)
	assert.Equal(t, "bob.test", join.User.Handle)
	assert.Equal(t, ChannelName("#lounge@alice.test"), join.Channel)

	msg := <-events
	assert.Equal(t, MessageEvent, msg.Kind)
	require.NotNil(t, msg.Message)
	assert.Equal(t, "first", msg.Message.Content)

	send("second")
	require.Len(t, events, 1)
	msg = <-events
	assert.Equal(t, MessageEvent, msg.Kind)
	assert.Equal(t, "second", msg.Message.Content)

	members, ok := i.channelMembers(uri)
	require.True(t, ok)
	assert.Equal(t, []string{"did:plc:bob"}, members)
}

// Messages into rooms we do not track are dropped silently.
func TestJetstreamMessageUnknownRoom(t *testing.T) {
	i := newTestIrcsky(t, nil)
	seedUser(i, User{DID: "did:plc:bob", Handle: "bob.test"})

	i.handleJetstreamEvent(commitEvent(t, "did:plc:bob",
		collectionMessage, "3msg",
		MessageRecord{Type: collectionMessage, Content: "hi",
			Room: "at://did:plc:alice/social.psky.chat.room/gone"}))
	// Nothing to assert beyond not panicking; the registry is unchanged.
	assert.Empty(t, i.listChannels())
}
