package main

import (
	"sync"
)

// User is what the bridge knows about a network identity. Users are keyed by
// DID; the handle is present only once verified.
type User struct {
	// Stable decentralized identifier. Immutable.
	DID string

	// Verified handle. Blank when the user has none or verification failed.
	Handle string

	Profile *Profile

	// Direct message sink. Present only while the user has a logged-in
	// session on this process.
	Outbox *Bus
}

// Channel holds everything to do with a channel.
type Channel struct {
	// Canonical AT-URI of the room record. Immutable key.
	URI ChannelURI

	// IRC-visible name, #{room}@{owner-handle}.
	Name ChannelName

	// The upstream room record.
	Room Room

	// DIDs considered in the channel: observed senders plus explicitly
	// joined local clients.
	Members map[string]struct{}

	// Broadcast endpoint for subscribed sessions.
	Bus *Bus
}

// Ircsky is the process-wide bridge state: the user and channel caches plus
// the name index, shared by the ingestor and every session.
type Ircsky struct {
	Config    *Config
	Directory *Directory

	mu        sync.RWMutex
	users     map[string]User
	channels  map[ChannelURI]*Channel
	nameIndex map[ChannelName]ChannelURI
}

// NewIrcsky creates the bridge state.
func NewIrcsky(config *Config) *Ircsky {
	return &Ircsky{
		Config:    config,
		Directory: NewDirectory(),
		users:     make(map[string]User),
		channels:  make(map[ChannelURI]*Channel),
		nameIndex: make(map[ChannelName]ChannelURI),
	}
}

// lookupUser returns the cached user, if any.
func (i *Ircsky) lookupUser(did string) (User, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.users[did]
	return u, ok
}

// getUser returns the user for a DID, resolving and caching it on a miss.
// cached reports whether the user came from the cache.
//
// Resolution fetches the DID document, extracts the PDS endpoint, verifies
// the claimed handle by resolving it back to the same DID (discarding it on
// mismatch), and fetches the profile record, tolerating its absence.
func (i *Ircsky) getUser(did string) (User, bool, error) {
	if u, ok := i.lookupUser(did); ok {
		return u, true, nil
	}

	doc, err := i.Directory.GetDIDDoc(did)
	if err != nil {
		return User{}, false, err
	}

	pds, err := pdsEndpoint(doc)
	if err != nil {
		return User{}, false, err
	}

	handle := claimedHandle(doc)
	if handle != "" {
		resolved, err := i.Directory.ResolveHandle(handle)
		if err != nil || resolved != did {
			handle = ""
		}
	}

	profile := i.Directory.GetProfile(pds, did)

	i.mu.Lock()
	defer i.mu.Unlock()

	// Another task may have resolved the same DID while we were fetching.
	if u, ok := i.users[did]; ok {
		return u, true, nil
	}

	u := User{DID: did, Handle: handle, Profile: profile}
	i.users[did] = u
	return u, false, nil
}

// alterUser applies f to the user's cache entry, if present. Unknown DIDs are
// left alone; they will be resolved fresh when someone asks for them.
func (i *Ircsky) alterUser(did string, f func(User) User) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if u, ok := i.users[did]; ok {
		i.users[did] = f(u)
	}
}

// setOutbox attaches a direct message bus to the user, inserting a minimal
// entry when the user is not cached yet.
func (i *Ircsky) setOutbox(did string, bus *Bus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	u := i.users[did]
	u.DID = did
	u.Outbox = bus
	i.users[did] = u
}

// channelBus returns the broadcast bus of the channel at uri.
func (i *Ircsky) channelBus(uri ChannelURI) (*Bus, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ch, ok := i.channels[uri]
	if !ok {
		return nil, false
	}
	return ch.Bus, true
}

// alterChannel applies f to the channel under the registry lock. Returns
// false if the URI is unknown. Publishes inside f never block, so holding the
// lock across them is fine.
func (i *Ircsky) alterChannel(uri ChannelURI, f func(*Channel)) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch, ok := i.channels[uri]
	if !ok {
		return false
	}
	f(ch)
	return true
}

// channelName returns the IRC name of the channel at the given URI.
func (i *Ircsky) channelName(uri ChannelURI) (ChannelName, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ch, ok := i.channels[uri]
	if !ok {
		return "", false
	}
	return ch.Name, true
}

// resolveChannel maps an IRC channel name to a channel URI, consulting the
// directory on an index miss.
//
// A miss requires the #{room}@{handle} shape. We resolve the owner's repo and
// index every room it has, not just the requested one: it costs one
// listRecords either way and amortizes the directory lookups across the
// owner's rooms.
func (i *Ircsky) resolveChannel(name ChannelName) (ChannelURI, bool) {
	i.mu.RLock()
	uri, ok := i.nameIndex[name]
	i.mu.RUnlock()
	if ok {
		return uri, true
	}

	_, handle, ok := parseChannelName(name)
	if !ok {
		return "", false
	}

	did, err := i.Directory.ResolveHandle(handle)
	if err != nil {
		return "", false
	}

	pds, err := i.Directory.GetPDS(did)
	if err != nil {
		return "", false
	}

	rooms, err := i.Directory.ListRooms(pds, did)
	if err != nil {
		return "", false
	}

	i.mu.Lock()
	for _, room := range rooms {
		roomName := ChannelName("#" + room.Value.Name + "@" + handle)
		i.nameIndex[roomName] = room.URI

		if existing, ok := i.channels[room.URI]; ok {
			existing.Name = roomName
			existing.Room = room.Value
			continue
		}
		i.channels[room.URI] = &Channel{
			URI:     room.URI,
			Name:    roomName,
			Room:    room.Value,
			Members: make(map[string]struct{}),
			Bus:     NewBus(),
		}
	}
	uri, ok = i.nameIndex[name]
	i.mu.Unlock()

	return uri, ok
}

// upsertChannel inserts a channel observed from the firehose, or refreshes
// the room record of one we already track. The name of an existing channel is
// not rewritten, even if the room was renamed; the name index only learns
// names through resolveChannel.
func (i *Ircsky) upsertChannel(uri ChannelURI, name ChannelName, room Room) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, ok := i.channels[uri]; ok {
		if !existing.Room.equal(room) {
			existing.Room = room
		}
		return
	}

	i.channels[uri] = &Channel{
		URI:     uri,
		Name:    name,
		Room:    room,
		Members: make(map[string]struct{}),
		Bus:     NewBus(),
	}
}

// channelInfo is a point-in-time view of a channel for LIST and friends.
type channelInfo struct {
	Name    ChannelName
	Members int
	Topic   string
}

// listChannels snapshots every channel the bridge knows about.
func (i *Ircsky) listChannels() []channelInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()

	infos := make([]channelInfo, 0, len(i.channels))
	for _, ch := range i.channels {
		infos = append(infos, channelInfo{
			Name:    ch.Name,
			Members: len(ch.Members),
			Topic:   ch.Room.Topic,
		})
	}
	return infos
}

// channelMembers snapshots the member DIDs of a channel.
func (i *Ircsky) channelMembers(uri ChannelURI) ([]string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ch, ok := i.channels[uri]
	if !ok {
		return nil, false
	}

	dids := make([]string, 0, len(ch.Members))
	for did := range ch.Members {
		dids = append(dids, did)
	}
	return dids, true
}

// channelTopic returns the topic of the channel at uri. ok is false when the
// channel is unknown.
func (i *Ircsky) channelTopic(uri ChannelURI) (topic string, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ch, found := i.channels[uri]
	if !found {
		return "", false
	}
	return ch.Room.Topic, true
}
