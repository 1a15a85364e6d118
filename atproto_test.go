package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNetwork plays every upstream HTTPS role at once: appview, PLC
// directory, PDS, and authorization server.
type fakeNetwork struct {
	ts *httptest.Server

	mu       sync.Mutex
	requests int
	handles  map[string]string
	docs     map[string]DIDDoc
	profiles map[string]Profile
	rooms    map[string][]RoomRecord
	created  []map[string]interface{}
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	f := &fakeNetwork{
		handles:  make(map[string]string),
		docs:     make(map[string]DIDDoc),
		profiles: make(map[string]Profile),
		rooms:    make(map[string][]RoomRecord),
	}
	f.ts = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeNetwork) directory() *Directory {
	return &Directory{
		AppviewURL: f.ts.URL,
		PLCURL:     f.ts.URL,
		client:     f.ts.Client(),
	}
}

// addUser registers a DID with a claimed handle and an optional profile. The
// DID document points at this server as the PDS.
func (f *fakeNetwork) addUser(did, handle string, profile *Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := DIDDoc{
		Service: []DIDService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: f.ts.URL,
		}},
	}
	if handle != "" {
		doc.AlsoKnownAs = []string{"at://" + handle}
		f.handles[handle] = did
	}
	f.docs[did] = doc
	if profile != nil {
		f.profiles[did] = *profile
	}
}

func (f *fakeNetwork) addRoom(did, rkey string, room Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := ChannelURI("at://" + did + "/" + collectionRoom + "/" + rkey)
	f.rooms[did] = append(f.rooms[did], RoomRecord{URI: uri, Value: room})
}

func (f *fakeNetwork) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeNetwork) createdRecords() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.created...)
}

func (f *fakeNetwork) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	writeJSON := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/xrpc/com.atproto.identity.resolveHandle":
		did, ok := f.handles[r.URL.Query().Get("handle")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(map[string]string{"did": did})

	case strings.HasPrefix(r.URL.Path, "/did:"):
		doc, ok := f.docs[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(doc)

	case r.URL.Path == "/.well-known/oauth-protected-resource":
		writeJSON(map[string][]string{
			"authorization_servers": {f.ts.URL},
		})

	case r.URL.Path == "/xrpc/com.atproto.repo.getRecord":
		profile, ok := f.profiles[r.URL.Query().Get("repo")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(map[string]interface{}{"value": profile})

	case r.URL.Path == "/xrpc/com.atproto.repo.listRecords":
		writeJSON(map[string]interface{}{
			"records": f.rooms[r.URL.Query().Get("repo")],
		})

	case r.URL.Path == "/xrpc/com.atproto.server.createSession":
		var login struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&login); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		did, ok := f.handles[login.Identifier]
		if !ok || login.Password == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(map[string]string{
			"did":       did,
			"accessJwt": "jwt-" + did,
		})

	case r.URL.Path == "/xrpc/com.atproto.repo.createRecord":
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer jwt-") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.created = append(f.created, body)
		writeJSON(map[string]string{"uri": "at://x", "cid": "x"})

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func TestResolveHandle(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test", nil)
	d := f.directory()

	did, err := d.ResolveHandle("alice.test")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", did)

	_, err = d.ResolveHandle("nobody.test")
	assert.Error(t, err)
}

func TestGetDIDDoc(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test", nil)
	d := f.directory()

	doc, err := d.GetDIDDoc("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"at://alice.test"}, doc.AlsoKnownAs)

	pds, err := pdsEndpoint(doc)
	require.NoError(t, err)
	assert.Equal(t, f.ts.URL, pds)
	assert.Equal(t, "alice.test", claimedHandle(doc))

	_, err = d.GetDIDDoc("did:key:zabc")
	assert.Error(t, err)
}

func TestPDSEndpointMissing(t *testing.T) {
	_, err := pdsEndpoint(DIDDoc{Service: []DIDService{{
		ID:              "#other",
		Type:            "SomethingElse",
		ServiceEndpoint: "https://example.com",
	}}})
	assert.Error(t, err)
}

func TestGetProfile(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test",
		&Profile{Type: collectionProfile, Nickname: "Alice"})
	f.addUser("did:plc:bob", "bob.test", nil)
	d := f.directory()

	profile := d.GetProfile(f.ts.URL, "did:plc:alice")
	require.NotNil(t, profile)
	assert.Equal(t, "Alice", profile.Nickname)

	assert.Nil(t, d.GetProfile(f.ts.URL, "did:plc:bob"))
}

func TestListRooms(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test", nil)
	f.addRoom("did:plc:alice", "3abc", Room{Name: "lounge", Topic: "chat"})
	d := f.directory()

	rooms, err := d.ListRooms(f.ts.URL, "did:plc:alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t,
		ChannelURI("at://did:plc:alice/social.psky.chat.room/3abc"),
		rooms[0].URI)
	assert.Equal(t, "lounge", rooms[0].Value.Name)
}

func TestGetDIDAndAuthEndpoint(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test", nil)
	d := f.directory()

	did, auth, err := d.GetDIDAndAuthEndpoint("alice.test")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", did)
	assert.Equal(t, f.ts.URL, auth)
}

func TestLoginAndCreateRecord(t *testing.T) {
	f := newFakeNetwork(t)
	f.addUser("did:plc:alice", "alice.test", nil)
	d := f.directory()

	agent, err := d.Login(f.ts.URL, "alice.test", "app-password")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", agent.DID())

	record := MessageRecord{
		Type:    collectionMessage,
		Content: "hello",
		Room:    "at://did:plc:alice/social.psky.chat.room/3abc",
	}
	require.NoError(t, agent.CreateRecord(collectionMessage, record))

	created := f.createdRecords()
	require.Len(t, created, 1)
	assert.Equal(t, collectionMessage, created[0]["collection"])
	assert.Equal(t, "did:plc:alice", created[0]["repo"])
	assert.Equal(t, false, created[0]["validate"])

	inner, ok := created[0]["record"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", inner["content"])
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFakeNetwork(t)
	d := f.directory()

	_, err := d.Login(f.ts.URL, "nobody.test", "pw")
	assert.Error(t, err)
}
