package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// A frame must arrive within this long or we assume the stream is wedged and
// reconnect from the last cursor.
const jetstreamReadTimeout = 30 * time.Second

// jetstreamEvent is a decoded firehose frame.
type jetstreamEvent struct {
	DID      string             `json:"did"`
	TimeUS   int64              `json:"time_us"`
	Kind     string             `json:"kind"`
	Commit   *jetstreamCommit   `json:"commit,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
	Account  *jetstreamAccount  `json:"account,omitempty"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection,omitempty"`
	RKey       string          `json:"rkey,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

type jetstreamIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

type jetstreamAccount struct {
	Active bool   `json:"active"`
	DID    string `json:"did"`
	Seq    int64  `json:"seq"`
	Status string `json:"status,omitempty"`
	Time   string `json:"time"`
}

// jetstreamURL builds the subscription URL, filtered to the psky collections,
// resuming from the cursor when we have one.
func (i *Ircsky) jetstreamURL(cursor int64) string {
	u := fmt.Sprintf(
		"wss://%s:%d/subscribe?wantedCollections=%s&wantedCollections=%s&wantedCollections=%s",
		i.Config.Jetstream.Host, i.Config.Jetstream.Port,
		collectionMessage, collectionProfile, collectionRoom)
	if cursor > 0 {
		u += fmt.Sprintf("&cursor=%d", cursor)
	}
	return u
}

// startJetstream consumes the firehose until the process exits. One task per
// process; dispatch is serialized so per-channel ordering holds.
//
// Dial failures back off exponentially. Once connected, any read problem
// reconnects immediately with the last seen cursor.
func (i *Ircsky) startJetstream() {
	var cursor int64

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		u := i.jetstreamURL(cursor)
		log.Printf("Connecting to jetstream: %s", u)

		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		if err != nil {
			log.Printf("Jetstream dial error: %s", err)
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()

		cursor = i.readJetstream(conn, cursor)
	}
}

// readJetstream reads frames until the connection fails, times out, or
// closes, and returns the cursor to resume from.
func (i *Ircsky) readJetstream(conn *websocket.Conn, cursor int64) int64 {
	defer func() { _ = conn.Close() }()

	for {
		if err := conn.SetReadDeadline(
			time.Now().Add(jetstreamReadTimeout)); err != nil {
			log.Printf("Jetstream: error setting read deadline: %s", err)
		}

		op, payload, err := conn.ReadMessage()
		if err != nil {
			// Timeout, close frame, or a broken connection. Close
			// best-effort and let the outer loop reconnect.
			log.Printf("Jetstream read error: %s", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return cursor
		}

		if op != websocket.TextMessage {
			continue
		}

		var event jetstreamEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("Jetstream: invalid event: %s", err)
			continue
		}

		cursor = i.handleJetstreamEvent(event)
	}
}

// handleJetstreamEvent applies one firehose event to the registry, fanning
// out to channel buses as needed. Returns the event's cursor position.
func (i *Ircsky) handleJetstreamEvent(event jetstreamEvent) int64 {
	ret := event.TimeUS

	if event.Kind == "identity" {
		handle := ""
		if event.Identity != nil {
			handle = event.Identity.Handle
		}
		// No broadcast; sessions pick up the new handle the next time they
		// read the user.
		i.alterUser(event.DID, func(u User) User {
			u.Handle = handle
			return u
		})
		return ret
	}

	if event.Kind != "commit" || event.Commit == nil {
		return ret
	}
	commit := event.Commit

	switch commit.Collection {
	case collectionProfile:
		var profile *Profile
		if p := new(Profile); json.Unmarshal(commit.Record, p) == nil {
			profile = p
		}
		i.alterUser(event.DID, func(u User) User {
			u.Profile = profile
			return u
		})

	case collectionRoom:
		var room Room
		if err := json.Unmarshal(commit.Record, &room); err != nil {
			return ret
		}
		if commit.RKey == "" {
			return ret
		}

		// The channel name embeds the owner's verified handle. Without one
		// there is nothing to call the channel; drop the event.
		owner, _, err := i.getUser(event.DID)
		if err != nil || owner.Handle == "" {
			return ret
		}

		uri := ChannelURI(fmt.Sprintf("at://%s/%s/%s",
			event.DID, collectionRoom, commit.RKey))
		name := ChannelName("#" + room.Name + "@" + owner.Handle)
		i.upsertChannel(uri, name, room)

	case collectionMessage:
		sender, _, err := i.getUser(event.DID)
		if err != nil {
			return ret
		}

		var message MessageRecord
		if err := json.Unmarshal(commit.Record, &message); err != nil {
			return ret
		}

		i.alterChannel(message.Room, func(ch *Channel) {
			if _, ok := ch.Members[sender.DID]; !ok {
				ch.Members[sender.DID] = struct{}{}
				ch.Bus.Publish(BusEvent{
					Kind:    JoinEvent,
					User:    sender,
					Channel: ch.Name,
				})
			}
			ch.Bus.Publish(BusEvent{
				Kind:    MessageEvent,
				User:    sender,
				Message: &message,
				Channel: ch.Name,
			})
		})
	}

	return ret
}
