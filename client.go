package main

import (
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// What the bridge calls itself on the IRC side.
const serverName = "ircsky"

// The host part of every prefix we emit. Everyone is in the atmosphere.
const serverHost = "the.atmosphere"

// A client sending more than this many consecutive empty lines is not
// speaking IRC and gets cut off.
const maxEmptyLines = 10

// errQuit ends a session without the ERROR line.
var errQuit = errors.New("quit")

// userState tracks where a connection is in login.
type userState int

const (
	// Connected, nothing sent yet.
	userNew userState = iota

	// PASS received, waiting on NICK to log in with.
	userPass

	// Authenticated against the user's authorization server.
	userLoggedIn

	// Registered as a guest. Guests are invisible: they read channels but
	// never appear in membership.
	userLoggedOut
)

// capState tracks IRCv3 capability negotiation.
type capState int

const (
	capNew capState = iota
	capNegotiating
	capEstablished
)

// sessionSub pairs a subscription with the channel name it was made under.
// "dm" is the pseudo-channel for a logged-in user's private outbox.
type sessionSub struct {
	name ChannelName
	sub  *BusSub
}

// IRCClient is one accepted connection: its socket, its two state machines,
// and its fanout subscriptions. All handling runs on a single goroutine; a
// separate reader feeds raw lines in so the main loop can select between
// socket input and bus events.
type IRCClient struct {
	ircsky *Ircsky
	conn   Conn

	userState userState
	pass      string
	nick      string
	did       string
	agent     *Agent

	capState capState
	caps      []string

	subs   []sessionSub
	events chan BusEvent
	lines  chan string
	done   chan struct{}

	emptyLines int
}

// NewIRCClient wraps an accepted connection in a session.
func NewIRCClient(ircsky *Ircsky, conn net.Conn) *IRCClient {
	return &IRCClient{
		ircsky: ircsky,
		conn:   NewConn(conn),
		events: make(chan BusEvent, busBacklog),
		lines:  make(chan string),
		done:   make(chan struct{}),
	}
}

// run drives the session until the client disconnects or a handler fails.
// Fatal errors are rendered as an ERROR line before the socket closes.
func (c *IRCClient) run() {
	defer func() { _ = c.conn.Close() }()
	defer close(c.done)

	go c.readLoop()

	err := c.loop()
	for _, s := range c.subs {
		s.sub.Cancel()
	}
	if err != nil && !errors.Is(err, errQuit) {
		log.Printf("Client %s: %s", c.conn.RemoteAddr(), err)
		_ = c.send(irc.Message{
			Command: "ERROR",
			Params:  []string{err.Error()},
		})
	}
}

// readLoop reads lines off the socket and hands them to the session
// goroutine. It ends when the socket or the session does.
func (c *IRCClient) readLoop() {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			close(c.lines)
			return
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
}

// loop races socket lines against bus events. Whichever arrives is handled
// to completion before the next select, which keeps delivery ordered
// relative to commands.
func (c *IRCClient) loop() error {
	for {
		for _, s := range c.subs {
			if s.sub.Lagged() {
				return errors.Errorf("fell behind on %s", s.name)
			}
		}

		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil
			}
			if err := c.handleLine(line); err != nil {
				return err
			}
		case ev := <-c.events:
			if err := c.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

// send writes one message to the client. Only the session goroutine calls
// this, so writes are serialized.
func (c *IRCClient) send(m irc.Message) error {
	return c.conn.WriteMessage(m)
}

// numeric sends a numeric reply with the client's nick prepended, or * when
// it has none yet.
func (c *IRCClient) numeric(code string, params ...string) error {
	nick := c.nick
	if nick == "" {
		nick = "*"
	}
	return c.send(irc.Message{
		Command: code,
		Params:  append([]string{nick}, params...),
	})
}

// requireNick returns the session's nickname, failing the session when
// registration has not happened.
func (c *IRCClient) requireNick() (string, error) {
	if c.userState == userLoggedIn || c.userState == userLoggedOut {
		return c.nick, nil
	}
	return "", errors.New("No nickname")
}

// hasCap reports whether the client negotiated the capability.
func (c *IRCClient) hasCap(cap string) bool {
	for _, enabled := range c.caps {
		if enabled == cap {
			return true
		}
	}
	return false
}

// subscribed reports whether the session holds a subscription under name.
func (c *IRCClient) subscribed(name ChannelName) bool {
	for _, s := range c.subs {
		if s.name == name {
			return true
		}
	}
	return false
}

// subscribe attaches the session to a bus under the given channel name.
func (c *IRCClient) subscribe(name ChannelName, bus *Bus) {
	c.subs = append(c.subs, sessionSub{name: name, sub: bus.Attach(c.events)})
}

// unsubscribe drops the session's subscription under name, if any.
func (c *IRCClient) unsubscribe(name ChannelName) bool {
	for idx, s := range c.subs {
		if s.name == name {
			s.sub.Cancel()
			c.subs = append(c.subs[:idx], c.subs[idx+1:]...)
			return true
		}
	}
	return false
}

// handleLine processes one raw line from the client.
func (c *IRCClient) handleLine(line string) error {
	line = strings.TrimSpace(line)

	if line == "" {
		c.emptyLines++
		if c.emptyLines > maxEmptyLines {
			return errors.New("ircsky speaks IRC")
		}
		return nil
	}
	c.emptyLines = 0

	m, err := irc.ParseMessage(line + "\r\n")
	if err != nil {
		return errors.Wrap(err, "Could not parse IRC message")
	}

	return c.handleMessage(m, line)
}

// prefixFor builds the prefix we attribute a user's traffic to. A user with
// no verified handle is rendered by DID.
func prefixFor(u User) string {
	handle := u.Handle
	if handle == "" {
		handle = u.DID
	}
	return fmt.Sprintf("%s!%s@%s", handle, u.DID, serverHost)
}

// handleEvent renders one bus event as an IRC line.
//
// A session's own Join/Part events are always suppressed: the session already
// printed its local JOIN/PART line when it issued the command. Its own
// messages are suppressed unless it asked for echo-message.
func (c *IRCClient) handleEvent(ev BusEvent) error {
	own := c.did != "" && ev.User.DID == c.did

	switch ev.Kind {
	case MessageEvent:
		if own && !c.hasCap("echo-message") {
			return nil
		}
		return c.send(irc.Message{
			Prefix:  prefixFor(ev.User),
			Command: "PRIVMSG",
			Params:  []string{string(ev.Channel), ev.Message.Content},
		})
	case JoinEvent:
		if own {
			return nil
		}
		return c.send(irc.Message{
			Prefix:  prefixFor(ev.User),
			Command: "JOIN",
			Params:  []string{string(ev.Channel)},
		})
	case PartEvent:
		if own {
			return nil
		}
		return c.send(irc.Message{
			Prefix:  prefixFor(ev.User),
			Command: "PART",
			Params:  []string{string(ev.Channel)},
		})
	}
	return nil
}

// register sends the welcome burst, the MOTD, and joins the client to the
// default channel.
func (c *IRCClient) register() error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}

	did := c.did
	if did == "" {
		did = "logged-out"
	}

	// 001 RPL_WELCOME
	if err := c.numeric("001", fmt.Sprintf(
		"welcome to ircsky, %s!%s@%s", nick, did, serverHost)); err != nil {
		return err
	}
	// 002 RPL_YOURHOST
	if err := c.numeric("002", "you're connected to ircsky"); err != nil {
		return err
	}
	// 003 RPL_CREATED
	if err := c.numeric("003", "ircsky was made late 2024"); err != nil {
		return err
	}
	// 004 RPL_MYINFO
	if err := c.numeric("004", serverName, "1", "+", "+t"); err != nil {
		return err
	}
	// 005 RPL_ISUPPORT
	if err := c.numeric("005", "IRCSKY",
		"are supported by this server"); err != nil {
		return err
	}

	if err := c.motdCommand(); err != nil {
		return err
	}

	return c.joinChannels(string(c.ircsky.Config.Psky.General))
}
