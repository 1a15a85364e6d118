package main

import (
	"strconv"
	"strings"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// handleMessage dispatches one parsed client message. raw is the line as
// received, for handlers that need to distinguish trailing arguments.
//
// A returned error is fatal to the session; handlers that want the client to
// carry on reply with a numeric and return nil.
func (c *IRCClient) handleMessage(m irc.Message, raw string) error {
	switch strings.ToUpper(m.Command) {
	case "CAP":
		return c.capCommand(m)
	case "JOIN":
		return c.joinCommand(m)
	case "LIST":
		return c.listCommand(m)
	case "MODE":
		return c.modeCommand(m)
	case "MOTD":
		return c.motdCommand()
	case "NAMES":
		return c.namesCommand(m)
	case "NICK":
		return c.nickCommand(m)
	case "PART":
		return c.partCommand(m)
	case "PASS":
		return c.passCommand(m)
	case "PING":
		return c.pingCommand(m)
	case "PONG":
		return nil
	case "PRIVMSG":
		return c.privmsgCommand(m, raw)
	case "QUIT":
		return c.quitCommand(m)
	case "TOPIC":
		return c.topicCommand(m)
	case "USER":
		// Accepted for client compatibility. Identity comes from NICK/PASS.
		return nil
	case "WHO":
		return c.whoCommand(m)
	default:
		return c.unknownCommand(m)
	}
}

func (c *IRCClient) unknownCommand(m irc.Message) error {
	nick, err := c.requireNick()
	if err != nil {
		return errors.New("Unknown command before registration")
	}

	// 421 ERR_UNKNOWNCOMMAND
	return c.send(irc.Message{
		Command: "421",
		Params:  []string{nick, m.Command, "Unknown command"},
	})
}

// capCommand runs IRCv3 capability negotiation. The only capability on offer
// is echo-message.
func (c *IRCClient) capCommand(m irc.Message) error {
	if len(m.Params) == 0 {
		return errors.New("Missing CAP subcommand")
	}
	subcommand := m.Params[0]

	switch c.capState {
	case capNew:
		if subcommand != "LS" && subcommand != "REQ" {
			return errors.New("First CAP subcommand must be LS or REQ")
		}
		c.capState = capNegotiating
	case capEstablished:
		if subcommand != "LIST" {
			return errors.New("You can only send CAP LIST after CAP END")
		}
	}

	capNick := c.nick
	if capNick == "" {
		capNick = "*"
	}

	switch subcommand {
	case "LS":
		return c.send(irc.Message{
			Command: "CAP",
			Params:  []string{"*", "LS", "echo-message"},
		})

	case "LIST":
		return c.send(irc.Message{
			Command: "CAP",
			Params:  []string{"*", "LIST", strings.Join(c.caps, " ")},
		})

	case "REQ":
		if len(m.Params) < 2 {
			return errors.New("Missing requested capability")
		}

		var ack, nak []string
		for _, capability := range strings.Fields(m.Params[1]) {
			if capability == "echo-message" {
				ack = append(ack, capability)
			} else {
				nak = append(nak, capability)
			}
		}

		if len(ack) > 0 {
			c.caps = append(c.caps, ack...)
			if err := c.send(irc.Message{
				Command: "CAP",
				Params:  []string{capNick, "ACK", strings.Join(ack, " ")},
			}); err != nil {
				return err
			}
		}
		if len(nak) > 0 {
			if err := c.send(irc.Message{
				Command: "CAP",
				Params:  []string{capNick, "NAK", strings.Join(nak, " ")},
			}); err != nil {
				return err
			}
		}
		return nil

	case "END":
		if c.capState != capNegotiating {
			return errors.New("CAP END without CAP LS/REQ")
		}
		c.capState = capEstablished
		return nil
	}

	return nil
}

// passCommand stores the password for the login NICK will trigger.
func (c *IRCClient) passCommand(m irc.Message) error {
	if c.userState != userNew {
		return errors.New("Cannot PASS multiple times, or after NICK")
	}
	if len(m.Params) == 0 {
		return errors.New("No password given with PASS")
	}

	c.pass = m.Params[0]
	c.userState = userPass
	return nil
}

// nickCommand registers the client: as an invisible guest when no PASS was
// given, or by logging in against the handle's authorization server.
func (c *IRCClient) nickCommand(m irc.Message) error {
	if len(m.Params) == 0 {
		return errors.New("No nickname given with NICK")
	}
	nick := m.Params[0]

	switch c.userState {
	case userNew:
		c.userState = userLoggedOut
		c.nick = nick

		if err := c.send(irc.Message{
			Prefix:  serverName,
			Command: "NOTICE",
			Params: []string{nick, "Logged in as a guest, as no PASS was" +
				" given. You are invisible to other users."},
		}); err != nil {
			return err
		}
		return c.register()

	case userPass:
		// The nickname is the handle to log in as.
		did, auth, err := c.ircsky.Directory.GetDIDAndAuthEndpoint(nick)
		if err != nil {
			return errors.Wrap(err, "login failed")
		}

		agent, err := c.ircsky.Directory.Login(auth, nick, c.pass)
		if err != nil {
			return errors.Wrap(err, "login failed")
		}
		if agent.DID() != did {
			return errors.New("DID mismatch")
		}

		c.userState = userLoggedIn
		c.nick = nick
		c.did = did
		c.agent = agent
		c.pass = ""

		// Resolve ourselves into the cache, then hang our direct message
		// outbox off the user record so other sessions can reach us.
		if _, _, err := c.ircsky.getUser(did); err != nil {
			return errors.Wrap(err, "error resolving own user")
		}
		outbox := NewBus()
		c.ircsky.setOutbox(did, outbox)
		c.subscribe("dm", outbox)

		return c.register()

	default:
		// 433 ERR_NICKNAMEINUSE is the closest numeric there is.
		return c.numeric("433", "Can't change nickname")
	}
}

// joinCommand joins each channel in the comma-separated list.
func (c *IRCClient) joinCommand(m irc.Message) error {
	if len(m.Params) == 0 {
		return errors.New("No channel given with JOIN")
	}
	return c.joinChannels(m.Params[0])
}

func (c *IRCClient) joinChannels(arg string) error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}

	for _, channel := range strings.Split(arg, ",") {
		name := ChannelName(channel)

		if c.subscribed(name) {
			continue
		}

		uri, ok := c.ircsky.resolveChannel(name)
		if !ok {
			// 403 ERR_NOSUCHCHANNEL
			if err := c.numeric("403", channel,
				"No such channel"); err != nil {
				return err
			}
			continue
		}

		bus, ok := c.ircsky.channelBus(uri)
		if !ok {
			return errors.New("resolved channel is gone")
		}
		c.subscribe(name, bus)

		switch c.userState {
		case userLoggedIn:
			user, _, err := c.ircsky.getUser(c.did)
			if err != nil {
				return errors.Wrap(err, "error resolving own user")
			}

			c.ircsky.alterChannel(uri, func(ch *Channel) {
				ch.Members[c.did] = struct{}{}
				ch.Bus.Publish(BusEvent{
					Kind:    JoinEvent,
					User:    user,
					Channel: ch.Name,
				})
			})

			if err := c.send(irc.Message{
				Prefix:  nick + "!" + c.did + "@" + serverHost,
				Command: "JOIN",
				Params:  []string{channel},
			}); err != nil {
				return err
			}

		case userLoggedOut:
			// Guests are invisible: no membership, no broadcast.
			if err := c.send(irc.Message{
				Prefix:  nick + "!logged-out@" + serverHost,
				Command: "JOIN",
				Params:  []string{channel},
			}); err != nil {
				return err
			}
		}

		if topic, ok := c.ircsky.channelTopic(uri); ok && topic != "" {
			if err := c.sendTopic(name); err != nil {
				return err
			}
		}
		if err := c.sendNames(name); err != nil {
			return err
		}
	}

	return nil
}

// partCommand drops the session's subscription and, for logged-in users, the
// channel membership.
func (c *IRCClient) partCommand(m irc.Message) error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}
	if len(m.Params) == 0 {
		return errors.New("No channel given with PART")
	}
	name := ChannelName(m.Params[0])

	uri, ok := c.ircsky.resolveChannel(name)
	if !ok {
		// 403 ERR_NOSUCHCHANNEL
		return c.numeric("403", string(name), "No such channel")
	}

	if !c.unsubscribe(name) {
		// 442 ERR_NOTONCHANNEL
		return c.numeric("442", string(name), "You're not on that channel")
	}

	switch c.userState {
	case userLoggedIn:
		user, _, err := c.ircsky.getUser(c.did)
		if err != nil {
			return errors.Wrap(err, "error resolving own user")
		}

		c.ircsky.alterChannel(uri, func(ch *Channel) {
			delete(ch.Members, c.did)
			ch.Bus.Publish(BusEvent{
				Kind:    PartEvent,
				User:    user,
				Channel: name,
			})
		})

		return c.send(irc.Message{
			Prefix:  nick + "!" + c.did + "@" + serverHost,
			Command: "PART",
			Params:  []string{string(name)},
		})

	case userLoggedOut:
		return c.send(irc.Message{
			Prefix:  nick + "!logged-out@" + serverHost,
			Command: "PART",
			Params:  []string{string(name)},
		})
	}

	return nil
}

// privmsgBody extracts the message body from the raw line. The body is
// either the middle parameters after the target joined by space, or the
// trailing argument; a client supplying both is malformed.
func privmsgBody(raw string) (body string, ok bool) {
	rest, trailing, hasTrailing := splitTrailing(raw)

	fields := strings.Fields(rest)
	middle := ""
	if len(fields) > 2 {
		middle = strings.Join(fields[2:], " ")
	}

	if hasTrailing {
		if middle != "" {
			return "", false
		}
		body = trailing
	} else {
		body = middle
	}

	return body, body != ""
}

// privmsgCommand sends to a channel by writing the message record upstream
// (the message comes back through the jetstream; no local echo), or to a
// user by delivering into their outbox.
func (c *IRCClient) privmsgCommand(m irc.Message, raw string) error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}
	if len(m.Params) == 0 {
		return errors.New("No recipient given with PRIVMSG")
	}
	target := m.Params[0]

	body, ok := privmsgBody(raw)
	if !ok {
		// 461 ERR_NEEDMOREPARAMS
		return c.numeric("461", "PRIVMSG", "Not enough parameters")
	}

	if !strings.HasPrefix(target, "#") {
		return c.directMessage(nick, target, body)
	}

	name := ChannelName(target)
	uri, ok := c.ircsky.resolveChannel(name)
	if !ok {
		// 404 ERR_CANNOTSENDTOCHAN
		return c.numeric("404", target, "Cannot send to channel")
	}

	if c.userState != userLoggedIn {
		return c.numeric("404", target, "Cannot send to channel")
	}

	record := MessageRecord{
		Type:    collectionMessage,
		Content: body,
		Room:    uri,
	}
	if err := c.agent.CreateRecord(collectionMessage, record); err != nil {
		// The write failed upstream; the channel never sees it.
		return c.numeric("404", target, "Cannot send to channel")
	}

	return nil
}

// directMessage delivers into the recipient's outbox. The recipient must be
// online on this process. The sender gets a copy through its own dm
// subscription, which renders only with echo-message enabled.
func (c *IRCClient) directMessage(nick, target, body string) error {
	if c.did == "" {
		return errors.New("no self did")
	}

	noSuchUser := func() error {
		// 401 ERR_NOSUCHNICK
		return c.numeric("401", target, "No such user")
	}

	did, err := c.ircsky.Directory.ResolveHandle(target)
	if err != nil {
		return noSuchUser()
	}

	recipient, _, err := c.ircsky.getUser(did)
	if err != nil {
		return noSuchUser()
	}
	if recipient.Outbox == nil {
		return noSuchUser()
	}

	sender, _, err := c.ircsky.getUser(c.did)
	if err != nil {
		return errors.Wrap(err, "error resolving own user")
	}

	message := &MessageRecord{
		Type:    collectionMessage,
		Content: body,
		Room:    ChannelURI(target),
	}
	ev := BusEvent{
		Kind:    MessageEvent,
		User:    sender,
		Message: message,
		Channel: ChannelName(target),
	}

	recipient.Outbox.Publish(ev)
	if sender.Outbox != nil && sender.DID != recipient.DID {
		sender.Outbox.Publish(ev)
	}

	return nil
}

// topicCommand reads a channel's topic. Setting one is not bridged.
func (c *IRCClient) topicCommand(m irc.Message) error {
	if _, err := c.requireNick(); err != nil {
		return err
	}
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		return c.numeric("461", "TOPIC", "Not enough parameters")
	}

	if len(m.Params) > 1 {
		// 482 ERR_CHANOPRIVSNEEDED
		return c.numeric("482", m.Params[0], "You're not channel operator")
	}

	return c.sendTopic(ChannelName(m.Params[0]))
}

func (c *IRCClient) sendTopic(name ChannelName) error {
	uri, ok := c.ircsky.resolveChannel(name)
	if !ok {
		// 403 ERR_NOSUCHCHANNEL
		return c.numeric("403", string(name), "No such channel")
	}

	topic, _ := c.ircsky.channelTopic(uri)
	if topic == "" {
		// 331 RPL_NOTOPIC
		return c.numeric("331", string(name), "No topic is set")
	}
	// 332 RPL_TOPIC
	return c.numeric("332", string(name), topic)
}

// namesCommand lists the verified handles of a channel's members.
func (c *IRCClient) namesCommand(m irc.Message) error {
	if _, err := c.requireNick(); err != nil {
		return err
	}
	if len(m.Params) == 0 {
		return errors.New("No channel given with NAMES")
	}

	for _, channel := range strings.Split(m.Params[0], ",") {
		if err := c.sendNames(ChannelName(channel)); err != nil {
			return err
		}
	}
	return nil
}

func (c *IRCClient) sendNames(name ChannelName) error {
	endOfNames := func() error {
		// 366 RPL_ENDOFNAMES
		return c.numeric("366", string(name), "End of /NAMES list")
	}

	uri, ok := c.ircsky.resolveChannel(name)
	if !ok {
		return endOfNames()
	}

	dids, ok := c.ircsky.channelMembers(uri)
	if !ok {
		return endOfNames()
	}

	// Members whose handle we have not verified are skipped rather than
	// shown by DID; NAMES is a handle listing.
	var handles []string
	for _, did := range dids {
		if user, ok := c.ircsky.lookupUser(did); ok && user.Handle != "" {
			handles = append(handles, user.Handle)
		}
	}

	for _, chunk := range chunkStrings(handles, 12) {
		// 353 RPL_NAMREPLY
		if err := c.numeric("353", "=", string(name),
			strings.Join(chunk, " ")); err != nil {
			return err
		}
	}
	return endOfNames()
}

// whoCommand answers WHO for a channel or a single handle.
func (c *IRCClient) whoCommand(m irc.Message) error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}
	if len(m.Params) == 0 {
		return errors.New("No first argument given with WHO")
	}
	mask := m.Params[0]

	if strings.HasPrefix(mask, "#") {
		uri, ok := c.ircsky.resolveChannel(ChannelName(mask))
		if !ok {
			// 403 ERR_NOSUCHCHANNEL
			return c.numeric("403", mask, "No such channel")
		}

		dids, ok := c.ircsky.channelMembers(uri)
		if !ok {
			return c.numeric("403", mask, "No such channel")
		}

		for _, did := range dids {
			user, ok := c.ircsky.lookupUser(did)
			if !ok {
				continue
			}
			if err := c.sendWho(nick, mask, user); err != nil {
				return err
			}
		}
		return nil
	}

	endOfWho := func() error {
		// 315 RPL_ENDOFWHO
		return c.numeric("315", mask, "End of WHO list")
	}

	did, err := c.ircsky.Directory.ResolveHandle(mask)
	if err != nil {
		// 401 ERR_NOSUCHNICK
		if err := c.numeric("401", mask, "No such user"); err != nil {
			return err
		}
		return endOfWho()
	}

	user, _, err := c.ircsky.getUser(did)
	if err != nil {
		if err := c.numeric("401", mask, "No such user"); err != nil {
			return err
		}
		return endOfWho()
	}

	if err := c.sendWho(nick, "*", user); err != nil {
		return err
	}
	return endOfWho()
}

func (c *IRCClient) sendWho(nick, mask string, user User) error {
	if user.Handle == "" {
		// 401 ERR_NOSUCHNICK
		return c.numeric("401", mask, "No such user")
	}

	realname := user.Handle
	if user.Profile != nil && user.Profile.Nickname != "" {
		realname = user.Profile.Nickname
	}

	// 352 RPL_WHOREPLY
	return c.send(irc.Message{
		Command: "352",
		Params: []string{nick, mask, user.DID, serverHost, serverName,
			user.Handle, "H", "0 " + realname},
	})
}

// listCommand enumerates every channel the bridge has seen.
func (c *IRCClient) listCommand(m irc.Message) error {
	nick, err := c.requireNick()
	if err != nil {
		return err
	}

	// 321 RPL_LISTSTART
	if err := c.send(irc.Message{
		Command: "321",
		Params:  []string{nick, "Channel", "Users  Name"},
	}); err != nil {
		return err
	}

	for _, info := range c.ircsky.listChannels() {
		// 322 RPL_LIST
		params := []string{nick, string(info.Name),
			strconv.Itoa(info.Members)}
		if info.Topic != "" {
			params = append(params, info.Topic)
		}
		if err := c.send(irc.Message{
			Command: "322",
			Params:  params,
		}); err != nil {
			return err
		}
	}

	// 323 RPL_LISTEND
	return c.numeric("323", "End of /LIST")
}

// modeCommand answers mode queries; nothing here is changeable.
func (c *IRCClient) modeCommand(m irc.Message) error {
	if _, err := c.requireNick(); err != nil {
		return err
	}
	if len(m.Params) == 0 {
		return errors.New("No first parameter given for MODE")
	}
	target := m.Params[0]

	if strings.HasPrefix(target, "#") {
		if len(m.Params) > 1 {
			// 482 ERR_CHANOPRIVSNEEDED
			return c.numeric("482", target, "You're not channel operator")
		}
		if _, ok := c.ircsky.resolveChannel(ChannelName(target)); ok {
			// 324 RPL_CHANNELMODEIS
			return c.numeric("324", target, "+nrt")
		}
		// 403 ERR_NOSUCHCHANNEL
		return c.numeric("403", target, "No such channel")
	}

	if len(m.Params) > 1 {
		// 501 ERR_UMODEUNKNOWNFLAG
		return c.numeric("501", "Unknown MODE flag")
	}
	// 502 ERR_USERSDONTMATCH
	return c.numeric("502", "Cant change mode for other users")
}

// motdCommand sends the configured message of the day.
func (c *IRCClient) motdCommand() error {
	motd, ok := c.ircsky.Config.MOTD()
	if !ok {
		// 422 ERR_NOMOTD
		return c.numeric("422", "MOTD File is missing")
	}

	// 375 RPL_MOTDSTART
	if err := c.numeric("375", "- ircsky Message of the day - "); err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(motd, "\n"), "\n") {
		// 372 RPL_MOTD
		if err := c.numeric("372",
			strings.TrimRight(line, "\r")); err != nil {
			return err
		}
	}
	// 376 RPL_ENDOFMOTD
	return c.numeric("376", "End of /MOTD command.")
}

// pingCommand answers with a PONG carrying the client's payload.
func (c *IRCClient) pingCommand(m irc.Message) error {
	params := []string{serverName}
	if len(m.Params) > 0 {
		params = append(params, m.Params[0])
	}
	return c.send(irc.Message{Command: "PONG", Params: params})
}

// quitCommand ends the session. Membership is not cleaned up and no PART is
// broadcast; observed members linger until restart.
func (c *IRCClient) quitCommand(m irc.Message) error {
	return errQuit
}
