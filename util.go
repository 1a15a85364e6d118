package main

import "strings"

// parseChannelName splits a channel name of the form #{room}@{owner-handle}
// into its room and handle parts. Fail closed on any other shape.
func parseChannelName(name ChannelName) (room, handle string, ok bool) {
	s := string(name)
	if len(s) < 2 || s[0] != '#' {
		return "", "", false
	}
	s = s[1:]

	idx := strings.Index(s, "@")
	if idx == -1 {
		return "", "", false
	}

	room = s[:idx]
	handle = s[idx+1:]
	if len(handle) == 0 {
		return "", "", false
	}

	return room, handle, true
}

// splitTrailing separates an IRC line's trailing argument from the rest.
// Clients do not send prefixes, so the first " :" on the line starts the
// trailing argument.
//
// The IRC parser folds the trailing argument into the final parameter, but
// PRIVMSG needs to know which form the client used.
func splitTrailing(line string) (rest, trailing string, has bool) {
	idx := strings.Index(line, " :")
	if idx == -1 {
		return line, "", false
	}
	return line[:idx], line[idx+2:], true
}

// chunkStrings splits ss into chunks of at most n entries. NAMES replies pack
// a dozen handles per numeric.
func chunkStrings(ss []string, n int) [][]string {
	var chunks [][]string
	for len(ss) > n {
		chunks = append(chunks, ss[:n])
		ss = ss[n:]
	}
	if len(ss) > 0 {
		chunks = append(chunks, ss)
	}
	return chunks
}
