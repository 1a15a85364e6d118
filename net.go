package main

import (
	"bufio"
	"net"
	"strings"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Conn is a line-oriented connection to an IRC client.
type Conn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

// NewConn initializes a Conn struct.
func NewConn(conn net.Conn) Conn {
	return Conn{
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}
}

// Close closes the underlying connection.
func (c Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadLine reads a line from the connection, stripped of its terminator.
func (c Conn) ReadLine() (string, error) {
	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "error reading")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteMessage encodes the message and writes it to the connection.
// Encoding appends the \r\n terminator.
func (c Conn) WriteMessage(m irc.Message) error {
	buf, err := m.Encode()
	if err != nil {
		return errors.Wrap(err, "error encoding message")
	}

	sz, err := c.rw.WriteString(buf)
	if err != nil {
		return errors.Wrap(err, "error writing")
	}
	if sz != len(buf) {
		return errors.New("short write")
	}

	return errors.Wrap(c.rw.Flush(), "flush error")
}
