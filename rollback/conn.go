package rollback

import (
	"bufio"
	"errors"
	"net"
	"time"
)

// bufferedConn wraps a net.Conn so the engine can check for pending bytes
// without consuming them. The C source uses a zero-timeout select() for
// this (ra_protocol.c has_pending_data); Go has no direct equivalent, so
// we set an already-past read deadline and attempt a non-consuming Peek
// through a buffered reader. A bare Read would work for "is data ready"
// but would steal bytes from the next real read if it raced with more
// data arriving mid-command; Peek leaves everything in place.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, br: bufio.NewReaderSize(c, 4096)}
}

// Read satisfies raproto.Conn by reading through the buffered reader, so
// bytes peeked by hasPendingData aren't lost.
func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// hasPendingData reports whether a read would return without blocking,
// leaving the stream position unchanged: true when at least one byte is
// available, and also when the probe fails with anything but a timeout
// (EOF, reset), so that the caller's next read surfaces that error.
func (c *bufferedConn) hasPendingData() bool {
	if err := c.Conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}

	_, err := c.br.Peek(1)

	// Clear the deadline so subsequent blocking reads (handshake-style)
	// aren't affected by this probe.
	_ = c.Conn.SetReadDeadline(time.Time{})

	if err == nil {
		return true
	}

	var netErr net.Error
	return !(errors.As(err, &netErr) && netErr.Timeout())
}
