package backend

import (
	"net"
	"os"
	"sync"
	"time"
)

// progressConn fails reads and writes that make no progress for
// progressTimeout. Used within an http transport (via DialContext) it bounds
// the time spent sending a request body, waiting for the response header and
// receiving the response body. HTTP/2 has WriteByteTimeout and ReadIdleTimeout
// for this, HTTP/1 connections have no builtin equivalent.
//
// The progressTimeout must be larger than the IdleConnTimeout of the http transport.
type progressConn struct {
	net.Conn
	progressTimeout time.Duration

	m sync.Mutex
	// deadlines set explicitly by the user of the connection
	readDeadline  time.Time
	writeDeadline time.Time
	// last time a write transferred at least one byte
	lastWrite time.Time
}

var _ net.Conn = &progressConn{}

func newTimeoutConn(conn net.Conn, progressTimeout time.Duration) (*progressConn, error) {
	// reset timeouts to ensure a consistent state
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &progressConn{
		Conn:            conn,
		progressTimeout: progressTimeout,
	}, nil
}

func (c *progressConn) deadlines() (read, write time.Time) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.readDeadline, c.writeDeadline
}

func (c *progressConn) wrote() {
	c.m.Lock()
	c.lastWrite = time.Now()
	c.m.Unlock()
}

func (c *progressConn) Write(p []byte) (n int, err error) {
	if _, wd := c.deadlines(); !wd.IsZero() {
		n, err = c.Conn.Write(p)
		if n > 0 {
			c.wrote()
		}
		return n, err
	}

	for {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.progressTimeout))

		nn, err := c.Conn.Write(p[n:])
		n += nn
		if nn > 0 {
			c.wrote()
		}

		// keep going as long as some data was sent before the deadline hit
		if n < len(p) && nn > 0 && err == os.ErrDeadlineExceeded {
			continue
		}

		c.m.Lock()
		_ = c.Conn.SetWriteDeadline(c.writeDeadline)
		c.m.Unlock()
		return n, err
	}
}

func (c *progressConn) Read(b []byte) (n int, err error) {
	if rd, _ := c.deadlines(); !rd.IsZero() {
		return c.Conn.Read(b)
	}

	start := time.Now()
	for {
		_ = c.Conn.SetReadDeadline(start.Add(c.progressTimeout))

		n, err := c.Conn.Read(b)

		c.m.Lock()
		lastWrite := c.lastWrite
		c.m.Unlock()

		// a write in the meantime counts as progress, e.g. while uploading a
		// large request body before the server responds
		if n == 0 && err == os.ErrDeadlineExceeded && lastWrite.After(start) {
			start = lastWrite
			continue
		}

		c.m.Lock()
		_ = c.Conn.SetReadDeadline(c.readDeadline)
		c.m.Unlock()
		return n, err
	}
}

func (c *progressConn) SetDeadline(d time.Time) error {
	err := c.SetReadDeadline(d)
	err2 := c.SetWriteDeadline(d)
	if err != nil {
		return err
	}
	return err2
}

func (c *progressConn) SetReadDeadline(d time.Time) error {
	c.m.Lock()
	defer c.m.Unlock()

	if err := c.Conn.SetReadDeadline(d); err != nil {
		return err
	}
	c.readDeadline = d
	return nil
}

func (c *progressConn) SetWriteDeadline(d time.Time) error {
	c.m.Lock()
	defer c.m.Unlock()

	if err := c.Conn.SetWriteDeadline(d); err != nil {
		return err
	}
	c.writeDeadline = d
	return nil
}
