package protocol

import (
	"bufio"
	"bytes"
	"net"
	"sync"
)

// Conn wraps a network connection with line-oriented envelope framing.
// Writes are synchronized so a broadcast and a direct reply issued from
// different goroutines can never interleave inside one line.
type Conn struct {
	c   net.Conn
	r   *bufio.Reader
	wmu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps an accepted connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		c: c,
		r: bufio.NewReaderSize(c, 4096),
	}
}

// ReadEnvelope blocks until the next complete line and decodes it. Empty
// lines are skipped. Recoverable per-line failures (oversized or malformed
// lines) are reported with the offending line fully consumed, so the caller
// can reply with a protocol error and keep reading.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return DecodeEnvelope(line)
	}
}

// readLine reads up to and including the next newline, enforcing
// MaxLineLength. On overflow the rest of the line is discarded before
// ErrLineTooLong is returned.
func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			if len(line) > MaxLineLength {
				return nil, ErrLineTooLong
			}
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(line) > MaxLineLength {
			if derr := c.discardLine(); derr != nil {
				return nil, derr
			}
			return nil, ErrLineTooLong
		}
	}
}

// discardLine consumes input up to the next newline.
func (c *Conn) discardLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// WriteEnvelope encodes and writes one envelope as a single line.
func (c *Conn) WriteEnvelope(env *Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.c.Write(data)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.c.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}
