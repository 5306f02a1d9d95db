package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxLineSize bounds a single newline-delimited control message (1 MiB).
const MaxLineSize = 1 * 1024 * 1024

// LineConn wraps a net.Conn with newline-delimited JSON framing, one UTF-8
// JSON object per line. Used on the control channel. Partial reads are
// accumulated until a newline arrives, including across read deadlines, so
// a deadline can serve as a cancellation point without losing buffered
// bytes. Empty lines are skipped.
type LineConn struct {
	conn    net.Conn
	br      *bufio.Reader
	pending []byte
	mu      sync.Mutex // serializes writes
}

// NewLineConn wraps a raw connection.
func NewLineConn(conn net.Conn) *LineConn {
	return &LineConn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
	}
}

// ReadLine returns the next non-empty line without its trailing newline.
// The caller owns JSON parsing so that a malformed line can be skipped
// without tearing down the connection. On a deadline expiry the partial
// line survives and the next call resumes it.
func (c *LineConn) ReadLine() ([]byte, error) {
	for {
		chunk, err := c.br.ReadSlice('\n')
		c.pending = append(c.pending, chunk...)

		switch {
		case err == nil:
			line := trimLineEnding(c.pending)
			c.pending = nil
			if len(line) == 0 {
				continue
			}
			return line, nil

		case errors.Is(err, bufio.ErrBufferFull):
			if len(c.pending) > MaxLineSize {
				c.pending = nil
				return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrOversized, MaxLineSize)
			}

		case errors.Is(err, io.EOF):
			return nil, ErrClosed

		default:
			return nil, fmt.Errorf("wire: read line: %w", err)
		}
	}
}

// WriteJSON marshals v and writes it as one newline-terminated line.
func (c *LineConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal line: %w", err)
	}
	return c.WriteLine(data)
}

// WriteLine writes pre-encoded bytes as one newline-terminated line.
// Broadcast paths encode a message once and write it to many peers.
func (c *LineConn) WriteLine(payload []byte) error {
	data := make([]byte, 0, len(payload)+1)
	data = append(data, payload...)
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("wire: write line: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *LineConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *LineConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func trimLineEnding(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
