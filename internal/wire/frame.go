package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize is the maximum payload of a length-prefixed frame (50 MiB).
const MaxFrameSize = 50 * 1024 * 1024

var (
	// ErrClosed is returned when the peer closed the connection mid-frame.
	ErrClosed = errors.New("wire: connection closed")
	// ErrOversized is returned when a frame length exceeds MaxFrameSize.
	ErrOversized = errors.New("wire: frame exceeds size limit")
	// ErrMalformed is returned when a frame body is not valid JSON.
	ErrMalformed = errors.New("wire: malformed JSON frame")
)

// WriteFrame writes payload as [4-byte BE length][payload] in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrOversized, len(payload), MaxFrameSize)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("wire: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversized, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}

// Conn wraps a net.Conn with length-prefixed JSON framing. Used on the
// screen-share and file channels. Writes are serialized so concurrent
// senders never interleave frames.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

// NewConn wraps a raw connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// WriteJSON marshals v and writes it as one frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, data)
}

// ReadJSON reads one frame and unmarshals it into v.
func (c *Conn) ReadJSON(v any) error {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// WritePayload writes pre-encoded bytes as one frame. Relays use it to
// fan a frame out without decoding and re-encoding it.
func (c *Conn) WritePayload(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, payload)
}

// ReadPayload reads one frame and returns its raw payload.
func (c *Conn) ReadPayload() ([]byte, error) {
	return ReadFrame(c.conn)
}

// Raw returns the underlying connection for channels that mix framed
// headers with raw byte streams (file bodies, sentinel replies).
func (c *Conn) Raw() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
