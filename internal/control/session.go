package control

import (
	"net"
	"sync"

	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
)

// sendQueueDepth is each session's outbound queue. A participant that
// cannot drain this many pending messages is treated as dead.
const sendQueueDepth = 64

// session is one control connection. The reader goroutine lives in
// Hub.handle; writes go through an outbound queue drained by writePump so
// a slow receiver never blocks a broadcast.
type session struct {
	hub  *Hub
	conn *wire.LineConn

	out  chan []byte
	quit chan struct{}
	once sync.Once

	// name is written once under the hub lock during hello; broadcast
	// paths read it under the same lock.
	name   string
	remote string
	ip     string
}

func newSession(h *Hub, nc net.Conn) *session {
	remote := nc.RemoteAddr().String()
	ip := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		ip = host
	}
	return &session{
		hub:    h,
		conn:   wire.NewLineConn(nc),
		out:    make(chan []byte, sendQueueDepth),
		quit:   make(chan struct{}),
		remote: remote,
		ip:     ip,
	}
}

// close tears the connection down; safe to call from any goroutine and
// more than once.
func (s *session) close() {
	s.once.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}

// enqueue queues one encoded line for the write pump. Returns false when
// the queue is full or the session is closing; the caller decides whether
// that kills the session.
func (s *session) enqueue(payload []byte) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

// enqueueJSON encodes v and queues it.
func (s *session) enqueueJSON(v any) bool {
	payload, err := protocol.Encode(v)
	if err != nil {
		return false
	}
	return s.enqueue(payload)
}

// writePump drains the outbound queue onto the socket. A write error
// closes the session; the reader then runs cleanup.
func (s *session) writePump() {
	for {
		select {
		case payload := <-s.out:
			if err := s.conn.WriteLine(payload); err != nil {
				s.close()
				return
			}
		case <-s.quit:
			return
		}
	}
}
