// Package control implements the conference control channel: newline
// JSON over TCP, one worker per connection, the participant registry and
// whiteboard behind a single hub.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/registry"
	"github.com/confab-net/confab/internal/secmem"
	"github.com/confab-net/confab/internal/whiteboard"
)

var log = logging.L("control")

const (
	// HelloTimeout bounds how long a fresh connection may take to send
	// its hello.
	HelloTimeout = 5 * time.Second

	// pollInterval is the read deadline on established sessions. A
	// deadline wakeup is not a disconnect; it gives the worker a
	// cancellation point while idle participants stay connected.
	pollInterval = 1 * time.Second
)

// Stats is a snapshot of hub counters.
type Stats struct {
	Participants int
	BoardVersion uint64
	Broadcasts   uint64
	Dropped      uint64
}

// Hub owns the control listener, the participant registry and the shared
// whiteboard. mu serializes joins, departures and broadcast enqueues:
// that single order guarantees a new participant's whiteboard_sync and
// user_list are queued before any later broadcast reaches it, and that
// whiteboard deltas arrive everywhere in version order.
type Hub struct {
	ln       net.Listener
	password *secmem.SecureString

	registry *registry.Registry[*session]
	board    *whiteboard.Board

	mu     sync.Mutex
	conns  map[*session]struct{}
	closed bool

	wg sync.WaitGroup

	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

// NewHub listens on addr ("host:9000"). password is the session password
// every hello must present; the hub takes ownership and zeroes it on
// shutdown.
func NewHub(addr string, password *secmem.SecureString) (*Hub, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", addr, err)
	}
	return &Hub{
		ln:       ln,
		password: password,
		registry: registry.New[*session](),
		board:    whiteboard.New(),
		conns:    make(map[*session]struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (h *Hub) Addr() net.Addr {
	return h.ln.Addr()
}

// VideoTargets returns the datagram endpoints eligible for video fan-out.
func (h *Hub) VideoTargets() []*net.UDPAddr {
	return h.registry.VideoTargets()
}

// AudioTargets returns the audio endpoints keyed to participant identity.
func (h *Hub) AudioTargets() map[registry.Endpoint]string {
	return h.registry.AudioTargets()
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Participants: h.registry.Len(),
		BoardVersion: h.board.Version(),
		Broadcasts:   h.broadcasts.Load(),
		Dropped:      h.dropped.Load(),
	}
}

// Run accepts control connections until ctx is cancelled, then closes
// every session and waits for the workers to drain.
func (h *Hub) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.shutdown()
	}()

	log.Info("control listening", "addr", h.ln.Addr().String())

	for {
		nc, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				h.wg.Wait()
				return ctx.Err()
			}
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				h.wg.Wait()
				return nil
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}
		h.wg.Add(1)
		go h.handle(nc)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.conns))
	for s := range h.conns {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	h.ln.Close()
	for _, s := range sessions {
		s.close()
	}
	h.password.Zero()
}

func (h *Hub) handle(nc net.Conn) {
	defer h.wg.Done()

	s := newSession(h, nc)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		nc.Close()
		return
	}
	h.conns[s] = struct{}{}
	h.mu.Unlock()

	go s.writePump()
	defer h.cleanup(s)

	if !h.authenticate(s) {
		return
	}

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		line, err := s.conn.ReadLine()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if !h.dispatch(s, line) {
			return
		}
	}
}

// authenticate runs the hello exchange. Error replies here are written
// synchronously so they flush before the socket closes.
func (h *Hub) authenticate(s *session) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(HelloTimeout))
	line, err := s.conn.ReadLine()
	if err != nil {
		return false
	}

	var hello protocol.Hello
	if err := json.Unmarshal(line, &hello); err != nil || hello.Type != protocol.TypeHello {
		log.Warn("expected hello", logging.KeyRemote, s.remote)
		return false
	}

	if hello.Password != h.password.Reveal() {
		log.Warn("rejected login", logging.KeyRemote, s.remote)
		_ = s.conn.WriteJSON(protocol.Error{
			Type:       protocol.TypeError,
			Message:    "Invalid password",
			AuthFailed: true,
		})
		return false
	}

	name := hello.Name
	if name == "" {
		name = "anonymous"
	}

	h.mu.Lock()
	part, err := h.registry.Register(s, name, s.ip, hello.VideoPort, hello.AudioPort)
	if err != nil {
		h.mu.Unlock()
		log.Warn("name collision", logging.KeyRemote, s.remote, logging.KeyParticipant, name)
		_ = s.conn.WriteJSON(protocol.Error{
			Type:    protocol.TypeError,
			Message: "Username already taken",
		})
		return false
	}
	s.name = name

	// The sync pair goes into this session's queue before the lock is
	// released, so no subsequent broadcast can precede it.
	users := protocol.UserList{Type: protocol.TypeUserList, Users: h.registry.Snapshot()}
	s.enqueueJSON(protocol.WhiteboardSync{Type: protocol.TypeWhiteboardSync, State: h.board.Snapshot()})
	s.enqueueJSON(users)
	h.mu.Unlock()

	h.broadcast(protocol.Join{Type: protocol.TypeJoin, Name: name, Color: part.Color}, s)
	h.broadcast(users, nil)

	log.Info("participant joined",
		logging.KeyParticipant, name,
		logging.KeyRemote, s.remote,
		"videoPort", hello.VideoPort,
		"audioPort", hello.AudioPort,
		"color", part.Color)
	return true
}

// dispatch handles one post-hello line. Returns false to end the session.
func (h *Hub) dispatch(s *session, line []byte) bool {
	h.registry.Touch(s)

	switch protocol.TypeOf(line) {
	case protocol.TypeChat:
		var msg protocol.Chat
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad chat", logging.KeyParticipant, s.name, logging.KeyError, err)
			return true
		}
		h.broadcast(protocol.Chat{Type: protocol.TypeChat, From: s.name, Message: msg.Message}, nil)

	case protocol.TypePrivateChat:
		var msg protocol.PrivateChat
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad private chat", logging.KeyParticipant, s.name, logging.KeyError, err)
			return true
		}
		h.deliverPrivate(s, msg.To, msg.Message)

	case protocol.TypeGesture:
		var msg protocol.Gesture
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad gesture", logging.KeyParticipant, s.name, logging.KeyError, err)
			return true
		}
		h.broadcast(protocol.Gesture{
			Type:        protocol.TypeGesture,
			From:        s.name,
			GestureType: msg.GestureType,
		}, s)

	case protocol.TypeWhiteboardAction:
		var msg protocol.WhiteboardAction
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad whiteboard action", logging.KeyParticipant, s.name, logging.KeyError, err)
			return true
		}
		h.applyWhiteboard(s, msg)

	case protocol.TypeCursorMove:
		var msg protocol.CursorMove
		if err := json.Unmarshal(line, &msg); err != nil {
			return true
		}
		color := ""
		if part, ok := h.registry.Lookup(s); ok {
			color = part.Color
		}
		h.broadcast(protocol.CursorMove{
			Type:  protocol.TypeCursorMove,
			From:  s.name,
			X:     msg.X,
			Y:     msg.Y,
			Color: color,
		}, s)

	case protocol.TypePresentStart:
		h.broadcast(protocol.Presence{Type: protocol.TypePresentStart, From: s.name}, s)

	case protocol.TypePresentStop:
		h.broadcast(protocol.Presence{Type: protocol.TypePresentStop, From: s.name}, s)

	case protocol.TypeBye:
		return false

	case protocol.TypeHello:
		// One identity per connection.
		log.Warn("repeated hello", logging.KeyParticipant, s.name)
		return false

	default:
		log.Debug("unknown message type", logging.KeyParticipant, s.name, "messageType", protocol.TypeOf(line))
	}
	return true
}

// deliverPrivate routes a direct message and echoes a receipt to the
// sender; an unknown recipient earns the sender an error.
func (h *Hub) deliverPrivate(s *session, to, message string) {
	target, ok := h.registry.Resolve(to)
	if !ok {
		s.enqueueJSON(protocol.Error{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("User %s not found", to),
		})
		return
	}
	target.enqueueJSON(protocol.PrivateChat{
		Type:    protocol.TypePrivateChat,
		From:    s.name,
		Message: message,
	})
	s.enqueueJSON(protocol.PrivateChatSent{
		Type:    protocol.TypePrivateChatSent,
		To:      to,
		Message: message,
	})
}

// applyWhiteboard mutates the board and broadcasts the delta in one
// critical section so receivers always observe versions in order.
func (h *Hub) applyWhiteboard(s *session, msg protocol.WhiteboardAction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	version, changed, err := h.board.Apply(msg.Action, msg.Data, msg.EraseID)
	if err != nil {
		log.Warn("whiteboard action rejected",
			logging.KeyParticipant, s.name,
			"action", msg.Action,
			logging.KeyError, err)
		return
	}
	if !changed {
		return
	}
	h.broadcastLocked(protocol.WhiteboardAction{
		Type:    protocol.TypeWhiteboardAction,
		From:    s.name,
		Action:  msg.Action,
		Data:    msg.Data,
		EraseID: msg.EraseID,
		Version: version,
	}, s)
}

// cleanup releases everything a session held. Idempotent: only the call
// that actually deregisters broadcasts the departure.
func (h *Hub) cleanup(s *session) {
	s.close()

	h.mu.Lock()
	part, ok := h.registry.Deregister(s)
	if ok {
		h.broadcastLocked(protocol.Leave{Type: protocol.TypeLeave, Name: part.Name, Addr: part.IP}, nil)
		h.broadcastLocked(protocol.UserList{Type: protocol.TypeUserList, Users: h.registry.Snapshot()}, nil)
	}
	delete(h.conns, s)
	h.mu.Unlock()

	if ok {
		log.Info("participant left", logging.KeyParticipant, part.Name, logging.KeyRemote, s.remote)
	}
}

// Broadcast queues v for every connected participant. The file broker
// uses it to announce completed uploads.
func (h *Hub) Broadcast(v any) {
	h.broadcast(v, nil)
}

// broadcast encodes v once and queues it for every participant except
// exclude.
func (h *Hub) broadcast(v any, exclude *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(v, exclude)
}

func (h *Hub) broadcastLocked(v any, exclude *session) {
	payload, err := protocol.Encode(v)
	if err != nil {
		return
	}
	h.broadcasts.Add(1)
	for _, target := range h.registry.Handles() {
		if target == exclude {
			continue
		}
		if !target.enqueue(payload) {
			h.dropped.Add(1)
			log.Warn("send queue full, dropping participant", logging.KeyParticipant, target.name)
			target.close()
		}
	}
}
