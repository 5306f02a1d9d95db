// Package client implements the participant side of the conference
// protocol: the control session with its typed event stream, the paced
// media send loops with per-source receive pipelines, and the
// per-operation screen-share and file transfer connections.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/audio"
	"github.com/confab-net/confab/internal/config"
	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/netutil"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/secmem"
	"github.com/confab-net/confab/internal/whiteboard"
	"github.com/confab-net/confab/internal/wire"
)

var log = logging.L("client")

const (
	// DialTimeout bounds connection attempts to any server port.
	DialTimeout = 5 * time.Second

	// JoinTimeout bounds the wait for the server's hello verdict.
	JoinTimeout = 10 * time.Second

	outboxDepth     = 64
	eventQueueDepth = 256
	frameQueueDepth = 8
)

var (
	// ErrAuthFailed reports a hello rejected for a wrong password.
	ErrAuthFailed = errors.New("client: invalid session password")

	// ErrNameTaken reports a hello rejected for a name collision.
	ErrNameTaken = errors.New("client: username already taken")

	// ErrClosed reports an operation on an engine that has shut down.
	ErrClosed = errors.New("client: engine closed")
)

// Stats is a snapshot of engine counters.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
	AudioSent      uint64
	AudioReceived  uint64
	AudioDropped   uint64
	BoardVersion   uint64
	Participants   int
}

// Engine is one joined participant. A reader goroutine turns incoming
// control messages into Events and keeps the roster and whiteboard
// mirrors current; a writer goroutine serializes outgoing requests.
// Media flows over the two datagram sockets bound at join time.
type Engine struct {
	cfg  *config.ClientConfig
	name string

	conn      *wire.LineConn
	videoConn *net.UDPConn
	audioConn *net.UDPConn
	videoAddr *net.UDPAddr
	audioAddr *net.UDPAddr

	events chan Event
	outbox chan []byte
	frames chan Frame
	jitter *audio.JitterBuffer
	board  *whiteboard.Board

	mu     sync.Mutex
	roster []protocol.RosterEntry

	videoOn atomic.Bool
	audioOn atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	framesSent    atomic.Uint64
	framesRecv    atomic.Uint64
	framesDropped atomic.Uint64
	audioSent     atomic.Uint64
	audioRecv     atomic.Uint64
}

// Join binds the media listen sockets, dials the control port and runs
// the hello exchange. On success the engine is live: events flow on
// Events, media on Frames and NextAudio. The advertised datagram ports
// are the ones actually bound, so configuring them as 0 lets the OS
// pick.
func Join(ctx context.Context, cfg *config.ClientConfig) (*Engine, error) {
	videoConn, err := listenMedia(cfg.VideoListenPort, netutil.DSCPVideo)
	if err != nil {
		return nil, fmt.Errorf("client: video listen: %w", err)
	}
	audioConn, err := listenMedia(cfg.AudioListenPort, netutil.DSCPAudio)
	if err != nil {
		videoConn.Close()
		return nil, fmt.Errorf("client: audio listen: %w", err)
	}

	// tcp4 keeps the whole session on IPv4 alongside the udp4 media
	// sockets.
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.ControlPort)))
	if err != nil {
		videoConn.Close()
		audioConn.Close()
		return nil, fmt.Errorf("client: dial control: %w", err)
	}

	// Media goes to whichever address answered the control dial, not to
	// a second resolution of the configured host.
	serverIP := nc.RemoteAddr().(*net.TCPAddr).IP

	e := &Engine{
		cfg:       cfg,
		conn:      wire.NewLineConn(nc),
		videoConn: videoConn,
		audioConn: audioConn,
		videoAddr: &net.UDPAddr{IP: serverIP, Port: cfg.VideoPort},
		audioAddr: &net.UDPAddr{IP: serverIP, Port: cfg.AudioPort},
		events:    make(chan Event, eventQueueDepth),
		outbox:    make(chan []byte, outboxDepth),
		frames:    make(chan Frame, frameQueueDepth),
		jitter:    audio.NewJitterBuffer(0),
		board:     whiteboard.New(),
		done:      make(chan struct{}),
	}
	e.videoOn.Store(true)
	e.audioOn.Store(true)

	if err := e.hello(); err != nil {
		e.shutdown()
		return nil, err
	}

	log.Info("joined conference",
		logging.KeyParticipant, e.name,
		"server", nc.RemoteAddr().String(),
		"videoPort", localPort(videoConn),
		"audioPort", localPort(audioConn))

	e.wg.Add(4)
	go e.writePump()
	go e.readLoop()
	go e.videoRecvLoop()
	go e.audioRecvLoop()
	return e, nil
}

// hello sends the login message and classifies the first reply. The
// password lives in locked-down memory only until the verdict arrives.
func (e *Engine) hello() error {
	name := e.cfg.Name
	if name == "" {
		name = "anonymous"
	}
	e.name = name

	password := secmem.NewSecureString(e.cfg.Password)
	defer password.Zero()

	err := e.conn.WriteJSON(protocol.Hello{
		Type:      protocol.TypeHello,
		Name:      name,
		Password:  password.Reveal(),
		VideoPort: localPort(e.videoConn),
		AudioPort: localPort(e.audioConn),
	})
	if err != nil {
		return fmt.Errorf("client: send hello: %w", err)
	}

	_ = e.conn.SetReadDeadline(time.Now().Add(JoinTimeout))
	line, err := e.conn.ReadLine()
	if err != nil {
		return fmt.Errorf("client: await welcome: %w", err)
	}
	_ = e.conn.SetReadDeadline(time.Time{})

	switch protocol.TypeOf(line) {
	case protocol.TypeError:
		var msg protocol.Error
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("client: malformed rejection: %w", err)
		}
		return rejectionError(msg)

	case protocol.TypeWhiteboardSync, protocol.TypeUserList:
		// The server queues the board snapshot and the roster back to
		// back; seeing either one first means the hello was accepted.
		e.dispatch(line)
		return nil

	default:
		return fmt.Errorf("client: unexpected welcome %q", protocol.TypeOf(line))
	}
}

func rejectionError(msg protocol.Error) error {
	switch {
	case msg.AuthFailed:
		return ErrAuthFailed
	case msg.Message == "Username already taken":
		return ErrNameTaken
	default:
		return fmt.Errorf("client: join rejected: %s", msg.Message)
	}
}

// Events returns the control event stream. The channel closes once the
// session ends, normally right after a terminal Disconnected event; the
// close itself is the authoritative end-of-session signal.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Name returns the name this participant joined under.
func (e *Engine) Name() string {
	return e.name
}

// Roster returns a copy of the current participant list.
func (e *Engine) Roster() []protocol.RosterEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]protocol.RosterEntry, len(e.roster))
	copy(users, e.roster)
	return users
}

// Board returns a snapshot of the whiteboard mirror.
func (e *Engine) Board() protocol.BoardState {
	return e.board.Snapshot()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	participants := len(e.roster)
	e.mu.Unlock()
	return Stats{
		FramesSent:     e.framesSent.Load(),
		FramesReceived: e.framesRecv.Load(),
		FramesDropped:  e.framesDropped.Load(),
		AudioSent:      e.audioSent.Load(),
		AudioReceived:  e.audioRecv.Load(),
		AudioDropped:   e.jitter.Dropped(),
		BoardVersion:   e.board.Version(),
		Participants:   participants,
	}
}

// SendChat posts a group chat line; the server echoes it back through
// the event stream along with everyone else's copy.
func (e *Engine) SendChat(message string) error {
	return e.sendJSON(protocol.Chat{Type: protocol.TypeChat, Message: message})
}

// SendPrivate sends a direct message. Delivery is confirmed by a
// PrivateChatEcho event; an unknown recipient produces a ServerError.
func (e *Engine) SendPrivate(to, message string) error {
	return e.sendJSON(protocol.PrivateChat{Type: protocol.TypePrivateChat, To: to, Message: message})
}

// SendGesture broadcasts a gesture tag to the other participants.
func (e *Engine) SendGesture(gesture string) error {
	return e.sendJSON(protocol.Gesture{Type: protocol.TypeGesture, GestureType: gesture})
}

// MoveCursor reports this participant's whiteboard cursor position.
func (e *Engine) MoveCursor(x, y float64) error {
	return e.sendJSON(protocol.CursorMove{Type: protocol.TypeCursorMove, X: x, Y: y})
}

// Leave sends an advisory farewell and closes the engine. The server
// treats a vanished connection the same way, so the farewell is best
// effort.
func (e *Engine) Leave() {
	_ = e.conn.WriteJSON(protocol.Bye{Type: protocol.TypeBye})
	e.Close()
}

// Close tears the session down and waits for the worker goroutines.
// Safe to call more than once.
func (e *Engine) Close() error {
	e.shutdown()
	e.wg.Wait()
	return nil
}

// shutdown closes the sockets, which unblocks every loop.
func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.conn.Close()
		e.videoConn.Close()
		e.audioConn.Close()
	})
}

// sendJSON queues one control message for the writer goroutine.
func (e *Engine) sendJSON(v any) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	select {
	case e.outbox <- payload:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) writePump() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case payload := <-e.outbox:
			if err := e.conn.WriteLine(payload); err != nil {
				select {
				case <-e.done:
				default:
					log.Warn("control write failed", logging.KeyError, err)
					e.shutdown()
				}
				return
			}
		}
	}
}

// readLoop decodes server messages until the connection dies, then
// emits the terminal Disconnected and closes the event channel.
func (e *Engine) readLoop() {
	defer e.wg.Done()
	defer close(e.events)

	for {
		line, err := e.conn.ReadLine()
		if err != nil {
			select {
			case <-e.done:
				err = nil
			default:
				log.Info("control connection lost", logging.KeyError, err)
				e.shutdown()
			}
			select {
			case e.events <- Disconnected{Err: err}:
			default:
			}
			return
		}
		e.dispatch(line)
	}
}

// deliver hands one event to the consumer, giving up when the engine
// closes so a stalled consumer cannot wedge the reader forever.
func (e *Engine) deliver(ev Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) dispatch(line []byte) {
	switch protocol.TypeOf(line) {
	case protocol.TypeChat:
		var msg protocol.Chat
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad chat", logging.KeyError, err)
			return
		}
		e.deliver(ChatReceived{From: msg.From, Message: msg.Message})

	case protocol.TypePrivateChat:
		var msg protocol.PrivateChat
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad private chat", logging.KeyError, err)
			return
		}
		e.deliver(PrivateChatReceived{From: msg.From, Message: msg.Message})

	case protocol.TypePrivateChatSent:
		var msg protocol.PrivateChatSent
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(PrivateChatEcho{To: msg.To, Message: msg.Message})

	case protocol.TypeUserList:
		var msg protocol.UserList
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad user list", logging.KeyError, err)
			return
		}
		e.replaceRoster(msg.Users)
		e.deliver(RosterUpdated{Users: msg.Users})

	case protocol.TypeJoin:
		var msg protocol.Join
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.addToRoster(msg.Name, msg.Color)
		e.deliver(Joined{Name: msg.Name, Color: msg.Color})

	case protocol.TypeLeave:
		var msg protocol.Leave
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.dropFromRoster(msg.Name)
		e.deliver(Left{Name: msg.Name, Addr: msg.Addr})

	case protocol.TypeGesture:
		var msg protocol.Gesture
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(GestureReceived{From: msg.From, Gesture: msg.GestureType})

	case protocol.TypeCursorMove:
		var msg protocol.CursorMove
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(CursorMoved{From: msg.From, X: msg.X, Y: msg.Y, Color: msg.Color})

	case protocol.TypePresentStart:
		var msg protocol.Presence
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(PresentStarted{From: msg.From})

	case protocol.TypePresentStop:
		var msg protocol.Presence
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(PresentStopped{From: msg.From})

	case protocol.TypeWhiteboardSync:
		var msg protocol.WhiteboardSync
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad whiteboard sync", logging.KeyError, err)
			return
		}
		e.board.Load(msg.State)
		e.deliver(BoardSynced{Version: msg.State.Version})

	case protocol.TypeWhiteboardAction:
		var msg protocol.WhiteboardAction
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn("bad whiteboard action", logging.KeyError, err)
			return
		}
		if _, _, err := e.board.Apply(msg.Action, msg.Data, msg.EraseID); err != nil {
			log.Warn("whiteboard delta rejected", "action", msg.Action, logging.KeyError, err)
			return
		}
		e.deliver(BoardChanged{Action: msg})

	case protocol.TypeError:
		var msg protocol.Error
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(ServerError{Message: msg.Message})

	case protocol.TypeFileOffer:
		var msg protocol.FileOffer
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		e.deliver(FileOffered{From: msg.From, Filename: msg.Filename, Size: msg.Size})

	default:
		log.Debug("unknown message type", "messageType", protocol.TypeOf(line))
	}
}

func (e *Engine) replaceRoster(users []protocol.RosterEntry) {
	copied := make([]protocol.RosterEntry, len(users))
	copy(copied, users)

	e.mu.Lock()
	e.roster = copied
	e.mu.Unlock()
}

// addToRoster inserts a participant unless already present, so a join
// arriving after its user_list is a no-op.
func (e *Engine) addToRoster(name, color string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.roster {
		if u.Name == name {
			return
		}
	}
	e.roster = append(e.roster, protocol.RosterEntry{Name: name, Color: color})
}

func (e *Engine) dropFromRoster(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.roster[:0]
	for _, u := range e.roster {
		if u.Name != name {
			kept = append(kept, u)
		}
	}
	e.roster = kept
}

// addrFor joins the configured server host with a port.
func (e *Engine) addrFor(port int) string {
	return net.JoinHostPort(e.cfg.Server, strconv.Itoa(port))
}

func listenMedia(port, dscp int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	netutil.TuneMedia(conn, netutil.MediaRecvBuffer, dscp)
	return conn, nil
}

func localPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}
