// Package screen arbitrates the screen-share channel: one presenter at a
// time, frames fanned out to every viewer.
package screen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
)

var log = logging.L("screen")

const (
	// RoleTimeout bounds how long a fresh connection may take to declare
	// its role.
	RoleTimeout = 5 * time.Second

	// PresenterTimeout is the per-frame read deadline. A presenter that
	// goes quiet for this long is torn down.
	PresenterTimeout = 2 * time.Second
)

// Stats is a snapshot of arbiter counters.
type Stats struct {
	FramesRelayed  uint64
	PresenterSwaps uint64
	ViewersEvicted uint64
	Viewers        int
}

// Arbiter accepts screen-share connections, enforces the single-presenter
// rule, and relays presenter frames to viewers.
type Arbiter struct {
	ln net.Listener

	mu        sync.Mutex
	presenter *wire.Conn
	viewers   map[*wire.Conn]string
	closed    bool

	wg sync.WaitGroup

	framesRelayed  atomic.Uint64
	presenterSwaps atomic.Uint64
	viewersEvicted atomic.Uint64
}

// NewArbiter listens on addr ("host:9001").
func NewArbiter(addr string) (*Arbiter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("screen: listen %s: %w", addr, err)
	}
	return &Arbiter{
		ln:      ln,
		viewers: make(map[*wire.Conn]string),
	}, nil
}

// Addr returns the bound listener address.
func (a *Arbiter) Addr() net.Addr {
	return a.ln.Addr()
}

// Run accepts connections until ctx is cancelled, then closes every
// session and waits for the handlers to drain.
func (a *Arbiter) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.shutdown()
	}()

	log.Info("screen arbiter listening", "addr", a.ln.Addr().String())

	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.wg.Wait()
				return ctx.Err()
			}
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				a.wg.Wait()
				return nil
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}
		a.wg.Add(1)
		go a.handle(wire.NewConn(nc))
	}
}

func (a *Arbiter) shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	conns := make([]*wire.Conn, 0, len(a.viewers)+1)
	if a.presenter != nil {
		conns = append(conns, a.presenter)
	}
	for conn := range a.viewers {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	a.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
}

func (a *Arbiter) handle(conn *wire.Conn) {
	defer a.wg.Done()

	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(RoleTimeout))

	var role protocol.ScreenRole
	if err := conn.ReadJSON(&role); err != nil {
		log.Warn("no role message", logging.KeyRemote, remote, logging.KeyError, err)
		conn.Close()
		return
	}

	switch role.Role {
	case protocol.RolePresenter:
		a.runPresenter(conn, remote)
	case protocol.RoleViewer:
		a.runViewer(conn, remote)
	default:
		log.Warn("unknown role", logging.KeyRemote, remote, "role", role.Role)
		conn.Close()
	}
}

// installPresenter claims the presenter slot, closing any incumbent. The
// slot is empty before the caller replies ok. Returns false when the
// arbiter is shutting down.
func (a *Arbiter) installPresenter(conn *wire.Conn) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if a.presenter != nil {
		old := a.presenter
		a.presenter = nil
		a.presenterSwaps.Add(1)
		log.Info("displacing presenter", logging.KeyRemote, old.RemoteAddr().String())
		old.Close()
	}
	a.presenter = conn
	a.mu.Unlock()
	return true
}

// clearPresenter empties the slot if conn still holds it. Returns false
// when conn was already displaced by a newer presenter.
func (a *Arbiter) clearPresenter(conn *wire.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.presenter != conn {
		return false
	}
	a.presenter = nil
	return true
}

func (a *Arbiter) runPresenter(conn *wire.Conn, remote string) {
	if !a.installPresenter(conn) {
		conn.Close()
		return
	}

	if err := conn.WriteJSON(protocol.ScreenRoleAck{Status: "ok"}); err != nil {
		a.clearPresenter(conn)
		conn.Close()
		return
	}
	log.Info("presenter active", logging.KeyRemote, remote)

	frames := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(PresenterTimeout))
		payload, err := conn.ReadPayload()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Info("presenter timed out", logging.KeyRemote, remote, "frames", frames)
			}
			break
		}

		switch protocol.TypeOf(payload) {
		case protocol.TypeDisconnect:
			log.Info("presenter disconnecting", logging.KeyRemote, remote, "frames", frames)
		case protocol.TypeScreenFrame:
			a.fanOut(payload)
			a.framesRelayed.Add(1)
			frames++
			continue
		default:
			continue
		}
		break
	}

	// A displaced presenter no longer owns the session; only the slot
	// holder announces the stop so viewers keep following the new stream.
	if a.clearPresenter(conn) {
		a.broadcastStop()
		log.Info("presenter cleared", logging.KeyRemote, remote, "frames", frames)
	}
	conn.Close()
}

func (a *Arbiter) runViewer(conn *wire.Conn, remote string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.viewers[conn] = remote
	active := a.presenter != nil
	a.mu.Unlock()

	reason := "No presenter"
	if active {
		reason = "Presenter active"
	}
	if err := conn.WriteJSON(protocol.ScreenRoleAck{Status: "ok", Reason: reason}); err != nil {
		a.dropViewer(conn)
		conn.Close()
		return
	}
	log.Info("viewer joined", logging.KeyRemote, remote)

	// Viewers never send frames; block until the peer closes.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Raw().Read(buf); err != nil {
			break
		}
	}

	a.dropViewer(conn)
	conn.Close()
	log.Info("viewer left", logging.KeyRemote, remote)
}

func (a *Arbiter) dropViewer(conn *wire.Conn) {
	a.mu.Lock()
	delete(a.viewers, conn)
	a.mu.Unlock()
}

// fanOut relays one frame payload to every viewer; a failed write evicts
// the viewer.
func (a *Arbiter) fanOut(payload []byte) {
	a.mu.Lock()
	targets := make([]*wire.Conn, 0, len(a.viewers))
	for conn := range a.viewers {
		targets = append(targets, conn)
	}
	a.mu.Unlock()

	var dead []*wire.Conn
	for _, conn := range targets {
		if err := conn.WritePayload(payload); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		a.dropViewer(conn)
		conn.Close()
		a.viewersEvicted.Add(1)
	}
}

func (a *Arbiter) broadcastStop() {
	payload, err := protocol.Encode(protocol.Presence{Type: protocol.TypePresentStop})
	if err != nil {
		return
	}
	a.fanOut(payload)
}

// Stats returns a snapshot of the relay counters.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	viewers := len(a.viewers)
	a.mu.Unlock()
	return Stats{
		FramesRelayed:  a.framesRelayed.Load(),
		PresenterSwaps: a.presenterSwaps.Load(),
		ViewersEvicted: a.viewersEvicted.Load(),
		Viewers:        viewers,
	}
}
