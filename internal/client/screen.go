package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
)

const (
	// ScreenFrameInterval paces the presenter loop (~10 fps).
	ScreenFrameInterval = 100 * time.Millisecond

	// roleAckTimeout bounds the wait for the arbiter's verdict.
	roleAckTimeout = 5 * time.Second
)

// Present claims the presenter slot on a fresh screen connection and
// streams JPEG captures from src until the source is exhausted, ctx is
// cancelled or the engine closes. The start and stop of the share are
// announced on the control channel. A newer presenter silently
// displaces this one, which surfaces as a write error; a source that
// stays quiet for a couple of seconds loses the slot too, so src should
// keep returning the most recent capture.
func (e *Engine) Present(ctx context.Context, src FrameSource) error {
	conn, err := e.dialScreen(ctx, protocol.RolePresenter)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := e.sendJSON(protocol.Presence{Type: protocol.TypePresentStart}); err != nil {
		return err
	}
	defer func() {
		_ = e.sendJSON(protocol.Presence{Type: protocol.TypePresentStop})
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-e.done:
			conn.Close()
		case <-stop:
		}
	}()

	ticker := time.NewTicker(ScreenFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		case <-ticker.C:
		}

		frame, ok := src()
		if !ok {
			_ = conn.WriteJSON(protocol.Disconnect{Type: protocol.TypeDisconnect})
			return nil
		}
		if len(frame) == 0 {
			continue
		}
		err := conn.WriteJSON(protocol.ScreenFrame{
			Type: protocol.TypeScreenFrame,
			Data: base64.StdEncoding.EncodeToString(frame),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: send screen frame: %w", err)
		}
	}
}

// Watch attaches to the screen channel as a viewer and hands every
// decoded frame to sink. It returns nil when the presenter stops or the
// connection ends, and ctx.Err() on cancellation. Watching is valid
// with no presenter active; frames simply start when one arrives.
func (e *Engine) Watch(ctx context.Context, sink func(jpeg []byte)) error {
	conn, err := e.dialScreen(ctx, protocol.RoleViewer)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-e.done:
			conn.Close()
		case <-stop:
		}
	}()

	for {
		payload, err := conn.ReadPayload()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-e.done:
				return ErrClosed
			default:
			}
			if errors.Is(err, wire.ErrClosed) {
				return nil
			}
			return fmt.Errorf("client: read screen frame: %w", err)
		}

		switch protocol.TypeOf(payload) {
		case protocol.TypeScreenFrame:
			var msg protocol.ScreenFrame
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			jpeg, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				log.Warn("undecodable screen frame", logging.KeyError, err)
				continue
			}
			sink(jpeg)
		case protocol.TypePresentStop:
			return nil
		}
	}
}

// dialScreen opens a fresh screen channel connection and completes the
// role handshake.
func (e *Engine) dialScreen(ctx context.Context, role string) (*wire.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", e.addrFor(e.cfg.ScreenPort))
	if err != nil {
		return nil, fmt.Errorf("client: dial screen: %w", err)
	}
	conn := wire.NewConn(nc)

	if err := conn.WriteJSON(protocol.ScreenRole{Role: role}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send role: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(roleAckTimeout))
	var ack protocol.ScreenRoleAck
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: role ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if ack.Status != "ok" {
		conn.Close()
		return nil, fmt.Errorf("client: role refused: %s", ack.Reason)
	}
	return conn, nil
}
