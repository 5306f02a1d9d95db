package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setRecvBuffer asks for want bytes of receive buffer. The kernel caps
// SetReadBuffer at net.core.rmem_max; when the capped value falls
// short, SO_RCVBUFFORCE lifts it for processes with CAP_NET_ADMIN.
func setRecvBuffer(conn *net.UDPConn, want int) error {
	if err := conn.SetReadBuffer(want); err != nil {
		return fmt.Errorf("netutil: set receive buffer: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("netutil: raw conn: %w", err)
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		// The kernel reports double the requested size to account for
		// its own bookkeeping.
		got, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err != nil {
			ctrlErr = err
			return
		}
		if got >= want {
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, want)
	})
	if err != nil {
		return fmt.Errorf("netutil: socket control: %w", err)
	}
	if ctrlErr != nil {
		return fmt.Errorf("netutil: force receive buffer to %d: %w", want, ctrlErr)
	}
	return nil
}
