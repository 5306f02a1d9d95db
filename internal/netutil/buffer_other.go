//go:build !linux

package netutil

import (
	"fmt"
	"net"
)

func setRecvBuffer(conn *net.UDPConn, want int) error {
	if err := conn.SetReadBuffer(want); err != nil {
		return fmt.Errorf("netutil: set receive buffer: %w", err)
	}
	return nil
}
