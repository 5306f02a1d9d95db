// Package netutil holds the socket plumbing shared by the media paths:
// finding the outbound address, sizing receive buffers and marking
// media datagrams for LAN QoS.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/confab-net/confab/internal/logging"
)

// DSCP code points for outgoing media. Switches that honor them keep
// audio ahead of bulk traffic on congested links.
const (
	DSCPAudio = 46 // expedited forwarding
	DSCPVideo = 34 // assured forwarding 4,1
)

// MediaRecvBuffer is the receive buffer requested for media sockets.
// A burst of fragmented camera frames from a full room overruns the
// default budget on most distributions.
const MediaRecvBuffer = 4 << 20

var log = logging.L("netutil")

// LocalIP returns the IPv4 address the host would use to reach the
// network. No packet is sent; the dial only selects a route.
func LocalIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("netutil: resolve local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// TuneMedia applies media-grade options to a UDP socket: an enlarged
// receive buffer and a DSCP mark on outgoing datagrams. Both are best
// effort; a refusal is logged and the socket stays usable.
func TuneMedia(conn *net.UDPConn, recvBytes, dscp int) {
	if err := setRecvBuffer(conn, recvBytes); err != nil {
		log.Debug("receive buffer request refused", logging.KeyError, err)
	}
	if err := ipv4.NewPacketConn(conn).SetTOS(dscp << 2); err != nil {
		log.Debug("dscp mark refused", "dscp", dscp, logging.KeyError, err)
	}
}
