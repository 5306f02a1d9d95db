// Package video forwards camera datagrams. The server side is a dumb
// relay: it tags each packet with the sender's IPv4 address and fans it
// out to every registered video endpoint. The client side fragments JPEG
// frames for sending and reassembles them per source.
package video

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/netutil"
)

var log = logging.L("video")

const (
	// HeaderSize is the {seq, total} fragment header on client packets.
	HeaderSize = 8
	// RelayHeaderSize adds the 4-byte source address the server prefixes.
	RelayHeaderSize = 12
	// ChunkSize caps the JPEG payload of one fragment.
	ChunkSize = 1100
	// FrameInterval paces the sender at ~20 frames per second.
	FrameInterval = 50 * time.Millisecond

	maxDatagram = 65536
)

// TargetSource supplies the current fan-out destinations.
type TargetSource interface {
	VideoTargets() []*net.UDPAddr
}

// Stats is a point-in-time snapshot of relay counters.
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	Dropped    uint64
}

// Relay is the server-side datagram forwarder. A single goroutine owns
// the read loop so fragment order per sender is preserved end to end.
type Relay struct {
	conn    *net.UDPConn
	targets TargetSource

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	dropped    atomic.Uint64
}

// NewRelay binds the video socket on addr ("host:port").
func NewRelay(addr string, targets TargetSource) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("video: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("video: listen %s: %w", addr, err)
	}
	netutil.TuneMedia(conn, netutil.MediaRecvBuffer, netutil.DSCPVideo)

	return &Relay{conn: conn, targets: targets}, nil
}

// LocalAddr returns the bound socket address.
func (r *Relay) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Run forwards datagrams until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	log.Info("relay listening", "addr", r.conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug("read error", logging.KeyError, err)
			continue
		}
		if n < HeaderSize {
			r.dropped.Add(1)
			continue
		}
		r.packetsIn.Add(1)

		out := make([]byte, 4+n)
		copy(out[:4], packIPv4(src.IP))
		copy(out[4:], buf[:n])

		for _, tgt := range r.targets.VideoTargets() {
			if _, err := r.conn.WriteToUDP(out, tgt); err == nil {
				r.packetsOut.Add(1)
			}
		}
	}
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		PacketsIn:  r.packetsIn.Load(),
		PacketsOut: r.packetsOut.Load(),
		Dropped:    r.dropped.Load(),
	}
}

// packIPv4 returns the 4-byte network-order address, or zeros for
// non-IPv4 sources.
func packIPv4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return []byte{0, 0, 0, 0}
}
