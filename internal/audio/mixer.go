// Package audio receives raw PCM datagrams from participants, buffers them
// per sender, and mixes on a fixed 16 ms tick with packet-loss concealment.
// Each recipient gets the mean of everyone else's current packet; a sender
// never hears itself.
package audio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/netutil"
	"github.com/confab-net/confab/internal/registry"
)

var log = logging.L("audio")

// TickInterval is the mixer scheduling quantum, matching the duration of
// one 256-sample packet at 16 kHz.
const TickInterval = 16 * time.Millisecond

// queueDepth bounds the per-sender packet FIFO; the oldest packet is
// dropped on overflow.
const queueDepth = 10

// TargetSource supplies the registered audio endpoints each tick.
type TargetSource interface {
	AudioTargets() map[registry.Endpoint]string
}

// senderQueue buffers packets from one source address.
type senderQueue struct {
	ip       string
	fifo     [][]byte
	lastGood []byte
}

func (q *senderQueue) push(pkt []byte) {
	if len(q.fifo) >= queueDepth {
		q.fifo = q.fifo[1:]
	}
	q.fifo = append(q.fifo, pkt)
}

// next dequeues one packet, falling back to the last good packet for
// concealment. The second return reports whether concealment was used.
func (q *senderQueue) next() ([]byte, bool) {
	if len(q.fifo) > 0 {
		pkt := q.fifo[0]
		q.fifo = q.fifo[1:]
		q.lastGood = pkt
		return pkt, false
	}
	if q.lastGood != nil {
		return q.lastGood, true
	}
	return nil, false
}

// Stats is a point-in-time snapshot of mixer counters.
type Stats struct {
	PacketsIn   uint64
	PacketsOut  uint64
	Ticks       uint64
	Concealed   uint64
	ActiveQueue int
}

// Mixer owns the audio socket, the per-sender queues and the tick loop.
type Mixer struct {
	conn    *net.UDPConn
	targets TargetSource

	mu     sync.Mutex
	queues map[string]*senderQueue

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	ticks      atomic.Uint64
	concealed  atomic.Uint64

	wg sync.WaitGroup
}

// NewMixer binds the audio socket on addr ("host:port").
func NewMixer(addr string, targets TargetSource) (*Mixer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("audio: listen %s: %w", addr, err)
	}
	netutil.TuneMedia(conn, netutil.MediaRecvBuffer, netutil.DSCPAudio)

	return &Mixer{
		conn:    conn,
		targets: targets,
		queues:  make(map[string]*senderQueue),
	}, nil
}

// LocalAddr returns the bound socket address.
func (m *Mixer) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// Run starts the receive loop and the mix loop, blocking until ctx is
// canceled.
func (m *Mixer) Run(ctx context.Context) error {
	log.Info("mixer started", "addr", m.conn.LocalAddr().String(), "tick", TickInterval.String())

	m.wg.Add(2)
	go m.receiveLoop(ctx)
	go m.mixLoop(ctx)

	<-ctx.Done()
	m.conn.Close()
	m.wg.Wait()
	return ctx.Err()
}

// Stats returns current counters.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	active := len(m.queues)
	m.mu.Unlock()

	return Stats{
		PacketsIn:   m.packetsIn.Load(),
		PacketsOut:  m.packetsOut.Load(),
		Ticks:       m.ticks.Load(),
		Concealed:   m.concealed.Load(),
		ActiveQueue: active,
	}
}

func (m *Mixer) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, src, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug("receive error", logging.KeyError, err)
			continue
		}
		if n == 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		m.packetsIn.Add(1)

		key := src.String()
		m.mu.Lock()
		q, ok := m.queues[key]
		if !ok {
			q = &senderQueue{ip: src.IP.String()}
			m.queues[key] = q
		}
		q.push(pkt)
		m.mu.Unlock()
	}
}

// mixLoop runs one mix pass per tick, then sleeps the remainder of the
// slot scaled by 0.95 to absorb scheduling jitter.
func (m *Mixer) mixLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		start := time.Now()

		targets := m.targets.AudioTargets()
		frames := m.collectFrames(targets)
		for _, out := range buildMixes(frames, targets) {
			addr := &net.UDPAddr{IP: net.ParseIP(out.ep.IP), Port: out.ep.Port}
			if _, err := m.conn.WriteToUDP(out.payload, addr); err == nil {
				m.packetsOut.Add(1)
			}
		}
		m.ticks.Add(1)

		remaining := TickInterval - time.Since(start)
		if remaining > 0 {
			remaining = remaining * 95 / 100
		} else {
			remaining = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// collectFrames drains one packet per known sender, applying concealment
// and evicting queues whose IP is no longer registered.
func (m *Mixer) collectFrames(targets map[registry.Endpoint]string) []sourceFrame {
	knownIPs := make(map[string]bool, len(targets))
	for ep := range targets {
		knownIPs[ep.IP] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []sourceFrame
	for key, q := range m.queues {
		if !knownIPs[q.ip] {
			delete(m.queues, key)
			continue
		}

		pkt, concealedUsed := q.next()
		if pkt == nil {
			continue
		}
		samples := DecodePCM(pkt)
		if samples == nil {
			continue
		}
		if concealedUsed {
			m.concealed.Add(1)
		}
		frames = append(frames, sourceFrame{ip: q.ip, samples: samples})
	}
	return frames
}

// sourceFrame is one sender's contribution to the current tick.
type sourceFrame struct {
	ip      string
	samples []int16
}

// outPacket is one recipient's mixed datagram.
type outPacket struct {
	ep      registry.Endpoint
	payload []byte
}

// buildMixes computes the per-recipient mixes for one tick: frames are
// truncated to the shortest, and each recipient receives the mean of every
// frame whose source IP differs from its own. Recipients with no eligible
// sources get nothing this tick.
func buildMixes(frames []sourceFrame, targets map[registry.Endpoint]string) []outPacket {
	if len(frames) == 0 || len(targets) == 0 {
		return nil
	}

	all := make([][]int16, len(frames))
	for i, f := range frames {
		all[i] = f.samples
	}
	truncateToShortest(all)
	for i := range frames {
		frames[i].samples = all[i]
	}

	var out []outPacket
	for ep := range targets {
		var contrib [][]int16
		for _, f := range frames {
			if f.ip != ep.IP {
				contrib = append(contrib, f.samples)
			}
		}
		if len(contrib) == 0 {
			continue
		}
		out = append(out, outPacket{ep: ep, payload: EncodePCM(MixMean(contrib))})
	}
	return out
}
