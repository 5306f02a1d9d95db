package audio

import "sync"

// defaultJitterDepth is the playback buffer capacity in packets
// (~800 ms at one packet per 16 ms).
const defaultJitterDepth = 50

// JitterBuffer smooths received audio for the playback port. Push drops
// the incoming packet when the buffer is full; Pop returns false when
// empty so the player can insert silence.
type JitterBuffer struct {
	mu      sync.Mutex
	packets [][]byte
	depth   int
	dropped uint64
}

// NewJitterBuffer creates a buffer with the given capacity; depth <= 0
// selects the default.
func NewJitterBuffer(depth int) *JitterBuffer {
	if depth <= 0 {
		depth = defaultJitterDepth
	}
	return &JitterBuffer{depth: depth}
}

// Push queues a received packet, dropping it when the buffer is full.
func (j *JitterBuffer) Push(pkt []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.packets) >= j.depth {
		j.dropped++
		return
	}
	j.packets = append(j.packets, pkt)
}

// Pop dequeues the oldest packet.
func (j *JitterBuffer) Pop() ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.packets) == 0 {
		return nil, false
	}
	pkt := j.packets[0]
	j.packets = j.packets[1:]
	return pkt, true
}

// Len returns the number of buffered packets.
func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.packets)
}

// Dropped returns how many packets were discarded on overflow.
func (j *JitterBuffer) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.dropped
}
