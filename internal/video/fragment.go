package video

import (
	"encoding/binary"
	"net"
)

// Fragment splits one encoded JPEG into datagram payloads of at most
// ChunkSize bytes, each prefixed with a {seq, total} header. Seq starts at
// 0 for every frame; total carries the byte length of the whole JPEG in
// every fragment.
func Fragment(frame []byte) [][]byte {
	if len(frame) == 0 {
		return nil
	}

	total := uint32(len(frame))
	var packets [][]byte
	var seq uint32
	for offset := 0; offset < len(frame); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[offset:end]

		pkt := make([]byte, HeaderSize+len(chunk))
		binary.BigEndian.PutUint32(pkt[0:4], seq)
		binary.BigEndian.PutUint32(pkt[4:8], total)
		copy(pkt[HeaderSize:], chunk)
		packets = append(packets, pkt)
		seq++
	}
	return packets
}

// RelayPacket is one parsed server-to-client datagram.
type RelayPacket struct {
	Source string
	Seq    uint32
	Total  uint32
	Chunk  []byte
}

// ParseRelayPacket splits a server-tagged datagram into its parts. The
// chunk aliases data; callers that retain it must copy. Returns false for
// runt packets.
func ParseRelayPacket(data []byte) (RelayPacket, bool) {
	if len(data) < RelayHeaderSize {
		return RelayPacket{}, false
	}
	return RelayPacket{
		Source: net.IP(data[0:4]).String(),
		Seq:    binary.BigEndian.Uint32(data[4:8]),
		Total:  binary.BigEndian.Uint32(data[8:12]),
		Chunk:  data[RelayHeaderSize:],
	}, true
}

// frameBuffer accumulates one in-progress frame from one source.
type frameBuffer struct {
	data    []byte
	total   uint32
	nextSeq uint32
}

// Assembler rebuilds JPEG frames from interleaved fragments of many
// sources. One buffer per source address; seq 0 resets it, fragments are
// appended only in order, and a frame completes when the accumulated
// bytes reach the advertised total. Lost fragments simply abandon the
// frame until the next seq 0 arrives.
type Assembler struct {
	buffers map[string]*frameBuffer
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[string]*frameBuffer)}
}

// Feed consumes one parsed packet. When a frame completes it returns the
// JPEG bytes and true.
func (a *Assembler) Feed(pkt RelayPacket) ([]byte, bool) {
	buf, ok := a.buffers[pkt.Source]
	if !ok {
		buf = &frameBuffer{total: pkt.Total}
		a.buffers[pkt.Source] = buf
	}

	if pkt.Seq == 0 {
		buf.data = buf.data[:0]
		buf.total = pkt.Total
		buf.nextSeq = 0
	}

	if pkt.Seq == buf.nextSeq {
		buf.data = append(buf.data, pkt.Chunk...)
		buf.nextSeq++
	}

	if buf.total > 0 && uint32(len(buf.data)) >= buf.total {
		frame := make([]byte, buf.total)
		copy(frame, buf.data[:buf.total])
		buf.data = buf.data[:0]
		buf.total = 0
		buf.nextSeq = 0
		return frame, true
	}
	return nil, false
}

// Drop discards any in-progress frame from the source.
func (a *Assembler) Drop(source string) {
	delete(a.buffers, source)
}
