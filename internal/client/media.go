package client

import (
	"time"

	"github.com/confab-net/confab/internal/audio"
	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/video"
)

// maxDatagram is the receive buffer for one media datagram.
const maxDatagram = 64 * 1024

// Frame is one reassembled JPEG tagged with the sender's address. The
// relay echoes this participant's own frames back too; renderers with a
// local self-view can skip sources matching their own address.
type Frame struct {
	Source string
	JPEG   []byte
}

// FrameSource supplies payloads for a paced send loop. Returning ok
// false ends the loop; a nil payload skips one tick.
type FrameSource func() (payload []byte, ok bool)

// SetVideoEnabled toggles the camera send path. The send loop keeps its
// cadence while disabled, so re-enabling resumes on the next tick.
func (e *Engine) SetVideoEnabled(on bool) {
	e.videoOn.Store(on)
}

// SetAudioEnabled toggles the microphone send path.
func (e *Engine) SetAudioEnabled(on bool) {
	e.audioOn.Store(on)
}

// StreamVideo fragments JPEG frames from src and sends them to the
// conference at the video frame rate. It blocks until src is exhausted
// or the engine closes; run it on its own goroutine.
func (e *Engine) StreamVideo(src FrameSource) {
	ticker := time.NewTicker(video.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		frame, ok := src()
		if !ok {
			return
		}
		if len(frame) == 0 || !e.videoOn.Load() {
			continue
		}
		for _, pkt := range video.Fragment(frame) {
			if _, err := e.videoConn.WriteToUDP(pkt, e.videoAddr); err != nil {
				log.Debug("video send", logging.KeyError, err)
				break
			}
		}
		e.framesSent.Add(1)
	}
}

// StreamAudio sends PCM packets from src on the mixer cadence. Packets
// should be PacketBytes long so every source mixes sample for sample.
func (e *Engine) StreamAudio(src FrameSource) {
	ticker := time.NewTicker(audio.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		pkt, ok := src()
		if !ok {
			return
		}
		if len(pkt) == 0 || !e.audioOn.Load() {
			continue
		}
		if _, err := e.audioConn.WriteToUDP(pkt, e.audioAddr); err != nil {
			log.Debug("audio send", logging.KeyError, err)
			continue
		}
		e.audioSent.Add(1)
	}
}

// Frames returns the stream of reassembled remote frames. The channel
// is never closed; when the consumer falls behind the newest frames are
// dropped rather than delivered late.
func (e *Engine) Frames() <-chan Frame {
	return e.frames
}

// NextAudio hands the playback port its next mixed packet, or false
// when the buffer is empty and silence should be inserted.
func (e *Engine) NextAudio() ([]byte, bool) {
	return e.jitter.Pop()
}

// videoRecvLoop reassembles relayed fragments per source and publishes
// completed frames. A partial frame is abandoned when its source
// restarts at sequence zero.
func (e *Engine) videoRecvLoop() {
	defer e.wg.Done()

	asm := video.NewAssembler()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := e.videoConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, ok := video.ParseRelayPacket(buf[:n])
		if !ok {
			continue
		}
		frame, done := asm.Feed(pkt)
		if !done {
			continue
		}
		e.framesRecv.Add(1)
		select {
		case e.frames <- Frame{Source: pkt.Source, JPEG: frame}:
		default:
			e.framesDropped.Add(1)
		}
	}
}

// audioRecvLoop queues mixed playback packets into the jitter buffer.
func (e *Engine) audioRecvLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := e.audioConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.jitter.Push(pkt)
		e.audioRecv.Add(1)
	}
}
