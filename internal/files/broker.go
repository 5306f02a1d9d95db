// Package files implements the file side channel: one upload or download
// per connection, a framed JSON header followed by raw file bytes.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
	"github.com/confab-net/confab/internal/workerpool"
)

var log = logging.L("files")

const (
	// HeaderTimeout bounds the wait for the operation header.
	HeaderTimeout = 5 * time.Second

	// BodyTimeout is the rolling per-chunk deadline while a file body
	// streams. A transfer stalls out, not the whole byte count.
	BodyTimeout = 60 * time.Second

	// chunkSize is the streaming buffer for file bodies.
	chunkSize = 64 * 1024

	// ackSize is how many bytes of the download acknowledgement are
	// read. The content is not inspected.
	ackSize = 10

	maxConcurrentTransfers = 4
	pendingTransfers       = 8
	drainTimeout           = 10 * time.Second
)

// Announcer broadcasts a file offer to every participant. Satisfied by
// the control hub.
type Announcer interface {
	Broadcast(v any)
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Uploads   uint64
	Downloads uint64
	Rejected  uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Broker accepts file transfer connections and stores uploads under a
// server-owned directory. Transfers run on a bounded worker pool.
type Broker struct {
	ln        net.Listener
	dir       string
	announcer Announcer
	pool      *workerpool.Pool

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	uploads   atomic.Uint64
	downloads atomic.Uint64
	rejected  atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// NewBroker listens on addr ("host:9002") and stores uploads in dir,
// creating it if needed.
func NewBroker(addr, dir string, announcer Announcer) (*Broker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create %s: %w", dir, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("files: listen %s: %w", addr, err)
	}
	return &Broker{
		ln:        ln,
		dir:       dir,
		announcer: announcer,
		pool:      workerpool.New(maxConcurrentTransfers, pendingTransfers),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Uploads:   b.uploads.Load(),
		Downloads: b.downloads.Load(),
		Rejected:  b.rejected.Load(),
		BytesIn:   b.bytesIn.Load(),
		BytesOut:  b.bytesOut.Load(),
	}
}

// Run accepts transfer connections until ctx is cancelled, then aborts
// in-flight transfers and drains the pool.
func (b *Broker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.shutdown()
	}()

	log.Info("file broker listening", "addr", b.ln.Addr().String(), "dir", b.dir)

	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				<-b.pool.Context().Done()
				return ctx.Err()
			}
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				<-b.pool.Context().Done()
				return nil
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}

		if !b.track(nc) {
			nc.Close()
			continue
		}
		conn := nc
		if !b.pool.Submit(func() { b.handle(conn) }) {
			b.rejected.Add(1)
			b.untrack(conn)
			conn.Close()
		}
	}
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]net.Conn, 0, len(b.conns))
	for nc := range b.conns {
		conns = append(conns, nc)
	}
	b.mu.Unlock()

	b.ln.Close()
	for _, nc := range conns {
		nc.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	b.pool.Shutdown(ctx)
}

func (b *Broker) track(nc net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[nc] = struct{}{}
	return true
}

func (b *Broker) untrack(nc net.Conn) {
	b.mu.Lock()
	delete(b.conns, nc)
	b.mu.Unlock()
}

func (b *Broker) handle(nc net.Conn) {
	defer b.untrack(nc)
	defer nc.Close()

	remote := nc.RemoteAddr().String()
	framed := wire.NewConn(nc)
	_ = nc.SetReadDeadline(time.Now().Add(HeaderTimeout))

	header, err := framed.ReadPayload()
	if err != nil {
		b.rejected.Add(1)
		log.Warn("no transfer header", logging.KeyRemote, remote, logging.KeyError, err)
		return
	}

	switch protocol.TypeOf(header) {
	case protocol.TypeFileUpload:
		b.handleUpload(nc, header, remote)
	case protocol.TypeFileDownload:
		b.handleDownload(nc, header, remote)
	default:
		b.rejected.Add(1)
		log.Warn("unknown transfer type", logging.KeyRemote, remote, "messageType", protocol.TypeOf(header))
	}
}

func (b *Broker) handleUpload(nc net.Conn, header []byte, remote string) {
	var req protocol.FileUpload
	if err := json.Unmarshal(header, &req); err != nil {
		b.rejected.Add(1)
		log.Warn("bad upload header", logging.KeyRemote, remote, logging.KeyError, err)
		return
	}
	safe, ok := sanitizeName(req.Filename)
	if !ok || req.Size < 0 {
		b.rejected.Add(1)
		log.Warn("rejected upload", logging.KeyRemote, remote, "filename", req.Filename, "size", req.Size)
		return
	}

	dest := filepath.Join(b.dir, safe)
	f, err := os.Create(dest)
	if err != nil {
		b.rejected.Add(1)
		log.Error("create upload target", "path", dest, logging.KeyError, err)
		return
	}

	_ = nc.SetWriteDeadline(time.Now().Add(BodyTimeout))
	if _, err := nc.Write(protocol.SentinelReady); err != nil {
		f.Close()
		os.Remove(dest)
		return
	}

	if err := b.receiveBody(nc, f, req.Size); err != nil {
		f.Close()
		os.Remove(dest)
		log.Warn("upload aborted", "file", safe, logging.KeyRemote, remote, logging.KeyError, err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		log.Error("finalize upload", "path", dest, logging.KeyError, err)
		return
	}

	b.uploads.Add(1)
	log.Info("file received", "file", safe, "bytes", req.Size, logging.KeyParticipant, req.From)

	if b.announcer != nil {
		b.announcer.Broadcast(protocol.FileOffer{
			Type:     protocol.TypeFileOffer,
			From:     req.From,
			Filename: safe,
			Size:     req.Size,
		})
	}

	_ = nc.SetWriteDeadline(time.Now().Add(BodyTimeout))
	_, _ = nc.Write(protocol.SentinelDone)
}

func (b *Broker) handleDownload(nc net.Conn, header []byte, remote string) {
	var req protocol.FileDownload
	if err := json.Unmarshal(header, &req); err != nil {
		b.rejected.Add(1)
		log.Warn("bad download header", logging.KeyRemote, remote, logging.KeyError, err)
		return
	}
	safe, ok := sanitizeName(req.Filename)
	if !ok {
		b.sendError(nc)
		return
	}

	path := filepath.Join(b.dir, safe)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		log.Info("file not found", "file", safe, logging.KeyRemote, remote)
		b.sendError(nc)
		return
	}

	info, err := json.Marshal(protocol.FileSizeInfo{Size: fi.Size()})
	if err != nil {
		return
	}
	_ = nc.SetWriteDeadline(time.Now().Add(BodyTimeout))
	if _, err := nc.Write(append(info, '\n')); err != nil {
		return
	}

	// Wait for the client's short acknowledgement; the content is not
	// inspected.
	ack := make([]byte, ackSize)
	_ = nc.SetReadDeadline(time.Now().Add(BodyTimeout))
	if _, err := nc.Read(ack); err != nil {
		log.Warn("download not acknowledged", "file", safe, logging.KeyRemote, remote, logging.KeyError, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sent, err := b.sendBody(nc, f)
	if err != nil {
		log.Warn("download aborted", "file", safe, "sent", sent, logging.KeyRemote, remote, logging.KeyError, err)
		return
	}

	b.downloads.Add(1)
	log.Info("file sent", "file", safe, "bytes", sent, logging.KeyRemote, remote)
}

func (b *Broker) sendError(nc net.Conn) {
	_ = nc.SetWriteDeadline(time.Now().Add(BodyTimeout))
	_, _ = nc.Write(protocol.SentinelError)
}

// receiveBody reads exactly size bytes into f with a rolling deadline.
func (b *Broker) receiveBody(nc net.Conn, f *os.File, size int64) error {
	buf := make([]byte, chunkSize)
	var received int64
	for received < size {
		want := int64(len(buf))
		if rem := size - received; rem < want {
			want = rem
		}
		_ = nc.SetReadDeadline(time.Now().Add(BodyTimeout))
		n, err := nc.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write body: %w", werr)
			}
			received += int64(n)
			b.bytesIn.Add(uint64(n))
		}
		if err != nil {
			return fmt.Errorf("short body, %d of %d bytes: %w", received, size, err)
		}
	}
	return nil
}

// sendBody streams f with a rolling write deadline.
func (b *Broker) sendBody(nc net.Conn, f *os.File) (int64, error) {
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_ = nc.SetWriteDeadline(time.Now().Add(BodyTimeout))
			if _, werr := nc.Write(buf[:n]); werr != nil {
				return sent, fmt.Errorf("write chunk: %w", werr)
			}
			sent += int64(n)
			b.bytesOut.Add(uint64(n))
		}
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("read file: %w", err)
		}
	}
}

// sanitizeName reduces a client-supplied filename to a safe basename.
func sanitizeName(name string) (string, bool) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", false
	}
	return base, true
}
