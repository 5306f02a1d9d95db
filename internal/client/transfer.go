package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
)

const (
	// TransferStallTimeout is the rolling per-chunk deadline on file
	// bodies. A transfer stalls out; it never races a total clock.
	TransferStallTimeout = 60 * time.Second

	transferChunkSize = 64 * 1024
)

// ErrNoSuchFile reports a download the server could not serve.
var ErrNoSuchFile = errors.New("client: no such file on server")

// Upload streams a local file to the server over a fresh file channel
// connection. The server announces it to the room once the last byte
// lands.
func (e *Engine) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("client: open upload: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("client: stat upload: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("client: %s is a directory", path)
	}

	nc, err := e.dialFile(ctx)
	if err != nil {
		return err
	}
	defer nc.Close()

	framed := wire.NewConn(nc)
	err = framed.WriteJSON(protocol.FileUpload{
		Type:     protocol.TypeFileUpload,
		Filename: filepath.Base(path),
		Size:     fi.Size(),
		From:     e.name,
	})
	if err != nil {
		return fmt.Errorf("client: send upload header: %w", err)
	}

	if err := expectSentinel(nc, protocol.SentinelReady); err != nil {
		return fmt.Errorf("client: upload not accepted: %w", err)
	}

	buf := make([]byte, transferChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_ = nc.SetWriteDeadline(time.Now().Add(TransferStallTimeout))
			if _, werr := nc.Write(buf[:n]); werr != nil {
				return fmt.Errorf("client: send body: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("client: read %s: %w", path, err)
		}
	}

	if err := expectSentinel(nc, protocol.SentinelDone); err != nil {
		return fmt.Errorf("client: upload unconfirmed: %w", err)
	}
	return nil
}

// Download fetches a shared file into the downloads directory and
// returns the local path it was written to.
func (e *Engine) Download(ctx context.Context, filename string) (string, error) {
	dir, err := e.cfg.ResolveDownloadsDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("client: create %s: %w", dir, err)
	}

	nc, err := e.dialFile(ctx)
	if err != nil {
		return "", err
	}
	defer nc.Close()

	framed := wire.NewConn(nc)
	err = framed.WriteJSON(protocol.FileDownload{
		Type:     protocol.TypeFileDownload,
		Filename: filename,
	})
	if err != nil {
		return "", fmt.Errorf("client: send download header: %w", err)
	}

	// The reply is either a newline-terminated size line or a raw ERROR
	// sentinel followed by a close. The buffered reader stays in use for
	// the body so no bytes are lost to read-ahead.
	br := bufio.NewReader(nc)
	_ = nc.SetReadDeadline(time.Now().Add(TransferStallTimeout))
	line, err := br.ReadBytes('\n')
	if err != nil {
		if bytes.Equal(bytes.TrimSpace(line), protocol.SentinelError) {
			return "", ErrNoSuchFile
		}
		return "", fmt.Errorf("client: await size: %w", err)
	}
	var info protocol.FileSizeInfo
	if err := json.Unmarshal(line, &info); err != nil {
		return "", fmt.Errorf("client: bad size line: %w", err)
	}

	_ = nc.SetWriteDeadline(time.Now().Add(TransferStallTimeout))
	if _, err := nc.Write(protocol.SentinelReady); err != nil {
		return "", fmt.Errorf("client: acknowledge size: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("client: create %s: %w", dest, err)
	}

	if err := receiveBody(br, nc, f, info.Size); err != nil {
		f.Close()
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("client: finalize %s: %w", dest, err)
	}
	return dest, nil
}

func (e *Engine) dialFile(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", e.addrFor(e.cfg.FilePort))
	if err != nil {
		return nil, fmt.Errorf("client: dial files: %w", err)
	}
	return nc, nil
}

// expectSentinel reads exactly len(want) bytes and compares them.
func expectSentinel(nc net.Conn, want []byte) error {
	buf := make([]byte, len(want))
	_ = nc.SetReadDeadline(time.Now().Add(TransferStallTimeout))
	if _, err := io.ReadFull(nc, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, want) {
		return fmt.Errorf("unexpected reply %q", buf)
	}
	return nil
}

// receiveBody reads exactly size bytes through the buffered reader with
// a rolling deadline on the socket.
func receiveBody(br *bufio.Reader, nc net.Conn, f *os.File, size int64) error {
	buf := make([]byte, transferChunkSize)
	var received int64
	for received < size {
		want := int64(len(buf))
		if rem := size - received; rem < want {
			want = rem
		}
		_ = nc.SetReadDeadline(time.Now().Add(TransferStallTimeout))
		n, err := br.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("client: write body: %w", werr)
			}
			received += int64(n)
		}
		if err != nil {
			return fmt.Errorf("client: short body, %d of %d bytes: %w", received, size, err)
		}
	}
	return nil
}
