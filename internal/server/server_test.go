package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/confab-net/confab/internal/config"
	"github.com/confab-net/confab/internal/protocol"
	"github.com/confab-net/confab/internal/wire"
)

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	cfg := config.DefaultServer()
	cfg.Host = "127.0.0.1"
	cfg.ControlPort = 0
	cfg.ScreenPort = 0
	cfg.FilePort = 0
	cfg.VideoPort = 0
	cfg.AudioPort = 0
	cfg.FilesDir = t.TempDir()
	cfg.Discovery = false
	cfg.StatsIntervalSeconds = 60
	return cfg
}

func TestServerBootAcceptsJoin(t *testing.T) {
	srv, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	nc, err := net.Dial("tcp", srv.hub.Addr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	conn := wire.NewLineConn(nc)
	defer conn.Close()

	err = conn.WriteJSON(protocol.Hello{
		Type:     protocol.TypeHello,
		Name:     "alice",
		Password: srv.Password(),
	})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := conn.ReadLine()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := protocol.TypeOf(line); got != protocol.TypeWhiteboardSync {
		t.Fatalf("first message = %q, want %q", got, protocol.TypeWhiteboardSync)
	}
}

func TestNewFailsWhenControlPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.ControlPort = ln.Addr().(*net.TCPAddr).Port

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error when control port is taken")
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pw := GeneratePassword()
		if len(pw) != 4 {
			t.Fatalf("len(%q) = %d, want 4", pw, len(pw))
		}
		for _, r := range pw {
			if !strings.ContainsRune(passwordAlphabet, r) {
				t.Fatalf("password %q contains %q outside the alphabet", pw, r)
			}
		}
		seen[pw] = true
	}
	if len(seen) < 2 {
		t.Fatal("50 generated passwords were all identical")
	}
}

func TestRoomFallsBackToHostname(t *testing.T) {
	cfg := testConfig(t)
	cfg.RoomName = ""
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.Room() == "" {
		t.Fatal("Room() is empty, want hostname fallback")
	}
}
