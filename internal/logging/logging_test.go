package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("control")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("listening", "addr", "0.0.0.0:9000")

	out := buf.String()
	if strings.Contains(out, `msg="INFO listening`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=listening") {
		t.Fatalf("expected plain listening message, got: %s", out)
	}
	if !strings.Contains(out, "component=control") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "addr=0.0.0.0:9000") {
		t.Fatalf("expected addr field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("mixer")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithParticipantAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithParticipant(L("control"), "alice", "192.168.1.20:51044")
	logger.Info("joined")

	out := buf.String()
	if !strings.Contains(out, "participant=alice") {
		t.Fatalf("expected participant field, got: %s", out)
	}
	if !strings.Contains(out, "remote=192.168.1.20:51044") {
		t.Fatalf("expected remote field, got: %s", out)
	}
}

func TestRotatingWriterRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "confab.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	// Force the limit down so the test does not write megabytes.
	rw.maxSize = 64

	if _, err := rw.Write(bytes.Repeat([]byte("a"), 48)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := rw.Write(bytes.Repeat([]byte("b"), 48)); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte("b"), 48)) {
		t.Fatalf("current log should hold only the post-rotation write, got %d bytes", len(data))
	}
}
