package registry

import (
	"errors"
	"testing"
)

func TestRegisterAssignsPaletteColorsRoundRobin(t *testing.T) {
	r := New[int]()

	var colors []string
	for i := 0; i < len(cursorPalette)+1; i++ {
		p, err := r.Register(i, string(rune('a'+i)), "192.168.1.10", 10001, 11001)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		colors = append(colors, p.Color)
	}

	for i, want := range cursorPalette {
		if colors[i] != want {
			t.Fatalf("color[%d] = %s, want %s", i, colors[i], want)
		}
	}
	if colors[len(cursorPalette)] != cursorPalette[0] {
		t.Fatalf("palette did not wrap: got %s", colors[len(cursorPalette)])
	}
}

func TestRegisterRejectsDuplicateNameWithoutPartialEffects(t *testing.T) {
	r := New[int]()

	if _, err := r.Register(1, "alice", "192.168.1.10", 10001, 11001); err != nil {
		t.Fatalf("first register: %v", err)
	}

	_, err := r.Register(2, "alice", "192.168.1.11", 10001, 11001)
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("err = %v, want ErrNameTaken", err)
	}

	if _, ok := r.Lookup(2); ok {
		t.Fatal("rejected handle must not be registered")
	}
	if got := len(r.VideoTargets()); got != 1 {
		t.Fatalf("video targets = %d, want 1", got)
	}
	if h, _ := r.Resolve("alice"); h != 1 {
		t.Fatalf("alice resolves to %d, want original handle 1", h)
	}
}

func TestIndicesStayConsistent(t *testing.T) {
	r := New[int]()

	r.Register(1, "alice", "192.168.1.10", 10001, 11001)
	r.Register(2, "bob", "192.168.1.11", 10001, 11001)

	for _, entry := range r.Snapshot() {
		h, ok := r.Resolve(entry.Name)
		if !ok {
			t.Fatalf("roster name %s does not resolve", entry.Name)
		}
		p, ok := r.Lookup(h)
		if !ok || p.Name != entry.Name {
			t.Fatalf("handle for %s maps back to %v", entry.Name, p)
		}
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New[int]()
	r.Register(1, "alice", "192.168.1.10", 10001, 11001)

	p, ok := r.Deregister(1)
	if !ok {
		t.Fatal("first deregister should report the participant")
	}
	if p.Name != "alice" {
		t.Fatalf("deregistered name = %s, want alice", p.Name)
	}

	if _, ok := r.Deregister(1); ok {
		t.Fatal("second deregister must be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
	if got := len(r.VideoTargets()); got != 0 {
		t.Fatalf("video targets = %d, want 0", got)
	}
}

func TestDeregisterRemovesEndpoints(t *testing.T) {
	r := New[int]()
	r.Register(1, "alice", "192.168.1.10", 10001, 11001)
	r.Register(2, "bob", "192.168.1.11", 10002, 11002)

	r.Deregister(1)

	targets := r.AudioTargets()
	if len(targets) != 1 {
		t.Fatalf("audio targets = %d, want 1", len(targets))
	}
	if name := targets[Endpoint{IP: "192.168.1.11", Port: 11002}]; name != "bob" {
		t.Fatalf("remaining audio endpoint owner = %s, want bob", name)
	}

	video := r.VideoTargets()
	if len(video) != 1 || video[0].Port != 10002 {
		t.Fatalf("remaining video target = %v, want bob's", video)
	}
}

func TestZeroPortsRegisterNoEndpoints(t *testing.T) {
	r := New[int]()
	r.Register(1, "listenonly", "192.168.1.12", 0, 0)

	if got := len(r.VideoTargets()); got != 0 {
		t.Fatalf("video targets = %d, want 0", got)
	}
	if got := len(r.AudioTargets()); got != 0 {
		t.Fatalf("audio targets = %d, want 0", got)
	}
}

func TestSnapshotReturnsJoinOrder(t *testing.T) {
	r := New[int]()
	r.Register(1, "carol", "192.168.1.10", 10001, 11001)
	r.Register(2, "alice", "192.168.1.11", 10001, 11001)
	r.Register(3, "bob", "192.168.1.12", 10001, 11001)

	roster := r.Snapshot()
	if len(roster) != 3 {
		t.Fatalf("roster len = %d, want 3", len(roster))
	}
	if roster[0].Name != "carol" {
		t.Fatalf("first roster entry = %s, want carol (join order)", roster[0].Name)
	}
}
