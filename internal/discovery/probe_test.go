package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestExpandSubnetSingleIP(t *testing.T) {
	targets, err := expandSubnet("192.168.1.30")
	if err != nil {
		t.Fatalf("expandSubnet: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1", len(targets))
	}
	if targets[0].String() != "192.168.1.30" {
		t.Fatalf("target = %s, want 192.168.1.30", targets[0])
	}
}

func TestExpandSubnetCIDR(t *testing.T) {
	targets, err := expandSubnet("10.1.2.0/30")
	if err != nil {
		t.Fatalf("expandSubnet: %v", err)
	}
	if len(targets) != 4 {
		t.Fatalf("len(targets) = %d, want 4", len(targets))
	}
	if targets[0].String() != "10.1.2.0" || targets[3].String() != "10.1.2.3" {
		t.Fatalf("range = %s..%s, want 10.1.2.0..10.1.2.3", targets[0], targets[3])
	}
}

func TestExpandSubnetTooLarge(t *testing.T) {
	if _, err := expandSubnet("10.0.0.0/8"); err == nil {
		t.Fatal("expected error for /8 sweep")
	}
}

func TestExpandSubnetRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not-a-subnet", "::1", "2001:db8::/64"} {
		if _, err := expandSubnet(in); err == nil {
			t.Fatalf("expandSubnet(%q) should fail", in)
		}
	}
}

func TestProbeFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	found, err := Probe(context.Background(), "127.0.0.1", port, 2*time.Second, 4)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("len(found) = %d, want 1", len(found))
	}
	if found[0].IP.String() != "127.0.0.1" {
		t.Fatalf("found %s, want 127.0.0.1", found[0].IP)
	}
}

func TestProbeClosedPortFindsNothing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	found, err := Probe(context.Background(), "127.0.0.1", port, 500*time.Millisecond, 4)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("len(found) = %d, want 0", len(found))
	}
}

func TestProbeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	found, err := Probe(ctx, "10.1.2.0/30", 9000, 100*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("len(found) = %d, want 0 with cancelled context", len(found))
	}
}
