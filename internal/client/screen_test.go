package client

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPresentStreamsToViewer(t *testing.T) {
	srv, _ := startServer(t)
	a := joinAs(t, srv, "ana")
	b := joinAs(t, srv, "ben")

	frames := make(chan []byte, 16)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- b.Watch(context.Background(), func(jpeg []byte) {
			select {
			case frames <- jpeg:
			default:
			}
		})
	}()

	capture := []byte("not really a jpeg")
	var stop atomic.Bool
	presentDone := make(chan error, 1)
	go func() {
		presentDone <- a.Present(context.Background(), func() ([]byte, bool) {
			if stop.Load() {
				return nil, false
			}
			return capture, true
		})
	}()

	// The share start is announced on the control channel to the peers.
	started := waitEvent[PresentStarted](t, b)
	if started.From != "ana" {
		t.Fatalf("PresentStarted.From = %q, want ana", started.From)
	}

	select {
	case got := <-frames:
		if !bytes.Equal(got, capture) {
			t.Fatalf("viewer frame = %q, want %q", got, capture)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("viewer saw no frame")
	}

	stop.Store(true)

	select {
	case err := <-presentDone:
		if err != nil {
			t.Fatalf("Present: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Present did not return after the source ended")
	}

	// The presenter teardown reaches the viewer as a clean end.
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after the presenter stopped")
	}

	stopped := waitEvent[PresentStopped](t, b)
	if stopped.From != "ana" {
		t.Fatalf("PresentStopped.From = %q, want ana", stopped.From)
	}
}

func TestWatchHonorsCancellation(t *testing.T) {
	srv, _ := startServer(t)
	b := joinAs(t, srv, "ben")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := b.Watch(ctx, func([]byte) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Watch = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewPresenterDisplacesOld(t *testing.T) {
	srv, _ := startServer(t)
	a := joinAs(t, srv, "ana")
	c := joinAs(t, srv, "cleo")

	aDone := make(chan error, 1)
	go func() {
		aDone <- a.Present(context.Background(), func() ([]byte, bool) {
			return []byte("first share"), true
		})
	}()

	// Let the first presenter claim the slot before the challenger.
	time.Sleep(300 * time.Millisecond)

	var sent atomic.Int32
	cDone := make(chan error, 1)
	go func() {
		cDone <- c.Present(context.Background(), func() ([]byte, bool) {
			if sent.Add(1) > 3 {
				return nil, false
			}
			return []byte("second share"), true
		})
	}()

	select {
	case err := <-aDone:
		if err == nil {
			t.Fatal("displaced presenter returned nil, want an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("displaced presenter kept streaming")
	}

	select {
	case err := <-cDone:
		if err != nil {
			t.Fatalf("second Present: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second presenter never finished")
	}
}
