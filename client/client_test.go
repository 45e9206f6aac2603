// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client_test

import (
	"testing"
	"time"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/buxtest"
	"github.com/creachadair-labs/buxtehude/client"
	"github.com/fortytw2/leaktest"
)

// TestHandlerDispatch confirms a registered handler fires for its type and
// no other.
func TestHandlerDispatch(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	a := r.NewIPClient("a", buxtehude.FormatJSON)
	b := r.NewIPClient("a", buxtehude.FormatJSON)

	gotGreet := make(chan *buxtehude.Message, 1)
	b.Handle("greet", func(_ *client.Client, msg *buxtehude.Message) { gotGreet <- msg })
	b.Handle("other", func(_ *client.Client, msg *buxtehude.Message) {
		t.Error("unexpected delivery to the wrong handler")
	})

	if err := a.Write(&buxtehude.Message{Type: "greet", Dest: "a", Content: "hi"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-gotGreet:
		if msg.Content != "hi" {
			t.Errorf("Content = %v, want %q", msg.Content, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestWriteAfterCloseFails confirms Write returns an error once the Client
// has disconnected, rather than panicking or blocking.
func TestWriteAfterCloseFails(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	c := r.NewIPClient("a", buxtehude.FormatJSON)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Write(&buxtehude.Message{Type: "ping"}); err == nil {
		t.Error("expected Write to fail after Close")
	}
}

// TestCloseIdempotent confirms, on the Client side, that Close is safe to call
// more than once.
func TestCloseIdempotent(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	c := r.NewIPClient("a", buxtehude.FormatJSON)
	if err := c.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// TestInternalHandshakeCompletes confirms an internal connection reaches the
// connected state without any socket, and that its own $$disconnect handler
// fires on local Close.
func TestInternalHandshakeCompletes(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	c := r.NewInternalClient("a")
	if !c.Connected() {
		t.Fatal("expected the internal Client to be connected")
	}

	gotDisconnect := make(chan *buxtehude.Message, 1)
	c.Handle(buxtehude.TypeDisconnect, func(_ *client.Client, msg *buxtehude.Message) { gotDisconnect <- msg })

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-gotDisconnect:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the local disconnect handler")
	}
	if c.Connected() {
		t.Error("expected Connected to report false after Close")
	}
}

// TestCloseFromHandlerDoesNotDeadlock confirms a Handler that calls
// c.Close() on itself — the same pattern the built-in $$handshake
// version-mismatch handler uses — returns instead of joining the
// goroutine it is running on.
func TestCloseFromHandlerDoesNotDeadlock(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	a := r.NewIPClient("a", buxtehude.FormatJSON)
	b := r.NewIPClient("a", buxtehude.FormatJSON)

	closed := make(chan error, 1)
	b.Handle("shutdown", func(cl *client.Client, _ *buxtehude.Message) { closed <- cl.Close() })

	if err := a.Write(&buxtehude.Message{Type: "shutdown", Dest: "a"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close from handler: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close called from a Handler deadlocked")
	}
}

// TestSetAvailableRoundTrips confirms SetAvailable's $$available message is
// accepted by the Server without the peer being disconnected.
func TestSetAvailableRoundTrips(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	c := r.NewIPClient("a", buxtehude.FormatJSON)
	if err := c.SetAvailable("job", false); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	if err := c.SetAvailable("job", true); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	if !c.Connected() {
		t.Error("expected the Client to remain connected after $$available round trips")
	}
}
