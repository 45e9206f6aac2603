// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/buxtest"
	"github.com/creachadair-labs/buxtehude/client"
	"github.com/creachadair-labs/buxtehude/frame"
	"github.com/fortytw2/leaktest"
)

// TestHandshakeGate confirms a peer whose first frame is not a
// well-formed $$handshake is disconnected outright, never routed.
func TestHandshakeGate(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	target := r.NewIPClient("workers", buxtehude.FormatJSON)
	gotPing := make(chan *buxtehude.Message, 1)
	target.Handle("ping", func(_ *client.Client, msg *buxtehude.Message) { gotPing <- msg })

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", r.TCPPort()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	stream := frame.NewStream(conn)

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv server handshake: %v", err)
	}
	if err := stream.Send(buxtehude.FormatJSON, &buxtehude.Message{Type: "ping", Dest: "workers"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-gotPing:
		t.Fatal("expected no message to be routed before handshake")
	case <-time.After(100 * time.Millisecond):
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	sawDisconnect := false
	for {
		msg, err := stream.Recv()
		if err != nil {
			break
		}
		if msg.Type == buxtehude.TypeDisconnect {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("expected a $$disconnect notice before the Server closed the connection")
	}
}

// TestBroadcastExclusion confirms a broadcast never delivers back to
// its own sender.
func TestBroadcastExclusion(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	sender := r.NewInternalClient("a")
	other := r.NewInternalClient("b")

	gotOther := make(chan *buxtehude.Message, 1)
	other.Handle("shout", func(_ *client.Client, msg *buxtehude.Message) { gotOther <- msg })
	sender.Handle("shout", func(_ *client.Client, msg *buxtehude.Message) {
		t.Error("sender must not receive its own broadcast")
	})

	if err := sender.Write(&buxtehude.Message{Type: "shout", Dest: buxtehude.AllTeams, Content: "hi"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-gotOther:
		if msg.Src != "a" {
			t.Errorf("Src = %q, want %q", msg.Src, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

// TestOnlyFirstFallback confirms that when no candidate
// reports available, the last-inserted matching peer receives the message.
func TestOnlyFirstFallback(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	sender := r.NewInternalClient("requester")
	first := r.NewInternalClient("workers")
	second := r.NewInternalClient("workers")

	if err := first.SetAvailable("job", false); err != nil {
		t.Fatalf("SetAvailable(first): %v", err)
	}
	if err := second.SetAvailable("job", false); err != nil {
		t.Fatalf("SetAvailable(second): %v", err)
	}

	gotFirst := make(chan *buxtehude.Message, 1)
	gotSecond := make(chan *buxtehude.Message, 1)
	first.Handle("job", func(_ *client.Client, msg *buxtehude.Message) { gotFirst <- msg })
	second.Handle("job", func(_ *client.Client, msg *buxtehude.Message) { gotSecond <- msg })

	if err := sender.Write(&buxtehude.Message{Type: "job", Dest: "workers", OnlyFirst: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-gotSecond:
	case <-time.After(time.Second):
		t.Fatal("expected the last-inserted worker to receive the fallback delivery")
	}
	select {
	case <-gotFirst:
		t.Fatal("first worker should not have received the message")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestRateLimitedError confirms two frame-level decode failures on the
// same connection, in quick succession, yield at most one wire $$error.
func TestRateLimitedError(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", r.TCPPort()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	stream := frame.NewStream(conn)

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv server handshake: %v", err)
	}
	handshake := &buxtehude.Message{
		Type:    buxtehude.TypeHandshake,
		Content: map[string]any{"teamname": "raw", "format": float64(buxtehude.FormatJSON), "version": float64(0)},
	}
	if err := stream.Send(buxtehude.FormatJSON, handshake); err != nil {
		t.Fatalf("Send handshake: %v", err)
	}

	// Two malformed frames (an invalid format tag byte apiece), written back
	// to back with no time for the rate limit window to elapse.
	if _, err := conn.Write([]byte{0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := conn.Write([]byte{0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	errCount := 0
	for {
		msg, err := stream.Recv()
		if err != nil {
			break
		}
		if msg.Type == buxtehude.TypeError {
			errCount++
		}
	}
	if errCount > 1 {
		t.Errorf("received %d $$error messages within the rate-limit window, want at most 1", errCount)
	}
}

// TestCloseIdempotent confirms Close is safe to call multiple times.
func TestCloseIdempotent(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)
	r.NewIPClient("a", buxtehude.FormatJSON)

	if err := r.Server.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := r.Server.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// TestBroadcastOnDisconnect confirms that when a peer disconnects, every
// remaining peer receives a $$disconnect notice naming it.
func TestBroadcastOnDisconnect(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	r := buxtest.NewRig(t)

	a := r.NewInternalClient("a")
	b := r.NewInternalClient("b")
	c := r.NewInternalClient("c")

	gotA := make(chan *buxtehude.Message, 4)
	gotC := make(chan *buxtehude.Message, 4)
	a.Handle(buxtehude.TypeDisconnect, func(_ *client.Client, msg *buxtehude.Message) { gotA <- msg })
	c.Handle(buxtehude.TypeDisconnect, func(_ *client.Client, msg *buxtehude.Message) { gotC <- msg })

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, ch := range map[string]chan *buxtehude.Message{"a": gotA, "c": gotC} {
		select {
		case msg := <-ch:
			who, _ := msg.Content.(map[string]any)["who"].(string)
			if who != "b" {
				t.Errorf("%s: disconnect notice who = %q, want %q", name, who, "b")
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for disconnect notice", name)
		}
	}
}
