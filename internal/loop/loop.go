// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package loop is the Go-idiomatic Event Loop Adapter: a typed sum of
// owner-level events delivered over a single channel and drained by one
// dispatcher goroutine per owner (a Server, or a socket-backed Client). It
// replaces per-stream readiness subscriptions with a dedicated reader
// goroutine per socket peer that blocks in Recv and posts whatever it
// observes; exactly one goroutine ever touches a given stream's receive
// side, so per-stream FIFO holds by construction.
package loop

import (
	"io"

	"github.com/creachadair-labs/buxtehude"
)

// PeerID names a peer within the owner posting events, stable for the
// lifetime of the peer's connection. Servers use it to look up the
// originating handle; a Client's loop has exactly one peer and ignores it.
type PeerID uint64

// Event is the sum of everything a dispatcher goroutine can observe in one
// iteration: a newly accepted connection, a message (or failure) read from
// an existing peer, a request to re-check the internal inbox, or a request
// to stop. Event implementations are comparable only by type; callers
// switch on the concrete type to dispatch.
type Event interface {
	isEvent()
}

// NewConnection reports a freshly accepted socket, not yet added to the
// peer table. The dispatcher is responsible for constructing a handle,
// registering it, and starting a reader goroutine for it.
type NewConnection struct {
	Conn     io.ReadWriteCloser
	ConnType buxtehude.ConnectionType
}

func (NewConnection) isEvent() {}

// PeerMessage reports the outcome of one Recv on a peer's stream: either a
// decoded Message, or an error (connection closed, another read failure, or
// a protocol-level decode failure). The owner's reader goroutine decides
// whether to keep reading after an error; it does not wait for the
// dispatcher. A reader goroutine posts one PeerMessage per Recv, in order,
// so the dispatcher observes this peer's messages in the order they arrived.
type PeerMessage struct {
	Peer PeerID
	Msg  *buxtehude.Message
	Err  error
}

func (PeerMessage) isEvent() {}

// InternalReadReady reports that an internal (in-process) peer appended to
// the owner's internal inbox and the dispatcher should drain it.
type InternalReadReady struct{}

func (InternalReadReady) isEvent() {}

// Interrupt requests that the dispatcher stop after processing any events
// already queued ahead of it.
type Interrupt struct{}

func (Interrupt) isEvent() {}

// Loop is a bounded event channel plus the bookkeeping that turns Post into
// a no-op once Close has been called.
type Loop struct {
	events chan Event
	done   chan struct{}
}

// New returns a Loop whose channel is buffered to hold buffer events before
// a Post blocks. A buffer of a few dozen is enough headroom for bursts of
// accepts or internal enqueues without masking backpressure entirely.
func New(buffer int) *Loop {
	return &Loop{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the channel a dispatcher goroutine should range over.
func (l *Loop) Events() <-chan Event { return l.events }

// Post enqueues e for the dispatcher. Post is safe to call concurrently
// from any number of goroutines (reader goroutines, Internal_ReceiveFrom
// callers, Interrupt). Posting after Close is a no-op.
func (l *Loop) Post(e Event) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case <-l.done:
	case l.events <- e:
	}
}

// Interrupt posts an Interrupt event, asking the dispatcher to drain
// whatever is already queued and then return.
func (l *Loop) Interrupt() { l.Post(Interrupt{}) }

// Close marks the loop done; further Post calls are silently dropped. It
// does not close the events channel, since reader goroutines may still be
// attempting to post when Close runs — only the dispatcher, after observing
// Interrupt, should stop reading.
func (l *Loop) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
