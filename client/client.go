// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package client implements the outward-facing peer: it
// establishes one of the three connection types, runs the handshake,
// dispatches inbound messages to user-registered per-type handlers, and
// exposes a synchronous Write.
package client

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/frame"
	"github.com/creachadair-labs/buxtehude/internal/loop"
	"github.com/creachadair-labs/buxtehude/server"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Handler processes one inbound message. It runs on the Client's own loop
// goroutine for socket connections, or synchronously on the goroutine the
// Server delivers from for an internal connection (normally its dispatcher
// goroutine); it must not block or acquire a lock the Server might be
// holding.
type Handler func(c *Client, msg *buxtehude.Message)

// Client is an outward-facing Buxtehude peer. The zero value is not ready
// for use; construct with New, then call exactly one of UnixConnect,
// IPConnect, or InternalConnect.
type Client struct {
	metrics *buxtehude.Metrics

	connectedMu sync.Mutex
	connType    buxtehude.ConnectionType
	prefs       buxtehude.ClientPreferences
	connected   bool

	stream       *frame.Stream       // set for Unix/Internet
	internalConn *server.InternalConn // set for Internal

	loop  *loop.Loop
	tasks *taskgroup.Group

	handlersMu sync.Mutex
	handlers   map[string]Handler

	// dispatching is true only while dispatchLoop is running a handler on
	// its own goroutine. It lets Close recognize a handler calling Close on
	// itself and skip joining dispatchLoop, since dispatchLoop cannot join
	// itself without deadlocking.
	dispatching atomic.Bool

	closeOnce sync.Once
}

// New returns an unconnected Client.
func New() *Client {
	return &Client{
		metrics:  buxtehude.NewMetrics(),
		handlers: make(map[string]Handler),
	}
}

// Metrics returns the expvar-backed counters for this Client.
func (c *Client) Metrics() *buxtehude.Metrics { return c.metrics }

// Connected reports whether the Client currently believes it is attached to
// a Server.
func (c *Client) Connected() bool {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	return c.connected
}

// Preferences reports the encoding and team name this Client connected
// with.
func (c *Client) Preferences() buxtehude.ClientPreferences { return c.prefs }

// Handle installs a persistent handler for msgType, replacing any previous
// handler for that type. The handler map is guarded by a mutex, so Handle
// may be called before or after connecting, from any goroutine.
func (c *Client) Handle(msgType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = h
}

func (c *Client) removeHandler(msgType string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.handlers, msgType)
}

func (c *Client) handlerFor(msgType string) (Handler, bool) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	h, ok := c.handlers[msgType]
	return h, ok
}

// dispatch delivers msg to its registered handler, or drops it silently
// (logging at WARNING if the type is empty).
func (c *Client) dispatch(msg *buxtehude.Message) {
	c.metrics.MessagesRecv.Add(1)
	h, ok := c.handlerFor(msg.Type)
	if !ok {
		if msg.Type == "" {
			buxtehude.Log().Warn("buxtehude: dropped message with empty type")
		}
		c.metrics.MessagesDropped.Add(1)
		return
	}
	h(c, msg)
}

// Receive implements server.InternalPeer: the Server calls this directly
// for an internal connection (normally from its dispatcher goroutine), so
// delivery is synchronous with no loop thread of the Client's own.
func (c *Client) Receive(msg *buxtehude.Message) { c.dispatch(msg) }

// Disconnect implements server.InternalPeer: the Server calls this when it
// initiates the teardown of an internal peer (shutdown, handshake failure,
// write failure). It must not call back into the Server.
func (c *Client) Disconnect(reason string) { c.teardown(reason) }

// Write sends msg to the Server this Client is connected to. For an
// internal connection this is a direct enqueue into the Server's internal
// inbox; for a socket connection it encodes and flushes the frame
// synchronously. A failure is logged and also returned — the original
// design only logs Client write failures, but suppressing the error
// entirely conflicts with normal Go error handling, so both happen here.
func (c *Client) Write(msg *buxtehude.Message) error {
	if !c.Connected() {
		return errNotConnected
	}
	if c.connType == buxtehude.Internal {
		c.internalConn.Send(msg)
		c.metrics.MessagesSent.Add(1)
		return nil
	}
	if err := c.stream.Send(c.prefs.Format, msg); err != nil {
		buxtehude.Log().Info("buxtehude: client write failed", zap.Error(err))
		return err
	}
	c.metrics.MessagesSent.Add(1)
	return nil
}

// SetAvailable sends a well-formed $$available control message declaring
// this Client's willingness to receive only_first-routed messages of
// msgType. There is otherwise no first-class method to emit $$available.
func (c *Client) SetAvailable(msgType string, available bool) error {
	return c.Write(&buxtehude.Message{
		Type:    buxtehude.TypeAvailable,
		Content: map[string]any{"type": msgType, "available": available},
	})
}

// Close disconnects the Client. It is idempotent and safe to call from any
// goroutine, including from a Handler of a socket connection — a handler
// that wants to shut down on some message is a natural pattern, and the
// built-in $$handshake version-mismatch handler does exactly that. For a
// socket connection this interrupts the Client's loop and closes the
// stream; for an internal connection it tells the Server to remove this
// peer, which takes the Server's peer-table lock. The Server holds that
// lock while it delivers routed messages to an internal peer, so Close
// must not be called from such a Handler.
func (c *Client) Close() error {
	switch c.connType {
	case buxtehude.Internal:
		if c.internalConn != nil {
			c.internalConn.Disconnect()
		}
	default:
		if c.loop != nil {
			c.loop.Interrupt()
			c.loop.Close()
		}
	}
	c.teardown("client closed")
	// A handler runs on dispatchLoop's own goroutine, so a Close call made
	// from one is already running on the goroutine tasks.Wait would join —
	// joining it would deadlock forever. dispatchLoop is about to return on
	// its own once it observes the Interrupt above, so skip the join.
	if c.tasks != nil && !c.dispatching.Load() {
		c.tasks.Wait()
	}
	return nil
}

// teardown runs the disconnect bookkeeping exactly once, regardless of
// whether it was triggered locally (Close), remotely (the Server tearing
// the peer down), or by the connection failing.
func (c *Client) teardown(reason string) {
	c.closeOnce.Do(func() {
		c.connectedMu.Lock()
		c.connected = false
		c.connectedMu.Unlock()

		if c.connType != buxtehude.Internal && c.stream != nil {
			c.stream.Close()
		}
		if h, ok := c.handlerFor(buxtehude.TypeDisconnect); ok {
			h(c, &buxtehude.Message{
				Type:    buxtehude.TypeDisconnect,
				Content: map[string]any{"reason": reason},
			})
		}
	})
}

var errNotConnected = errors.New("buxtehude: client is not connected")
