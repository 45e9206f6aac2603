// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"errors"
	"fmt"
	"net"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/frame"
	"github.com/creachadair-labs/buxtehude/internal/loop"
	"github.com/creachadair-labs/buxtehude/server"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

const eventBuffer = 16

// IPConnect connects to a Server over TCP at host:port, using prefs as the
// handshake identity and encoding.
func (c *Client) IPConnect(host string, port int, prefs buxtehude.ClientPreferences) error {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrResolveAddr, Err: err}
	}
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrConnect, Err: err}
	}
	return c.connectSocket(conn, buxtehude.Internet, prefs)
}

// UnixConnect connects to a Server over a UNIX-domain socket at path, using
// prefs as the handshake identity and encoding.
func (c *Client) UnixConnect(path string, prefs buxtehude.ClientPreferences) error {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrResolveAddr, Err: err}
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrConnect, Err: err}
	}
	return c.connectSocket(conn, buxtehude.Unix, prefs)
}

// InternalConnect attaches the Client to srv as an in-process peer, using
// prefs as the handshake identity and encoding. There is no socket and no
// loop thread of the Client's own: inbound deliveries are synchronous calls
// from srv's dispatcher goroutine.
func (c *Client) InternalConnect(srv *server.Server, prefs buxtehude.ClientPreferences) error {
	if err := c.beginConnect(buxtehude.Internal, prefs); err != nil {
		return err
	}
	buxtehude.Init()
	// Handlers must be installed before registering with the Server: it
	// delivers its own $$handshake synchronously from InternalAddClient,
	// on this goroutine, and that reply needs a $$handshake handler
	// already in place to land on.
	c.installDefaultHandlers()
	c.internalConn = srv.InternalAddClient(c)

	c.connectedMu.Lock()
	c.connected = true
	c.connectedMu.Unlock()

	c.internalConn.Send(&buxtehude.Message{
		Type: buxtehude.TypeHandshake,
		Content: map[string]any{
			"teamname": prefs.TeamName,
			"format":   float64(prefs.Format),
			"version":  float64(buxtehude.CurrentVersion),
		},
	})
	return nil
}

// connectSocket finishes connection setup shared by IPConnect and
// UnixConnect: it wraps conn in a Framed Stream, starts the reader and
// dispatcher goroutines, and sends the client→server handshake.
func (c *Client) connectSocket(conn net.Conn, connType buxtehude.ConnectionType, prefs buxtehude.ClientPreferences) error {
	if err := c.beginConnect(connType, prefs); err != nil {
		conn.Close()
		return err
	}
	buxtehude.Init()

	c.stream = frame.NewStream(conn)
	c.loop = loop.New(eventBuffer)
	c.tasks = taskgroup.New(nil)
	c.installDefaultHandlers()

	c.tasks.Go(func() error { c.readLoop(); return nil })
	c.tasks.Go(func() error { c.dispatchLoop(); return nil })

	handshakeMsg := &buxtehude.Message{
		Type: buxtehude.TypeHandshake,
		Content: map[string]any{
			"teamname": prefs.TeamName,
			"format":   float64(prefs.Format),
			"version":  float64(buxtehude.CurrentVersion),
		},
	}
	if err := c.stream.Send(prefs.Format, handshakeMsg); err != nil {
		c.stream.Close()
		return &buxtehude.ConnectError{Kind: buxtehude.ErrHandshakeWrite, Err: err}
	}

	c.connectedMu.Lock()
	c.connected = true
	c.connectedMu.Unlock()
	return nil
}

// beginConnect validates that prefs is well-formed and the Client is not
// already connected, and records connType/prefs.
func (c *Client) beginConnect(connType buxtehude.ConnectionType, prefs buxtehude.ClientPreferences) error {
	if c.Connected() {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrAlreadyConnected}
	}
	if !prefs.Valid() {
		return &buxtehude.ConnectError{Kind: buxtehude.ErrSocket, Err: errors.New("invalid client preferences")}
	}
	c.connType = connType
	c.prefs = prefs
	return nil
}

// readLoop is the Client's single reader goroutine: it blocks in Recv and
// posts exactly one PeerMessage per completed frame or terminal failure.
func (c *Client) readLoop() {
	for {
		msg, err := c.stream.Recv()
		c.loop.Post(loop.PeerMessage{Msg: msg, Err: err})
		if err != nil {
			return
		}
	}
}

// dispatchLoop is the Client's single dispatcher goroutine: it drains the
// Client's event channel one event at a time.
func (c *Client) dispatchLoop() {
	for ev := range c.loop.Events() {
		switch e := ev.(type) {
		case loop.PeerMessage:
			c.dispatching.Store(true)
			if e.Err != nil {
				c.teardown(disconnectReason(e.Err))
				c.dispatching.Store(false)
				return
			}
			c.dispatch(e.Msg)
			c.dispatching.Store(false)
		case loop.Interrupt:
			return
		}
	}
}

func disconnectReason(err error) string {
	if errors.Is(err, buxtehude.ErrStreamClosed) {
		return "connection closed by peer"
	}
	return err.Error()
}

// installDefaultHandlers installs the $$handshake and $$error handlers
// every Client starts with.
func (c *Client) installDefaultHandlers() {
	c.Handle(buxtehude.TypeHandshake, func(cl *Client, msg *buxtehude.Message) {
		version, ok := handshakeVersion(msg.Content)
		if !ok || version < float64(buxtehude.MinCompatibleVersion) {
			cl.Close()
			return
		}
		cl.removeHandler(buxtehude.TypeHandshake)
	})
	c.Handle(buxtehude.TypeError, func(cl *Client, msg *buxtehude.Message) {
		buxtehude.Log().Info("buxtehude: server reported an error", zap.Any("content", msg.Content))
	})
}

func handshakeVersion(content any) (float64, bool) {
	m, ok := content.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["version"].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
