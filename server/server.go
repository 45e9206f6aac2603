// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package server implements the Server routing engine: the mutable peer
// table, the cross-thread in-process inbox, handshake
// validation, availability tracking, and destination resolution across
// UNIX-socket, TCP-socket, and in-process peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/frame"
	"github.com/creachadair-labs/buxtehude/internal/loop"
	"github.com/creachadair/taskgroup"
)

const eventBuffer = 64

// internalEntry is one pending cross-thread delivery, queued by an internal
// peer's Send and drained by the dispatcher on InternalReadReady.
type internalEntry struct {
	peer loop.PeerID
	msg  *buxtehude.Message
}

// Server is an embeddable message bus endpoint: it may accept remote peers
// over a UNIX-domain socket and/or a TCP socket, host in-process peers, and
// routes messages between all of them by team name and availability.
//
// The zero value is not ready for use; construct with New.
type Server struct {
	loop             *loop.Loop
	tasks            *taskgroup.Group
	handshakeTimeout time.Duration
	metrics          *buxtehude.Metrics

	clientsMu sync.Mutex
	peers     []*handle
	byID      map[loop.PeerID]*handle
	nextID    loop.PeerID
	nextMsgID uint64

	internalMu    sync.Mutex
	internalQueue []internalEntry

	unixListener net.Listener
	unixPath     string
	ipListener   net.Listener

	closeOnce sync.Once
	stopped   chan struct{}
}

// New constructs a Server with no active listeners. Call UnixListen,
// IPListen, and/or InternalEnable to accept peers, and Close when done.
func New() *Server {
	s := &Server{
		loop:             loop.New(eventBuffer),
		handshakeTimeout: time.Duration(buxtehude.DefaultHandshakeTimeout) * time.Second,
		metrics:          buxtehude.NewMetrics(),
		byID:             make(map[loop.PeerID]*handle),
		stopped:          make(chan struct{}),
	}
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(func() error { s.dispatch(); return nil })
	return s
}

// Metrics returns the expvar-backed counters for this Server.
func (s *Server) Metrics() *buxtehude.Metrics { return s.metrics }

// SetHandshakeTimeout overrides the default handshake deadline. It must be
// called before any listener is activated.
func (s *Server) SetHandshakeTimeout(d time.Duration) { s.handshakeTimeout = d }

// UnixListen starts accepting remote peers over a UNIX-domain socket at
// path. Any existing socket file at path is removed first.
func (s *Server) UnixListen(path string) error {
	buxtehude.Init()
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return &buxtehude.ListenError{Kind: buxtehude.ErrBind, Err: err}
	}
	s.unixListener = ln
	s.unixPath = path
	s.tasks.Go(func() error { return s.acceptLoop(ln, buxtehude.Unix) })
	return nil
}

// IPListen starts accepting remote peers over TCP on port.
func (s *Server) IPListen(port int) error {
	buxtehude.Init()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &buxtehude.ListenError{Kind: buxtehude.ErrBind, Err: err}
	}
	s.ipListener = ln
	s.tasks.Go(func() error { return s.acceptLoop(ln, buxtehude.Internet) })
	return nil
}

// IPAddr reports the address IPListen bound to, or nil if IPListen has not
// been called. Useful for tests that ask for port 0 and need to learn which
// port the kernel actually assigned.
func (s *Server) IPAddr() net.Addr {
	if s.ipListener == nil {
		return nil
	}
	return s.ipListener.Addr()
}

// UnixPath reports the path UnixListen bound to, or "" if it has not been
// called.
func (s *Server) UnixPath() string { return s.unixPath }

// InternalEnable prepares the Server to host in-process peers added with
// InternalAddClient. It exists for symmetry with UnixListen/IPListen; a
// Server accepts internal peers regardless of whether this is called.
func (s *Server) InternalEnable() error {
	buxtehude.Init()
	return nil
}

// acceptLoop accepts connections from ln until it is closed, posting a
// NewConnection event for each one rather than spawning a peer directly.
func (s *Server) acceptLoop(ln net.Listener, connType buxtehude.ConnectionType) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.loop.Post(loop.NewConnection{Conn: conn, ConnType: connType})
	}
}

// dispatch is the Server's single dispatcher goroutine: it drains the event
// channel one event at a time, so per-peer FIFO and table-mutation
// exclusion hold by construction.
func (s *Server) dispatch() {
	for ev := range s.loop.Events() {
		switch e := ev.(type) {
		case loop.NewConnection:
			s.onNewConnection(e)
		case loop.PeerMessage:
			s.onPeerMessage(e)
		case loop.InternalReadReady:
			s.drainInternal()
		case loop.Interrupt:
			s.shutdown()
			return
		}
	}
}

func (s *Server) onNewConnection(e loop.NewConnection) {
	s.clientsMu.Lock()
	id := s.nextID
	s.nextID++
	h := newHandle(id, e.ConnType, s)
	h.stream = frame.NewStream(e.Conn)
	s.peers = append(s.peers, h)
	s.byID[id] = h
	s.clientsMu.Unlock()

	s.tasks.Go(func() error { s.readLoop(h); return nil })

	if err := h.handshake(); err != nil {
		s.clientsMu.Lock()
		s.removePeerLocked(h)
		s.clientsMu.Unlock()
		return
	}
	s.tasks.Go(func() error { s.watchHandshake(h); return nil })
}

// readLoop is the single reader goroutine for one socket peer: it blocks in
// Recv and posts one PeerMessage per completed frame or failure. A
// *buxtehude.StreamError (bad type, bad length, parse failure) is not
// terminal: the decoder has already resumed at the next frame boundary, so
// the loop posts it and keeps reading. Only a closed stream or some other
// non-protocol read failure ends the loop.
func (s *Server) readLoop(h *handle) {
	for {
		msg, err := h.stream.Recv()
		if msg != nil {
			s.metrics.MessagesRecv.Add(1)
		}
		s.loop.Post(loop.PeerMessage{Peer: h.id, Msg: msg, Err: err})
		if err == nil {
			continue
		}
		var serr *buxtehude.StreamError
		if errors.As(err, &serr) {
			continue
		}
		return
	}
}

// watchHandshake disconnects h if it has not completed the handshake within
// the configured timeout.
func (s *Server) watchHandshake(h *handle) {
	timer := time.NewTimer(s.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.clientsMu.Lock()
		if h.connected && !h.handshaken {
			h.disconnect("Handshake timed out")
			s.broadcastDisconnectLocked(h)
			s.removePeerLocked(h)
		}
		s.clientsMu.Unlock()
	case <-s.stopped:
	}
}

func (s *Server) onPeerMessage(e loop.PeerMessage) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	h, ok := s.byID[e.Peer]
	if !ok {
		return
	}

	switch {
	case errors.Is(e.Err, buxtehude.ErrStreamClosed):
		h.connected = false
	case e.Err != nil:
		var serr *buxtehude.StreamError
		if errors.As(e.Err, &serr) {
			h.reportError(serr.Error())
		} else {
			h.connected = false
		}
	case e.Msg != nil:
		s.handleMessage(h, e.Msg)
	}

	if !h.connected {
		s.broadcastDisconnectLocked(h)
		s.removePeerLocked(h)
	}
}

// drainInternal swaps out the internal queue under internalMu, then
// resolves and dispatches each entry under clientsMu. internalMu must
// never be held while taking clientsMu.
func (s *Server) drainInternal() {
	s.internalMu.Lock()
	queue := s.internalQueue
	s.internalQueue = nil
	s.internalMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, entry := range queue {
		h, ok := s.byID[entry.peer]
		if !ok || !h.connected {
			continue
		}
		s.handleMessage(h, entry.msg)
		if !h.connected {
			s.broadcastDisconnectLocked(h)
			s.removePeerLocked(h)
		}
	}
}

// removePeerLocked removes h from the peer table. The caller must hold
// clientsMu.
func (s *Server) removePeerLocked(h *handle) {
	delete(s.byID, h.id)
	for i, p := range s.peers {
		if p == h {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
}

// broadcastDisconnectLocked notifies every other connected peer that h has
// disconnected. The caller must hold clientsMu and must call this before
// removePeerLocked so the snapshot still excludes only h by identity.
func (s *Server) broadcastDisconnectLocked(h *handle) {
	notice := &buxtehude.Message{
		Type:    buxtehude.TypeDisconnect,
		Content: map[string]any{"who": h.teamname()},
	}
	for _, other := range s.peers {
		if other == h {
			continue
		}
		if err := other.write(notice); err != nil {
			other.disconnectNoWrite()
		}
	}
}

// InternalAddClient registers an in-process peer and returns a handle the
// caller uses to deliver messages to the Server and to disconnect. As with
// a freshly accepted socket peer, the Server immediately sends its own
// $$handshake to the new peer.
func (s *Server) InternalAddClient(peer InternalPeer) *InternalConn {
	buxtehude.Init()
	s.clientsMu.Lock()
	id := s.nextID
	s.nextID++
	h := newHandle(id, buxtehude.Internal, s)
	h.internal = peer
	s.peers = append(s.peers, h)
	s.byID[id] = h
	s.clientsMu.Unlock()

	h.handshake()
	return &InternalConn{id: id, srv: s}
}

// InternalConn is the reference an in-process Client uses to talk to the
// Server it registered with via InternalAddClient.
type InternalConn struct {
	id  loop.PeerID
	srv *Server
}

// Send enqueues msg for the Server to process as if it arrived from this
// peer, waking the dispatcher via InternalReadReady.
func (c *InternalConn) Send(msg *buxtehude.Message) {
	c.srv.internalMu.Lock()
	c.srv.internalQueue = append(c.srv.internalQueue, internalEntry{peer: c.id, msg: msg})
	c.srv.internalMu.Unlock()
	c.srv.loop.Post(loop.InternalReadReady{})
}

// Disconnect tells the Server this peer is going away. Unlike
// disconnectNoWrite, it must not call back into the peer that is already
// disconnecting itself.
func (c *InternalConn) Disconnect() {
	c.srv.clientsMu.Lock()
	defer c.srv.clientsMu.Unlock()
	h, ok := c.srv.byID[c.id]
	if !ok {
		return
	}
	h.connected = false
	c.srv.broadcastDisconnectLocked(h)
	c.srv.removePeerLocked(h)
}

// Teams returns the distinct team names of currently handshaken peers.
func (s *Server) Teams() []string {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, h := range s.peers {
		if h.handshaken && !seen[h.teamname()] {
			seen[h.teamname()] = true
			out = append(out, h.teamname())
		}
	}
	return out
}

// PeerCount returns the number of handshaken peers currently on team.
func (s *Server) PeerCount(team string) int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	n := 0
	for _, h := range s.peers {
		if h.handshaken && h.teamname() == team {
			n++
		}
	}
	return n
}

// shutdown runs once, on the dispatcher goroutine, after it observes
// Interrupt: it disconnects every peer, closes the listeners, and unlinks
// the UNIX socket path.
func (s *Server) shutdown() {
	s.clientsMu.Lock()
	for _, h := range s.peers {
		h.disconnect("Shutting down server")
	}
	s.peers = nil
	s.byID = make(map[loop.PeerID]*handle)
	s.clientsMu.Unlock()

	if s.unixListener != nil {
		s.unixListener.Close()
	}
	if s.ipListener != nil {
		s.ipListener.Close()
	}
	if s.unixPath != "" {
		os.Remove(s.unixPath)
	}
}

// Close stops accepting new connections, disconnects every peer, and waits
// for all of the Server's goroutines to exit. Close is idempotent and safe
// to call from any goroutine.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopped)
		s.loop.Interrupt()
		s.loop.Close()
		s.tasks.Wait()
	})
	return nil
}

// Drain stops accepting new connections (without unlinking the UNIX path or
// disturbing existing peers) and returns once every currently-connected
// peer has disconnected, or ctx ends.
func (s *Server) Drain(ctx context.Context) error {
	s.clientsMu.Lock()
	if s.unixListener != nil {
		if ul, ok := s.unixListener.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(false)
		}
		s.unixListener.Close()
	}
	if s.ipListener != nil {
		s.ipListener.Close()
	}
	s.clientsMu.Unlock()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.clientsMu.Lock()
		remaining := len(s.peers)
		s.clientsMu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
