// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server

import (
	"sync"
	"time"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/frame"
	"github.com/creachadair-labs/buxtehude/internal/loop"
)

// errorRateLimit is the minimum interval between $$error deliveries to the
// same peer.
const errorRateLimit = time.Second

// InternalPeer is the non-owning reference a handle holds for an internal
// (in-process) peer: the user's client.Client implements it. The Server
// never owns an InternalPeer; both sides drop their reference on
// disconnect.
type InternalPeer interface {
	// Receive delivers msg to the peer synchronously. It is normally called
	// on the Server's dispatcher goroutine; InternalAddClient and
	// InternalConn.Disconnect deliver on their caller's goroutine.
	Receive(msg *buxtehude.Message)
	// Disconnect tells the peer the Server initiated its disconnection.
	Disconnect(reason string)
}

// handle is the Server-side per-peer state, plus the peer-facing
// primitives handshake/write/error/disconnect/
// disconnectNoWrite/available. A handle's state is mutated under the
// owning Server's clientsMu (by the dispatcher goroutine, the handshake
// watchdog, or an internal peer's Disconnect); writes are additionally
// serialized by outMu.
type handle struct {
	id       loop.PeerID
	connType buxtehude.ConnectionType
	srv      *Server

	// Guarded by the owning Server's clientsMu.
	prefs       buxtehude.ClientPreferences
	handshaken  bool
	connected   bool
	unavailable map[string]struct{}
	lastError   time.Time

	outMu sync.Mutex // serializes writes to stream/internal past clientsMu

	stream   *frame.Stream // set iff connType != buxtehude.Internal
	internal InternalPeer  // set iff connType == buxtehude.Internal
}

func newHandle(id loop.PeerID, connType buxtehude.ConnectionType, srv *Server) *handle {
	return &handle{
		id:          id,
		connType:    connType,
		srv:         srv,
		connected:   true,
		unavailable: make(map[string]struct{}),
	}
}

// teamname is a convenience accessor used by routing.
func (h *handle) teamname() string { return h.prefs.TeamName }

// handshake sends the server→client handshake, which only carries the
// protocol version; the client validates compatibility itself.
func (h *handle) handshake() error {
	return h.write(&buxtehude.Message{
		Type:    buxtehude.TypeHandshake,
		Content: map[string]any{"version": float64(buxtehude.CurrentVersion)},
	})
}

// write delivers msg to the peer: a direct call for an internal peer, or an
// encode-and-flush for a remote one. The caller normally already holds
// srv.clientsMu; write additionally serializes under outMu so a write
// triggered from the internal-delivery path cannot interleave with one
// triggered from the dispatcher.
func (h *handle) write(msg *buxtehude.Message) error {
	h.outMu.Lock()
	defer h.outMu.Unlock()

	if h.connType == buxtehude.Internal {
		h.internal.Receive(msg)
		h.srv.metrics.MessagesSent.Add(1)
		return nil
	}
	err := h.stream.Send(h.prefs.Format, msg)
	if err == nil {
		h.srv.metrics.MessagesSent.Add(1)
	}
	return err
}

// reportError is the peer-facing "error" primitive: rate-limited to at most
// one $$error per second per peer. A write failure, or an error
// reported before the peer has handshaken, is fatal to the connection.
func (h *handle) reportError(text string) {
	now := time.Now()
	if !h.lastError.IsZero() && now.Sub(h.lastError) < errorRateLimit {
		h.srv.metrics.ErrorsSuppressed.Add(1)
		return
	}
	h.lastError = now

	err := h.write(&buxtehude.Message{Type: buxtehude.TypeError, Content: text})
	if err == nil {
		h.srv.metrics.ErrorsSent.Add(1)
	}
	if err != nil || !h.handshaken {
		h.disconnect("Failed handshake")
	}
}

// disconnect sends a best-effort $$disconnect notice addressed to the peer
// itself, then tears the connection down.
func (h *handle) disconnect(reason string) {
	h.write(&buxtehude.Message{
		Type: buxtehude.TypeDisconnect,
		Content: map[string]any{
			"reason": reason,
			"who":    buxtehude.YouTeam,
		},
	})
	h.disconnectNoWrite()
}

// disconnectNoWrite tears the connection down without notifying the peer.
func (h *handle) disconnectNoWrite() {
	if h.connected {
		h.srv.metrics.Disconnects.Add(1)
	}
	h.connected = false
	if h.connType == buxtehude.Internal {
		h.internal.Disconnect("Server closed the connection")
		return
	}
	h.stream.Close()
}

// available reports whether typeName is not in the peer's unavailable set.
func (h *handle) available(typeName string) bool {
	_, unavailable := h.unavailable[typeName]
	return !unavailable
}

// setAvailable updates the peer's unavailable set per a $$available
// message.
func (h *handle) setAvailable(typeName string, available bool) {
	if available {
		delete(h.unavailable, typeName)
	} else {
		h.unavailable[typeName] = struct{}{}
	}
}
