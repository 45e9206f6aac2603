// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package buxtehude

import "expvar"

// Metrics records bus activity counters for a single Server or Client. The
// zero value is not meaningful; use NewMetrics.
type Metrics struct {
	MessagesSent     expvar.Int // messages successfully written to a peer
	MessagesRecv     expvar.Int // messages successfully decoded from a peer
	MessagesRouted   expvar.Int // messages that matched a routing destination
	MessagesDropped  expvar.Int // messages silently discarded (no handler, no route)
	BroadcastFanout  expvar.Int // individual deliveries made by broadcast sends
	HandshakeOK      expvar.Int
	HandshakeFailed  expvar.Int
	ErrorsSent       expvar.Int // $$error messages actually sent (post rate-limit)
	ErrorsSuppressed expvar.Int // $$error calls dropped by the 1s rate limit
	Disconnects      expvar.Int

	emap *expvar.Map
}

// NewMetrics constructs a fresh, unpublished Metrics value.
func NewMetrics() *Metrics {
	m := &Metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.MessagesSent)
	m.emap.Set("messages_received", &m.MessagesRecv)
	m.emap.Set("messages_routed", &m.MessagesRouted)
	m.emap.Set("messages_dropped", &m.MessagesDropped)
	m.emap.Set("broadcast_fanout", &m.BroadcastFanout)
	m.emap.Set("handshake_ok", &m.HandshakeOK)
	m.emap.Set("handshake_failed", &m.HandshakeFailed)
	m.emap.Set("errors_sent", &m.ErrorsSent)
	m.emap.Set("errors_suppressed", &m.ErrorsSuppressed)
	m.emap.Set("disconnects", &m.Disconnects)
	return m
}

// Map returns the expvar.Map backing m, suitable for publishing with
// expvar.Publish or embedding in a larger map.
func (m *Metrics) Map() *expvar.Map { return m.emap }
