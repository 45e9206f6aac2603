// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package buxtehude implements an embeddable message bus.
//
// Buxtehude lets processes, and in-process components, exchange typed,
// addressable messages over three interchangeable transports — UNIX-domain
// sockets, TCP sockets, and a direct in-process channel — using a single
// uniform framing and routing model. A process hosts at most one
// server.Server, which accepts remote peers and may host in-process peers,
// and any number of client.Client values, which connect outward to a
// Server.
//
// # Messages
//
// The [Message] type is the only unit exchanged on the wire. A message has a
// type, an optional destination team, a source team (filled in by the
// Server on forwarding), a JSON-like content value, and a flag requesting
// delivery to only the first available peer of the destination team.
//
// # Servers and clients
//
// Construct a server with server.New, then call one or more of
// [server.Server.UnixListen], [server.Server.IPListen], and
// [server.Server.InternalEnable] to activate transports. Construct a client
// with client.New, then call one of its Connect methods to attach it to a
// running server.
//
// # Framing
//
// The wire framing and its resumable decode state machine are implemented by
// the buffer and frame subpackages; most callers never need to touch them
// directly.
package buxtehude
