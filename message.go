// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package buxtehude

import "fmt"

// MaxMessageLength is the maximum permitted length, in bytes, of an encoded
// message payload (the content of a frame, not counting its header).
const MaxMessageLength = 262144 // 256 KiB

// DefaultPort is the default TCP port a Server listens on when the caller
// does not specify one.
const DefaultPort = 1637

// CurrentVersion is the protocol version advertised by this implementation.
const CurrentVersion = 0

// MinCompatibleVersion is the oldest peer protocol version this
// implementation will accept during handshake.
const MinCompatibleVersion = 0

// DefaultHandshakeTimeout is how long a Server waits for a newly accepted
// socket peer to complete the handshake before disconnecting it.
const DefaultHandshakeTimeout = 60 // seconds

// Reserved control message types. All control types begin with "$$"; a
// leading "$$" is reserved by the protocol and must not be used by
// application message types.
const (
	TypeHandshake  = "$$handshake"
	TypeAvailable  = "$$available"
	TypeDisconnect = "$$disconnect"
	TypeError      = "$$error"
	TypePing       = "$$ping"
	TypePong       = "$$pong"
)

// AllTeams is the reserved destination meaning "broadcast to every
// connected peer except the sender".
const AllTeams = "$$all"

// YouTeam is the reserved "who" value used in a $$disconnect message sent
// directly to the peer that is being disconnected, as opposed to a
// broadcast notifying others of some other peer's departure.
const YouTeam = "$$you"

// Message is the only unit exchanged on the wire between peers.
type Message struct {
	// Type is the application- or control-defined message type. Types
	// beginning with "$$" are reserved for control messages (see the Type*
	// constants).
	Type string `json:"type" codec:"type"`

	// Dest is the destination team name, the empty string (meaning "do not
	// route this message onward"), or AllTeams (broadcast).
	Dest string `json:"dest,omitempty" codec:"dest,omitempty"`

	// Src is set by the Server when it forwards a message, to the sending
	// peer's handshaken team name. Any value set by the original sender is
	// untrusted and is overwritten on ingress; it must not be read before a
	// message has passed through a Server.
	Src string `json:"src,omitempty" codec:"src,omitempty"`

	// Content is a JSON-like structured value: nil, bool, a number, string,
	// []any, or map[string]any, as produced by the peer's chosen Codec.
	// Numbers decode as float64 under JSON and may decode as an integer kind
	// under MsgPack.
	Content any `json:"content,omitempty" codec:"content,omitempty"`

	// OnlyFirst requests, when Dest names a team, delivery to a single
	// eligible peer of that team rather than to all of them.
	OnlyFirst bool `json:"only_first,omitempty" codec:"only_first,omitempty"`

	// ID is a supplemental, purely observational sequence number assigned by
	// a Server when it forwards a message (Src is set). It has no role in
	// routing or ordering: delivery is guaranteed FIFO per recipient only.
	// Zero means unset.
	ID uint64 `json:"id,omitempty" codec:"id,omitempty"`
}

// String returns a human-friendly rendering of m's routing fields; the
// content is not included.
func (m *Message) String() string {
	return fmt.Sprintf("Message(type=%q, dest=%q, src=%q, only_first=%v)", m.Type, m.Dest, m.Src, m.OnlyFirst)
}

// IsControl reports whether m.Type is a reserved control message type.
func (m *Message) IsControl() bool { return isControlType(m.Type) }

func isControlType(t string) bool { return len(t) >= 2 && t[0] == '$' && t[1] == '$' }

// Format identifies the wire encoding a peer uses for message payloads.
type Format byte

const (
	// FormatJSON encodes message payloads as JSON.
	FormatJSON Format = 0
	// FormatMsgPack encodes message payloads as MessagePack.
	FormatMsgPack Format = 1
)

// String returns a human-friendly rendering of f.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatMsgPack:
		return "MSGPACK"
	default:
		return fmt.Sprintf("Format(%d)", byte(f))
	}
}

// Valid reports whether f is a recognized format tag.
func (f Format) Valid() bool { return f == FormatJSON || f == FormatMsgPack }

// ConnectionType identifies the transport a peer is attached through.
type ConnectionType byte

const (
	// Unix identifies a peer connected over a UNIX-domain socket.
	Unix ConnectionType = iota
	// Internet identifies a peer connected over a TCP socket.
	Internet
	// Internal identifies a peer connected via the in-process channel.
	Internal
)

// String returns a human-friendly rendering of c.
func (c ConnectionType) String() string {
	switch c {
	case Unix:
		return "UNIX"
	case Internet:
		return "INTERNET"
	case Internal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("ConnectionType(%d)", byte(c))
	}
}

// ClientPreferences are the identity and encoding a Client declares during
// handshake. Multiple peers may share a team name; together they form a
// delivery set for routing purposes.
type ClientPreferences struct {
	// TeamName is the non-empty routing identity of the peer.
	TeamName string `json:"teamname" codec:"teamname"`
	// Format is the wire encoding the peer uses for its payloads.
	Format Format `json:"format" codec:"format"`
}

// Valid reports whether p is a well-formed set of preferences: a non-empty
// team name and a recognized format.
func (p ClientPreferences) Valid() bool { return p.TeamName != "" && p.Format.Valid() }
