// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server

import (
	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/validate"
)

// handshakeSchema and availableSchema express the content shapes required
// for $$handshake and $$available, via the predicate vocabulary in
// buxtehude/validate. A schema is a plain slice of field-level predicates,
// all of which must hold; the vocabulary itself has no conjunction
// combinator.
var (
	handshakeSchema = []validate.Predicate{
		validate.NotEmpty("/teamname"),
		validate.Matches("/format", float64(buxtehude.FormatJSON), float64(buxtehude.FormatMsgPack)),
		validate.GreaterEq("/version", float64(buxtehude.MinCompatibleVersion)),
	}
	availableSchema = []validate.Predicate{
		validate.NotEmpty("/type"),
		validate.IsBool("/available"),
	}
)

// allMatch reports whether every predicate in schema is satisfied by
// content.
func allMatch(schema []validate.Predicate, content any) bool {
	for _, p := range schema {
		if !p(content) {
			return false
		}
	}
	return true
}

// handleMessage is the Server's per-message entry point: the handshake
// gate, the $$available side channel, and destination resolution. The
// caller must hold clientsMu.
func (s *Server) handleMessage(h *handle, msg *buxtehude.Message) {
	if !h.handshaken {
		prefs, ok := parseHandshakeContent(msg)
		if !ok {
			s.metrics.HandshakeFailed.Add(1)
			h.disconnect("Failed handshake")
			return
		}
		h.prefs = prefs
		h.handshaken = true
		s.metrics.HandshakeOK.Add(1)
		return
	}

	switch msg.Type {
	case buxtehude.TypeAvailable:
		if typeName, available, ok := parseAvailableContent(msg); ok {
			h.setAvailable(typeName, available)
		}
		return
	case buxtehude.TypePing:
		h.write(&buxtehude.Message{Type: buxtehude.TypePong, Content: msg.Content})
		return
	}

	if msg.Dest == "" {
		s.metrics.MessagesDropped.Add(1)
		return
	}

	msg.Src = h.teamname()
	s.nextMsgID++
	msg.ID = s.nextMsgID
	s.metrics.MessagesRouted.Add(1)

	if msg.OnlyFirst {
		target := s.firstAvailableLocked(msg.Dest, msg.Type, h)
		if target == nil {
			s.metrics.MessagesDropped.Add(1)
			return
		}
		if err := target.write(msg); err != nil {
			target.disconnectNoWrite()
		}
		return
	}

	for _, other := range s.peers {
		if other == h {
			continue
		}
		if other.teamname() != msg.Dest && msg.Dest != buxtehude.AllTeams {
			continue
		}
		s.metrics.BroadcastFanout.Add(1)
		if err := other.write(msg); err != nil {
			other.disconnectNoWrite()
		}
	}
}

// firstAvailableLocked does a single pass over the peer table in insertion
// order, returning the first matching, non-excluded handle reporting
// available(type)==true, or — if none is available — the last matching
// handle seen. The caller must hold clientsMu.
func (s *Server) firstAvailableLocked(team, typeName string, exclude *handle) *handle {
	var lastMatch *handle
	for _, p := range s.peers {
		if p == exclude {
			continue
		}
		if p.teamname() != team && team != buxtehude.AllTeams {
			continue
		}
		lastMatch = p
		if p.available(typeName) {
			return p
		}
	}
	return lastMatch
}

// parseHandshakeContent validates msg against handshakeSchema and, on
// success, extracts the ClientPreferences it declares.
func parseHandshakeContent(msg *buxtehude.Message) (buxtehude.ClientPreferences, bool) {
	if msg.Type != buxtehude.TypeHandshake || !allMatch(handshakeSchema, msg.Content) {
		return buxtehude.ClientPreferences{}, false
	}
	m, ok := msg.Content.(map[string]any)
	if !ok {
		return buxtehude.ClientPreferences{}, false
	}
	teamname, _ := m["teamname"].(string)
	formatNum, ok := asNumber(m["format"])
	if !ok {
		return buxtehude.ClientPreferences{}, false
	}
	prefs := buxtehude.ClientPreferences{
		TeamName: teamname,
		Format:   buxtehude.Format(byte(formatNum)),
	}
	if !prefs.Valid() {
		return buxtehude.ClientPreferences{}, false
	}
	return prefs, true
}

// parseAvailableContent validates msg against availableSchema and, on
// success, extracts the type name and availability flag it declares.
func parseAvailableContent(msg *buxtehude.Message) (typeName string, available bool, ok bool) {
	if !allMatch(availableSchema, msg.Content) {
		return "", false, false
	}
	m, ok := msg.Content.(map[string]any)
	if !ok {
		return "", false, false
	}
	typeName, _ = m["type"].(string)
	available, _ = m["available"].(bool)
	return typeName, available, true
}

// asNumber coerces a decoded JSON or MsgPack numeric value to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
