// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package buxtehude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// A Codec serializes a Message to bytes and parses bytes back into a
// Message. The JSON and MsgPack codecs are the only implementations this
// package needs; the codecs themselves are external collaborators (only
// their Marshal/Unmarshal surface is consumed, per the routing engine's
// point of view).
type Codec interface {
	// Marshal encodes m in the codec's wire format.
	Marshal(m *Message) ([]byte, error)
	// Unmarshal decodes data, previously produced by Marshal, into a new
	// Message. It reports a *ParseError if data is not well-formed.
	Unmarshal(data []byte) (*Message, error)
}

// Codec returns the Codec associated with f, or an error if f is not a
// recognized format.
func (f Format) Codec() (Codec, error) {
	switch f {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatMsgPack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("buxtehude: unrecognized format %v", f)
	}
}

// ParseError reports that a Codec could not decode a frame payload into a
// Message. It wraps the underlying codec error.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %v payload: %v", e.Format, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// jsonCodec encodes and decodes messages as JSON, using only the
// Marshal/Unmarshal surface of the standard library.
type jsonCodec struct{}

func (jsonCodec) Marshal(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("buxtehude: encode JSON message: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Format: FormatJSON, Err: err}
	}
	return &m, nil
}

// msgpackCodec encodes and decodes messages as MessagePack, using the
// ugorji-derived codec maintained by HashiCorp.
type msgpackCodec struct{}

// mapStringAny is the decode target for any msgpack map nested under an
// `any`-typed field, so a decoded Message.Content matches the
// map[string]any shape produced by the JSON codec and consumed by
// buxtehude/validate.
var mapStringAny = reflect.TypeOf(map[string]any(nil))

func msgpackHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	h.MapType = mapStringAny
	return h
}

func (msgpackCodec) Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle())
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("buxtehude: encode MsgPack message: %w", err)
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte) (*Message, error) {
	var m Message
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle())
	if err := dec.Decode(&m); err != nil {
		return nil, &ParseError{Format: FormatMsgPack, Err: err}
	}
	return &m, nil
}
