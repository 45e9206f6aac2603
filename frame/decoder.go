// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the Buxtehude wire frame: a format tag, a
// little-endian length, and a payload parsed according to the tag, plus a
// resumable decode state machine and a socket-backed Stream built on top
// of it.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/buffer"
)

const (
	tagLen = 1
	lenLen = 4
)

// readState is the Framed Stream's decode state, advancing monotonically
// within a single message and resetting to awaitFormat after a successful
// decode or a frame-level error.
type readState int

const (
	stateAwaitFormat readState = iota
	stateAwaitLength
	stateAwaitData
)

// Decoder implements the resumable frame decode state machine standalone,
// independent of any socket. Feed may be called with arbitrarily sized
// chunks of wire bytes; it assembles frames across calls and returns
// exactly one Message per completed frame. This is the Go-idiomatic
// reading of an explicit state enum and a single poll-read step, used both
// by Stream (over a real connection) and directly by tests exercising the
// framing invariants with literal byte slices.
//
// The zero value is not ready for use; construct with NewDecoder.
type Decoder struct {
	state   readState
	buf     *buffer.Ring
	format  buxtehude.Format
	length  uint32
	pending []byte // bytes fed but not yet consumed by the current field
}

// NewDecoder returns a Decoder ready to decode a fresh stream of frames.
func NewDecoder() *Decoder {
	return &Decoder{
		buf:   buffer.New(buxtehude.MaxMessageLength),
		state: stateAwaitFormat,
	}
}

// Feed advances the decode state machine with newly-arrived bytes.
//
// If a complete frame has not yet been assembled, Feed consumes all of
// data, retains any partial field bytes internally, and returns
// (nil, nil); the caller should Feed again once more bytes arrive.
//
// If a complete frame has been assembled, Feed returns the decoded
// Message (or, for a protocol-level failure, a non-nil error of type
// *buxtehude.StreamError) and internally buffers any bytes of data past
// the end of that frame for the next call to Feed. The decoder resets to
// await a fresh format tag in either case.
func (d *Decoder) Feed(data []byte) (*buxtehude.Message, error) {
	if len(d.pending) > 0 {
		data = append(d.pending, data...)
		d.pending = nil
	}

	for {
		switch d.state {
		case stateAwaitFormat:
			data = d.fill(tagLen, data)
			if d.buf.BytesToRead() < tagLen {
				d.pending = data
				return nil, nil
			}
			var tag [tagLen]byte
			d.buf.ReadIntoMemory(tag[:])
			d.buf.Reset()

			f := buxtehude.Format(tag[0])
			if !f.Valid() {
				d.reset()
				d.pending = data
				return nil, &buxtehude.StreamError{Kind: buxtehude.ErrKindInvalidType}
			}
			d.format = f
			d.state = stateAwaitLength

		case stateAwaitLength:
			data = d.fill(lenLen, data)
			if d.buf.BytesToRead() < lenLen {
				d.pending = data
				return nil, nil
			}
			var lb [lenLen]byte
			d.buf.ReadIntoMemory(lb[:])
			d.buf.Reset()

			length := binary.LittleEndian.Uint32(lb[:])
			if length > buxtehude.MaxMessageLength {
				d.reset()
				d.pending = data
				return nil, &buxtehude.StreamError{Kind: buxtehude.ErrKindInvalidLength}
			}
			d.length = length
			d.state = stateAwaitData

		case stateAwaitData:
			data = d.fill(int(d.length), data)
			if d.buf.BytesToRead() < int(d.length) {
				d.pending = data
				return nil, nil
			}
			payload := make([]byte, d.length)
			d.buf.ReadIntoMemory(payload)

			codec, err := d.format.Codec()
			if err != nil {
				// Unreachable: format was validated in stateAwaitFormat.
				d.reset()
				d.pending = data
				return nil, &buxtehude.StreamError{Kind: buxtehude.ErrKindInvalidType, Err: err}
			}
			msg, perr := codec.Unmarshal(payload)
			d.reset()
			d.pending = data
			if perr != nil {
				return nil, &buxtehude.StreamError{Kind: buxtehude.ErrKindParse, Err: perr}
			}
			return msg, nil

		default:
			panic(fmt.Sprintf("frame: invalid decoder state %d", d.state))
		}
	}
}

// fill tops up the internal buffer toward need bytes using as much of data
// as necessary, and returns the portion of data not consumed.
func (d *Decoder) fill(need int, data []byte) []byte {
	have := d.buf.BytesToRead()
	if have >= need || len(data) == 0 {
		return data
	}
	want := need - have
	if want > len(data) {
		want = len(data)
	}
	// The buffer's capacity is MaxMessageLength, which is at least any
	// single field's need (at most 4 bytes for the length, or
	// MaxMessageLength for the payload), and the buffer is reset between
	// fields, so this cannot overflow.
	d.buf.WriteFromMemory(data[:want])
	return data[want:]
}

func (d *Decoder) reset() {
	d.state = stateAwaitFormat
	d.buf.Reset()
	d.length = 0
}

// Encode serializes msg under format into a complete wire frame: a format
// tag, a little-endian length, and the marshaled payload.
func Encode(format buxtehude.Format, msg *buxtehude.Message) ([]byte, error) {
	codec, err := format.Codec()
	if err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > buxtehude.MaxMessageLength {
		return nil, &buxtehude.StreamError{Kind: buxtehude.ErrKindInvalidLength}
	}

	buf := make([]byte, tagLen+lenLen+len(payload))
	buf[0] = byte(format)
	binary.LittleEndian.PutUint32(buf[tagLen:tagLen+lenLen], uint32(len(payload)))
	copy(buf[tagLen+lenLen:], payload)
	return buf, nil
}
