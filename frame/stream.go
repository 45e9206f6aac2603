// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame

import (
	"fmt"
	"io"
	"sync"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/buffer"
)

const readChunk = 4096

// Stream owns one connected socket (or any io.ReadWriteCloser): a
// resumable read side built on Decoder, and a write side that assembles a
// frame into a bounded
// outbound buffer before flushing it to the connection.
//
// At most one goroutine may call Recv at a time. Send may be called from
// several goroutines: it serializes concurrent callers with an internal
// mutex, so per-peer outbound frames never interleave.
type Stream struct {
	conn io.ReadWriteCloser
	dec  *Decoder

	outMu    sync.Mutex
	writeBuf *buffer.Ring

	readBuf [readChunk]byte
}

// NewStream constructs a Stream over an already-connected socket.
func NewStream(conn io.ReadWriteCloser) *Stream {
	return &Stream{
		conn:     conn,
		dec:      NewDecoder(),
		writeBuf: buffer.New(tagLen + lenLen + buxtehude.MaxMessageLength),
	}
}

// Recv blocks until a complete frame has been read from the connection and
// decoded, or until the connection or decoder reports a failure.
//
// On success it returns the decoded Message. On a closed connection it
// returns buxtehude.ErrStreamClosed. On a protocol-level failure
// (unrecognized format tag, oversize length, or an undecodable payload) it
// returns a *buxtehude.StreamError. Any other I/O failure is returned
// wrapped.
func (s *Stream) Recv() (*buxtehude.Message, error) {
	for {
		if msg, err := s.dec.Feed(nil); msg != nil || err != nil {
			return msg, err
		}
		n, err := s.conn.Read(s.readBuf[:])
		if n > 0 {
			if msg, ferr := s.dec.Feed(s.readBuf[:n]); msg != nil || ferr != nil {
				return msg, ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, buxtehude.ErrStreamClosed
			}
			return nil, fmt.Errorf("buxtehude: stream read: %w", err)
		}
	}
}

// Send serializes msg under format and writes the resulting frame to the
// connection, blocking until the write completes or fails.
func (s *Stream) Send(format buxtehude.Format, msg *buxtehude.Message) error {
	encoded, err := Encode(format, msg)
	if err != nil {
		return err
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.writeBuf.Reset()
	if err := s.writeBuf.WriteFromMemory(encoded); err != nil {
		return err
	}
	return s.flushLocked()
}

// flushLocked drains the write buffer to the connection. The write buffer
// is never partially compacted; once fully drained it is reset so the next
// Send starts clean. The caller must hold outMu.
func (s *Stream) flushLocked() error {
	for s.writeBuf.BytesToRead() > 0 {
		if _, err := s.writeBuf.ReadIntoStream(s.conn, s.writeBuf.BytesToRead()); err != nil {
			return err
		}
	}
	s.writeBuf.Reset()
	return nil
}

// Close closes the underlying connection. Any Recv or Send in progress
// observes the resulting error from the connection.
func (s *Stream) Close() error { return s.conn.Close() }
