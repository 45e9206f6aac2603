// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package buffer provides a fixed-capacity staging area with independent
// read and write cursors, used by the frame package both as a framing
// accumulator for inbound bytes and as a bounded outbound queue.
package buffer

import (
	"fmt"
	"io"

	"github.com/creachadair-labs/buxtehude"
)

// Ring is a fixed-capacity byte buffer with independent read and write
// cursors. It never compacts or wraps mid-frame: a caller either drains it
// to completion or calls Reset once it is done with the current frame. The
// zero value is not ready for use; construct with New.
//
// The invariant 0 ≤ readPos ≤ writePos ≤ cap always holds.
type Ring struct {
	buf      []byte
	writePos int
	readPos  int
}

// New returns a Ring with the given fixed capacity.
func New(capacity int) *Ring {
	return &Ring{buf: make([]byte, capacity)}
}

// Cap reports the fixed capacity of r.
func (r *Ring) Cap() int { return len(r.buf) }

// BytesToRead reports how many unread bytes are currently buffered.
func (r *Ring) BytesToRead() int { return r.writePos - r.readPos }

// ReadView returns a slice over the currently unread region of the buffer.
// The caller must not retain the slice past the next call that mutates r.
func (r *Ring) ReadView() []byte { return r.buf[r.readPos:r.writePos] }

// Reset sets both cursors to zero, discarding any buffered content.
func (r *Ring) Reset() {
	r.writePos = 0
	r.readPos = 0
}

// WriteFromStream attempts to read up to n bytes from rd into the buffer
// starting at the write cursor, advancing the cursor by the number of bytes
// actually read. It reports ErrBufferFull if the request would overrun the
// buffer's capacity, ErrStreamClosed if rd reports io.EOF, or a wrapped
// error for any other read failure.
func (r *Ring) WriteFromStream(rd io.Reader, n int) (int, error) {
	if r.writePos+n > len(r.buf) {
		return 0, buxtehude.ErrBufferFull
	}
	nr, err := rd.Read(r.buf[r.writePos : r.writePos+n])
	r.writePos += nr
	if err != nil {
		if err == io.EOF {
			return nr, buxtehude.ErrStreamClosed
		}
		return nr, fmt.Errorf("buxtehude: buffer read: %w", err)
	}
	return nr, nil
}

// WriteFromMemory copies p into the buffer starting at the write cursor,
// advancing the cursor by len(p). It reports ErrBufferFull without copying
// anything if the write would overrun the buffer's capacity.
func (r *Ring) WriteFromMemory(p []byte) error {
	if r.writePos+len(p) > len(r.buf) {
		return buxtehude.ErrBufferFull
	}
	copy(r.buf[r.writePos:], p)
	r.writePos += len(p)
	return nil
}

// ReadIntoStream writes up to min(BytesToRead(), n) bytes from the read
// cursor to w, advancing the cursor by the number of bytes actually
// written. It reports ErrStreamClosed if w reports io.EOF (which a
// net.Conn write never does, but a generic io.Writer might), or a wrapped
// error for any other write failure.
func (r *Ring) ReadIntoStream(w io.Writer, n int) (int, error) {
	if avail := r.BytesToRead(); n > avail {
		n = avail
	}
	nw, err := w.Write(r.buf[r.readPos : r.readPos+n])
	r.readPos += nw
	if err != nil {
		if err == io.EOF {
			return nw, buxtehude.ErrStreamClosed
		}
		return nw, fmt.Errorf("buxtehude: buffer write: %w", err)
	}
	return nw, nil
}

// ReadIntoMemory copies exactly len(p) bytes from the read cursor into p,
// advancing the cursor by len(p). It reports ErrBufferEmpty without
// copying anything if fewer than len(p) bytes are currently buffered.
func (r *Ring) ReadIntoMemory(p []byte) error {
	if r.BytesToRead() < len(p) {
		return buxtehude.ErrBufferEmpty
	}
	copy(p, r.buf[r.readPos:r.readPos+len(p)])
	r.readPos += len(p)
	return nil
}
