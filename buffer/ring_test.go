// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package buffer_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/buffer"
)

func TestWriteFromMemory(t *testing.T) {
	r := buffer.New(8)
	if err := r.WriteFromMemory([]byte("abcd")); err != nil {
		t.Fatalf("WriteFromMemory: unexpected error: %v", err)
	}
	if got := r.BytesToRead(); got != 4 {
		t.Errorf("BytesToRead = %d, want 4", got)
	}
	if err := r.WriteFromMemory([]byte("xxxxx")); !errors.Is(err, buxtehude.ErrBufferFull) {
		t.Errorf("WriteFromMemory overrun: got %v, want ErrBufferFull", err)
	}
}

func TestReadIntoMemory(t *testing.T) {
	r := buffer.New(8)
	if err := r.WriteFromMemory([]byte("ab")); err != nil {
		t.Fatalf("WriteFromMemory: %v", err)
	}
	var buf [4]byte
	if err := r.ReadIntoMemory(buf[:]); !errors.Is(err, buxtehude.ErrBufferEmpty) {
		t.Errorf("ReadIntoMemory underrun: got %v, want ErrBufferEmpty", err)
	}
	var got [2]byte
	if err := r.ReadIntoMemory(got[:]); err != nil {
		t.Fatalf("ReadIntoMemory: unexpected error: %v", err)
	}
	if string(got[:]) != "ab" {
		t.Errorf("ReadIntoMemory = %q, want %q", got, "ab")
	}
	if n := r.BytesToRead(); n != 0 {
		t.Errorf("BytesToRead after full drain = %d, want 0", n)
	}
}

func TestWriteFromStream(t *testing.T) {
	r := buffer.New(8)
	src := bytes.NewReader([]byte("hello world"))

	n, err := r.WriteFromStream(src, 5)
	if err != nil {
		t.Fatalf("WriteFromStream: unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("WriteFromStream returned %d, want 5", n)
	}
	if string(r.ReadView()) != "hello" {
		t.Errorf("ReadView = %q, want %q", r.ReadView(), "hello")
	}

	// Requesting more than capacity allows should fail without reading.
	if _, err := r.WriteFromStream(src, 10); !errors.Is(err, buxtehude.ErrBufferFull) {
		t.Errorf("WriteFromStream overrun: got %v, want ErrBufferFull", err)
	}
}

func TestWriteFromStreamClosed(t *testing.T) {
	r := buffer.New(4)
	src := bytes.NewReader(nil)
	if _, err := r.WriteFromStream(src, 4); !errors.Is(err, buxtehude.ErrStreamClosed) {
		t.Errorf("WriteFromStream on EOF: got %v, want ErrStreamClosed", err)
	}
}

func TestReadIntoStream(t *testing.T) {
	r := buffer.New(8)
	if err := r.WriteFromMemory([]byte("abcdef")); err != nil {
		t.Fatalf("WriteFromMemory: %v", err)
	}
	var dst bytes.Buffer
	n, err := r.ReadIntoStream(&dst, 100) // more than buffered; should clamp
	if err != nil {
		t.Fatalf("ReadIntoStream: unexpected error: %v", err)
	}
	if n != 6 {
		t.Errorf("ReadIntoStream returned %d, want 6", n)
	}
	if dst.String() != "abcdef" {
		t.Errorf("ReadIntoStream wrote %q, want %q", dst.String(), "abcdef")
	}
}

func TestResetDiscardsContent(t *testing.T) {
	r := buffer.New(4)
	if err := r.WriteFromMemory([]byte("ab")); err != nil {
		t.Fatalf("WriteFromMemory: %v", err)
	}
	r.Reset()
	if n := r.BytesToRead(); n != 0 {
		t.Errorf("BytesToRead after Reset = %d, want 0", n)
	}
	if err := r.WriteFromMemory([]byte("cdef")); err != nil {
		t.Errorf("WriteFromMemory after Reset: unexpected error: %v", err)
	}
}

func TestCursorInvariant(t *testing.T) {
	r := buffer.New(4)
	if r.Cap() != 4 {
		t.Errorf("Cap = %d, want 4", r.Cap())
	}
	if err := r.WriteFromMemory([]byte("ab")); err != nil {
		t.Fatalf("WriteFromMemory: %v", err)
	}
	var one [1]byte
	if err := r.ReadIntoMemory(one[:]); err != nil {
		t.Fatalf("ReadIntoMemory: %v", err)
	}
	if r.BytesToRead() != 1 {
		t.Errorf("BytesToRead = %d, want 1", r.BytesToRead())
	}
}
