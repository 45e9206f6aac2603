// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package loop_test

import (
	"testing"
	"time"

	"github.com/creachadair-labs/buxtehude/internal/loop"
)

func TestPostAndDrain(t *testing.T) {
	l := loop.New(4)
	l.Post(loop.InternalReadReady{})
	l.Post(loop.Interrupt{})

	select {
	case ev := <-l.Events():
		if _, ok := ev.(loop.InternalReadReady); !ok {
			t.Fatalf("first event = %T, want InternalReadReady", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}

	select {
	case ev := <-l.Events():
		if _, ok := ev.(loop.Interrupt); !ok {
			t.Fatalf("second event = %T, want Interrupt", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}
}

func TestPostAfterCloseIsNoop(t *testing.T) {
	l := loop.New(1)
	l.Close()
	l.Post(loop.Interrupt{}) // must not block or panic

	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event after Close: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
