// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"testing"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/client"
	"github.com/creachadair-labs/buxtehude/handler"
	"github.com/fortytw2/leaktest"
)

type jobRequest struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

func TestTypedStruct(t *testing.T) {
	defer leaktest.Check(t)()

	var got jobRequest
	h := handler.Typed(func(_ *client.Client, msg *buxtehude.Message, p jobRequest) {
		got = p
	})
	msg := &buxtehude.Message{
		Type:    "job",
		Content: map[string]any{"name": "build", "priority": float64(3)},
	}
	h(nil, msg)

	if got.Name != "build" || got.Priority != 3 {
		t.Errorf("decoded = %+v, want {build 3}", got)
	}
}

func TestTypedString(t *testing.T) {
	defer leaktest.Check(t)()

	var got string
	h := handler.Typed(func(_ *client.Client, _ *buxtehude.Message, p string) { got = p })
	h(nil, &buxtehude.Message{Type: "note", Content: "hello"})

	if got != "hello" {
		t.Errorf("decoded = %q, want %q", got, "hello")
	}
}

func TestTypedDecodeFailureDropsMessage(t *testing.T) {
	defer leaktest.Check(t)()

	called := false
	h := handler.Typed(func(_ *client.Client, _ *buxtehude.Message, _ jobRequest) { called = true })
	h(nil, &buxtehude.Message{Type: "job", Content: "not an object"})

	if called {
		t.Error("handler should not run when content cannot be decoded into the target type")
	}
}
