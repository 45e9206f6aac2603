// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the client.Handler type for
// functions that want a decoded, typed payload instead of a raw
// *buxtehude.Message.Content.
//
// A message's Content is already a decoded Go value by the time a handler
// runs (a map[string]any for most JSON/MsgPack payloads, or []byte/string
// for opaque ones). Typed bridges that value into a concrete type P: string,
// []byte and unmarshaler targets are converted directly, and any other P
// by round-tripping the value through encoding/json, so P can use ordinary
// struct tags instead of matching the wire codec's native decode shape.
package handler

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/client"
	"go.uber.org/zap"
)

// Typed adapts a function f that accepts a decoded payload of type P to a
// client.Handler. If msg.Content cannot be coerced into P, f is not called
// and the failure is logged; Buxtehude handlers have no error return for a
// typed adapter to propagate through.
func Typed[P any](f func(c *client.Client, msg *buxtehude.Message, p P)) client.Handler {
	return func(c *client.Client, msg *buxtehude.Message) {
		var p P
		if err := unmarshalContent(msg.Content, &p); err != nil {
			buxtehude.Log().Warn("buxtehude/handler: decode content failed",
				zap.String("type", msg.Type), zap.Error(err))
			return
		}
		f(c, msg, p)
	}
}

// unmarshalContent coerces v (already decoded once by the wire codec) into
// the concrete type of dst. The concrete type of dst must be a pointer to a
// []byte or string, or must implement encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler; otherwise v is re-encoded as JSON and decoded
// into dst, which covers ordinary struct and map targets.
func unmarshalContent(v any, dst any) error {
	switch t := dst.(type) {
	case *[]byte:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("content is %T, not []byte", v)
		}
		*t = bytes.Clone(b)
		return nil
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("content is %T, not string", v)
		}
		*t = s
		return nil
	case encoding.BinaryUnmarshaler:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("content is %T, not []byte", v)
		}
		return t.UnmarshalBinary(b)
	case encoding.TextUnmarshaler:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("content is %T, not string", v)
		}
		return t.UnmarshalText([]byte(s))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("re-encode content: %w", err)
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode content into %T: %w", dst, err)
		}
		return nil
	}
}
