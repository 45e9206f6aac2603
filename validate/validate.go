// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package validate implements the predicate vocabulary the Server applies
// to the content of $$handshake and $$available messages: Exists, IsBool,
// NotEmpty, Compare, Matches, GreaterEq, and Inverse, each
// resolved against a decoded content value by JSON pointer. No general
// JSON-schema document format is implemented; only this fixed predicate
// surface is consumed, matching the out-of-scope validator collaborator. A
// schema is just a []Predicate applied by the caller — the vocabulary has
// no conjunction combinator of its own.
package validate

import (
	"github.com/go-openapi/jsonpointer"
)

// Predicate reports whether a decoded content value (as produced by a
// buxtehude.Codec — null, bool, a number (float64, or an integer kind from
// MsgPack), string, []any, or map[string]any) satisfies some condition.
type Predicate func(content any) bool

// resolve looks up ptr within content, returning ok=false if the pointer
// does not resolve (missing field, wrong container kind, malformed
// pointer).
func resolve(content any, ptr string) (any, bool) {
	p, err := jsonpointer.New(ptr)
	if err != nil {
		return nil, false
	}
	v, _, err := p.Get(content)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Exists reports whether ptr resolves to any value, including null.
func Exists(ptr string) Predicate {
	return func(content any) bool {
		_, ok := resolve(content, ptr)
		return ok
	}
}

// IsBool reports whether ptr resolves to a boolean value.
func IsBool(ptr string) Predicate {
	return func(content any) bool {
		v, ok := resolve(content, ptr)
		if !ok {
			return false
		}
		_, isBool := v.(bool)
		return isBool
	}
}

// NotEmpty reports whether ptr resolves to a non-empty string.
func NotEmpty(ptr string) Predicate {
	return func(content any) bool {
		v, ok := resolve(content, ptr)
		if !ok {
			return false
		}
		s, isString := v.(string)
		return isString && s != ""
	}
}

// Compare reports whether ptr resolves to a value equal to want.
func Compare(ptr string, want any) Predicate {
	return func(content any) bool {
		v, ok := resolve(content, ptr)
		return ok && v == want
	}
}

// Matches reports whether ptr resolves to a value equal to one of set.
// Numeric members of set are compared against a numerically-coerced
// resolved value, so a MsgPack-decoded integer kind matches a float64 (or
// other numeric Go type) listed in set the same way a JSON-decoded one
// would.
func Matches(ptr string, set ...any) Predicate {
	return func(content any) bool {
		v, ok := resolve(content, ptr)
		if !ok {
			return false
		}
		for _, want := range set {
			if valueEqual(v, want) {
				return true
			}
		}
		return false
	}
}

// valueEqual reports whether v and want denote the same value, comparing
// numerically if both are numeric Go types and by == otherwise.
func valueEqual(v, want any) bool {
	if vf, ok := asFloat64(v); ok {
		if wf, ok := asFloat64(want); ok {
			return vf == wf
		}
	}
	return v == want
}

// Number is the set of numeric Go types a decoded JSON/MsgPack value may
// take on for GreaterEq comparisons.
type Number interface {
	~float32 | ~float64 | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// GreaterEq reports whether ptr resolves to a numeric value >= min. Decoded
// content numbers normally arrive as float64 (JSON) or an integer kind
// (MsgPack); both are coerced to float64 for the comparison.
func GreaterEq[N Number](ptr string, min N) Predicate {
	return func(content any) bool {
		v, ok := resolve(content, ptr)
		if !ok {
			return false
		}
		f, ok := asFloat64(v)
		return ok && f >= float64(min)
	}
}

func asFloat64(v any) (float64, bool) {
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

// Inverse negates p.
func Inverse(p Predicate) Predicate {
	return func(content any) bool { return !p(content) }
}
