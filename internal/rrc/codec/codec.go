// Package codec implements the compact binary envelope wire format
// (C1): CBOR with a hard decode size ceiling, independent of transport
// MTU.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxDecodeBytes is the hard ceiling on a decoded payload. It has
// nothing to do with the transport's MTU; oversize results on encode
// are instead caught later by the client's MTU pre-check.
const MaxDecodeBytes = 524288

var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Encode serializes v (expected to be a map[uint64]any envelope) into
// CBOR bytes. There is no soft size limit here.
func Encode(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes CBOR bytes into a map[uint64]any. It fails if the
// input exceeds MaxDecodeBytes.
func Decode(b []byte) (map[uint64]any, error) {
	if len(b) > MaxDecodeBytes {
		return nil, fmt.Errorf("codec: payload %d bytes exceeds max %d", len(b), MaxDecodeBytes)
	}
	var raw map[any]any
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	out := make(map[uint64]any, len(raw))
	for k, v := range raw {
		uk, ok := toUint64(k)
		if !ok {
			return nil, fmt.Errorf("codec: non-integer key %v", k)
		}
		out[uk] = normalize(v)
	}
	return out, nil
}

// DecodeAny is used for decoding loosely-typed payloads such as
// announce app_data, which may not even be a map.
func DecodeAny(b []byte) (any, error) {
	if len(b) > MaxDecodeBytes {
		return nil, fmt.Errorf("codec: payload %d bytes exceeds max %d", len(b), MaxDecodeBytes)
	}
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return normalize(v), nil
}

func toUint64(k any) (uint64, bool) {
	switch x := k.(type) {
	case uint64:
		return x, true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case uint:
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}

// normalize walks a decoded value converting map[any]any into
// map[uint64]any where keys are all integer-ish (envelope sub-bodies),
// leaving other maps/slices/scalars as-is.
func normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		allInt := true
		for k := range x {
			if _, ok := toUint64(k); !ok {
				allInt = false
				break
			}
		}
		if allInt {
			out := make(map[uint64]any, len(x))
			for k, vv := range x {
				uk, _ := toUint64(k)
				out[uk] = normalize(vv)
			}
			return out
		}
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[fmt.Sprintf("%v", k)] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	default:
		return x
	}
}
