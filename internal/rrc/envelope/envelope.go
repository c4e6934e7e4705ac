// Package envelope implements construction and validation of RRC
// protocol envelopes (C2): a typed map with numeric field tags.
package envelope

import (
	"crypto/rand"
	"time"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcerrors"
)

// Tags, per spec.md §3.
const (
	TagVersion   = 0
	TagType      = 1
	TagID        = 2
	TagTimestamp = 3
	TagSource    = 4
	TagRoom      = 5
	TagBody      = 6
	TagNick      = 7
)

// Message type codes.
const (
	TypeHello            = 1
	TypeWelcome          = 2
	TypeJoin             = 10
	TypeJoined           = 11
	TypePart             = 12
	TypeParted           = 13
	TypeMsg              = 20
	TypeNotice           = 21
	TypePing             = 30
	TypePong             = 31
	TypeError            = 40
	TypeResourceEnvelope = 50
)

// Version is the one and only accepted protocol version.
const Version = 1

// Envelope is the in-memory representation of a protocol message: a
// map keyed by numeric tag.
type Envelope map[uint64]any

// Options configures optional fields for Make.
type Options struct {
	Room *string
	Body any
	Nick *string
	ID   []byte // must be 8 bytes if set
	TS   *uint64
}

// NowMS returns the current time in milliseconds since epoch.
func NowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// NewID returns 8 random bytes suitable for an envelope id.
func NewID() []byte {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return b
}

// Make builds a valid envelope of the given type from the given
// 16/32-byte source identity digest, filling version/id/timestamp if
// not supplied via opts.
func Make(msgType uint64, source []byte, opts Options) Envelope {
	env := Envelope{
		TagVersion: uint64(Version),
		TagType:    msgType,
		TagSource:  source,
	}
	if len(opts.ID) == 8 {
		env[TagID] = opts.ID
	} else {
		env[TagID] = NewID()
	}
	if opts.TS != nil {
		env[TagTimestamp] = *opts.TS
	} else {
		env[TagTimestamp] = NowMS()
	}
	if opts.Room != nil {
		env[TagRoom] = *opts.Room
	}
	if opts.Body != nil {
		env[TagBody] = opts.Body
	}
	if opts.Nick != nil {
		env[TagNick] = *opts.Nick
	}
	return env
}

// Validate checks env against the protocol schema, returning one of
// Malformed/BadVersion/BadField on failure.
func Validate(env map[uint64]any) error {
	if env == nil {
		return rrcerrors.New(rrcerrors.Malformed, "envelope is nil")
	}
	required := []uint64{TagVersion, TagType, TagID, TagTimestamp, TagSource}
	for _, tag := range required {
		if _, ok := env[tag]; !ok {
			return rrcerrors.New(rrcerrors.Malformed, "missing required tag")
		}
	}

	version, ok := asUint(env[TagVersion])
	if !ok {
		return rrcerrors.New(rrcerrors.BadField, "version not an unsigned int")
	}
	if version != Version {
		return rrcerrors.New(rrcerrors.BadVersion, "unsupported protocol version")
	}

	if _, ok := asUint(env[TagType]); !ok {
		return rrcerrors.New(rrcerrors.BadField, "type not an unsigned int")
	}

	id, ok := asBytes(env[TagID])
	if !ok || len(id) != 8 {
		return rrcerrors.New(rrcerrors.BadField, "id must be exactly 8 bytes")
	}

	if _, ok := asUint(env[TagTimestamp]); !ok {
		return rrcerrors.New(rrcerrors.BadField, "timestamp not an unsigned int")
	}

	src, ok := asBytes(env[TagSource])
	if !ok || (len(src) != 16 && len(src) != 32) {
		return rrcerrors.New(rrcerrors.BadField, "source must be 16 or 32 bytes")
	}

	if room, present := env[TagRoom]; present {
		s, ok := room.(string)
		if !ok || len(s) < 1 || len(s) > 64 {
			return rrcerrors.New(rrcerrors.BadField, "room must be 1-64 chars")
		}
	}

	if nick, present := env[TagNick]; present {
		s, ok := nick.(string)
		if !ok || len(s) < 1 || len(s) > 32 {
			return rrcerrors.New(rrcerrors.BadField, "nick must be 1-32 chars")
		}
	}

	if body, present := env[TagBody]; present {
		if !isSupportedBodyKind(body) {
			return rrcerrors.New(rrcerrors.BadField, "body has unsupported primitive kind")
		}
	}

	return nil
}

func isSupportedBodyKind(v any) bool {
	switch v.(type) {
	case nil, string, int, int64, uint64, float64, bool, []byte, map[uint64]any, map[string]any, []any:
		return true
	default:
		return false
	}
}

func asUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}

func asBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	default:
		return nil, false
	}
}

// Room returns the room field, if any.
func Room(env map[uint64]any) (string, bool) {
	v, ok := env[TagRoom]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Nick returns the nick field, if any.
func Nick(env map[uint64]any) (string, bool) {
	v, ok := env[TagNick]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Body returns the body field, if any.
func Body(env map[uint64]any) (any, bool) {
	v, ok := env[TagBody]
	return v, ok
}

// Type returns the message type code.
func Type(env map[uint64]any) uint64 {
	v, _ := asUint(env[TagType])
	return v
}

// Timestamp returns the envelope's timestamp in ms since epoch.
func Timestamp(env map[uint64]any) uint64 {
	v, _ := asUint(env[TagTimestamp])
	return v
}

// Source returns the sender identity digest.
func Source(env map[uint64]any) []byte {
	b, _ := asBytes(env[TagSource])
	return b
}

// ID returns the envelope id.
func ID(env map[uint64]any) []byte {
	b, _ := asBytes(env[TagID])
	return b
}
