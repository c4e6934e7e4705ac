package codec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := map[uint64]any{
		0: uint64(1),
		1: uint64(20),
		2: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		3: uint64(1234567890),
		4: bytes.Repeat([]byte{0xaa}, 16),
		5: "general",
		6: "hello",
		7: "nick",
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[0].(uint64) != 1 || out[1].(uint64) != 20 {
		t.Fatalf("unexpected decode: %#v", out)
	}
	if out[5].(string) != "general" {
		t.Fatalf("room mismatch: %#v", out[5])
	}
}

func TestDecodeRejectsOversize(t *testing.T) {
	big := bytes.Repeat([]byte{0x00}, MaxDecodeBytes+1)
	if _, err := Decode(big); err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestDecodeAnyList(t *testing.T) {
	b, err := Encode([]any{"a", "b", "c"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v, err := DecodeAny(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("unexpected decode: %#v", v)
	}
}
