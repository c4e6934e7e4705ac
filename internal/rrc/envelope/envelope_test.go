package envelope

import "testing"

func src16() []byte { return make([]byte, 16) }

func TestMakeThenValidate(t *testing.T) {
	room := "general"
	nick := "alice"
	env := Make(TypeMsg, src16(), Options{Room: &room, Body: "hello", Nick: &nick})
	if err := Validate(env); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
	if v, ok := Room(env); !ok || v != "general" {
		t.Fatalf("room mismatch: %v %v", v, ok)
	}
}

func TestValidateRejectsBadVersion(t *testing.T) {
	env := Make(TypeHello, src16(), Options{})
	env[TagVersion] = uint64(2)
	if err := Validate(env); err == nil {
		t.Fatal("expected bad version error")
	}
}

func TestValidateRejectsMissingTag(t *testing.T) {
	env := Make(TypeHello, src16(), Options{})
	delete(env, TagID)
	if err := Validate(env); err == nil {
		t.Fatal("expected malformed error for missing id")
	}
}

func TestValidateRejectsBadIDLength(t *testing.T) {
	env := Make(TypeHello, src16(), Options{})
	env[TagID] = []byte{1, 2, 3}
	if err := Validate(env); err == nil {
		t.Fatal("expected error for short id")
	}
}

func TestValidateRejectsBadSourceLength(t *testing.T) {
	env := Make(TypeHello, make([]byte, 20), Options{})
	if err := Validate(env); err == nil {
		t.Fatal("expected error for bad source length")
	}
}

func TestValidateRoomBounds(t *testing.T) {
	env := Make(TypeMsg, src16(), Options{})
	env[TagRoom] = ""
	if err := Validate(env); err == nil {
		t.Fatal("expected error for empty room")
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	env[TagRoom] = string(long)
	if err := Validate(env); err == nil {
		t.Fatal("expected error for oversize room")
	}
}

func TestValidateUnsupportedBody(t *testing.T) {
	env := Make(TypeMsg, src16(), Options{})
	env[TagBody] = make(chan int)
	if err := Validate(env); err == nil {
		t.Fatal("expected error for unsupported body kind")
	}
}
