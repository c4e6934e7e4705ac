package identity

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateThenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	id1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(id1.Hash()) != 16 {
		t.Fatalf("expected 16 byte hash, got %d", len(id1.Hash()))
	}

	id2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(id1.Hash()) != string(id2.Hash()) {
		t.Fatal("reloaded identity hash differs from created identity")
	}
}
