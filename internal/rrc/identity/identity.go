// Package identity implements the gateway's long-lived keypair store
// (C7): load-or-create on disk with a restricted file mode.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the gateway's local keypair plus its derived destination
// hash, analogous to the mesh transport's own Identity concept.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type wireIdentity struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// Hash returns a 16-byte destination hash digest derived from the
// public key, matching the 16-byte source-digest shape spec.md's
// envelope schema allows.
func (id Identity) Hash() []byte {
	sum := sha256.Sum256(id.Public)
	return sum[:16]
}

// LoadOrCreate reads an identity from path, creating and persisting a
// new one if the file does not exist. In both branches the file mode
// is set to owner read/write; an error from that mode change is
// ignored: it is neither returned nor logged, and the load/create
// still succeeds.
func LoadOrCreate(path string) (Identity, error) {
	if path == "" {
		return Identity{}, fmt.Errorf("identity: empty path")
	}
	if b, err := os.ReadFile(path); err == nil {
		id, perr := decode(b)
		if perr != nil {
			return Identity{}, perr
		}
		_ = os.Chmod(path, 0o600)
		return id, nil
	} else if !os.IsNotExist(err) {
		return Identity{}, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Public: pub, Private: priv}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Identity{}, err
	}
	b, err := encode(id)
	if err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return Identity{}, err
	}
	_ = os.Chmod(path, 0o600)
	return id, nil
}

func encode(id Identity) ([]byte, error) {
	return json.Marshal(wireIdentity{Public: id.Public, Private: id.Private})
}

func decode(b []byte) (Identity, error) {
	var w wireIdentity
	if err := json.Unmarshal(b, &w); err != nil {
		return Identity{}, fmt.Errorf("identity: decode: %w", err)
	}
	if len(w.Public) != ed25519.PublicKeySize || len(w.Private) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("identity: malformed key sizes")
	}
	return Identity{Public: ed25519.PublicKey(w.Public), Private: ed25519.PrivateKey(w.Private)}, nil
}
