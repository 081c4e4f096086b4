package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Identity is a node's stable identity: a persisted ed25519 keypair and the
// ID derived from the pubkey. The ID is the second component of every
// transaction key this node creates.
type Identity struct {
	ID   string
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

const idDomain = "ledgermesh:nodeid:v1"

// DeriveID maps a pubkey to the node's opaque string id.
func DeriveID(pub []byte) string {
	buf := make([]byte, 0, len(idDomain)+len(pub))
	buf = append(buf, []byte(idDomain)...)
	buf = append(buf, pub...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:16])
}

// Load reads the identity from home, generating and persisting a fresh
// keypair on first run.
func Load(home string) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := loadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := saveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("corrupt keypair")
	}
	return &Identity{ID: DeriveID(pub), Pub: pub, Priv: priv}, nil
}

func saveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func loadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}
