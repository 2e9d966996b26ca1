// Package identity generates and renders the Ed25519 keypairs that name
// workspaces and writers: a workspace's 32-byte public key is both its
// global identifier and (hashed) its DHT topic; a writer's keypair signs
// every block it appends to its own log.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Key is a 32-byte Ed25519 public key, rendered as 64 lowercase hex
// characters.
type Key [32]byte

// String renders the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns a truncated hex form for log lines.
func (k Key) Short() string {
	s := k.String()
	return s[:8] + "…" + s[len(s)-4:]
}

// ParseKey decodes a 64-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid key %q: want %d bytes, got %d", s, len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyPair holds the Ed25519 private material for one writer (or the
// bootstrap writer, whose public key equals the workspace key).
type KeyPair struct {
	Public  Key
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	var k Key
	copy(k[:], pub)
	return KeyPair{Public: k, Private: priv}, nil
}

// Sign signs msg with the keypair's private key.
func (kp KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// Verify checks sig against msg under the public key k.
func Verify(k Key, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}
