package daemon

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"pearsync/internal/identity"
)

// loadOrCreateIdentity returns the local writer keypair persisted under
// dir/identity.key, generating and persisting a fresh one on first use.
// The private key is stored raw (64 bytes, ed25519.PrivateKey's native
// size) with owner-only permissions.
func loadOrCreateIdentity(dir string) (identity.KeyPair, error) {
	path := filepath.Join(dir, "identity.key")

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return identity.KeyPair{}, fmt.Errorf("daemon: identity file %s has wrong size %d", path, len(data))
		}
		priv := ed25519.PrivateKey(append([]byte(nil), data...))
		pub := priv.Public().(ed25519.PublicKey)
		var k identity.Key
		copy(k[:], pub)
		return identity.KeyPair{Public: k, Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return identity.KeyPair{}, fmt.Errorf("daemon: read identity %s: %w", path, err)
	}

	kp, err := identity.Generate()
	if err != nil {
		return identity.KeyPair{}, fmt.Errorf("daemon: generate identity: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return identity.KeyPair{}, fmt.Errorf("daemon: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(path, kp.Private, 0o600); err != nil {
		return identity.KeyPair{}, fmt.Errorf("daemon: write identity %s: %w", path, err)
	}
	return kp, nil
}

// sealKeyFor derives the at-rest ChaCha20-Poly1305 key for a workspace's
// Log Set from its workspace key, so no extra secret needs persisting
// alongside identity.key.
func sealKeyFor(workspace identity.Key) [32]byte {
	return sha256.Sum256(append([]byte("pearsync-seal:"), workspace[:]...))
}
