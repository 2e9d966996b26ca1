package block

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// seal wraps each persisted frame in ChaCha20-Poly1305 so block files are
// unreadable without the workspace's local seal key, in addition to the
// Ed25519 signature already carried inside the frame. A zero key disables
// sealing (used in tests that want to inspect the raw frame stream).
type seal struct {
	aead cipher.AEAD // nil if sealing is disabled
}

func newSeal(key [32]byte) seal {
	var zero [32]byte
	if key == zero {
		return seal{}
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// chacha20poly1305.New only fails on wrong key length, which
		// cannot happen given the [32]byte parameter type.
		panic(fmt.Sprintf("block: seal key: %v", err))
	}
	return seal{aead: aead}
}

func (s seal) seal(plain []byte) []byte {
	if s.aead == nil {
		return append([]byte{0}, plain...)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("block: nonce: %v", err))
	}
	ct := s.aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, 1+len(nonce)+len(ct))
	out = append(out, 1)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out
}

func (s seal) open(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, errors.New("block: empty sealed frame")
	}
	sealed, rest := data[0], data[1:]
	switch sealed {
	case 0:
		return rest, nil
	case 1:
		if s.aead == nil {
			return nil, errors.New("block: frame is sealed but no seal key configured")
		}
		n := s.aead.NonceSize()
		if len(rest) < n {
			return nil, errors.New("block: truncated nonce")
		}
		nonce, ct := rest[:n], rest[n:]
		return s.aead.Open(nil, nonce, ct, nil)
	default:
		return nil, fmt.Errorf("block: unknown seal tag %d", sealed)
	}
}

var errEOF = errors.New("block: eof")

// writeLengthPrefixed writes a 4-byte big-endian length followed by data.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readLengthPrefixed reads one length-prefixed record, returning errEOF if
// r is exhausted exactly at a record boundary.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
