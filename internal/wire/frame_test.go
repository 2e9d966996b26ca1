package wire

import (
	"bytes"
	"io"
	"testing"

	"pearsync/internal/identity"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var prior [32]byte
	f := Sign(kp, prior, 0, MsgOperation, []byte("payload"))
	if !f.Verify(kp.Public, prior) {
		t.Fatal("expected signature to verify")
	}
	if f.Verify(kp.Public, f.Hash(prior)) {
		t.Fatal("expected verify to fail against the wrong prior hash")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var prior [32]byte
	f := Sign(kp, prior, 7, MsgOperation, []byte("hello"))

	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != f.Seq || got.MsgType != f.MsgType || !bytes.Equal(got.Payload, f.Payload) || got.Signature != f.Signature {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecodeEOFAtBoundary(t *testing.T) {
	if _, err := Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF decoding an empty reader, got %v", err)
	}
}

func TestHashCIDIsDeterministicAndDiffersPerHash(t *testing.T) {
	a := ChainHash([32]byte{}, 0, []byte("a"))
	b := ChainHash([32]byte{}, 0, []byte("b"))

	ca, err := HashCID(a)
	if err != nil {
		t.Fatalf("HashCID(a): %v", err)
	}
	ca2, err := HashCID(a)
	if err != nil {
		t.Fatalf("HashCID(a) again: %v", err)
	}
	if ca != ca2 {
		t.Fatalf("HashCID not deterministic: %q vs %q", ca, ca2)
	}

	cb, err := HashCID(b)
	if err != nil {
		t.Fatalf("HashCID(b): %v", err)
	}
	if ca == cb {
		t.Fatalf("expected distinct CIDs for distinct hashes, got %q for both", ca)
	}
}
