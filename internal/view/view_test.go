package view

import (
	"crypto/sha256"
	"testing"

	"pearsync/internal/ops"
)

func TestApplyPutDel(t *testing.T) {
	v := New()
	if changed := v.Apply(ops.Put("a.txt", ops.FileMeta{Size: 1})); !changed {
		t.Fatal("expected put to change state")
	}
	if v.Version() != 1 {
		t.Fatalf("want version 1, got %d", v.Version())
	}
	if _, ok := v.Get("a.txt"); !ok {
		t.Fatal("expected entry to be present")
	}

	if changed := v.Apply(ops.Del("a.txt")); !changed {
		t.Fatal("expected del to change state")
	}
	if v.Version() != 2 {
		t.Fatalf("want version 2, got %d", v.Version())
	}
	if _, ok := v.Get("a.txt"); ok {
		t.Fatal("expected entry to be removed")
	}
}

func TestApplyDelMissingIsNoOp(t *testing.T) {
	v := New()
	if changed := v.Apply(ops.Del("missing")); changed {
		t.Fatal("expected no-op for deleting an absent key")
	}
	if v.Version() != 0 {
		t.Fatalf("want version 0, got %d", v.Version())
	}
}

func TestApplyMembershipOpIsNoOp(t *testing.T) {
	v := New()
	var k [32]byte
	if changed := v.Apply(ops.AddWriter(k)); changed {
		t.Fatal("expected add-writer to be a no-op on the View")
	}
}

func TestScanIsOrderedByPath(t *testing.T) {
	v := New()
	v.Apply(ops.Put("b.txt", ops.FileMeta{}))
	v.Apply(ops.Put("a.txt", ops.FileMeta{}))
	entries := v.Scan()
	if len(entries) != 2 || entries[0].Path != "a.txt" || entries[1].Path != "b.txt" {
		t.Fatalf("unexpected scan order: %+v", entries)
	}
}

func TestApplyReassemblesChunkedPut(t *testing.T) {
	v := New()
	content := []byte("hello world, this is chunked content")
	a, b := content[:10], content[10:]
	hash := sha256.Sum256(content)

	if changed := v.Apply(ops.Operation{Kind: ops.KindPutChunk, Key: "big.bin", ChunkIndex: 0, ChunkCount: 2, ChunkData: a}); changed {
		t.Fatal("expected put-chunk to never itself count as a View mutation")
	}
	if changed := v.Apply(ops.Operation{Kind: ops.KindPutChunk, Key: "big.bin", ChunkIndex: 1, ChunkCount: 2, ChunkData: b}); changed {
		t.Fatal("expected put-chunk to never itself count as a View mutation")
	}

	if changed := v.Apply(ops.Put("big.bin", ops.FileMeta{Size: uint64(len(content)), Hash: hash})); !changed {
		t.Fatal("expected terminal put to change state")
	}

	fm, ok := v.Get("big.bin")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if string(fm.Content) != string(content) {
		t.Fatalf("expected reassembled content %q, got %q", content, fm.Content)
	}
}

func TestApplyTerminalPutWithHashMismatchKeepsGivenContent(t *testing.T) {
	v := New()
	v.Apply(ops.Operation{Kind: ops.KindPutChunk, Key: "big.bin", ChunkIndex: 0, ChunkCount: 1, ChunkData: []byte("chunk")})

	fm := ops.FileMeta{Size: 3, Hash: sha256.Sum256([]byte("not-the-chunk"))}
	v.Apply(ops.Put("big.bin", fm))

	got, ok := v.Get("big.bin")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if got.Content != nil {
		t.Fatalf("expected no content attached on hash mismatch, got %q", got.Content)
	}
}

func TestApplyIncompleteChunkSetLeavesTerminalPutContentEmpty(t *testing.T) {
	v := New()
	v.Apply(ops.Operation{Kind: ops.KindPutChunk, Key: "big.bin", ChunkIndex: 0, ChunkCount: 2, ChunkData: []byte("only-one")})

	v.Apply(ops.Put("big.bin", ops.FileMeta{Size: 100}))

	fm, ok := v.Get("big.bin")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if fm.Content != nil {
		t.Fatalf("expected no content attached for an incomplete chunk set, got %q", fm.Content)
	}
}

func TestFoldIsPureFunctionOfPrefix(t *testing.T) {
	opsSeq := []ops.Operation{
		ops.Put("x", ops.FileMeta{Size: 1}),
		ops.Put("y", ops.FileMeta{Size: 2}),
		ops.Del("x"),
	}
	full := New()
	for _, op := range opsSeq {
		full.Apply(op)
	}

	prefix := New()
	for _, op := range opsSeq[:2] {
		prefix.Apply(op)
	}
	for _, op := range opsSeq[2:] {
		prefix.Apply(op)
	}

	if full.Version() != prefix.Version() {
		t.Fatalf("fold mismatch: %d vs %d", full.Version(), prefix.Version())
	}
	fe, pe := full.Scan(), prefix.Scan()
	if len(fe) != len(pe) {
		t.Fatalf("scan length mismatch")
	}
}
