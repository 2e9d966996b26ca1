package syncengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"pearsync/internal/identity"
	"pearsync/internal/ops"
)

// newTestEngine builds an Engine whose local writer is also the bootstrap
// writer (writerset.New seeds the bootstrap key as an admitted member), so
// it is Writable from the moment it is opened, with no add-writer op
// needing to be linearized first.
func newTestEngine(t *testing.T, root string) *Engine {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	e, err := New(Config{
		Root:        root,
		Bootstrap:   kp.Public,
		Local:       kp,
		StoreDir:    t.TempDir(),
		SyncDeletes: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestPushAppendsPutAndPullReplicatesIt(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	writeFile(t, root, "hello.txt", "hi there")
	if err := e.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	fm, ok := e.View().Get("hello.txt")
	if !ok {
		t.Fatal("expected hello.txt in View after push")
	}
	if string(fm.Content) != "hi there" {
		t.Fatalf("unexpected content: %q", fm.Content)
	}

	pullRoot := t.TempDir()
	e.cfg.Root = pullRoot
	if err := e.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(pullRoot, "hello.txt"))
	if err != nil {
		t.Fatalf("read pulled file: %v", err)
	}
	if string(got) != "hi there" {
		t.Fatalf("unexpected pulled content: %q", got)
	}
}

// TestPushIsIdempotentWithinOnePollInterval exercises local-push
// idempotence: two Push calls back to back with no intervening filesystem
// change must not append a second, identical put for the same file.
func TestPushIsIdempotentWithinOnePollInterval(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, root, "a.txt", "unchanged")

	if err := e.Push(ctx); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	st, err := e.logs.Own()
	if err != nil {
		t.Fatalf("Own: %v", err)
	}
	lengthAfterFirst := st.Length()
	viewVersionAfterFirst := e.View().Version()

	if err := e.Push(ctx); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if got := st.Length(); got != lengthAfterFirst {
		t.Fatalf("second push appended ops: log length went %d -> %d", lengthAfterFirst, got)
	}
	if got := e.View().Version(); got != viewVersionAfterFirst {
		t.Fatalf("second push mutated the View: version went %d -> %d", viewVersionAfterFirst, got)
	}
}

func TestPushAppendsDelForLocallyRemovedFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	path := filepath.Join(root, "gone.txt")
	writeFile(t, root, "gone.txt", "temporary")
	if err := e.Push(ctx); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if _, ok := e.View().Get("gone.txt"); !ok {
		t.Fatal("expected gone.txt in View after first push")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := e.Push(ctx); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if _, ok := e.View().Get("gone.txt"); ok {
		t.Fatal("expected gone.txt to be removed from the View after its del op was linearized")
	}
}

func TestPushSkipsIgnoredPaths(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	writeFile(t, root, "node_modules/pkg/index.js", "ignored")
	writeFile(t, root, "real.txt", "kept")

	if err := e.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, ok := e.View().Get("node_modules/pkg/index.js"); ok {
		t.Fatal("expected node_modules path to be ignored")
	}
	if _, ok := e.View().Get("real.txt"); !ok {
		t.Fatal("expected real.txt to be pushed")
	}
}

func TestPullRemovesLocalOnlyFileWhenSyncDeletesEnabled(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, root, "kept.txt", "kept")
	if err := e.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}

	pullRoot := t.TempDir()
	e.cfg.Root = pullRoot
	if err := e.Pull(ctx); err != nil {
		t.Fatalf("first Pull: %v", err)
	}

	writeFile(t, pullRoot, "stray.txt", "not in the view")
	if err := e.Pull(ctx); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pullRoot, "stray.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stray.txt to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(pullRoot, "kept.txt")); err != nil {
		t.Fatalf("expected kept.txt to still be present: %v", err)
	}
}

func TestPullLeavesIgnoredPathsAloneEvenWithSyncDeletes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, root, ".env", "SECRET=1")

	if err := e.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".env")); err != nil {
		t.Fatalf("expected .env to survive reconciliation: %v", err)
	}
}

func TestPushReturnsErrNotWritableForUnadmittedWriter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	bootstrap, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	e, err := New(Config{
		Root:      root,
		Bootstrap: bootstrap.Public,
		Local:     kp,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	writeFile(t, root, "a.txt", "x")
	if err := e.Push(ctx); err != ErrNotWritable {
		t.Fatalf("want ErrNotWritable, got %v", err)
	}
}

// TestAppendChunkedReassemblesOnceLinearized drives the large-file chunking
// path directly (appendChunked is exercised by Push only above
// largeFileThreshold, too large to allocate per test run) and confirms the
// Linearizer's fold into the View reassembles the original content exactly.
func TestAppendChunkedReassemblesOnceLinearized(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	content := append(bytes.Repeat([]byte("x"), chunkSize), []byte("trailing-bytes")...)
	hash := sha256.Sum256(content)
	fm := ops.FileMeta{Size: uint64(len(content)), Hash: hash, Author: e.Key()}

	st, err := e.logs.Own()
	if err != nil {
		t.Fatalf("Own: %v", err)
	}
	if err := appendChunked(st, "big.bin", content, fm); err != nil {
		t.Fatalf("appendChunked: %v", err)
	}
	if _, err := e.lin.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	got, ok := e.View().Get("big.bin")
	if !ok {
		t.Fatal("expected big.bin in View")
	}
	if !bytes.Equal(got.Content, content) {
		t.Fatalf("reassembled content mismatch: got %d bytes, want %d bytes", len(got.Content), len(content))
	}
}
