// Package view implements C4, the View: the key/value manifest that the
// Linearizer folds put/del operations into. It is only ever mutated from
// inside an apply batch (see internal/linearize); nothing else writes to it.
package view

import (
	"crypto/sha256"
	"sort"
	"sync"

	"pearsync/internal/ops"
)

// chunkAssembly buffers the put-chunk ops for one in-flight large-file put
// until its terminal Put arrives. Keyed by path alone (put-chunk carries no
// author), so two writers chunking the same path concurrently can corrupt
// each other's assembly; pearsync's single-active-writer-per-path push
// pattern makes that a theoretical rather than practical concern.
type chunkAssembly struct {
	count    uint32
	received uint32
	chunks   [][]byte
}

// View is an ordered path -> FileMeta store with a monotonic version
// counter. Create one with New; a zero View has nil maps and Apply on it
// panics.
type View struct {
	mu      sync.RWMutex
	entries map[string]ops.FileMeta
	pending map[string]*chunkAssembly
	version uint64
}

// New creates an empty View.
func New() *View {
	return &View{
		entries: make(map[string]ops.FileMeta),
		pending: make(map[string]*chunkAssembly),
	}
}

// Get returns the FileMeta at path, if any.
func (v *View) Get(path string) (ops.FileMeta, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fm, ok := v.entries[path]
	return fm, ok
}

// Entry pairs a path with its FileMeta for Scan.
type Entry struct {
	Path string
	Meta ops.FileMeta
}

// Scan returns every entry ordered by path.
func (v *View) Scan() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	paths := make([]string, 0, len(v.entries))
	for p := range v.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]Entry, len(paths))
	for i, p := range paths {
		out[i] = Entry{Path: p, Meta: v.entries[p]}
	}
	return out
}

// Version returns the number of state-mutating operations folded so far.
func (v *View) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Apply folds a single operation into the View. put-chunk ops are buffered
// (never themselves a state change) until the terminal put for the same
// path arrives, at which point the reassembled content is attached to it.
// Any other kind (including malformed payloads the caller failed to reject
// earlier) is a silent no-op — a malformed or unrelated op must never
// "poison" the View. Apply reports whether the View's state actually
// changed, so callers (the Linearizer) can advance their own mutation
// counter by exactly the right amount.
func (v *View) Apply(op ops.Operation) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch op.Kind {
	case ops.KindPut:
		if op.Key == "" {
			return false
		}
		fm := op.Value
		if asm, ok := v.pending[op.Key]; ok {
			if content, ok := asm.assembled(); ok && sha256.Sum256(content) == fm.Hash {
				fm.Content = content
			}
			delete(v.pending, op.Key)
		}
		v.entries[op.Key] = fm
		v.version++
		return true
	case ops.KindDel:
		if op.Key == "" {
			return false
		}
		delete(v.pending, op.Key)
		if _, ok := v.entries[op.Key]; !ok {
			return false
		}
		delete(v.entries, op.Key)
		v.version++
		return true
	case ops.KindPutChunk:
		v.applyChunkLocked(op)
		return false
	default:
		return false
	}
}

// applyChunkLocked buffers one chunk of a large-file put. A chunk count
// mismatch against an in-progress assembly (a fresh push re-chunking the
// same path with a different split) resets the assembly rather than
// mixing chunks from two different attempts.
func (v *View) applyChunkLocked(op ops.Operation) {
	if op.Key == "" || op.ChunkCount == 0 || op.ChunkIndex >= op.ChunkCount {
		return
	}
	asm, ok := v.pending[op.Key]
	if !ok || asm.count != op.ChunkCount {
		asm = &chunkAssembly{count: op.ChunkCount, chunks: make([][]byte, op.ChunkCount)}
		v.pending[op.Key] = asm
	}
	if asm.chunks[op.ChunkIndex] == nil {
		asm.received++
	}
	asm.chunks[op.ChunkIndex] = append([]byte(nil), op.ChunkData...)
}

// assembled returns the concatenated chunk content and true once every
// chunk has been received.
func (a *chunkAssembly) assembled() ([]byte, bool) {
	if a.received != a.count {
		return nil, false
	}
	var total int
	for _, c := range a.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out, true
}
