// Package writerset implements C5: the set of admitted writer keys and the
// membership rules that govern it. Grounded on AuthoritySet
// (core/common_structs.go / core/authority_nodes.go: a mutex-guarded
// membership map with apply-only mutation), generalized from "authority
// nodes" to "writer keys".
package writerset

import (
	"sync"

	"pearsync/internal/identity"
	"pearsync/internal/ops"
)

// Entry records a writer's admission point: the bootstrap log's length at
// the moment its add-writer op linearized.
type Entry struct {
	Key                   identity.Key
	CoreLengthAtAdmission uint64
}

// Set is the current membership. It is mutated only by Apply, called
// from inside the Linearizer's apply batches.
type Set struct {
	mu      sync.RWMutex
	local   identity.Key
	members map[identity.Key]Entry
	removed map[identity.Key]bool
}

// New creates a Set whose bootstrap member is bootstrap, and which tracks
// whether local (this process's writer key) is a current member.
func New(bootstrap, local identity.Key) *Set {
	s := &Set{
		local:   local,
		members: map[identity.Key]Entry{bootstrap: {Key: bootstrap}},
		removed: make(map[identity.Key]bool),
	}
	return s
}

// Contains reports whether k is a current (non-removed) member.
func (s *Set) Contains(k identity.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[k]
	return ok
}

// Writable reports whether the local writer key is currently admitted:
// true iff the local key is in the Writer Set and not removed.
func (s *Set) Writable() bool {
	return s.Contains(s.local)
}

// Keys returns a snapshot of all current member keys.
func (s *Set) Keys() []identity.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Key, 0, len(s.members))
	for k := range s.members {
		out = append(out, k)
	}
	return out
}

// Apply folds one linearized operation into the set. It only acts on
// add-writer/remove-writer; any other kind is a no-op, and it reports
// whether membership actually changed (for the Linearizer's mutation
// counter). coreLength is the bootstrap log's length at the moment this
// op linearizes, recorded for newly admitted writers.
func (s *Set) Apply(op ops.Operation, coreLength uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case ops.KindAddWriter:
		if _, ok := s.members[op.WriterKey]; ok {
			return false
		}
		if s.removed[op.WriterKey] {
			// A writer that self-removed cannot be re-admitted by replaying
			// a stale add-writer: removal is terminal.
			return false
		}
		s.members[op.WriterKey] = Entry{Key: op.WriterKey, CoreLengthAtAdmission: coreLength}
		return true

	case ops.KindRemoveWriter:
		// Self-removal only: the op's author must equal its subject. The
		// Linearizer is responsible for checking block provenance (which
		// log the op arrived on) before calling Apply; Apply itself only
		// enforces the subject/target identity named in the payload.
		if _, ok := s.members[op.WriterKey]; !ok {
			return false
		}
		delete(s.members, op.WriterKey)
		s.removed[op.WriterKey] = true
		return true

	default:
		return false
	}
}
