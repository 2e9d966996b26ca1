// Package logset implements C2, the Log Set: one block.Store per known
// writer key, created on demand as new writers become known (via a local
// add-writer op or a peer announcing a log this process has never seen),
// and replicated as a group over a single transport channel per peer.
//
// Grounded on core/replication.go peer-loop, which iterates
// a node's tracked chains/shards and replicates each over the same peer
// connection; generalized here from "shards" to "per-writer logs".
package logset

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pearsync/internal/block"
	"pearsync/internal/identity"
)

// Set holds every writer's block.Store known to this process, keyed by
// writer public key.
type Set struct {
	mu      sync.RWMutex
	dir     string
	sealKey [32]byte
	local   identity.KeyPair
	logger  *logrus.Logger
	stores  map[identity.Key]*block.Store
}

// New creates an empty Set. Stores are opened lazily via Ensure.
func New(dir string, local identity.KeyPair, sealKey [32]byte, logger *logrus.Logger) *Set {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Set{
		dir:     dir,
		sealKey: sealKey,
		local:   local,
		logger:  logger,
		stores:  make(map[identity.Key]*block.Store),
	}
}

// Ensure returns the Store for writer, opening it on disk if this is the
// first time the Set has seen that key. The store is writable iff writer
// equals this process's own local key.
func (s *Set) Ensure(writer identity.Key) (*block.Store, error) {
	s.mu.RLock()
	st, ok := s.stores[writer]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[writer]; ok {
		return st, nil
	}

	var local *identity.KeyPair
	if writer == s.local.Public {
		kp := s.local
		local = &kp
	}
	st, err := block.Open(s.dir, writer, local, s.sealKey, s.logger)
	if err != nil {
		return nil, fmt.Errorf("logset: open store for %s: %w", writer.Short(), err)
	}
	s.stores[writer] = st
	s.logger.WithField("writer", writer.Short()).Info("log opened")
	return st, nil
}

// Own returns (opening if necessary) this process's own writable log.
func (s *Set) Own() (*block.Store, error) {
	return s.Ensure(s.local.Public)
}

// LocalKey returns this process's own writer public key.
func (s *Set) LocalKey() identity.Key {
	return s.local.Public
}

// Writers returns every writer key currently tracked.
func (s *Set) Writers() []identity.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Key, 0, len(s.stores))
	for k := range s.stores {
		out = append(out, k)
	}
	return out
}

// Get returns the store for writer without creating it.
func (s *Set) Get(writer identity.Key) (*block.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[writer]
	return st, ok
}

// PeerChannel is a multiplexed byte channel to one peer, carrying framed
// per-log replication traffic tagged by writer key. internal/transport
// produces these; tests use an in-memory stand-in.
type PeerChannel interface {
	// Open returns (or lazily creates) the sub-channel for writer's log
	// over this peer connection.
	Open(ctx context.Context, writer identity.Key) (block.Channel, error)
}

// ReplicateAll runs one replication round for every writer currently known
// to this Set against peer, logging (not failing) per-log errors so one
// misbehaving or momentarily unreachable log doesn't abort the others.
func (s *Set) ReplicateAll(ctx context.Context, peer PeerChannel) {
	for _, w := range s.Writers() {
		st, ok := s.Get(w)
		if !ok {
			continue
		}
		ch, err := peer.Open(ctx, w)
		if err != nil {
			s.logger.WithError(err).WithField("writer", w.Short()).Warn("open replication channel failed")
			continue
		}
		if err := st.Replicate(ctx, ch); err != nil {
			s.logger.WithError(err).WithField("writer", w.Short()).Warn("replicate failed")
		}
	}
}

// Close closes every open store, collecting and returning the first error
// encountered (if any) after attempting to close all of them.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, st := range s.stores {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
