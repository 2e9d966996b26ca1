// Package linearize implements C3, the Linearizer: it merges the N
// per-writer logs held by a logset.Set into one totally-ordered sequence
// of operations and folds each into the View and Writer Set in that order.
//
// Grounded on core/ledger.go applyBlock loop (replay a
// sequence of blocks into the ledger's balance map one at a time,
// serialized under one lock), generalized from "one chain" to "N chains
// merged by a frontier", since pearsync has one log per writer rather
// than one chain per node.
package linearize

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"pearsync/internal/identity"
	"pearsync/internal/logset"
	"pearsync/internal/ops"
	"pearsync/internal/view"
	"pearsync/internal/writerset"
)

// Linearizer owns the merge frontier (next-unconsumed seq per writer log)
// and drives View/WriterSet mutation. All public methods serialize through
// mu; the Linearizer is effectively a single-threaded actor, so callers
// gain nothing from calling Step concurrently, but
// Step/Length/Frontier remain goroutine-safe regardless.
type Linearizer struct {
	mu sync.Mutex

	bootstrap identity.Key
	logs      *logset.Set
	view      *view.View
	writers   *writerset.Set

	frontier map[identity.Key]uint64
	dropped  map[identity.Key]bool // writer keys removed mid-stream; their remaining blocks are discarded
	length   uint64                // count of applied state-mutating ops, across View and WriterSet

	logger *logrus.Logger
}

// New creates a Linearizer for one workspace. bootstrap is the
// workspace's bootstrap log key: the creator's log, whose key equals the
// workspace key; its length is what newly-admitted writers record as
// CoreLengthAtAdmission.
func New(bootstrap identity.Key, logs *logset.Set, v *view.View, ws *writerset.Set, logger *logrus.Logger) *Linearizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Linearizer{
		bootstrap: bootstrap,
		logs:      logs,
		view:      v,
		writers:   ws,
		frontier:  make(map[identity.Key]uint64),
		dropped:   make(map[identity.Key]bool),
		logger:    logger,
	}
}

// Length returns the number of state-mutating operations applied so far,
// across both the View and the Writer Set.
func (l *Linearizer) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Frontier returns a snapshot of the next-unconsumed sequence number per
// writer log.
func (l *Linearizer) Frontier() map[identity.Key]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[identity.Key]uint64, len(l.frontier))
	for k, v := range l.frontier {
		out[k] = v
	}
	return out
}

// ready candidate: one not-yet-consumed block from some writer's log that
// is available locally right now.
type candidate struct {
	writer identity.Key
	seq    uint64
	op     ops.Operation
}

// Step applies every currently-ready block across all tracked writer logs,
// in deterministic tie-break order, and reports how many batches (rounds)
// were run. A block is ready iff it is the next unconsumed block on its
// log and is already present locally — cross-log explicit-reference
// dependencies are not produced by this implementation (every op here
// only ever depends on its own log's prior block), so per-log frontier
// order is sufficient to satisfy causal readiness.
func (l *Linearizer) Step(ctx context.Context) (int, error) {
	rounds := 0
	for {
		applied, err := l.applyOneRound(ctx)
		if err != nil {
			return rounds, err
		}
		if applied == 0 {
			return rounds, nil
		}
		rounds++
	}
}

func (l *Linearizer) applyOneRound(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var candidates []candidate
	for _, w := range l.logs.Writers() {
		st, ok := l.logs.Get(w)
		if !ok {
			continue
		}
		seq := l.frontier[w]
		if !st.HasLocally(seq) {
			continue
		}
		f, err := st.Get(ctx, seq)
		if err != nil {
			return 0, fmt.Errorf("linearize: get %s@%d: %w", w.Short(), seq, err)
		}
		op, err := ops.Unmarshal(f.Payload)
		if err != nil {
			// A malformed payload must never poison the Linearizer: skip it
			// (advance past it) and log, rather than halting the merge.
			l.logger.WithError(err).WithField("writer", w.Short()).Warn("skipping malformed op")
			l.frontier[w] = seq + 1
			continue
		}
		candidates = append(candidates, candidate{writer: w, seq: seq, op: op})
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	// Deterministic tie-break: no indexer-signed checkpoint exists in this
	// implementation, so fall back to writer-key-lexicographic order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].writer.String() < candidates[j].writer.String()
	})

	for _, c := range candidates {
		l.applyOne(c)
		l.frontier[c.writer] = c.seq + 1
	}
	return len(candidates), nil
}

func (l *Linearizer) applyOne(c candidate) {
	// The removal boundary is defined in linearized-position space: once a
	// writer is dropped, every later block on its own log is discarded on
	// sight, even ones it appended before learning about its own removal.
	if l.dropped[c.writer] {
		return
	}

	switch c.op.Kind {
	case ops.KindAddWriter:
		if l.writers.Apply(c.op, l.bootstrapLength()) {
			l.length++
			if _, err := l.logs.Ensure(c.op.WriterKey); err != nil {
				l.logger.WithError(err).WithField("writer", c.op.WriterKey.Short()).Warn("failed to open newly admitted writer's log")
			}
		}
	case ops.KindRemoveWriter:
		// Self-removal only: the op's author (the log it arrived on) must
		// equal its subject. An op claiming to remove someone else is a
		// no-op, never linearized as a mutation.
		if c.op.WriterKey != c.writer {
			return
		}
		if l.writers.Apply(c.op, l.bootstrapLength()) {
			l.length++
			l.dropped[c.writer] = true
		}
	default:
		if l.view.Apply(c.op) {
			l.length++
		}
	}
}

func (l *Linearizer) bootstrapLength() uint64 {
	st, ok := l.logs.Get(l.bootstrap)
	if !ok {
		return 0
	}
	return st.Length()
}
