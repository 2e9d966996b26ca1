// Package block implements C1, the Block Store: a single writer's
// append-only hash-chained log, persisted to disk and replicated to peers.
//
// Persistence follows the WAL-replay idiom of core/ledger.go's
// NewLedger/OpenLedger: open in append mode, replay on start. It replays
// the binary, length-prefixed frames of internal/wire instead of
// newline-delimited JSON, since the wire format here is binary.
// The persisted frame stream is additionally sealed with
// ChaCha20-Poly1305 before it touches disk, grounded on core/security.go's
// "XChaCha20-Poly1305 authenticated encryption" section (there applied to
// wallet data at rest; here to the block file).
package block

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"context"

	"github.com/sirupsen/logrus"

	"pearsync/internal/identity"
	"pearsync/internal/ops"
	"pearsync/internal/wire"
)

// Store is one writer's append-only log.
type Store struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast on append/accept, wakes blocked Get/WaitFor

	writer identity.Key
	local  *identity.KeyPair // nil unless this store is the local writer's own log

	path string
	file *os.File
	seal seal

	frames []wire.Frame
	hashes [][32]byte // hashes[i] is the chain hash committed to by frames[i]'s signature

	fatal  error
	logger *logrus.Logger
}

// Open opens (creating if absent) the on-disk log for writer under dir. If
// local is non-nil, Append is permitted and frames are signed with it.
func Open(dir string, writer identity.Key, local *identity.KeyPair, sealKey [32]byte, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("block: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, writer.String()+".log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	s := &Store{
		writer: writer,
		local:  local,
		path:   path,
		file:   f,
		seal:   newSeal(sealKey),
		logger: logger,
	}
	s.cond = sync.NewCond(&s.mu)

	if err := s.replay(); err != nil {
		f.Close()
		return nil, fmt.Errorf("block: replay %s: %w", path, err)
	}
	return s, nil
}

// replay reads every sealed frame back from disk (from the current,
// freshly-opened file position at offset 0) and rebuilds the in-memory
// chain, verifying each link exactly as a freshly-received replicated
// frame would be. The file cursor is left at EOF afterward, ready for
// Append to extend it.
func (s *Store) replay() error {
	var prior [32]byte
	for {
		sealed, err := readLengthPrefixed(s.file)
		if err != nil {
			if err == errEOF {
				return nil
			}
			return err
		}
		raw, err := s.seal.open(sealed)
		if err != nil {
			return fmt.Errorf("unseal frame %d: %w", len(s.frames), err)
		}
		frame, err := wire.Decode(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", len(s.frames), err)
		}
		if !frame.Verify(s.writer, prior) {
			return fmt.Errorf("%w: frame %d", ErrVerification, len(s.frames))
		}
		chainHash := frame.Hash(prior)
		s.frames = append(s.frames, frame)
		s.hashes = append(s.hashes, chainHash)
		prior = chainHash
	}
}

// Writer returns the public key this log belongs to.
func (s *Store) Writer() identity.Key { return s.writer }

// Writable reports whether this process holds the private key for this log.
func (s *Store) Writable() bool { return s.local != nil }

// Ready blocks until the store has finished any pending initialization.
// Open() is synchronous in this implementation, so Ready always returns
// immediately; the method exists for callers that treat store
// initialization as potentially asynchronous.
func (s *Store) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Length returns the number of frames currently held (locally available).
func (s *Store) Length() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.frames))
}

// Head returns the chain hash committed to by the most recently appended
// or accepted frame, and false if the log is still empty.
func (s *Store) Head() ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hashes) == 0 {
		return [32]byte{}, false
	}
	return s.hashes[len(s.hashes)-1], true
}

func (s *Store) priorHashLocked() [32]byte {
	if len(s.hashes) == 0 {
		return [32]byte{}
	}
	return s.hashes[len(s.hashes)-1]
}

// Append signs and persists op as the next frame. It fails if this store
// is not the local writer's log, or if the disk write fails (in which case
// the store becomes Fatal and must be reopened).
func (s *Store) Append(op ops.Operation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return 0, s.fatal
	}
	if s.local == nil {
		return 0, ErrNotWritable
	}

	seq := uint64(len(s.frames))
	prior := s.priorHashLocked()
	payload := ops.Marshal(op)
	frame := wire.Sign(*s.local, prior, seq, wire.MsgOperation, payload)

	if err := s.persistLocked(frame); err != nil {
		s.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return 0, s.fatal
	}

	s.frames = append(s.frames, frame)
	s.hashes = append(s.hashes, frame.Hash(prior))
	s.cond.Broadcast()
	return seq, nil
}

func (s *Store) persistLocked(f wire.Frame) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, f); err != nil {
		return err
	}
	sealed := s.seal.seal(buf.Bytes())
	if err := writeLengthPrefixed(s.file, sealed); err != nil {
		return err
	}
	return s.file.Sync()
}

// Get returns the frame at seq, blocking until it becomes locally
// available (via Append or Accept) or ctx is done.
func (s *Store) Get(ctx context.Context, seq uint64) (wire.Frame, error) {
	if err := s.WaitFor(ctx, seq+1); err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[seq], nil
}

// HasLocally reports whether seq is already available without blocking.
func (s *Store) HasLocally(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.frames)) > seq
}

// Accept verifies and appends a frame received from a peer during
// replication. The frame must extend the log exactly at its current
// length; a frame at any other seq is rejected, and out-of-order frames
// are not buffered anywhere.
func (s *Store) Accept(f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return s.fatal
	}
	if f.Seq != uint64(len(s.frames)) {
		return fmt.Errorf("block: out-of-order frame seq=%d want=%d", f.Seq, len(s.frames))
	}
	prior := s.priorHashLocked()
	if !f.Verify(s.writer, prior) {
		return ErrVerification
	}
	if err := s.persistLocked(f); err != nil {
		s.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return s.fatal
	}
	s.frames = append(s.frames, f)
	s.hashes = append(s.hashes, f.Hash(prior))
	s.cond.Broadcast()
	return nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// WaitFor blocks until Length() >= n, ctx is done, or the store goes Fatal.
func (s *Store) WaitFor(ctx context.Context, n uint64) error {
	s.mu.Lock()
	if uint64(len(s.frames)) >= n {
		s.mu.Unlock()
		return nil
	}
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	s.mu.Lock()
	defer s.mu.Unlock()
	for uint64(len(s.frames)) < n {
		if s.fatal != nil {
			return s.fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	return nil
}
