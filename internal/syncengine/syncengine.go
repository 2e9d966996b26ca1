// Package syncengine implements C8, the Sync Engine: bidirectional
// reconciliation between a local directory and the View.
//
// Grounded on core/storage.go disk-cache bookkeeping idiom
// (entries keyed by content hash with age-based staleness) adapted from
// cache eviction to mtime/size change detection, and on
// core/replication.go's Start/Stop goroutine-with-closing-channel idiom
// for the watch loop.
package syncengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"pearsync/internal/event"
	"pearsync/internal/identity"
	"pearsync/internal/ignore"
	"pearsync/internal/linearize"
	"pearsync/internal/logset"
	"pearsync/internal/ops"
	"pearsync/internal/view"
	"pearsync/internal/writerset"
)

const (
	// mtimeToleranceMS is the cross-platform second-level mtime precision
	// tolerance used to decide whether a file actually changed.
	mtimeToleranceMS = 1000

	// Files at or above largeFileThreshold are split into chunkSize
	// put-chunk ops followed by a terminal put naming the whole-file hash.
	largeFileThreshold = 16 * 1024 * 1024
	chunkSize          = 4 * 1024 * 1024

	pollInterval  = 3 * time.Second
	watchDebounce = 150 * time.Millisecond
)

// TopicJoiner is the subset of transport.Transport the engine needs to
// announce/leave its workspace topic; kept as an interface so tests don't
// require a real libp2p host.
type TopicJoiner interface {
	Leave(name string) error
}

// Config configures one Engine instance.
type Config struct {
	Root        string
	Bootstrap   identity.Key
	Local       identity.KeyPair
	StoreDir    string
	SealKey     [32]byte
	ReadOnly    bool
	SyncDeletes bool
	Observer    event.Observer
	Logger      *logrus.Logger
	Topic       TopicJoiner // optional; nil in tests that don't exercise transport
	TopicName   string
}

// Engine owns one workspace's Log Set, Writer Set, View, and Linearizer,
// and reconciles the local directory against the View.
type Engine struct {
	cfg     Config
	logger  *logrus.Logger
	obs     event.Observer
	ignore  *ignore.Matcher
	logs    *logset.Set
	view    *view.View
	writers *writerset.Set
	lin     *linearize.Linearizer

	cancel context.CancelFunc

	pushMu      sync.Mutex
	pushing     bool
	pushPending bool

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// New opens the Log Set, Writer Set, and View for cfg and returns an
// Engine ready for Init/Push/Pull. It does not join the topic transport
// or start watching: StartWatching starts the watcher, and joining the
// topic is left to the caller.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = event.Nop
	}
	m, err := ignore.Load(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("syncengine: load ignore patterns: %w", err)
	}

	logs := logset.New(cfg.StoreDir, cfg.Local, cfg.SealKey, cfg.Logger)
	if _, err := logs.Own(); err != nil {
		return nil, fmt.Errorf("syncengine: open local log: %w", err)
	}

	v := view.New()
	ws := writerset.New(cfg.Bootstrap, cfg.Local.Public)
	lin := linearize.New(cfg.Bootstrap, logs, v, ws, cfg.Logger)

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		obs:     cfg.Observer,
		ignore:  m,
		logs:    logs,
		view:    v,
		writers: ws,
		lin:     lin,
	}, nil
}

// Init runs the Linearizer once to catch the View up with whatever is
// already on disk for this log, and returns the workspace key. Joining
// the Topic Transport and installing the per-connection Writer Exchange
// Channel is the caller's responsibility (internal/daemon wires Engine to
// a transport.Transport); Init here only covers what this package itself
// owns.
func (e *Engine) Init(ctx context.Context) (identity.Key, error) {
	if _, err := e.lin.Step(ctx); err != nil {
		return identity.Key{}, fmt.Errorf("syncengine: initial linearize: %w", err)
	}
	return e.cfg.Bootstrap, nil
}

// Writable reports whether the local writer key currently holds write
// admission.
func (e *Engine) Writable() bool {
	if e.cfg.ReadOnly {
		return false
	}
	return e.writers.Writable()
}

// View exposes the reconciled manifest for read-only inspection (status
// reporting).
func (e *Engine) View() *view.View { return e.view }

// Linearizer exposes the engine's Linearizer, e.g. for reading its
// Length() or Frontier().
func (e *Engine) Linearizer() *linearize.Linearizer { return e.lin }

// Logs exposes the engine's Log Set so the Daemon can drive replication
// and the Writer Exchange Channel over a transport.Transport.
func (e *Engine) Logs() *logset.Set { return e.logs }

// Key returns this engine's local writer public key.
func (e *Engine) Key() identity.Key { return e.logs.LocalKey() }

// Push walks the local directory, filtered by the ignore list, and
// appends put/del ops for every detected change. It Steps the Linearizer
// both before diffing (so the View reflects every already-appended local
// op) and after appending (so a second Push run before the next poll tick
// sees its own writes already folded in) — without this, consecutive
// pushes within one poll interval would diff against a stale View and
// re-append identical ops for files that had not actually changed again.
func (e *Engine) Push(ctx context.Context) error {
	if e.cfg.ReadOnly {
		return nil
	}
	if !e.writers.Writable() {
		return ErrNotWritable
	}

	if _, err := e.lin.Step(ctx); err != nil {
		return fmt.Errorf("syncengine: linearize before push: %w", err)
	}

	local := e.logs.LocalKey()
	st, err := e.logs.Own()
	if err != nil {
		return fmt.Errorf("syncengine: open local log: %w", err)
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(e.cfg.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(e.cfg.Root, p)
		if err != nil || rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if d.IsDir() {
			if e.ignore.Match(relSlash) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.ignore.Match(relSlash) {
			return nil
		}
		seen[relSlash] = true

		info, err := d.Info()
		if err != nil {
			return err
		}
		mtimeMS := uint64(info.ModTime().UnixMilli())
		existing, hadEntry := e.view.Get(relSlash)

		if hadEntry && existing.Size == uint64(info.Size()) && mtimeWithinTolerance(mtimeMS, existing.MtimeMS) {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("syncengine: read %s: %w", p, err)
		}
		hash := sha256.Sum256(content)
		if hadEntry && hash == existing.Hash {
			return nil
		}

		fm := ops.FileMeta{
			Size:    uint64(len(content)),
			MtimeMS: mtimeMS,
			Mode:    uint32(info.Mode().Perm()),
			Hash:    hash,
			Author:  local,
		}
		if len(content) >= largeFileThreshold {
			return appendChunked(st, relSlash, content, fm)
		}
		fm.Content = content
		_, err = st.Append(ops.Put(relSlash, fm))
		return err
	})
	if err != nil {
		return fmt.Errorf("syncengine: push walk: %w", err)
	}

	for _, entry := range e.view.Scan() {
		if seen[entry.Path] {
			continue
		}
		if entry.Meta.Author != local {
			continue
		}
		if _, err := st.Append(ops.Del(entry.Path)); err != nil {
			return fmt.Errorf("syncengine: append del %s: %w", entry.Path, err)
		}
	}

	if _, err := e.lin.Step(ctx); err != nil {
		return fmt.Errorf("syncengine: linearize after push: %w", err)
	}
	return nil
}

func appendChunked(st interface {
	Append(ops.Operation) (uint64, error)
}, key string, content []byte, terminal ops.FileMeta) error {
	total := (len(content) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		op := ops.Operation{Kind: ops.KindPutChunk, Key: key, ChunkIndex: uint32(i), ChunkCount: uint32(total), ChunkData: content[start:end]}
		if _, err := st.Append(op); err != nil {
			return fmt.Errorf("syncengine: append chunk %d/%d for %s: %w", i, total, key, err)
		}
	}
	_, err := st.Append(ops.Put(key, terminal))
	return err
}

func mtimeWithinTolerance(a, b uint64) bool {
	var diff uint64
	if a > b {
		diff = a - b
	} else {
		diff = b - a
	}
	return diff < mtimeToleranceMS
}

// Pull writes local files from the View and, if SyncDeletes is set,
// removes local files absent from the View.
func (e *Engine) Pull(ctx context.Context) error {
	entries := e.view.Scan()
	present := make(map[string]bool, len(entries))

	for _, entry := range entries {
		present[entry.Path] = true
		localPath := filepath.Join(e.cfg.Root, filepath.FromSlash(entry.Path))

		info, statErr := os.Stat(localPath)
		write := os.IsNotExist(statErr)
		if statErr == nil {
			localMtimeMS := uint64(info.ModTime().UnixMilli())
			if entry.Meta.MtimeMS > localMtimeMS+mtimeToleranceMS {
				write = true
			}
		}
		if !write {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("syncengine: mkdir for %s: %w", entry.Path, err)
		}
		mode := os.FileMode(entry.Meta.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(localPath, entry.Meta.Content, mode); err != nil {
			return fmt.Errorf("syncengine: write %s: %w", entry.Path, err)
		}
		mt := time.UnixMilli(int64(entry.Meta.MtimeMS))
		os.Chtimes(localPath, mt, mt)
	}

	if !e.cfg.SyncDeletes {
		return nil
	}

	return filepath.WalkDir(e.cfg.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.cfg.Root, p)
		if err != nil {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if e.ignore.Match(relSlash) {
			return nil
		}
		if present[relSlash] {
			return nil
		}
		return os.Remove(p)
	})
}

// Close stops any running watch loop, leaves the topic (if one was
// joined), and closes the Log Set.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.wg.Wait()
	if e.cfg.Topic != nil && e.cfg.TopicName != "" {
		if err := e.cfg.Topic.Leave(e.cfg.TopicName); err != nil {
			e.logger.WithError(err).Warn("syncengine: leave topic failed")
		}
	}
	return e.logs.Close()
}
