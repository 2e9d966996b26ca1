package syncengine

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pearsync/internal/event"
	"pearsync/internal/ignore"
)

// StartWatching installs an fsnotify watcher over the workspace tree with
// a stability debounce of at least 100ms, coalescing bursts of events
// into a single follow-up push, and in parallel polls the Linearizer on a
// fixed interval, triggering a pull whenever it advances.
func (e *Engine) StartWatching(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return err
	}
	if err := addWatchRecursive(w, e.cfg.Root, e.ignore); err != nil {
		w.Close()
		cancel()
		return err
	}
	e.watcher = w

	e.wg.Add(2)
	go e.watchLoop(ctx)
	go e.pollLoop(ctx)
	return nil
}

func (e *Engine) watchLoop(ctx context.Context) {
	defer e.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(e.cfg.Root, evt.Name)
			if err == nil && e.ignore.Match(filepath.ToSlash(rel)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			e.requestPush(ctx)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.obs.Observe(event.Event{Kind: event.SyncError, At: now(), Err: err})
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := e.lin.Length()
			if _, err := e.lin.Step(ctx); err != nil {
				e.obs.Observe(event.Event{Kind: event.SyncError, At: now(), Err: err})
				continue
			}
			if e.lin.Length() != before {
				if err := e.Pull(ctx); err != nil {
					e.obs.Observe(event.Event{Kind: event.SyncError, At: now(), Err: err})
					continue
				}
				e.obs.Observe(event.Event{Kind: event.PullCompleted, At: now()})
			}
		}
	}
}

// requestPush coalesces concurrent push triggers: while a push is
// in-flight, additional requests set a pending flag that causes exactly
// one follow-up push.
func (e *Engine) requestPush(ctx context.Context) {
	e.pushMu.Lock()
	if e.pushing {
		e.pushPending = true
		e.pushMu.Unlock()
		return
	}
	e.pushing = true
	e.pushMu.Unlock()
	go e.runPushes(ctx)
}

func (e *Engine) runPushes(ctx context.Context) {
	for {
		e.obs.Observe(event.Event{Kind: event.PushStarted, At: now()})
		if err := e.Push(ctx); err != nil {
			e.obs.Observe(event.Event{Kind: event.SyncError, At: now(), Err: err})
		} else {
			e.obs.Observe(event.Event{Kind: event.PushCompleted, At: now()})
		}

		e.pushMu.Lock()
		if e.pushPending {
			e.pushPending = false
			e.pushMu.Unlock()
			continue
		}
		e.pushing = false
		e.pushMu.Unlock()
		return
	}
}

func addWatchRecursive(w *fsnotify.Watcher, root string, m *ignore.Matcher) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr == nil && rel != "." && m.Match(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

func now() time.Time { return time.Now() }
