package daemon

import (
	"sync"
	"time"

	"pearsync/internal/event"
	"pearsync/internal/wire"
)

// statusObserver records the timestamps status reporting needs from an
// Engine's event stream, without the Daemon having to poll the engine's
// internals directly.
type statusObserver struct {
	mu       sync.Mutex
	lastPush time.Time
	lastPull time.Time
}

func (o *statusObserver) Observe(ev event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Kind {
	case event.PushCompleted:
		o.lastPush = ev.At
	case event.PullCompleted:
		o.lastPull = ev.At
	}
}

func (o *statusObserver) snapshot() (lastPush, lastPull time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPush, o.lastPull
}

// WorkspaceStatus is the JSON shape reported for one running workspace by
// the "status" command.
type WorkspaceStatus struct {
	Name        string     `json:"name"`
	Key         string     `json:"key"`
	Writable    bool       `json:"writable"`
	ViewVersion uint64     `json:"view_version"`
	PeerCount   int        `json:"peer_count"`
	Head        string     `json:"head,omitempty"`
	LastPush    *time.Time `json:"last_push,omitempty"`
	LastPull    *time.Time `json:"last_pull,omitempty"`
}

func (w *activeWorkspace) status() WorkspaceStatus {
	lastPush, lastPull := w.obs.snapshot()
	st := WorkspaceStatus{
		Name:        w.name,
		Key:         w.key.String(),
		Writable:    w.engine.Writable(),
		ViewVersion: w.engine.View().Version(),
		PeerCount:   len(w.transport.Peers()),
	}
	if !lastPush.IsZero() {
		st.LastPush = &lastPush
	}
	if !lastPull.IsZero() {
		st.LastPull = &lastPull
	}
	if own, err := w.engine.Logs().Own(); err == nil {
		if h, ok := own.Head(); ok {
			if c, err := wire.HashCID(h); err == nil {
				st.Head = c
			}
		}
	}
	return st
}
