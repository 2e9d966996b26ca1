package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pearsync/internal/block"
	"pearsync/internal/event"
	"pearsync/internal/identity"
	"pearsync/internal/ops"
	"pearsync/internal/syncengine"
	"pearsync/internal/transport"
	"pearsync/internal/wirex"
	"pearsync/internal/wsconfig"
)

const (
	peerScanInterval    = 5 * time.Second
	replicationInterval = 5 * time.Second
	fanOutLimit         = 8
)

// activeWorkspace is one running workspace: its Sync Engine plus the
// transport/replication/exchange plumbing that keeps it talking to peers.
type activeWorkspace struct {
	name string
	ws   wsconfig.Workspace
	key  identity.Key

	engine    *syncengine.Engine
	transport *transport.Transport
	logger    *logrus.Logger
	obs       *statusObserver

	cancel context.CancelFunc
	wg     sync.WaitGroup

	exchangedMu sync.Mutex
	exchanged   map[peer.ID]bool
}

// startWorkspace opens (or creates) the local identity for ws, wires a
// Sync Engine to a fresh Transport, and starts its background loops.
func startWorkspace(parent context.Context, name string, ws wsconfig.Workspace, storeDir, dataDir string, logger *logrus.Logger) (*activeWorkspace, error) {
	bootstrap, err := identity.ParseKey(ws.Key)
	if err != nil {
		return nil, err
	}

	local, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, err
	}

	// The gossip topic and the mDNS tag derive from the SHA-256 of the
	// workspace key, not from the key itself.
	topicHash := sha256.Sum256(bootstrap[:])
	topicName := hex.EncodeToString(topicHash[:])

	obs := &statusObserver{}
	eng, err := syncengine.New(syncengine.Config{
		Root:        ws.Path,
		Bootstrap:   bootstrap,
		Local:       local,
		StoreDir:    storeDir,
		SealKey:     sealKeyFor(bootstrap),
		ReadOnly:    !ws.IsWriter,
		SyncDeletes: ws.SyncDeletes,
		Observer:    obs,
		Logger:      logger,
		TopicName:   topicName,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	if _, err := eng.Init(ctx); err != nil {
		cancel()
		return nil, err
	}

	tr, err := transport.New(transport.Config{
		ListenAddr:   "/ip4/0.0.0.0/tcp/0",
		DiscoveryTag: "pearsync-" + topicName[:16],
	}, logger)
	if err != nil {
		cancel()
		eng.Close()
		return nil, err
	}
	if _, err := tr.Join(topicName); err != nil {
		logger.WithError(err).Warn("daemon: join workspace topic failed")
	}

	if err := eng.StartWatching(ctx); err != nil {
		cancel()
		tr.Close()
		eng.Close()
		return nil, err
	}

	w := &activeWorkspace{
		name:      name,
		ws:        ws,
		key:       bootstrap,
		engine:    eng,
		transport: tr,
		logger:    logger,
		obs:       obs,
		cancel:    cancel,
		exchanged: make(map[peer.ID]bool),
	}

	w.wg.Add(4)
	go w.exchangeScanLoop(ctx)
	go w.acceptExchangeLoop(ctx)
	go w.acceptLogStreamLoop(ctx)
	go w.replicationLoop(ctx)

	return w, nil
}

// stop tears the workspace down: cancels its background loops, closes the
// transport, and closes the Sync Engine (which itself stops the watcher).
func (w *activeWorkspace) stop() {
	w.cancel()
	w.wg.Wait()
	w.transport.Close()
	w.engine.Close()
}

// exchangeScanLoop periodically opens the Writer Exchange Channel to each
// connected peer the first time it sees that peer id; a peer is not
// exchanged with again for the life of the workspace, even after it
// reconnects.
func (w *activeWorkspace) exchangeScanLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(peerScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range w.transport.Peers() {
				w.exchangedMu.Lock()
				if w.exchanged[p] {
					w.exchangedMu.Unlock()
					continue
				}
				w.exchanged[p] = true
				w.exchangedMu.Unlock()
				w.obs.Observe(event.Event{Kind: event.PeerConnected, Workspace: w.name, At: now(), Detail: p.String()})
				go w.runExchange(ctx, p)
			}
		}
	}
}

func (w *activeWorkspace) runExchange(ctx context.Context, p peer.ID) {
	ch, err := w.transport.OpenExchange(ctx, p)
	if err != nil {
		w.logger.WithError(err).WithField("peer", p.String()).Warn("daemon: open exchange failed")
		return
	}
	defer ch.Close()
	w.drivePullsFrom(ctx, ch)
}

func (w *activeWorkspace) acceptExchangeLoop(ctx context.Context) {
	defer w.wg.Done()
	for conn := range w.transport.AcceptedExchanges() {
		conn := conn
		go func() {
			defer conn.Channel.Close()
			w.drivePullsFrom(ctx, conn.Channel)
		}()
	}
}

// drivePullsFrom runs the Writer Exchange Channel protocol over ch and
// triggers a Pull whenever it schedules one. A read-only workspace
// (is_writer false) does not run the exchange, so it never announces its
// writer key.
func (w *activeWorkspace) drivePullsFrom(ctx context.Context, ch wirex.Channel) {
	if !w.ws.IsWriter {
		return
	}
	ownLog, err := w.engine.Logs().Own()
	if err != nil {
		w.logger.WithError(err).Warn("daemon: open own log for exchange failed")
		return
	}

	pullAfter := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range pullAfter {
			if err := w.engine.Pull(ctx); err != nil {
				w.obs.Observe(event.Event{Kind: event.SyncError, Workspace: w.name, At: now(), Err: err})
			}
		}
	}()

	if err := wirex.Exchange(ctx, ch, w.engine.Key(), admittedLog{engine: w.engine, log: ownLog}, pullAfter, w.logger); err != nil {
		w.logger.WithError(err).Warn("daemon: writer exchange ended")
	}
	close(pullAfter)
	<-done
}

// admittedLog appends to the local log only while the engine is Writable
// (admitted to the Writer Set); otherwise Append returns
// block.ErrNotWritable.
type admittedLog struct {
	engine *syncengine.Engine
	log    *block.Store
}

func (a admittedLog) Append(op ops.Operation) (uint64, error) {
	if !a.engine.Writable() {
		return 0, block.ErrNotWritable
	}
	return a.log.Append(op)
}

func (w *activeWorkspace) acceptLogStreamLoop(ctx context.Context) {
	defer w.wg.Done()
	for conn := range w.transport.AcceptedStreams() {
		conn := conn
		go func() {
			defer conn.Channel.Close()
			key, err := conn.Channel.Recv(ctx)
			if err != nil || len(key) != 32 {
				return
			}
			var wk identity.Key
			copy(wk[:], key)
			st, err := w.engine.Logs().Ensure(wk)
			if err != nil {
				w.logger.WithError(err).Warn("daemon: ensure log for incoming replication failed")
				return
			}
			if err := st.Replicate(ctx, conn.Channel); err != nil {
				w.logger.WithError(err).WithField("writer", wk.Short()).Warn("daemon: replicate (accept side) failed")
			}
		}()
	}
}

// peerChannelAdapter opens a fresh per-writer stream to one peer, tagging
// it with the writer key as the first frame so the accepting side can
// route it to the right Block Store.
type peerChannelAdapter struct {
	t      *transport.Transport
	remote peer.ID
}

func (a *peerChannelAdapter) Open(ctx context.Context, writer identity.Key) (block.Channel, error) {
	ch, err := a.t.OpenLogStream(ctx, a.remote)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(ctx, writer[:]); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// replicationLoop periodically fans out a replication round to every
// connected peer, bounded to fanOutLimit concurrent peers at a time.
func (w *activeWorkspace) replicationLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(replicationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.replicateRound(ctx)
		}
	}
}

func (w *activeWorkspace) replicateRound(ctx context.Context) {
	peers := w.transport.Peers()
	if len(peers) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			w.engine.Logs().ReplicateAll(gctx, &peerChannelAdapter{t: w.transport, remote: p})
			return nil
		})
	}
	g.Wait()
}

func now() time.Time { return time.Now() }
