// Package daemon implements C9, the Daemon: a single long-lived process
// per user that holds open Sync Engine instances and answers
// newline-delimited JSON commands over a Unix-domain socket.
//
// Grounded on core/replication.go's Start/Stop idiom for the long-lived
// server loop; the command dispatch itself is a plain switch over a
// decoded request rather than an HTTP router, since the wire protocol
// here is a raw Unix socket, not REST.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pearsync/internal/wsconfig"
	"pearsync/internal/xdg"
)

// Daemon owns every currently-watched workspace and the IPC socket.
type Daemon struct {
	logger *logrus.Logger

	mu     sync.Mutex
	cfg    wsconfig.Config
	active map[string]*activeWorkspace // keyed by workspace name

	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a Daemon. Call Run to start serving.
func New(logger *logrus.Logger) *Daemon {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Daemon{
		logger: logger,
		active: make(map[string]*activeWorkspace),
	}
}

// Run loads config.json, binds the IPC socket (removing any stale file
// left behind by a previous crash), and serves requests until ctx is
// canceled or a "shutdown" command is received. It always cleans up
// every active workspace and unlinks the socket before returning.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := wsconfig.Load(xdg.ConfigFile())
	if err != nil {
		return fmt.Errorf("daemon: load config: %w", err)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	sockPath := xdg.SocketPath()
	if err := os.MkdirAll(filepath.Dir(sockPath), 0o755); err != nil {
		return fmt.Errorf("daemon: mkdir %s: %w", filepath.Dir(sockPath), err)
	}
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", sockPath, err)
	}
	d.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptErr <- d.acceptLoop(runCtx, ln)
	}()

	<-runCtx.Done()
	ln.Close()
	wg.Wait()

	d.mu.Lock()
	for name, w := range d.active {
		w.stop()
		delete(d.active, name)
	}
	d.mu.Unlock()

	os.Remove(sockPath)

	if err := <-acceptErr; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		reqID := uuid.NewString()
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(fail(fmt.Errorf("daemon: invalid request: %w", err)))
			continue
		}
		d.logger.WithField("request_id", reqID).WithField("command", req.Command).Debug("daemon: request")
		resp := d.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			d.logger.WithError(err).WithField("request_id", reqID).Warn("daemon: write response failed")
			return
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, req request) response {
	switch req.Command {
	case "status":
		return d.handleStatus()
	case "list":
		return d.handleList()
	case "watch":
		return d.handleWatch(ctx, req.Workspace)
	case "unwatch":
		return d.handleUnwatch(req.Workspace)
	case "shutdown":
		d.triggerShutdown()
		return ok()
	default:
		return fail(fmt.Errorf("daemon: unknown command %q", req.Command))
	}
}

func (d *Daemon) triggerShutdown() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Daemon) handleStatus() response {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkspaceStatus, 0, len(d.active))
	for _, w := range d.active {
		out = append(out, w.status())
	}
	return response{Success: true, Workspaces: out}
}

func (d *Daemon) handleList() response {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConfiguredEntry, 0, len(d.cfg.Workspaces))
	for name, ws := range d.cfg.Workspaces {
		_, active := d.active[name]
		out = append(out, ConfiguredEntry{Name: name, Key: ws.Key, Path: ws.Path, Active: active})
	}
	return response{Success: true, Configured: out}
}

func (d *Daemon) handleWatch(ctx context.Context, path string) response {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, ws, found := findByPath(d.cfg, path)
	if !found {
		return fail(fmt.Errorf("daemon: no configured workspace at %s", path))
	}
	if _, already := d.active[name]; already {
		return response{Success: true, Note: "Already watching"}
	}

	info, err := os.Stat(ws.Path)
	if err != nil {
		return fail(fmt.Errorf("daemon: stat %s: %w", ws.Path, err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("daemon: %s is not a directory", ws.Path))
	}

	storeDir := xdg.StoreDir(ws.Key[:16])
	dataDir := filepath.Dir(storeDir)
	w, err := startWorkspace(ctx, name, ws, storeDir, dataDir, d.logger)
	if err != nil {
		return fail(fmt.Errorf("daemon: start workspace %s: %w", name, err))
	}
	d.active[name] = w
	return ok()
}

func (d *Daemon) handleUnwatch(path string) response {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, _, found := findByPath(d.cfg, path)
	if !found {
		return fail(fmt.Errorf("daemon: no configured workspace at %s", path))
	}
	w, active := d.active[name]
	if !active {
		return response{Success: true, Note: "Not watching"}
	}
	delete(d.active, name)
	w.stop()
	return ok()
}

func findByPath(cfg wsconfig.Config, path string) (string, wsconfig.Workspace, bool) {
	for name, ws := range cfg.Workspaces {
		if ws.Path == path {
			return name, ws, true
		}
	}
	return "", wsconfig.Workspace{}, false
}
