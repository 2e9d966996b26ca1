// Package wsconfig loads and persists the workspace alias config file,
// $XDG_CONFIG_HOME/pearsync/config.json: a small JSON document naming
// every workspace this process knows about by a local alias, plus
// defaults.
//
// A hand-rolled encoding/json loader is used here rather than a
// viper-style merge-and-unmarshal config library, since the on-disk
// shape and the version-rejection rule need to stay exact (see
// DESIGN.md).
package wsconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pearsync/internal/identity"
)

// CurrentVersion is the only config.json schema version this build
// understands.
const CurrentVersion = 1

// Workspace is one entry under "workspaces" in config.json.
type Workspace struct {
	Key         string    `json:"key"`
	Path        string    `json:"path"`
	IsWriter    bool      `json:"is_writer"`
	Created     time.Time `json:"created"`
	SyncDeletes bool      `json:"sync_deletes"`
}

// Defaults holds process-wide defaults applied when a workspace doesn't
// override them.
type Defaults struct {
	SyncDeletes bool `json:"sync_deletes"`
}

// Config is the full contents of config.json.
type Config struct {
	Version    int                  `json:"version"`
	Workspaces map[string]Workspace `json:"workspaces"`
	Defaults   Defaults             `json:"defaults"`
}

// empty returns a fresh Config at CurrentVersion with sync_deletes on by
// default, matching the engine's default push behavior.
func empty() Config {
	return Config{
		Version:    CurrentVersion,
		Workspaces: make(map[string]Workspace),
		Defaults:   Defaults{SyncDeletes: true},
	}
}

// Load reads path, returning a fresh empty Config if the file doesn't
// exist yet (first run). An existing file whose version doesn't match
// CurrentVersion is rejected outright rather than migrated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("wsconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("wsconfig: parse %s: %w", path, err)
	}
	if cfg.Version != CurrentVersion {
		return Config{}, fmt.Errorf("wsconfig: unsupported config version %d (want %d)", cfg.Version, CurrentVersion)
	}
	if cfg.Workspaces == nil {
		cfg.Workspaces = make(map[string]Workspace)
	}
	return cfg, nil
}

// Save writes cfg to path atomically (write to a temp file, then rename),
// creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wsconfig: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("wsconfig: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wsconfig: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wsconfig: rename into place: %w", err)
	}
	return nil
}

// AddWorkspace inserts or overwrites the named alias.
func (c *Config) AddWorkspace(name string, ws Workspace) {
	if c.Workspaces == nil {
		c.Workspaces = make(map[string]Workspace)
	}
	c.Workspaces[name] = ws
}

// RemoveWorkspace deletes the named alias, reporting whether it existed.
func (c *Config) RemoveWorkspace(name string) bool {
	if _, ok := c.Workspaces[name]; !ok {
		return false
	}
	delete(c.Workspaces, name)
	return true
}

// KeyFor parses the hex-encoded key of the named workspace.
func (c *Config) KeyFor(name string) (identity.Key, error) {
	ws, ok := c.Workspaces[name]
	if !ok {
		return identity.Key{}, fmt.Errorf("wsconfig: unknown workspace %q", name)
	}
	return identity.ParseKey(ws.Key)
}
