// Package xdg resolves the XDG base directories pearsync persists to:
// $XDG_CONFIG_HOME/pearsync for config.json and the daemon socket,
// $XDG_DATA_HOME/pearsync for per-workspace log stores.
package xdg

import (
	"os"
	"path/filepath"

	"pearsync/pkg/utils"
)

// ConfigDir returns $XDG_CONFIG_HOME/pearsync, falling back to
// ~/.config/pearsync.
func ConfigDir() string {
	return filepath.Join(utils.EnvOrDefault("XDG_CONFIG_HOME", defaultHome(".config")), "pearsync")
}

// DataDir returns $XDG_DATA_HOME/pearsync, falling back to
// ~/.local/share/pearsync.
func DataDir() string {
	return filepath.Join(utils.EnvOrDefault("XDG_DATA_HOME", defaultHome(".local/share")), "pearsync")
}

// SocketPath returns the daemon's Unix-domain socket path.
func SocketPath() string {
	return filepath.Join(ConfigDir(), "daemon.sock")
}

// ConfigFile returns the workspace config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StoreDir returns the per-workspace log store directory, keyed by the
// first 16 hex characters of the workspace key.
func StoreDir(keyHex16 string) string {
	return filepath.Join(DataDir(), "stores", keyHex16, "store")
}

func defaultHome(suffix string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, suffix)
}
