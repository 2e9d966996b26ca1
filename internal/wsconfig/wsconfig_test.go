package wsconfig

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Fatalf("want version %d, got %d", CurrentVersion, cfg.Version)
	}
	if len(cfg.Workspaces) != 0 {
		t.Fatal("expected no workspaces in a fresh config")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := empty()
	cfg.AddWorkspace("proj", Workspace{
		Key:      "ab12",
		Path:     "/home/me/proj",
		IsWriter: true,
		Created:  time.Unix(1700000000, 0).UTC(),
	})

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ws, ok := loaded.Workspaces["proj"]
	if !ok {
		t.Fatal("expected proj workspace to round-trip")
	}
	if ws.Key != "ab12" || !ws.IsWriter {
		t.Fatalf("unexpected workspace: %+v", ws)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Config{Version: 99, Workspaces: map[string]Workspace{}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error loading an unsupported config version")
	}
}

func TestRemoveWorkspaceReportsExistence(t *testing.T) {
	cfg := empty()
	cfg.AddWorkspace("proj", Workspace{Key: "ab12"})
	if !cfg.RemoveWorkspace("proj") {
		t.Fatal("expected removal of existing workspace to report true")
	}
	if cfg.RemoveWorkspace("proj") {
		t.Fatal("expected removal of already-removed workspace to report false")
	}
}

func TestKeyForParsesHexKey(t *testing.T) {
	cfg := empty()
	hexKey := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	cfg.AddWorkspace("proj", Workspace{Key: hexKey})
	k, err := cfg.KeyFor("proj")
	if err != nil {
		t.Fatalf("keyfor: %v", err)
	}
	if k.String() != hexKey {
		t.Fatalf("want %s, got %s", hexKey, k.String())
	}
}

func TestKeyForUnknownWorkspace(t *testing.T) {
	cfg := empty()
	if _, err := cfg.KeyFor("missing"); err == nil {
		t.Fatal("expected an error for an unknown workspace alias")
	}
}
