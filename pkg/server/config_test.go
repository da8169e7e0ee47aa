package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "listen_addr: \":2020\"\ndb_path: /tmp/other.db\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":2020" || cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("overridden fields = %+v", cfg)
	}

	// Fields the file does not mention keep their defaults.
	def := DefaultConfig()
	if cfg.MediaDir != def.MediaDir || cfg.NamesFile != def.NamesFile || cfg.MetricsAddr != def.MetricsAddr {
		t.Fatalf("defaulted fields = %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadConfig: expected error for missing file")
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: expected error for invalid YAML")
	}
}
