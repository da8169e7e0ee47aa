package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`  // TCP bind address (e.g. ":1060")
	DBPath      string `yaml:"db_path"`      // SQLite database path
	MediaDir    string `yaml:"media_dir"`    // directory for relayed files
	NamesFile   string `yaml:"names_file"`   // word list backing the handle pool
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for /metrics (empty = disabled)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":1060",
		DBPath:      "chatline.db",
		MediaDir:    "server_media",
		NamesFile:   "usernames.txt",
		MetricsAddr: ":1062",
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
// Fields absent from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	return cfg, nil
}
