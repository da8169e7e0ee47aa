package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhashemi/chatline/pkg/datastore"
	"github.com/dhashemi/chatline/pkg/logging"
	"github.com/dhashemi/chatline/pkg/namepool"
	"github.com/dhashemi/chatline/pkg/server"
	"github.com/dhashemi/chatline/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file (flags override its values)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for the chat service")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.MediaDir, "media", cfg.MediaDir, "Directory for relayed file storage")
	flag.StringVar(&cfg.NamesFile, "names", cfg.NamesFile, "Username pool file, one name per line")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics and /healthz (empty to disable)")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configPath != "" {
		fileCfg, err := server.LoadConfig(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		// Flags given on the command line win over the file.
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["listen"] {
			cfg.ListenAddr = fileCfg.ListenAddr
		}
		if !set["db"] {
			cfg.DBPath = fileCfg.DBPath
		}
		if !set["media"] {
			cfg.MediaDir = fileCfg.MediaDir
		}
		if !set["names"] {
			cfg.NamesFile = fileCfg.NamesFile
		}
		if !set["metrics"] {
			cfg.MetricsAddr = fileCfg.MetricsAddr
		}
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	names, err := namepool.Open(cfg.NamesFile)
	if err != nil {
		slog.Error("open username pool", "path", cfg.NamesFile, "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Store: st, Names: names})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
