package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhashemi/chatline/pkg/client"
	"github.com/dhashemi/chatline/pkg/logging"
	"github.com/dhashemi/chatline/pkg/version"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:1060", "Chat server address")
	saveDir := flag.String("save", "client_media", "Directory for received files")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Default to "info"; override with CHATLINE_LOG_LEVEL env var (debug, info, warn, error).
	level := "info"
	if v := os.Getenv("CHATLINE_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
	})

	eng := client.New(client.Config{
		ServerAddr: *serverAddr,
		SaveDir:    *saveDir,
		Input:      os.Stdin,
		Output:     os.Stdout,
	})
	if err := eng.Connect(); err != nil {
		slog.Error("connect", "addr", *serverAddr, "err", err)
		os.Exit(1)
	}
	if err := eng.Run(); err != nil {
		slog.Error("client error", "err", err)
		os.Exit(1)
	}
}
