package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/webfirstlanguage/beenet/internal/orchestrator"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to node config file")
		listenAddr   = flag.String("listen", "", "override listen address (e.g., 0.0.0.0:7700)")
		directoryURL = flag.String("directory", "", "override directory server URL")
		passphrase   = flag.String("passphrase", "", "override keystore passphrase")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("beenet-node %s\n", version)
		os.Exit(0)
	}

	cfg := orchestrator.DefaultConfig()
	if *configPath != "" {
		loaded, err := orchestrator.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *directoryURL != "" {
		cfg.DirectoryURL = *directoryURL
	}
	if *passphrase != "" {
		cfg.Passphrase = *passphrase
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	o, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("create orchestrator failed", "err", err)
		os.Exit(1)
	}

	log.Info("identity loaded", "peer_id", o.Identity().PeerID.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		log.Error("start orchestrator failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	o.Stop()
}
