package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/webfirstlanguage/beenet/internal/directory"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to directory server config file")
		listen      = flag.String("listen", "", "override listen address (e.g., 0.0.0.0:8090)")
		database    = flag.String("database", "", "override database DSN")
		jwtSecret   = flag.String("jwt-secret", "", "override JWT secret")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("beenet-directoryd %s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	switch strings.ToLower(*logLevel) {
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

	cfg := directory.DefaultConfig()
	if *configPath != "" {
		loaded, err := directory.LoadConfig(*configPath)
		if err != nil {
			log.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *database != "" {
		cfg.Database = *database
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = *jwtSecret
	}
	cfg.LogLevel = *logLevel

	srv, err := directory.New(cfg, log)
	if err != nil {
		log.Error("create directory server", "err", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		log.Error("directory server stopped", "err", err)
		os.Exit(1)
	}
}
