package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/ldp/internal/config"
	"github.com/danmuck/ldp/internal/observability"
	"github.com/danmuck/ldp/internal/server"
	"github.com/danmuck/ldp/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to ldpd config.toml (defaults when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ldpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := observability.InitLogger(cfg.Name)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", dbPath, err)
	}
	defer db.Close()

	logger.Info().Str("db", dbPath).Bool("echo", cfg.Echo).Msg("starting")
	return server.NewService(cfg, db, observability.NewMetrics()).Run()
}

func loadConfig(path string) (config.Daemon, error) {
	if path == "" {
		return config.DefaultDaemon(), nil
	}
	return config.LoadDaemon(path)
}
