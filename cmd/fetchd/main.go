// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voslund/fetchd/internal/config"
	"github.com/voslund/fetchd/internal/daemon"
	fdlog "github.com/voslund/fetchd/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fetchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	fdlog.Configure(fdlog.Config{
		Level:   "info",
		Service: "fetchd",
		Version: version,
	})
	logger := fdlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	fdlog.Configure(fdlog.Config{
		Level:   cfg.LogLevel,
		Service: "fetchd",
		Version: version,
	})

	app, err := daemon.Build(ctx, cfg, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("daemon assembly failed")
	}

	logger.Info().
		Str("version", version).
		Str("db", cfg.DBPath).
		Msg("fetchd starting")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("fetchd stopped")
}
