// Command tokenserver runs the reference token server.
//
// It serves the token websocket endpoint and a plain-text status page on the
// same listener.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"tokensync/internal/config"
	"tokensync/internal/packetlog"
	"tokensync/internal/schema"
	"tokensync/internal/state"
	"tokensync/internal/tokenserver"
	"tokensync/internal/wire"
)

const version = "0.1.0"

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	// Set up logging first so early failures are captured consistently.
	runID := wire.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("run_id", runID))

	flags := config.ServerFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatal("parse flags failed", err)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		fatal("config load failed", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown watch: once a shutdown signal is received, allow a bounded window
	// for goroutines to exit cleanly before forcing termination.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(30 * time.Second)
		defer t.Stop()
		<-t.C
		slog.Error("shutdown timed out after 30s, forcing exit")
		os.Exit(2)
	}()

	var pl *packetlog.Logger
	if cfg.FrameLogPath != "" {
		pl, err = packetlog.New(cfg.FrameLogPath)
		if err != nil {
			fatal("open ndjson telemetry file failed", err, "path", cfg.FrameLogPath)
		}
		defer func() { _ = pl.Close() }()
		slog.Info("ndjson telemetry enabled", "path", cfg.FrameLogPath)
	} else {
		slog.Info("ndjson telemetry disabled (default); set TS_TELEMETRY_FRAME_NDJSON_PATH to enable")
	}

	store, err := state.NewStore(schema.Default())
	if err != nil {
		fatal("token store init failed", err)
	}
	if cfg.Server.SeedPath != "" {
		seeds, err := state.LoadSeed(cfg.Server.SeedPath)
		if err != nil {
			fatal("seed load failed", err, "path", cfg.Server.SeedPath)
		}
		if err := store.Apply(seeds); err != nil {
			fatal("seed apply failed", err, "path", cfg.Server.SeedPath)
		}
		slog.Info("seed loaded", "path", cfg.Server.SeedPath, "tokens", store.Count())
	}

	srv, err := tokenserver.New(tokenserver.Config{
		Path:      cfg.Server.Path,
		Protocol:  cfg.Server.Protocol,
		SendQueue: cfg.Server.SendQueue,
		GMUsers:   cfg.Server.GMUsers,
		Version:   version,
	}, store, pl, runID)
	if err != nil {
		fatal("tokenserver init failed", err)
	}

	slog.Info(
		"starting tokenserver",
		"addr", cfg.Server.Addr,
		"path", cfg.Server.Path,
		"protocol", cfg.Server.Protocol,
		"gm_users", cfg.Server.GMUsers,
	)
	if _, err := srv.Start(ctx, cfg.Server.Addr); err != nil {
		fatal("listen failed", err, "addr", cfg.Server.Addr)
	}

	<-ctx.Done()
	st := srv.Stats()
	slog.Info("shutdown requested", "connections", st.Connections, "requests", st.Requests, "dropped", st.Dropped)
}
