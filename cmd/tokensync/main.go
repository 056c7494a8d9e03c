// Command tokensync connects to a token server, primes the configured tokens
// and logs every registry event until interrupted.
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
	"tokensync/internal/rpc"
	"tokensync/internal/token"
	"tokensync/internal/wire"
)

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

func logEvent(ev token.Event) {
	attrs := []any{"event", ev.Kind.String(), "token_id", ev.ID}
	switch ev.Kind {
	case token.EventField:
		attrs = append(attrs, "field", ev.Field, "state", string(ev.State), "value", ev.Value, "old", ev.Old)
	case token.EventEnteredLocation, token.EventLeftLocation:
		attrs = append(attrs, "location", ev.Location)
	}
	if ev.Err != nil {
		slog.Warn("token event", append(attrs, "err", ev.Err)...)
		return
	}
	slog.Info("token event", attrs...)
}

func main() {
	runID := wire.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("run_id", runID))

	flags := config.ClientFlags()
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

	var pl *packetlog.Logger
	if cfg.FrameLogPath != "" {
		pl, err = packetlog.New(cfg.FrameLogPath)
		if err != nil {
			fatal("open ndjson telemetry file failed", err, "path", cfg.FrameLogPath)
		}
		defer func() { _ = pl.Close() }()
		slog.Info("ndjson telemetry enabled", "path", cfg.FrameLogPath)
	}

	slog.Info(
		"starting tokensync",
		"endpoint", cfg.Client.Endpoint,
		"protocol", cfg.Client.Protocol,
		"actor", cfg.Client.ActorID,
		"prime", cfg.Client.Prime,
	)

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.Client.HandshakeTimeout+time.Second)
	ch, err := rpc.Dial(dialCtx, cfg.Client.Endpoint, cfg.Client.Protocol, rpc.Options{
		CallTimeout:      cfg.Client.CallTimeout,
		WriteTimeout:     cfg.Client.WriteTimeout,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		RunID:            runID,
		FrameLog:         pl,
		OnClose: func(err error) {
			if err != nil {
				slog.Error("channel closed", "err", err)
			}
		},
	})
	cancelDial()
	if err != nil {
		fatal("connect failed", err, "endpoint", cfg.Client.Endpoint)
	}
	defer func() { _ = ch.Close() }()

	reg, err := token.NewRegistry(ch, token.Options{
		Actor:  cfg.Client.ActorID,
		GMMode: cfg.Client.GMMode,
	})
	if err != nil {
		fatal("registry init failed", err)
	}
	for k := token.EventPrimed; k <= token.EventVisibility; k++ {
		reg.Bus().Subscribe(k, logEvent)
	}

	if err := reg.PrimeMany(cfg.Client.Prime...); err != nil {
		slog.Warn("prime failed", "err", err)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case <-ch.Done():
		st := ch.Stats()
		slog.Info("channel done", "sent", st.Sent, "received", st.Received, "timeouts", st.Timeouts)
		if err := ch.Err(); err != nil {
			fatal("connection lost", err)
		}
	}

	for _, t := range reg.Tokens() {
		_ = reg.Unprime(t.ID())
	}
}
