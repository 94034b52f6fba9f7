package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelshome/pels/pkg/app"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/sdk"
	"github.com/pelshome/pels/pkg/server"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/tracker"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// .env values never override the real environment
	_ = godotenv.Load()

	// init packages
	s := storage.Configured()
	client := sdk.Configured()
	tr := tracker.Configured(s)
	a := app.Configured(s, client, tr)

	// init server, and stream plan events out over its websocket hub
	srv := server.Configured(a, s)
	a.Service().AddSink(srv.Hub())

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the control core and the HTTP server run side by side; either one
	// failing takes the other down through the shared context
	errChan := make(chan error, 2)
	go func() {
		errChan <- a.Run(ctx)
	}()
	go func() {
		errChan <- srv.Run(ctx)
	}()

	var failed bool
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			failed = true
			log.Ctx(ctx).ErrorContext(ctx, "run failed", "error", err)
			cancel()
		}
	}
	if failed {
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
