package main

import (
	"io"
	"log/slog"
	"time"

	"disorder.dev/shandler"
)

func configureLogger(cfg *Globals, stdout, stderr io.Writer) *slog.Logger {
	handlerOpts := []shandler.HandlerOption{
		shandler.WithStdOut(stdout),
		shandler.WithStdErr(stderr),
	}

	switch cfg.LogLevel {
	case "debug":
		handlerOpts = append(handlerOpts, shandler.WithLogLevel(slog.LevelDebug))
	case "info":
		handlerOpts = append(handlerOpts, shandler.WithLogLevel(slog.LevelInfo))
	case "warn":
		handlerOpts = append(handlerOpts, shandler.WithLogLevel(slog.LevelWarn))
	default:
		handlerOpts = append(handlerOpts, shandler.WithLogLevel(slog.LevelError))
	}

	switch cfg.LogTimeFormat {
	case "TimeOnly":
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.TimeOnly))
	case "DateOnly":
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.DateOnly))
	case "Stamp":
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.Stamp))
	case "RFC822":
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.RFC822))
	case "RFC3339":
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.RFC3339))
	default:
		handlerOpts = append(handlerOpts, shandler.WithTimeFormat(time.DateTime))
	}

	if cfg.LogJSON {
		handlerOpts = append(handlerOpts, shandler.WithJSON())
	}
	if cfg.LogColor {
		handlerOpts = append(handlerOpts, shandler.WithColor())
	}

	return slog.New(shandler.NewHandler(handlerOpts...))
}
