package main

import (
	"golang.org/x/term"
	"log/slog"
	"os"
)

// newLogger writes human-readable logs when stderr is a terminal and JSON otherwise, for example
// when started by a service manager.
func newLogger(stderr *os.File, level slog.Level) *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(stderr.Fd())) {
		handler = slog.NewTextHandler(stderr, options)
	} else {
		handler = slog.NewJSONHandler(stderr, options)
	}

	return slog.New(handler)
}
