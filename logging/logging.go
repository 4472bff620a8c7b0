// Package logging provides the structured logger shared by every core
// component. Components accept a *slog.Logger via a functional option and
// fall back to a discard handler rather than nil, so a caller that never
// configures logging still gets safe defaults.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Default returns a text-handler logger writing to stderr at Info level,
// the logger a daemon binary wires in by default.
func Default() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Discard returns a logger that drops everything. Components use this as
// their zero-value logger instead of leaving a nil *slog.Logger around.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
