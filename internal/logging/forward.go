package logging

import (
	"context"
	"log/slog"
)

// Sink receives log records for forwarding outside the process, e.g. as
// RPC log frames to the host console.
type Sink func(level slog.Level, message string, args map[string]any)

// Forwarder is a slog.Handler that delivers each record to an inner handler
// and additionally to a Sink. Sink failures are ignored; forwarding must
// never break local logging.
type Forwarder struct {
	inner slog.Handler
	sink  Sink
}

// NewForwarder wraps inner so records also reach sink.
func NewForwarder(inner slog.Handler, sink Sink) *Forwarder {
	return &Forwarder{inner: inner, sink: sink}
}

func (f *Forwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

func (f *Forwarder) Handle(ctx context.Context, rec slog.Record) error {
	if f.sink != nil {
		args := make(map[string]any, rec.NumAttrs())
		rec.Attrs(func(a slog.Attr) bool {
			args[a.Key] = a.Value.Any()
			return true
		})
		f.sink(rec.Level, rec.Message, args)
	}
	return f.inner.Handle(ctx, rec)
}

func (f *Forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Forwarder{inner: f.inner.WithAttrs(attrs), sink: f.sink}
}

func (f *Forwarder) WithGroup(name string) slog.Handler {
	return &Forwarder{inner: f.inner.WithGroup(name), sink: f.sink}
}
