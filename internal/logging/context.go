package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stateKey
	bandKey
)

// WithRunID returns a context with the workflow run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithState returns a context with the current workflow state set.
func WithState(ctx context.Context, state string) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

// WithBand returns a context with the RF band set.
func WithBand(ctx context.Context, band string) context.Context {
	return context.WithValue(ctx, bandKey, band)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// State extracts the workflow state from the context, or "" if absent.
func State(ctx context.Context) string {
	v, _ := ctx.Value(stateKey).(string)
	return v
}

// Band extracts the RF band from the context, or "" if absent.
func Band(ctx context.Context) string {
	v, _ := ctx.Value(bandKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, runID, state, band string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithState(ctx, state)
	ctx = WithBand(ctx, band)
	return ctx
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if s := State(ctx); s != "" {
		logger = logger.With(slog.String("state", s))
	}
	if b := Band(ctx); b != "" {
		logger = logger.With(slog.String("band", b))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting the run
// ID, workflow state, and band from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and correlation values appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := State(ctx); v != "" {
		r.AddAttrs(slog.String("state", v))
	}
	if v := Band(ctx); v != "" {
		r.AddAttrs(slog.String("band", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
