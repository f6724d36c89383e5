package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar) // supports runtime changes via SetLevel

// Init configures the global slog logger on stderr. Call once at startup.
// levelStr: "debug", "info", "warn", "error" (default: "info").
// format: "text" or "json" (default: "text").
func Init(levelStr, format string) {
	InitWriter(os.Stderr, levelStr, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, levelStr, format string) {
	parseLevel(levelStr)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with the given component name.
// The returned logger dynamically delegates to slog.Default(), so runtime
// changes to the global default (e.g., via CaptureForTest) take effect
// even for package-level logger variables. Attributes added with
// Logger.With are kept.
func For(component string) *slog.Logger {
	return slog.New(&dynamicHandler{component: component})
}

// SetLevel changes the log level at runtime. Useful in tests.
func SetLevel(l slog.Level) {
	level.Set(l)
}

func parseLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// handlerOp is one WithAttrs or WithGroup call, kept in call order so it
// can be replayed onto whatever handler is the default at log time.
type handlerOp struct {
	group string // set for WithGroup
	attrs []slog.Attr
}

func appendOp(ops []handlerOp, op handlerOp) []handlerOp {
	out := make([]handlerOp, 0, len(ops)+1)
	out = append(out, ops...)
	return append(out, op)
}

// dynamicHandler resolves slog.Default().Handler() on every call and
// replays its component and With/WithGroup calls onto it.
type dynamicHandler struct {
	component string
	ops       []handlerOp
}

func (h *dynamicHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	var target slog.Handler = slog.Default().Handler()
	target = target.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	for _, op := range h.ops {
		if op.group != "" {
			target = target.WithGroup(op.group)
		} else {
			target = target.WithAttrs(op.attrs)
		}
	}
	return target.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &dynamicHandler{component: h.component, ops: appendOp(h.ops, handlerOp{attrs: attrs})}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &dynamicHandler{component: h.component, ops: appendOp(h.ops, handlerOp{group: name})}
}
