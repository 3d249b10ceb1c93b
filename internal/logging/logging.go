// Package logging builds the slog loggers used by the server, the MCP bridge
// and the CLI, and carries request-scoped fields through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	fieldsKey ctxKey = iota
	loggerKey
)

// fields are the request-scoped values L attaches to every record.
type fields struct {
	requestID string
	sessionID string
}

func fieldsFrom(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey).(fields)
	return f
}

func (f fields) attrs() []slog.Attr {
	var out []slog.Attr
	if f.requestID != "" {
		out = append(out, slog.String("request_id", f.requestID))
	}
	if f.sessionID != "" {
		out = append(out, slog.String("session_id", f.sessionID))
	}
	return out
}

// New returns a logger on stdout.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a logger on w in "json" or "text" format. The MCP
// bridge and the CLI pass stderr so stdout stays clean.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	f := fieldsFrom(ctx)
	f.requestID = id
	return context.WithValue(ctx, fieldsKey, f)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string { return fieldsFrom(ctx).requestID }

// WithSessionID tags ctx with the battle session being driven.
func WithSessionID(ctx context.Context, id string) context.Context {
	f := fieldsFrom(ctx)
	f.sessionID = id
	return context.WithValue(ctx, fieldsKey, f)
}

// SessionID returns the id set by WithSessionID, or "".
func SessionID(ctx context.Context) string { return fieldsFrom(ctx).sessionID }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the stored logger or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// L returns the context logger with ctx's request and session ids attached.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	attrs := fieldsFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	return slog.New(logger.Handler().WithAttrs(attrs))
}
