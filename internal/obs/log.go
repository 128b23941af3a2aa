package obs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, zerolog.InfoLevel, "json")
)

func newLogger(w io.Writer, level zerolog.Level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "befunny-auth").Logger()
}

// InitLogger configures the process logger. Format is "json" or "console".
func InitLogger(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != "json" && format != "console" {
		return fmt.Errorf("unsupported log format %q", format)
	}
	loggerMu.Lock()
	logger = newLogger(os.Stdout, lvl, format)
	loggerMu.Unlock()
	return nil
}

// SetOutput redirects the process logger, keeping JSON output. Tests use it
// to capture log lines.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	logger = newLogger(w, logger.GetLevel(), "json")
	loggerMu.Unlock()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return &l
}

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts the request id from ctx if present.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// From returns the process logger enriched with the request id and the
// active trace, if any.
func From(ctx context.Context) *zerolog.Logger {
	l := Logger()
	if ctx == nil {
		return l
	}
	c := l.With()
	if rid := RequestID(ctx); rid != "" {
		c = c.Str("request_id", rid)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		c = c.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	out := c.Logger()
	return &out
}
