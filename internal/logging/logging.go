// Package logging wires ragvault's structured logging on top of zerolog, following the
// teacher's internal/observability/logging.go convention: one process-wide logger, JSON
// output, level from config, request/job-scoped child loggers carrying correlation fields.
package logging

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Init initializes zerolog with sane defaults. If logPath is non-empty, logs are written to
// that file instead of stdout (append mode) so they don't interfere with an interactive
// terminal. If opening the file fails, logging falls back to stdout and a warning is printed
// to stderr.
func Init(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

// WithTrace returns a logger enriched with trace_id/span_id pulled from the context's active
// OpenTelemetry span, if any.
func WithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
		if sc.HasSpanID() {
			l = l.With().Str("span_id", sc.SpanID().String()).Logger()
		}
		if sc.IsSampled() {
			l = l.With().Bool("trace_sampled", true).Logger()
		}
	}
	return &l
}

// ForIngestion returns a child logger scoped to one ingestion job.
func ForIngestion(ctx context.Context, orgID, documentID, correlationID string) *zerolog.Logger {
	l := WithTrace(ctx).With().
		Str("org_id", orgID).
		Str("document_id", documentID).
		Str("correlation_id", correlationID).
		Logger()
	return &l
}

// ForQuery returns a child logger scoped to one query/ask call.
func ForQuery(ctx context.Context, orgID, conversationID, correlationID string) *zerolog.Logger {
	l := WithTrace(ctx).With().
		Str("org_id", orgID).
		Str("conversation_id", conversationID).
		Str("correlation_id", correlationID).
		Logger()
	return &l
}

