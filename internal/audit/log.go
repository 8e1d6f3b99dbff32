// Package audit records every mutation event as a structured audit entry,
// keyed by the request id carried on the context and the acting utilizer.
package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"idcore/internal/document"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger writes audit entries for mutation events.
type Logger struct {
	log *zap.SugaredLogger
}

// NewLogger builds the audit logger.
func NewLogger(log *zap.SugaredLogger) *Logger {
	if log == nil {
		log = obs.NopLogger()
	}
	return &Logger{log: log}
}

// Handler adapts the audit logger to the emitter chain. Secrets never reach
// the log: event payloads are already hash-stripped, and only identifiers
// are recorded here.
func (l *Logger) Handler() event.Handler {
	return func(ctx context.Context, evt event.Event) {
		fields := []any{
			"type", "audit",
			"event", string(evt.Type),
			"membership_id", evt.MembershipID,
			"at", evt.At,
		}
		if rid := RequestIDFromContext(ctx); rid != "" {
			fields = append(fields, "request_id", rid)
		}
		switch {
		case evt.Utilizer.Kind == identity.KindSystem:
			fields = append(fields, "utilizer", "system")
		case evt.Utilizer.ID != "":
			fields = append(fields, "utilizer", evt.Utilizer.ID, "utilizer_role", evt.Utilizer.Role)
		}
		if id := document.ID(evt.Document); id != "" {
			fields = append(fields, "document_id", id)
		}
		l.log.Infow("audit", fields...)
	}
}
