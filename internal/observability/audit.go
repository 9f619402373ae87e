package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	AuditIdentity = "identity"
	AuditService  = "service"
	AuditPayment  = "payment"
)

// Audit statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditEvent is one line of the audit trail
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // DID acting, or the agent name before registration
	Action    string                 `json:"action"`          // e.g. "register", "accept_service"
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger appends identity, service and payment events as JSON lines.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NewAuditLogger writes events to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w)}
}

// OpenAuditLog appends events to the file at path, creating it if needed
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	a := NewAuditLogger(file)
	a.closer = file
	return a, nil
}

// Record emits event to the trail and, when ctx carries a span, as a span event
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("event_type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Send()
}

// Close closes the underlying file, if the logger owns one
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}

// RecordRegistration records an identity registration attempt
func (a *AuditLogger) RecordRegistration(ctx context.Context, name, did string, err error) {
	meta := map[string]interface{}{"name": name}
	if err != nil {
		meta["error"] = err.Error()
	}
	actor := did
	if actor == "" {
		actor = name
	}
	a.Record(ctx, AuditEvent{
		Type:     AuditIdentity,
		Actor:    actor,
		Action:   "register",
		Status:   status(err),
		Metadata: meta,
	})
}

// RecordServiceRequest records a service request enqueued for provider
func (a *AuditLogger) RecordServiceRequest(ctx context.Context, requester, provider, service string, amount float64, sent bool) {
	s := StatusSuccess
	if !sent {
		s = StatusFailure
	}
	a.Record(ctx, AuditEvent{
		Type:   AuditService,
		Actor:  requester,
		Action: "request_service",
		Status: s,
		Metadata: map[string]interface{}{
			"provider": provider,
			"service":  service,
			"amount":   amount,
		},
	})
}

// RecordPayment records a service payment from requester to provider
func (a *AuditLogger) RecordPayment(ctx context.Context, requester, provider, service string, amount float64, transferID string, err error) {
	meta := map[string]interface{}{
		"requester": requester,
		"service":   service,
		"amount":    amount,
	}
	if transferID != "" {
		meta["transfer_id"] = transferID
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	a.Record(ctx, AuditEvent{
		Type:     AuditPayment,
		Actor:    provider,
		Action:   "accept_service",
		Status:   status(err),
		Metadata: meta,
	})
}
