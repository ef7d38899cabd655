package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	webhookRoute       = "/api/webhooks/payments"
	webhookSpanName    = "payments.webhook.receive"
	webhookEventName   = "webhook.request"
	webhookEventDomain = "payments"
	webhookAttrPrefix  = "recon.webhook."
)

type webhookRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	verifyDuration time.Duration
	ledgerDuration time.Duration
	applyDuration  time.Duration

	eventType      string
	notificationID string
	outcome        string
	errorStage     string
}

func newWebhookRequestMetrics(ctx context.Context, logger *log.Logger) (*webhookRequestMetrics, context.Context) {
	tracer := otel.Tracer("payment-recon/api")
	spanCtx, span := tracer.Start(ctx, webhookSpanName)
	return &webhookRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *webhookRequestMetrics) ObserveVerify(d time.Duration) {
	if d <= 0 {
		return
	}
	m.verifyDuration = d
}

func (m *webhookRequestMetrics) ObserveLedger(d time.Duration) {
	if d <= 0 {
		return
	}
	m.ledgerDuration = d
}

func (m *webhookRequestMetrics) ObserveApply(d time.Duration) {
	if d <= 0 {
		return
	}
	m.applyDuration = d
}

func (m *webhookRequestMetrics) SetEventType(t string) {
	m.eventType = t
}

func (m *webhookRequestMetrics) SetNotificationID(id string) {
	m.notificationID = id
}

func (m *webhookRequestMetrics) SetOutcome(outcome string) {
	m.outcome = outcome
}

func (m *webhookRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finalizes the span and emits one structured observability event for
// this delivery.
func (m *webhookRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", webhookRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64(webhookAttrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.verifyDuration > 0 {
		attrs = append(attrs, attribute.Float64(webhookAttrPrefix+"verify_ms", durationToMillis(m.verifyDuration)))
	}
	if m.ledgerDuration > 0 {
		attrs = append(attrs, attribute.Float64(webhookAttrPrefix+"ledger_ms", durationToMillis(m.ledgerDuration)))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64(webhookAttrPrefix+"apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.eventType != "" {
		attrs = append(attrs, attribute.String(webhookAttrPrefix+"event_type", m.eventType))
	}
	if m.notificationID != "" {
		attrs = append(attrs, attribute.String(webhookAttrPrefix+"notification_id", m.notificationID))
	}
	if m.outcome != "" {
		attrs = append(attrs, attribute.String(webhookAttrPrefix+"outcome", m.outcome))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(webhookAttrPrefix+"error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", webhookEventName),
			attribute.String("event.domain", webhookEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else if status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      webhookEventName,
		"event.domain":    webhookEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrMap,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
