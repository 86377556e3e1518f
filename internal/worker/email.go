package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prime-checker/internal/models"
	"prime-checker/internal/notify"
	"prime-checker/internal/queue"
	"prime-checker/internal/telemetry"
)

// EmailHandler delivers email_send tasks.
type EmailHandler struct {
	sender notify.Sender
	tracer trace.Tracer
}

func NewEmailHandler(sender notify.Sender) *EmailHandler {
	return &EmailHandler{sender: sender, tracer: telemetry.Tracer()}
}

func (h *EmailHandler) Handle(ctx context.Context, task queue.Task) error {
	ctx = telemetry.ExtractTrace(ctx, task.TraceContext)
	ctx, span := h.tracer.Start(ctx, "notify.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("check.id", task.CheckID)))
	defer span.End()

	var p models.EmailPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode email payload: %w", err))
	}
	span.SetAttributes(attribute.String("messaging.message.id", p.MessageID))
	if err := h.sender.Send(ctx, notify.ResultMessage(p.MessageID, p.Recipient, p.Number, p.IsPrime)); err != nil {
		span.RecordError(err)
		return err
	}
	telemetry.EmailsSent.Inc()
	return nil
}
