package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/notify"
	"prime-checker/internal/queue"
	"prime-checker/internal/telemetry"
)

// CheckStore is the store surface workers mutate.
type CheckStore interface {
	GetCheck(ctx context.Context, id string) (models.Check, error)
	AttachCorrelation(ctx context.Context, id, traceID, messageID string) (models.Check, error)
	FinalizeCheck(ctx context.Context, fin models.Finalization, msgs ...models.OutboxMessage) (models.Check, error)
}

// PrimeHandler evaluates prime_check tasks and finalizes their checks. A
// completed check also schedules its result email when a recipient is set.
type PrimeHandler struct {
	store         CheckStore
	calc          Calculator
	recipient     string
	messageDomain string
	tracer        trace.Tracer
}

// NewPrimeHandler wires the handler with notification settings from cfg.
func NewPrimeHandler(cfg config.Config, st CheckStore, calc Calculator) *PrimeHandler {
	return &PrimeHandler{
		store:         st,
		calc:          calc,
		recipient:     cfg.NotifyRecipient,
		messageDomain: cfg.MessageIDDomain,
		tracer:        telemetry.Tracer(),
	}
}

// Handle processes one delivery. Redelivery of a finished check is a no-op.
func (h *PrimeHandler) Handle(ctx context.Context, task queue.Task) error {
	ctx = telemetry.ExtractTrace(ctx, task.TraceContext)
	ctx, span := h.tracer.Start(ctx, "primecheck.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("check.id", task.CheckID)))
	defer span.End()
	lg := zerolog.Ctx(ctx)

	var payload models.PrimeCheckPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.CheckID == "" {
		lg.Error().Err(err).Msg("undecodable prime_check payload")
		return h.finalize(ctx, span, h.failure(ctx, task.CheckID))
	}

	check, err := h.store.GetCheck(ctx, payload.CheckID)
	if errors.Is(err, models.ErrNotFound) {
		lg.Warn().Msg("check vanished, dropping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load check: %w", err)
	}
	if check.Terminal() {
		lg.Debug().Str("status", string(check.Status)).Msg("check already finalized")
		return nil
	}

	if traceID := telemetry.TraceID(ctx); traceID != "" && check.TraceID == "" {
		if _, err := h.store.AttachCorrelation(ctx, check.ID, traceID, ""); err != nil {
			return fmt.Errorf("attach trace id: %w", err)
		}
	}

	start := time.Now()
	isPrime, calcErr := h.calc.IsPrime(payload.Number)
	telemetry.CalculationHistogram.Observe(time.Since(start).Seconds())
	if calcErr != nil {
		lg.Info().Err(calcErr).Msg("number rejected")
		span.SetStatus(codes.Error, calcErr.Error())
		return h.finalize(ctx, span, h.failure(ctx, check.ID))
	}

	fin := models.Completed(check.ID, isPrime)
	fin.TraceID = telemetry.TraceID(ctx)
	var msgs []models.OutboxMessage
	if h.recipient != "" {
		fin.MessageID = notify.NewMessageID(h.messageDomain)
		email, err := models.NewOutboxMessage(models.KindEmailSend, check.ID, models.EmailPayload{
			CheckID:   check.ID,
			Number:    check.Number,
			IsPrime:   isPrime,
			MessageID: fin.MessageID,
			Recipient: h.recipient,
		}, telemetry.InjectTrace(ctx))
		if err != nil {
			return err
		}
		msgs = append(msgs, email)
	}
	span.SetAttributes(attribute.Bool("check.is_prime", isPrime))
	return h.finalize(ctx, span, fin, msgs...)
}

// DeadLetter fails the check of a task that exhausted its retries so it never
// stays processing.
func (h *PrimeHandler) DeadLetter(ctx context.Context, task queue.Task, cause error) {
	ctx = telemetry.ExtractTrace(ctx, task.TraceContext)
	_, err := h.store.FinalizeCheck(ctx, h.failure(ctx, task.CheckID))
	switch {
	case err == nil:
		telemetry.ChecksFinalized.WithLabelValues(string(models.StatusFailed)).Inc()
		zerolog.Ctx(ctx).Warn().AnErr("cause", cause).Msg("check failed after retries")
	case errors.Is(err, models.ErrAlreadyFinalized), errors.Is(err, models.ErrNotFound):
	default:
		zerolog.Ctx(ctx).Error().Err(err).Msg("fail dead-lettered check")
	}
}

func (h *PrimeHandler) failure(ctx context.Context, checkID string) models.Finalization {
	fin := models.Failed(checkID)
	fin.TraceID = telemetry.TraceID(ctx)
	return fin
}

func (h *PrimeHandler) finalize(ctx context.Context, span trace.Span, fin models.Finalization, msgs ...models.OutboxMessage) error {
	if fin.ID == "" {
		return Permanent(errors.New("task carries no check id"))
	}
	c, err := h.store.FinalizeCheck(ctx, fin, msgs...)
	if errors.Is(err, models.ErrAlreadyFinalized) {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Msg("check vanished before finalization")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("finalize check: %w", err)
	}
	telemetry.ChecksFinalized.WithLabelValues(string(c.Status)).Inc()
	zerolog.Ctx(ctx).Info().
		Str("status", string(c.Status)).
		Str("trace_id", c.TraceID).
		Str("message_id", c.MessageID).
		Msg("check finalized")
	return nil
}
