// Package checks is the submission gateway: it validates input, records a new
// processing check and schedules its evaluation in one store write.
package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prime-checker/internal/models"
	"prime-checker/internal/telemetry"
)

// Repository is the store surface the gateway needs.
type Repository interface {
	CreateCheck(ctx context.Context, c models.Check, msgs ...models.OutboxMessage) (models.Check, error)
	GetCheck(ctx context.Context, id string) (models.Check, error)
	ListChecks(ctx context.Context, limit int) ([]models.Check, error)
}

// Service accepts submissions and serves reads.
type Service struct {
	repo      Repository
	listLimit int
	onSubmit  func()
	now       func() time.Time
	tracer    trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithListLimit caps list responses. Zero means unbounded.
func WithListLimit(n int) Option {
	return func(s *Service) { s.listLimit = n }
}

// WithSubmitHook runs fn after every accepted submission, e.g. to nudge the
// outbox relay.
func WithSubmitHook(fn func()) Option {
	return func(s *Service) { s.onSubmit = fn }
}

// NewService wires a gateway over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates raw, creates a processing check and enqueues it for
// evaluation. Blank input fails with models.ErrValidation and leaves no record.
// Only emptiness is checked here; malformed numbers are failed by the worker.
func (s *Service) Submit(ctx context.Context, raw string) (models.Check, error) {
	number := strings.TrimSpace(raw)
	if number == "" {
		telemetry.ChecksRejected.Inc()
		return models.Check{}, fmt.Errorf("%w: number must not be empty", models.ErrValidation)
	}

	ctx, span := s.tracer.Start(ctx, "checks.submit")
	defer span.End()

	id, err := uuid.NewV7()
	if err != nil {
		return models.Check{}, fmt.Errorf("check id: %w", err)
	}
	c := models.Check{
		ID:        id.String(),
		Number:    number,
		Status:    models.StatusProcessing,
		CreatedAt: s.now(),
		TraceID:   telemetry.TraceID(ctx),
	}
	span.SetAttributes(attribute.String("check.id", c.ID))

	msg, err := models.NewOutboxMessage(models.KindPrimeCheck, c.ID,
		models.PrimeCheckPayload{CheckID: c.ID, Number: number}, telemetry.InjectTrace(ctx))
	if err != nil {
		return models.Check{}, err
	}
	created, err := s.repo.CreateCheck(ctx, c, msg)
	if err != nil {
		span.RecordError(err)
		return models.Check{}, fmt.Errorf("create check: %w", err)
	}

	telemetry.ChecksSubmitted.Inc()
	log.Ctx(ctx).Info().Str("check_id", created.ID).Str("trace_id", created.TraceID).Msg("check submitted")
	if s.onSubmit != nil {
		s.onSubmit()
	}
	return created, nil
}

// Get returns one check or models.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (models.Check, error) {
	if strings.TrimSpace(id) == "" {
		return models.Check{}, fmt.Errorf("check %q: %w", id, models.ErrNotFound)
	}
	return s.repo.GetCheck(ctx, id)
}

// List returns the full snapshot of checks, newest first.
func (s *Service) List(ctx context.Context) ([]models.Check, error) {
	return s.repo.ListChecks(ctx, s.listLimit)
}
