// Package outbox moves messages persisted alongside check writes onto the task
// queue. Delivery is at-least-once: a message is marked published only after
// the queue accepted it.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/queue"
	"prime-checker/internal/telemetry"
)

// Source is the store side of the outbox.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string) error
}

// Publisher accepts tasks for workers.
type Publisher interface {
	Enqueue(ctx context.Context, t queue.Task, runAt time.Time) error
}

// Relay periodically drains the outbox into the queue.
type Relay struct {
	src      Source
	pub      Publisher
	interval time.Duration
	batch    int
	kick     chan struct{}
	logger   zerolog.Logger
}

// NewRelay builds a relay using the outbox settings from cfg.
func NewRelay(cfg config.Config, src Source, pub Publisher) *Relay {
	interval := cfg.OutboxInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.OutboxBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		src:      src,
		pub:      pub,
		interval: interval,
		batch:    batch,
		kick:     make(chan struct{}, 1),
		logger:   log.With().Str("component", "outbox").Logger(),
	}
}

// Kick requests a flush ahead of the next tick. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every tick or kick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Int("batch", r.batch).Msg("outbox relay started")
	for {
		if n, err := r.Flush(ctx); err != nil {
			r.logger.Error().Err(err).Int("published", n).Msg("outbox flush failed")
		} else if n > 0 {
			r.logger.Debug().Int("published", n).Msg("outbox flushed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// Flush publishes one batch of pending messages and returns how many were
// handed to the queue. It stops at the first publish failure so ordering
// within a batch is preserved for the next attempt.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.src.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox: %w", err)
	}
	published := 0
	for _, m := range pending {
		if err := r.pub.Enqueue(ctx, TaskFor(m), time.Now()); err != nil {
			telemetry.OutboxErrors.Inc()
			return published, fmt.Errorf("publish %s %s: %w", m.Kind, m.ID, err)
		}
		if err := r.src.MarkOutboxPublished(ctx, m.ID); err != nil {
			// the task is already queued; a later flush re-enqueues the same id,
			// which the queue collapses while it is still pending
			telemetry.OutboxErrors.Inc()
			return published, fmt.Errorf("mark %s published: %w", m.ID, err)
		}
		telemetry.OutboxPublished.Inc()
		published++
	}
	return published, nil
}

// TaskFor converts an outbox message into a queue task. The task id is the
// outbox id so republishing is idempotent at the queue.
func TaskFor(m models.OutboxMessage) queue.Task {
	return queue.Task{
		ID:           m.ID,
		Kind:         m.Kind,
		CheckID:      m.CheckID,
		Priority:     priorityFor(m.Kind),
		Payload:      m.Payload,
		TraceContext: m.TraceContext,
		EnqueuedAt:   time.Now().UTC(),
	}
}

func priorityFor(kind string) string {
	switch kind {
	case models.KindPrimeCheck:
		return "high"
	case models.KindEmailSend:
		return "low"
	default:
		return "default"
	}
}
