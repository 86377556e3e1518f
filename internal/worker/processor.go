package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prime-checker/internal/config"
	"prime-checker/internal/queue"
	"prime-checker/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg         config.Config
	queue       *queue.RedisQueue
	handlers    map[string]Handler
	deadLetters map[string]DeadLetterHook
	workerID    string
	logger      zerolog.Logger
}

// Handler executes a task of a given kind.
type Handler func(ctx context.Context, task queue.Task) error

// DeadLetterHook runs after a task of a given kind was moved to the DLQ.
type DeadLetterHook func(ctx context.Context, task queue.Task, cause error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the task is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue) *Processor {
	return NewProcessorWithID(cfg, q, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, workerID string) *Processor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:         cfg,
		queue:       q,
		handlers:    make(map[string]Handler),
		deadLetters: make(map[string]DeadLetterHook),
		workerID:    workerID,
		logger:      log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
	}
}

// RegisterHandler binds a handler to a task kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// OnDeadLetter binds a hook to a task kind.
func (p *Processor) OnDeadLetter(kind string, hook DeadLetterHook) {
	if kind == "" || hook == nil {
		return
	}
	p.deadLetters[kind] = hook
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("visibility", p.cfg.VisibilityTimeout).
		Dur("backoff_initial", p.cfg.BackoffInitial).
		Int("max_attempts", p.cfg.MaxAttempts).
		Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		processed, err := p.processNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("process task")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// maintain promotes due retries and reclaims expired leases.
func (p *Processor) maintain(ctx context.Context) {
	if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("promote scheduled")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("requeue expired")
	} else if len(reclaimed) > 0 {
		p.logger.Warn().Strs("task_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// processNext leases and runs at most one task. It reports whether a task was leased.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	lg := p.logger.With().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Str("check_id", task.CheckID).
		Int("attempt", task.Attempts+1).
		Logger()
	taskCtx := lg.WithContext(ctx)

	stopHeartbeat := p.heartbeat(taskCtx, task.ID)
	err = p.runTask(taskCtx, task)
	stopHeartbeat()

	if err == nil {
		telemetry.WorkerSuccess.WithLabelValues(task.Kind).Inc()
		lg.Debug().Msg("task completed")
		return true, p.queue.Ack(ctx, task.ID)
	}
	if ctx.Err() != nil {
		// leave the lease to expire so another worker reclaims the task
		return true, ctx.Err()
	}

	task.Attempts++
	task.LastError = err.Error()

	var perm permanentError
	if errors.As(err, &perm) || task.Attempts >= p.cfg.MaxAttempts {
		return true, p.deadLetter(ctx, task, err, lg)
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts)
	nextRun := time.Now().Add(backoff)
	if err := p.queue.Schedule(ctx, task, nextRun); err != nil {
		return true, fmt.Errorf("schedule retry: %w", err)
	}
	if err := p.queue.Release(ctx, task.ID); err != nil {
		return true, fmt.Errorf("release lease: %w", err)
	}
	telemetry.WorkerFailures.WithLabelValues(task.Kind).Inc()
	lg.Warn().Err(err).Time("next_run", nextRun).Msg("task failed, retry scheduled")
	return true, nil
}

func (p *Processor) deadLetter(ctx context.Context, task queue.Task, cause error, lg zerolog.Logger) error {
	if err := p.queue.DLQPush(ctx, task, cause.Error()); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	if err := p.queue.Ack(ctx, task.ID); err != nil {
		return fmt.Errorf("ack dead letter: %w", err)
	}
	telemetry.WorkerDeadLetter.WithLabelValues(task.Kind).Inc()
	lg.Error().Err(cause).Msg("task dead-lettered")
	if hook, ok := p.deadLetters[task.Kind]; ok {
		hook(lg.WithContext(ctx), task, cause)
	}
	return nil
}

// heartbeat extends the lease at half the visibility timeout while a handler runs.
func (p *Processor) heartbeat(ctx context.Context, taskID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, taskID, p.cfg.VisibilityTimeout); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (p *Processor) runTask(ctx context.Context, task queue.Task) error {
	handler, ok := p.handlers[task.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for kind %q", task.Kind))
	}
	return handler(ctx, task)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
