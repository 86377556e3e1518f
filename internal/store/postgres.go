package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prime-checker/internal/models"
)

// Store wraps pgxpool for Postgres persistence of checks and their outbox.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const checkColumns = `id, number, status, is_prime, trace_id, message_id, created_at`

// CreateCheck inserts a processing check together with its outbox messages in
// one transaction. Once it returns, reads observe the new record.
func (s *Store) CreateCheck(ctx context.Context, c models.Check, msgs ...models.OutboxMessage) (models.Check, error) {
	c, err := prepareCheck(c)
	if err != nil {
		return models.Check{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Check{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO checks (id, number, status, trace_id, message_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $6)
	`, c.ID, c.Number, string(c.Status), c.TraceID, c.MessageID, c.CreatedAt)
	if err != nil {
		return models.Check{}, fmt.Errorf("insert check: %w", err)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return models.Check{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Check{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// GetCheck fetches a check by id.
func (s *Store) GetCheck(ctx context.Context, id string) (models.Check, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = $1`, id)
	c, err := scanCheck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Check{}, fmt.Errorf("check %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Check{}, fmt.Errorf("scan check: %w", err)
	}
	return c, nil
}

// ListChecks returns checks newest first. A non-positive limit returns all of them.
func (s *Store) ListChecks(ctx context.Context, limit int) ([]models.Check, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkColumns+` FROM checks
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($1::bigint, 0)
	`, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	out := make([]models.Check, 0)
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return out, nil
}

// AttachCorrelation fills trace_id and message_id when they are still unset.
// Values already present are never replaced.
func (s *Store) AttachCorrelation(ctx context.Context, id, traceID, messageID string) (models.Check, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE checks
		SET trace_id = COALESCE(trace_id, NULLIF($2, '')),
		    message_id = COALESCE(message_id, NULLIF($3, '')),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+checkColumns, id, traceID, messageID)
	c, err := scanCheck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Check{}, fmt.Errorf("check %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Check{}, fmt.Errorf("attach correlation: %w", err)
	}
	return c, nil
}

// FinalizeCheck moves a processing check to a terminal status in a single
// conditional update and records follow-up outbox messages in the same
// transaction. A check that is already terminal is returned unchanged with
// models.ErrAlreadyFinalized.
func (s *Store) FinalizeCheck(ctx context.Context, fin models.Finalization, msgs ...models.OutboxMessage) (models.Check, error) {
	if err := fin.Validate(); err != nil {
		return models.Check{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Check{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE checks
		SET status = $2,
		    is_prime = $3,
		    trace_id = COALESCE(trace_id, NULLIF($4, '')),
		    message_id = COALESCE(message_id, NULLIF($5, '')),
		    updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING `+checkColumns,
		fin.ID, string(fin.Status), fin.IsPrime, fin.TraceID, fin.MessageID, string(models.StatusProcessing))
	c, err := scanCheck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetCheck(ctx, fin.ID)
		if getErr != nil {
			return models.Check{}, getErr
		}
		return current, fmt.Errorf("check %s is %s: %w", fin.ID, current.Status, models.ErrAlreadyFinalized)
	}
	if err != nil {
		return models.Check{}, fmt.Errorf("finalize check: %w", err)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return models.Check{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Check{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// PendingOutbox returns unpublished outbox messages, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, check_id, payload, trace_context, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxMessage
	for rows.Next() {
		var m models.OutboxMessage
		var payload, traceCtx []byte
		if err := rows.Scan(&m.ID, &m.Kind, &m.CheckID, &payload, &traceCtx, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.Payload = payload
		if len(traceCtx) > 0 {
			if err := json.Unmarshal(traceCtx, &m.TraceContext); err != nil {
				return nil, fmt.Errorf("unmarshal trace context: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// MarkOutboxPublished stamps a message as handed to the queue.
func (s *Store) MarkOutboxPublished(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET published_at = NOW() WHERE id = $1 AND published_at IS NULL
	`, id)
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, msgs []models.OutboxMessage) error {
	for _, m := range msgs {
		traceCtx, err := json.Marshal(m.TraceContext)
		if err != nil {
			return fmt.Errorf("marshal trace context: %w", err)
		}
		if m.TraceContext == nil {
			traceCtx = []byte("{}")
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (id, kind, check_id, payload, trace_context, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.ID, m.Kind, m.CheckID, []byte(m.Payload), traceCtx, createdAt)
		if err != nil {
			return fmt.Errorf("insert outbox %s: %w", m.Kind, err)
		}
	}
	return nil
}

// prepareCheck normalizes a new record: trimmed number, processing status,
// fresh time-ordered id and creation time when the caller did not supply them.
func prepareCheck(c models.Check) (models.Check, error) {
	c.Number = strings.TrimSpace(c.Number)
	if c.Number == "" {
		return models.Check{}, fmt.Errorf("%w: number is required", models.ErrValidation)
	}
	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Check{}, fmt.Errorf("check id: %w", err)
		}
		c.ID = id.String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = models.StatusProcessing
	c.IsPrime = nil
	return c, nil
}

func scanCheck(row pgx.Row) (models.Check, error) {
	var c models.Check
	var status string
	var isPrime pgtype.Bool
	var traceID, messageID pgtype.Text
	if err := row.Scan(&c.ID, &c.Number, &status, &isPrime, &traceID, &messageID, &c.CreatedAt); err != nil {
		return models.Check{}, err
	}
	c.Status = models.Status(status)
	c.IsPrime = boolPtr(isPrime)
	c.TraceID = textValue(traceID)
	c.MessageID = textValue(messageID)
	return c, nil
}

func boolPtr(b pgtype.Bool) *bool {
	if b.Valid {
		return &b.Bool
	}
	return nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
