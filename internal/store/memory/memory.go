// Package memory is an in-process check store with the same contract as the
// Postgres store. It backs tests and the single-binary development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prime-checker/internal/models"
)

// Store keeps checks and outbox messages behind one mutex so every mutation
// is observed atomically by readers.
type Store struct {
	mu     sync.RWMutex
	checks map[string]models.Check
	outbox []models.OutboxMessage
	now    func() time.Time
}

// New builds an empty store.
func New() *Store {
	return &Store{
		checks: make(map[string]models.Check),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateCheck(_ context.Context, c models.Check, msgs ...models.OutboxMessage) (models.Check, error) {
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
		c.CreatedAt = s.now()
	}
	c.Status = models.StatusProcessing
	c.IsPrime = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[c.ID]; exists {
		return models.Check{}, fmt.Errorf("insert check: duplicate id %s", c.ID)
	}
	s.checks[c.ID] = c
	s.appendOutbox(msgs)
	return clone(c), nil
}

func (s *Store) GetCheck(_ context.Context, id string) (models.Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checks[id]
	if !ok {
		return models.Check{}, fmt.Errorf("check %s: %w", id, models.ErrNotFound)
	}
	return clone(c), nil
}

// ListChecks returns checks newest first. A non-positive limit returns all of them.
func (s *Store) ListChecks(_ context.Context, limit int) ([]models.Check, error) {
	s.mu.RLock()
	out := make([]models.Check, 0, len(s.checks))
	for _, c := range s.checks {
		out = append(out, clone(c))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AttachCorrelation(_ context.Context, id, traceID, messageID string) (models.Check, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	if !ok {
		return models.Check{}, fmt.Errorf("check %s: %w", id, models.ErrNotFound)
	}
	if c.TraceID == "" {
		c.TraceID = traceID
	}
	if c.MessageID == "" {
		c.MessageID = messageID
	}
	s.checks[id] = c
	return clone(c), nil
}

func (s *Store) FinalizeCheck(_ context.Context, fin models.Finalization, msgs ...models.OutboxMessage) (models.Check, error) {
	if err := fin.Validate(); err != nil {
		return models.Check{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[fin.ID]
	if !ok {
		return models.Check{}, fmt.Errorf("check %s: %w", fin.ID, models.ErrNotFound)
	}
	if c.Terminal() {
		return clone(c), fmt.Errorf("check %s is %s: %w", fin.ID, c.Status, models.ErrAlreadyFinalized)
	}
	c = fin.Apply(c)
	s.checks[fin.ID] = c
	s.appendOutbox(msgs)
	return clone(c), nil
}

func (s *Store) PendingOutbox(_ context.Context, limit int) ([]models.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutboxMessage
	for _, m := range s.outbox {
		if m.PublishedAt != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil {
			now := s.now()
			s.outbox[i].PublishedAt = &now
		}
	}
	return nil
}

func (s *Store) appendOutbox(msgs []models.OutboxMessage) {
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		s.outbox = append(s.outbox, m)
	}
}

func clone(c models.Check) models.Check {
	if c.IsPrime != nil {
		v := *c.IsPrime
		c.IsPrime = &v
	}
	return c
}
