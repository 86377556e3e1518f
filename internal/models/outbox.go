package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox message kinds double as worker task types.
const (
	KindPrimeCheck = "prime_check"
	KindEmailSend  = "email_send"
)

// OutboxMessage is a pending hand-off to the task queue, persisted in the
// same write as the check change that produced it.
type OutboxMessage struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	CheckID      string            `json:"check_id"`
	Payload      json.RawMessage   `json:"payload"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
}

// PrimeCheckPayload asks a worker to evaluate one number.
type PrimeCheckPayload struct {
	CheckID string `json:"check_id"`
	Number  string `json:"number"`
}

// EmailPayload asks a worker to send the result notification.
type EmailPayload struct {
	CheckID   string `json:"check_id"`
	Number    string `json:"number"`
	IsPrime   bool   `json:"is_prime"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

// NewOutboxMessage marshals payload into a fresh outbox row.
func NewOutboxMessage(kind, checkID string, payload any, traceContext map[string]string) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("outbox id: %w", err)
	}
	return OutboxMessage{
		ID:           id.String(),
		Kind:         kind,
		CheckID:      checkID,
		Payload:      body,
		TraceContext: traceContext,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
