package models

import (
	"fmt"
	"time"
)

// Status enumerates lifecycle states of a check. processing is the only
// initial state; completed and failed are terminal.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Check is a single primality request and its eventual result.
type Check struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Status    Status    `json:"status"`
	IsPrime   *bool     `json:"is_prime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TraceID   string    `json:"trace_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// Terminal reports whether the check has reached completed or failed.
func (c Check) Terminal() bool {
	return c.Status.Terminal()
}

// Finalization is the single terminal update a worker applies to a check.
// Empty correlation ids leave the stored values untouched.
type Finalization struct {
	ID        string
	Status    Status
	IsPrime   *bool
	TraceID   string
	MessageID string
}

// Completed builds a successful finalization.
func Completed(id string, isPrime bool) Finalization {
	return Finalization{ID: id, Status: StatusCompleted, IsPrime: &isPrime}
}

// Failed builds a failed finalization.
func Failed(id string) Finalization {
	return Finalization{ID: id, Status: StatusFailed}
}

// Validate enforces that the target status is terminal and that is_prime is
// present exactly when the check completed.
func (f Finalization) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing check id", ErrInvalidFinalization)
	}
	if !f.Status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidFinalization, f.Status)
	}
	if f.Status == StatusCompleted && f.IsPrime == nil {
		return fmt.Errorf("%w: completed check requires is_prime", ErrInvalidFinalization)
	}
	if f.Status == StatusFailed && f.IsPrime != nil {
		return fmt.Errorf("%w: failed check must not carry is_prime", ErrInvalidFinalization)
	}
	return nil
}

// Apply returns c with the finalization merged in. Correlation ids are only
// filled when still empty.
func (f Finalization) Apply(c Check) Check {
	c.Status = f.Status
	c.IsPrime = nil
	if f.IsPrime != nil {
		v := *f.IsPrime
		c.IsPrime = &v
	}
	if c.TraceID == "" {
		c.TraceID = f.TraceID
	}
	if c.MessageID == "" {
		c.MessageID = f.MessageID
	}
	return c
}
