package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/queue"
	"prime-checker/internal/store/memory"
)

const remoteTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func primeTask(t *testing.T, st *memory.Store, number string) (models.Check, queue.Task) {
	t.Helper()
	c, err := st.CreateCheck(context.Background(), models.Check{Number: number})
	require.NoError(t, err)
	body, err := json.Marshal(models.PrimeCheckPayload{CheckID: c.ID, Number: c.Number})
	require.NoError(t, err)
	return c, queue.Task{ID: "task-" + c.ID, Kind: models.KindPrimeCheck, CheckID: c.ID, Payload: body}
}

func TestPrimeHandlerCompletes(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{NotifyRecipient: "user@example.com", MessageIDDomain: "test"}, st, NewProbablyPrime(0))

	c, task := primeTask(t, st, "2147483647")
	require.NoError(t, h.Handle(ctx, task))

	got, err := st.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.IsPrime)
	assert.True(t, *got.IsPrime)
	assert.Regexp(t, `^<.+@test>$`, got.MessageID)

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.KindEmailSend, pending[0].Kind)
	var email models.EmailPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &email))
	assert.Equal(t, got.MessageID, email.MessageID)
	assert.Equal(t, "user@example.com", email.Recipient)
	assert.True(t, email.IsPrime)
}

func TestPrimeHandlerWithoutRecipientSkipsEmail(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))

	c, task := primeTask(t, st, "91")
	require.NoError(t, h.Handle(ctx, task))

	got, _ := st.GetCheck(ctx, c.ID)
	require.NotNil(t, got.IsPrime)
	assert.False(t, *got.IsPrime)
	assert.Empty(t, got.MessageID)
	pending, _ := st.PendingOutbox(ctx, 10)
	assert.Empty(t, pending)
}

func TestPrimeHandlerFailsMalformedNumber(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{NotifyRecipient: "user@example.com"}, st, NewProbablyPrime(0))

	c, task := primeTask(t, st, "12abc")
	require.NoError(t, h.Handle(ctx, task))

	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.IsPrime)
	pending, _ := st.PendingOutbox(ctx, 10)
	assert.Empty(t, pending)
}

func TestPrimeHandlerRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	calls := 0
	calc := CalculatorFunc(func(string) (bool, error) {
		calls++
		return true, nil
	})
	h := NewPrimeHandler(config.Config{}, st, calc)

	c, task := primeTask(t, st, "5")
	require.NoError(t, h.Handle(ctx, task))
	require.NoError(t, h.Handle(ctx, task))
	assert.Equal(t, 1, calls)

	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestPrimeHandlerRecordsTraceFromTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))
	setupPropagation(t)

	c, task := primeTask(t, st, "3")
	task.TraceContext = map[string]string{"traceparent": remoteTraceparent}
	require.NoError(t, h.Handle(ctx, task))

	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID)
}

func TestPrimeHandlerKeepsExistingTraceID(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))
	setupPropagation(t)

	c, err := st.CreateCheck(ctx, models.Check{Number: "3", TraceID: "original"})
	require.NoError(t, err)
	body, _ := json.Marshal(models.PrimeCheckPayload{CheckID: c.ID, Number: "3"})
	task := queue.Task{ID: "t", Kind: models.KindPrimeCheck, CheckID: c.ID, Payload: body,
		TraceContext: map[string]string{"traceparent": remoteTraceparent}}
	require.NoError(t, h.Handle(ctx, task))

	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, "original", got.TraceID)
}

func TestPrimeHandlerStoreErrorsRetry(t *testing.T) {
	st := &brokenStore{Store: memory.New()}
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))
	_, task := primeTask(t, st.Store, "7")
	err := h.Handle(context.Background(), task)
	require.Error(t, err)
	var perm permanentError
	assert.False(t, errors.As(err, &perm))
}

func TestPrimeHandlerUnknownCheckIsDropped(t *testing.T) {
	h := NewPrimeHandler(config.Config{}, memory.New(), NewProbablyPrime(0))
	body, _ := json.Marshal(models.PrimeCheckPayload{CheckID: "missing", Number: "7"})
	err := h.Handle(context.Background(), queue.Task{ID: "t", Kind: models.KindPrimeCheck, CheckID: "missing", Payload: body})
	assert.NoError(t, err)
}

func TestPrimeHandlerBadPayloadFailsCheck(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))
	c, task := primeTask(t, st, "7")
	task.Payload = json.RawMessage(`{`)
	require.NoError(t, h.Handle(ctx, task))

	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestPrimeHandlerDeadLetterFailsCheck(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := NewPrimeHandler(config.Config{}, st, NewProbablyPrime(0))
	c, task := primeTask(t, st, "7")

	h.DeadLetter(ctx, task, errors.New("exhausted"))
	got, _ := st.GetCheck(ctx, c.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.IsPrime)

	// a second dead letter for a finished check leaves it untouched
	h.DeadLetter(ctx, task, errors.New("again"))
	got, _ = st.GetCheck(ctx, c.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
}

type brokenStore struct {
	*memory.Store
}

func (b *brokenStore) FinalizeCheck(context.Context, models.Finalization, ...models.OutboxMessage) (models.Check, error) {
	return models.Check{}, errors.New("connection reset")
}
