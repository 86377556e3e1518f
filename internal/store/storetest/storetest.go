// Package storetest holds the behavioural suite every check store must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/models"
)

// Repository is the store surface exercised by the suite.
type Repository interface {
	CreateCheck(ctx context.Context, c models.Check, msgs ...models.OutboxMessage) (models.Check, error)
	GetCheck(ctx context.Context, id string) (models.Check, error)
	ListChecks(ctx context.Context, limit int) ([]models.Check, error)
	AttachCorrelation(ctx context.Context, id, traceID, messageID string) (models.Check, error)
	FinalizeCheck(ctx context.Context, fin models.Finalization, msgs ...models.OutboxMessage) (models.Check, error)
	PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string) error
}

// Run executes the suite. newStore must return an empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) Repository) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateRejectsBlank", func(t *testing.T) { testCreateRejectsBlank(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, newStore(t)) })
	t.Run("ListIdempotent", func(t *testing.T) { testListIdempotent(t, newStore(t)) })
	t.Run("FinalizeOnce", func(t *testing.T) { testFinalizeOnce(t, newStore(t)) })
	t.Run("FinalizeRejectsInvalid", func(t *testing.T) { testFinalizeRejectsInvalid(t, newStore(t)) })
	t.Run("CorrelationAppendOnly", func(t *testing.T) { testCorrelationAppendOnly(t, newStore(t)) })
	t.Run("ConcurrentFinalize", func(t *testing.T) { testConcurrentFinalize(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("OutboxLifecycle", func(t *testing.T) { testOutboxLifecycle(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, st Repository) {
	ctx := context.Background()
	created, err := st.CreateCheck(ctx, models.Check{Number: "  982451653 "})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "982451653", created.Number)
	assert.Equal(t, models.StatusProcessing, created.Status)
	assert.Nil(t, created.IsPrime)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := st.GetCheck(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Number, got.Number)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
}

func testCreateRejectsBlank(t *testing.T, st Repository) {
	ctx := context.Background()
	_, err := st.CreateCheck(ctx, models.Check{Number: " \t\n"})
	require.ErrorIs(t, err, models.ErrValidation)

	all, err := st.ListChecks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testGetUnknown(t *testing.T, st Repository) {
	_, err := st.GetCheck(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func testListNewestFirst(t *testing.T, st Repository) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 3; i++ {
		c, err := st.CreateCheck(ctx, models.Check{Number: "7", CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	all, err := st.ListChecks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := st.ListChecks(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, ids[2], limited[0].ID)
}

func testListIdempotent(t *testing.T, st Repository) {
	ctx := context.Background()
	pending, err := st.CreateCheck(ctx, models.Check{Number: "4"})
	require.NoError(t, err)
	done, err := st.CreateCheck(ctx, models.Check{Number: "17"})
	require.NoError(t, err)
	_, err = st.FinalizeCheck(ctx, models.Completed(done.ID, true))
	require.NoError(t, err)
	_, err = st.AttachCorrelation(ctx, pending.ID, "trace-a", "")
	require.NoError(t, err)

	first, err := st.ListChecks(ctx, 0)
	require.NoError(t, err)
	second, err := st.ListChecks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
}

func testFinalizeOnce(t *testing.T, st Repository) {
	ctx := context.Background()
	c, err := st.CreateCheck(ctx, models.Check{Number: "13"})
	require.NoError(t, err)

	fin := models.Completed(c.ID, true)
	fin.TraceID = "trace-1"
	fin.MessageID = "<m1@test>"
	done, err := st.FinalizeCheck(ctx, fin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.IsPrime)
	assert.True(t, *done.IsPrime)
	assert.Equal(t, "trace-1", done.TraceID)
	assert.Equal(t, "<m1@test>", done.MessageID)

	again, err := st.FinalizeCheck(ctx, models.Failed(c.ID))
	require.ErrorIs(t, err, models.ErrAlreadyFinalized)
	assert.Equal(t, models.StatusCompleted, again.Status)

	got, err := st.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.IsPrime)
	assert.True(t, *got.IsPrime)

	_, err = st.FinalizeCheck(ctx, models.Failed("missing"))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func testFinalizeRejectsInvalid(t *testing.T, st Repository) {
	ctx := context.Background()
	c, err := st.CreateCheck(ctx, models.Check{Number: "4"})
	require.NoError(t, err)

	_, err = st.FinalizeCheck(ctx, models.Finalization{ID: c.ID, Status: models.StatusCompleted})
	require.ErrorIs(t, err, models.ErrInvalidFinalization)

	got, err := st.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func testCorrelationAppendOnly(t *testing.T, st Repository) {
	ctx := context.Background()
	c, err := st.CreateCheck(ctx, models.Check{Number: "17"})
	require.NoError(t, err)

	got, err := st.AttachCorrelation(ctx, c.ID, "trace-a", "")
	require.NoError(t, err)
	assert.Equal(t, "trace-a", got.TraceID)
	assert.Empty(t, got.MessageID)

	got, err = st.AttachCorrelation(ctx, c.ID, "trace-b", "msg-a")
	require.NoError(t, err)
	assert.Equal(t, "trace-a", got.TraceID)
	assert.Equal(t, "msg-a", got.MessageID)

	fin := models.Failed(c.ID)
	fin.TraceID = "trace-c"
	fin.MessageID = "msg-c"
	got, err = st.FinalizeCheck(ctx, fin)
	require.NoError(t, err)
	assert.Equal(t, "trace-a", got.TraceID)
	assert.Equal(t, "msg-a", got.MessageID)

	_, err = st.AttachCorrelation(ctx, "missing", "t", "m")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func testConcurrentFinalize(t *testing.T, st Repository) {
	ctx := context.Background()
	c, err := st.CreateCheck(ctx, models.Check{Number: "19"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fin := models.Completed(c.ID, true)
			if i%2 == 1 {
				fin = models.Failed(c.ID)
			}
			_, err := st.FinalizeCheck(ctx, fin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrAlreadyFinalized):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := st.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, got.Status == models.StatusCompleted, got.IsPrime != nil)
}

func testConcurrentCreate(t *testing.T, st Repository) {
	ctx := context.Background()
	const n = 40
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := st.CreateCheck(ctx, models.Check{Number: "97"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- c.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	all, err := st.ListChecks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func testOutboxLifecycle(t *testing.T, st Repository) {
	ctx := context.Background()
	carrier := map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	c := models.Check{Number: "23"}
	msg, err := models.NewOutboxMessage(models.KindPrimeCheck, "", models.PrimeCheckPayload{Number: "23"}, carrier)
	require.NoError(t, err)

	// the outbox row references the check so the id is fixed up front
	c.ID = "check-outbox-1"
	msg.CheckID = c.ID
	_, err = st.CreateCheck(ctx, c, msg)
	require.NoError(t, err)

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
	assert.Equal(t, models.KindPrimeCheck, pending[0].Kind)
	assert.Equal(t, c.ID, pending[0].CheckID)
	assert.Equal(t, carrier, pending[0].TraceContext)
	assert.JSONEq(t, string(msg.Payload), string(pending[0].Payload))

	require.NoError(t, st.MarkOutboxPublished(ctx, msg.ID))
	require.NoError(t, st.MarkOutboxPublished(ctx, msg.ID))
	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	email, err := models.NewOutboxMessage(models.KindEmailSend, c.ID, models.EmailPayload{CheckID: c.ID, IsPrime: true}, nil)
	require.NoError(t, err)
	_, err = st.FinalizeCheck(ctx, models.Completed(c.ID, true), email)
	require.NoError(t, err)

	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.KindEmailSend, pending[0].Kind)

	_, err = st.FinalizeCheck(ctx, models.Failed(c.ID), email)
	require.ErrorIs(t, err, models.ErrAlreadyFinalized)
	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
