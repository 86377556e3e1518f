package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/queue"
	"prime-checker/internal/store/memory"
)

func seedCheck(t *testing.T, st *memory.Store, number string) (models.Check, models.OutboxMessage) {
	t.Helper()
	msg, err := models.NewOutboxMessage(models.KindPrimeCheck, "", models.PrimeCheckPayload{Number: number}, nil)
	require.NoError(t, err)
	c := models.Check{ID: "check-" + number, Number: number}
	msg.CheckID = c.ID
	created, err := st.CreateCheck(context.Background(), c, msg)
	require.NoError(t, err)
	return created, msg
}

func TestFlushPublishesAndMarks(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Config{RedisAddr: mr.Addr(), PriorityQueues: []string{"high", "default", "low"}, VisibilityTimeout: time.Minute}
	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	st := memory.New()
	c, msg := seedCheck(t, st, "11")

	relay := NewRelay(cfg, st, q)
	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	task, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID, task.ID)
	assert.Equal(t, c.ID, task.CheckID)
	assert.Equal(t, models.KindPrimeCheck, task.Kind)
	assert.Equal(t, "high", task.Priority)
}

type flakyPublisher struct {
	failures int
	got      []queue.Task
}

func (f *flakyPublisher) Enqueue(_ context.Context, t queue.Task, _ time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("redis down")
	}
	f.got = append(f.got, t)
	return nil
}

func TestFlushKeepsMessageOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	_, msg := seedCheck(t, st, "12")
	pub := &flakyPublisher{failures: 1}
	relay := NewRelay(config.Config{}, st, pub)

	n, err := relay.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	pending, _ := st.PendingOutbox(ctx, 10)
	require.Len(t, pending, 1)

	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.got, 1)
	assert.Equal(t, msg.ID, pub.got[0].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := memory.New()
	seedCheck(t, st, "13")
	pub := &flakyPublisher{}
	relay := NewRelay(config.Config{OutboxInterval: time.Hour}, st, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := st.PendingOutbox(context.Background(), 10)
		return len(pending) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}
