package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/models"
)

type reply struct {
	checks []models.Check
	err    error
}

// gatedFetcher blocks every List call until a reply is pushed.
type gatedFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	replies chan reply
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}, 16), replies: make(chan reply)}
}

func (f *gatedFetcher) List(ctx context.Context) ([]models.Check, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	select {
	case r := <-f.replies:
		return r.checks, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type staticFetcher struct {
	calls  atomic.Int32
	checks []models.Check
}

func (f *staticFetcher) List(context.Context) ([]models.Check, error) {
	f.calls.Add(1)
	return f.checks, nil
}

func check(id string, status models.Status) models.Check {
	return models.Check{ID: id, Number: "7", Status: status}
}

func ids(v View) []string {
	out := make([]string, 0, len(v.Checks))
	for _, c := range v.Checks {
		out = append(out, c.ID)
	}
	return out
}

func refreshAsync(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	return done
}

func TestSnapshotReplacesAndConfirmsProvisional(t *testing.T) {
	f := newGatedFetcher()
	s := NewSession(f)
	defer s.Close()

	s.AddProvisional(check("p1", models.StatusProcessing))
	s.AddProvisional(check("p2", models.StatusProcessing))
	assert.Equal(t, []string{"p2", "p1"}, ids(s.View()))
	assert.Equal(t, 2, s.View().Provisional)

	done := refreshAsync(s)
	<-f.started
	f.replies <- reply{checks: []models.Check{check("p1", models.StatusCompleted), check("old", models.StatusFailed)}}
	require.NoError(t, <-done)

	v := s.View()
	assert.Equal(t, []string{"p2", "p1", "old"}, ids(v))
	assert.Equal(t, 1, v.Provisional)
	got, ok := v.Find("p1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, got.Status)

	// a later snapshot fully replaces the earlier one
	done = refreshAsync(s)
	<-f.started
	f.replies <- reply{checks: []models.Check{check("p2", models.StatusProcessing)}}
	require.NoError(t, <-done)
	v = s.View()
	assert.Equal(t, []string{"p2"}, ids(v))
	assert.Zero(t, v.Provisional)
	assert.Equal(t, uint64(2), v.Seq)
}

func TestRefreshCoalesces(t *testing.T) {
	f := newGatedFetcher()
	s := NewSession(f)
	defer s.Close()

	done := refreshAsync(s)
	<-f.started

	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrFetchInFlight)
	assert.Equal(t, int32(1), f.calls.Load())

	f.replies <- reply{}
	require.NoError(t, <-done)

	// the slot is free again
	done = refreshAsync(s)
	<-f.started
	f.replies <- reply{}
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestFailureKeepsLastGoodSnapshot(t *testing.T) {
	f := newGatedFetcher()
	s := NewSession(f)
	defer s.Close()

	done := refreshAsync(s)
	<-f.started
	f.replies <- reply{checks: []models.Check{check("a", models.StatusProcessing)}}
	require.NoError(t, <-done)
	fetchedAt := s.View().FetchedAt

	boom := errors.New("503 service unavailable")
	done = refreshAsync(s)
	<-f.started
	f.replies <- reply{err: boom}
	assert.ErrorIs(t, <-done, boom)

	v := s.View()
	assert.Equal(t, []string{"a"}, ids(v))
	assert.ErrorIs(t, v.Err, boom)
	assert.Equal(t, fetchedAt, v.FetchedAt)

	done = refreshAsync(s)
	<-f.started
	f.replies <- reply{checks: []models.Check{check("a", models.StatusCompleted)}}
	require.NoError(t, <-done)
	assert.NoError(t, s.View().Err)
}

func TestStaleResultDiscarded(t *testing.T) {
	s := NewSession(&staticFetcher{})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.apply(ctx, 2, []models.Check{check("new", models.StatusCompleted)}, nil))
	require.NoError(t, s.apply(ctx, 1, []models.Check{check("old", models.StatusProcessing)}, nil))

	v := s.View()
	assert.Equal(t, []string{"new"}, ids(v))
	assert.Equal(t, uint64(2), v.Seq)
}

func TestCallerCancellationIsNotRecorded(t *testing.T) {
	f := newGatedFetcher()
	s := NewSession(f)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx) }()
	<-f.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	v := s.View()
	assert.NoError(t, v.Err)
	assert.Zero(t, v.Seq)
}

func TestCloseDiscardsInFlight(t *testing.T) {
	f := newGatedFetcher()
	var changes atomic.Int32
	s := NewSession(f, WithOnChange(func(View) { changes.Add(1) }))

	done := refreshAsync(s)
	<-f.started
	s.Close()

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Zero(t, changes.Load())
	assert.Zero(t, s.View().Seq)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)

	s.AddProvisional(check("late", models.StatusProcessing))
	assert.Empty(t, s.View().Checks)
}

func TestOnChangeObservesAppliedViews(t *testing.T) {
	var mu sync.Mutex
	var seen []View
	s := NewSession(&staticFetcher{checks: []models.Check{check("a", models.StatusProcessing)}},
		WithOnChange(func(v View) {
			mu.Lock()
			seen = append(seen, v)
			mu.Unlock()
		}))
	defer s.Close()

	s.AddProvisional(check("b", models.StatusProcessing))
	require.NoError(t, s.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"b"}, ids(seen[0]))
	assert.Equal(t, []string{"b", "a"}, ids(seen[1]))
	assert.Equal(t, uint64(1), seen[1].Seq)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	f := &staticFetcher{checks: []models.Check{check("a", models.StatusCompleted)}}
	s := NewSession(f)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return s.View().Seq >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunSkipsTicksWhileFetching(t *testing.T) {
	f := newGatedFetcher()
	s := NewSession(f)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), 2*time.Millisecond) }()
	<-f.started

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())

	s.Close()
	assert.NoError(t, <-done)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestStartStopsOnClose(t *testing.T) {
	f := &staticFetcher{}
	s := NewSession(f)

	require.NoError(t, s.Start(2*time.Millisecond))
	require.Eventually(t, func() bool { return s.View().Seq >= 2 }, time.Second, time.Millisecond)
	s.Close()

	calls := f.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.calls.Load())
	assert.ErrorIs(t, s.Start(time.Millisecond), ErrClosed)
}
