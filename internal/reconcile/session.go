// Package reconcile keeps a client-side view of checks consistent with the
// server by polling full snapshots.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"prime-checker/internal/models"
)

var (
	// ErrFetchInFlight is returned by Refresh while another fetch is outstanding.
	ErrFetchInFlight = errors.New("reconcile: fetch already in flight")
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("reconcile: session closed")
)

// Fetcher returns the authoritative list of checks.
type Fetcher interface {
	List(ctx context.Context) ([]models.Check, error)
}

// View is an immutable picture of the session at one point in time.
type View struct {
	// Checks lists provisional checks first, newest first, followed by the
	// last applied snapshot in server order.
	Checks []models.Check
	// Provisional counts the leading entries not yet confirmed by a snapshot.
	Provisional int
	// Err is the error of the most recent fetch, nil after a success.
	Err error
	// Seq is the sequence number of the last applied fetch.
	Seq       uint64
	FetchedAt time.Time
}

// Find returns the check with id, if present in the view.
func (v View) Find(id string) (models.Check, bool) {
	for _, c := range v.Checks {
		if c.ID == id {
			return c, true
		}
	}
	return models.Check{}, false
}

// Option customizes a Session.
type Option func(*Session)

// WithOnChange registers fn to observe every applied view. fn is called
// without the session lock held.
func WithOnChange(fn func(View)) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session reconciles local state with the server. All methods are safe for
// concurrent use.
type Session struct {
	fetcher  Fetcher
	onChange func(View)
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	snapshot    []models.Check
	provisional []models.Check
	err         error
	nextSeq     uint64
	appliedSeq  uint64
	fetchedAt   time.Time
	inFlight    bool
	closed      bool
}

// NewSession creates a session backed by f.
func NewSession(f Fetcher, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		fetcher: f,
		logger:  log.With().Str("component", "reconcile").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddProvisional shows c ahead of the snapshot until a snapshot containing
// its id arrives.
func (s *Session) AddProvisional(c models.Check) {
	s.mu.Lock()
	if s.closed || containsID(s.snapshot, c.ID) || containsID(s.provisional, c.ID) {
		s.mu.Unlock()
		return
	}
	s.provisional = append([]models.Check{c}, s.provisional...)
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify(v)
}

// View returns the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Refresh fetches one full snapshot and applies it. It returns
// ErrFetchInFlight without fetching if another fetch is outstanding, and the
// fetch error when the fetch fails.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrFetchInFlight
	}
	s.inFlight = true
	s.nextSeq++
	seq := s.nextSeq
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	checks, err := s.fetcher.List(fetchCtx)
	return s.apply(ctx, seq, checks, err)
}

func (s *Session) apply(ctx context.Context, seq uint64, checks []models.Check, fetchErr error) error {
	s.mu.Lock()
	s.inFlight = false
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if seq <= s.appliedSeq {
		s.mu.Unlock()
		s.logger.Debug().Uint64("seq", seq).Msg("discarding stale result")
		return fetchErr
	}
	if fetchErr != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the server.
		s.mu.Unlock()
		return fetchErr
	}

	s.appliedSeq = seq
	if fetchErr != nil {
		s.err = fetchErr
	} else {
		s.err = nil
		s.fetchedAt = time.Now()
		s.snapshot = append([]models.Check(nil), checks...)
		kept := s.provisional[:0]
		for _, p := range s.provisional {
			if !containsID(s.snapshot, p.ID) {
				kept = append(kept, p)
			}
		}
		s.provisional = kept
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.notify(v)
	return fetchErr
}

// Run refreshes immediately and then every interval until ctx is cancelled
// or the session is closed. A tick that fires while a fetch is outstanding
// is skipped.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if !s.track() {
		return ErrClosed
	}
	defer s.wg.Done()
	return s.run(ctx, interval)
}

// Start runs the poll loop in the background until Close.
func (s *Session) Start(interval time.Duration) error {
	if !s.track() {
		return ErrClosed
	}
	go func() {
		defer s.wg.Done()
		_ = s.run(s.ctx, interval)
	}()
	return nil
}

// track registers one more goroutine for Close to wait on.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Session) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	err := s.Refresh(ctx)
	switch {
	case err == nil, errors.Is(err, ErrClosed):
	case errors.Is(err, ErrFetchInFlight):
		s.logger.Debug().Msg("tick skipped, fetch outstanding")
	case ctx.Err() == nil:
		s.logger.Warn().Err(err).Msg("refresh failed")
	}
}

// Close stops the session and waits for outstanding work. Results of fetches
// still in flight are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Session) viewLocked() View {
	checks := make([]models.Check, 0, len(s.provisional)+len(s.snapshot))
	checks = append(checks, s.provisional...)
	checks = append(checks, s.snapshot...)
	return View{
		Checks:      checks,
		Provisional: len(s.provisional),
		Err:         s.err,
		Seq:         s.appliedSeq,
		FetchedAt:   s.fetchedAt,
	}
}

func (s *Session) notify(v View) {
	if s.onChange != nil {
		s.onChange(v)
	}
}

func containsID(checks []models.Check, id string) bool {
	for _, c := range checks {
		if c.ID == id {
			return true
		}
	}
	return false
}
