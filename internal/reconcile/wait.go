package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"prime-checker/internal/models"
)

// Getter reads a single check.
type Getter interface {
	Get(ctx context.Context, id string) (models.Check, error)
}

// WaitTerminal polls g every interval until check id is completed or failed.
// models.ErrNotFound is returned as soon as it is seen; any other error is
// treated as transient and retried on the next tick.
func WaitTerminal(ctx context.Context, g Getter, id string, interval time.Duration) (models.Check, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg := log.Ctx(ctx).With().Str("check_id", id).Logger()
	for {
		c, err := g.Get(ctx, id)
		switch {
		case err == nil && c.Status.Terminal():
			return c, nil
		case errors.Is(err, models.ErrNotFound):
			return models.Check{}, err
		case err != nil && ctx.Err() == nil:
			lg.Debug().Err(err).Msg("poll failed, retrying")
		}

		select {
		case <-ctx.Done():
			return models.Check{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
