package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"clickid-service/internal/observability"
)

// Sweep purges expired sessions every interval (jittered) until ctx is
// cancelled. Stores with native expiry are left alone.
func Sweep(ctx context.Context, store Store, interval time.Duration) {
	p, ok := store.(Purger)
	if !ok || interval <= 0 {
		return
	}
	log.Info().Dur("interval", interval).Msg("session sweeper started")

	for {
		purgeOnce(ctx, p)

		t := time.NewTimer(jitter(interval))
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info().Msg("session sweeper stopped")
			return
		case <-t.C:
		}
	}
}

func purgeOnce(ctx context.Context, p Purger) {
	n, err := p.PurgeExpired(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("purge expired sessions")
		}
		return
	}
	if n > 0 {
		observability.SessionsPurged.Add(float64(n))
		log.Debug().Int("purged", n).Msg("expired sessions removed")
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
