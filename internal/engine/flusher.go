package engine

import (
	"context"
	"log"
	"time"
)

const defaultFlushInterval = 30 * time.Second

// StartOutboxFlusher retries queued submissions in the background until the
// context is canceled. One flush runs at a time; failures are logged and
// retried on the next tick. Each tick also evicts expired sessions and
// entity cache entries older than twice the TTL.
func StartOutboxFlusher(ctx context.Context, e Engine, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if sent, failed, err := e.FlushOutbox(ctx); err != nil {
				log.Printf("outbox: flush failed: %v", err)
			} else if sent > 0 || failed > 0 {
				log.Printf("outbox: flushed sent=%d failed=%d", sent, failed)
			}
			e.housekeep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (e Engine) housekeep(ctx context.Context) {
	now := e.now()
	if n, err := e.Repo.DeleteExpiredSessions(ctx, now); err != nil {
		log.Printf("housekeep: expired sessions: %v", err)
	} else if n > 0 {
		log.Printf("housekeep: removed %d expired sessions", n)
	}
	ttl := time.Duration(e.Config.Cache.TTLSeconds) * time.Second
	if _, err := e.Repo.CachePurge(ctx, now.Add(-2*ttl)); err != nil {
		log.Printf("housekeep: cache purge: %v", err)
	}
}
