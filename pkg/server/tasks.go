package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/vitals/pkg/cache"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/badger"
)

const (
	purgeRetries   = 3
	purgeBaseDelay = 5 * time.Second

	// gcMaxRewrites bounds value log rewrites per tick
	gcMaxRewrites = 8
)

// Purger is the cache maintenance surface
type Purger interface {
	Purge(ctx context.Context, grace time.Duration) (int, error)
	Evict()
}

// RunPurge deletes superseded snapshots periodically, retrying a failed
// pass with exponential backoff.
func RunPurge(ctx context.Context, p Purger, interval, grace time.Duration, logger *log.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	logger = logger.WithPrefix("purge")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= purgeRetries; attempt++ {
			if attempt > 0 {
				delay := purgeBaseDelay * time.Duration(1<<(attempt-1))
				logger.Warn("retrying purge", "in", delay, "attempt", attempt+1)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			n, err := p.Purge(ctx, grace)
			if err == nil {
				p.Evict()
				if n > 0 {
					logger.Info("purge completed", "snapshots", n, "took", time.Since(start).Round(time.Millisecond))
				}
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("purge failed", "attempt", attempt+1, "deleted", n, "err", err)
		}
		logger.Error("purge failed, will retry on next schedule", "attempts", purgeRetries+1)
	}

	logger.Debug("purge scheduler started", "interval", interval, "grace", grace)
	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			logger.Debug("stopping purge scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically to
// reclaim space left by purged snapshots. Other stores are skipped.
func RunBadgerGC(ctx context.Context, store storage.Store, interval time.Duration, ratio float64, logger *log.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	logger = logger.WithPrefix("gc")

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Debug("storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("BadgerDB GC scheduler started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			rewrites := 0
			// badger rewrites at most one file per call
			for rewrites < gcMaxRewrites {
				if err := badgerStore.RunGC(ratio); err != nil {
					if !errors.Is(err, badgerdb.ErrNoRewrite) {
						logger.Warn("value log GC failed", "err", err)
					}
					break
				}
				rewrites++
			}
			if rewrites > 0 {
				logger.Info("value log GC reclaimed space", "files", rewrites, "took", time.Since(start).Round(time.Millisecond))
			}
		case <-ctx.Done():
			logger.Debug("stopping BadgerDB GC scheduler")
			return
		}
	}
}

// StatsMessage is pushed to WebSocket clients with cache occupancy
type StatsMessage struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Cache     cache.Stats    `json:"cache"`
	L2        *storage.Stats `json:"l2,omitempty"`
}

// CacheStatser reports cache occupancy
type CacheStatser interface {
	Stats() cache.Stats
	StorageStats(ctx context.Context) (*storage.Stats, error)
}

// BroadcastCacheStats periodically pushes cache stats to WebSocket clients.
// Uses exponential backoff on L2 errors to prevent log spam during outages.
func BroadcastCacheStats(ctx context.Context, c CacheStatser, hub *ProgressHub, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.HasClients() {
				continue
			}

			msg := StatsMessage{Type: "cache_stats", Timestamp: time.Now().Unix(), Cache: c.Stats()}
			l2, err := c.StorageStats(ctx)
			if err != nil {
				consecutiveErrors++
				now := time.Now()

				// 1s, 2s, 4s ... capped at 5m
				backoff := min(time.Duration(1<<uint(min(consecutiveErrors-1, 8)))*time.Second, maxBackoff)
				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					logger.Warn("failed to read L2 stats for broadcast", "errors", consecutiveErrors, "backoff", backoff, "err", err)
					lastErrorTime = now
				}
			} else {
				if consecutiveErrors > 0 {
					logger.Info("stats broadcast recovered", "after_errors", consecutiveErrors)
					consecutiveErrors = 0
				}
				msg.L2 = l2
			}

			if err := hub.Broadcast(msg); err != nil {
				logger.Warn("failed to broadcast stats", "err", err)
			}
		}
	}
}
