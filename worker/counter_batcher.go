package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zlnvch/drawcast/store"
)

type CounterUpdate struct {
	UserId         string // Kept for logging/reference
	UserProvider   string
	UserProviderId string
	Delta          int
}

// CounterBatcher aggregates per-user step counts and writes them to the store
// on a ticker, so a burst of strokes costs one counter update per user.
type CounterBatcher struct {
	UpdateCh           chan CounterUpdate
	drawingStore       store.DrawingStore
	tickerMilliseconds int
	logger             *slog.Logger
	inflight           sync.WaitGroup
}

func NewCounterBatcher(drawingStore store.DrawingStore, tickerMilliseconds int, logger *slog.Logger) *CounterBatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CounterBatcher{
		UpdateCh:           make(chan CounterUpdate, 1024),
		drawingStore:       drawingStore,
		tickerMilliseconds: tickerMilliseconds,
		logger:             logger.With("worker", "counter_batcher"),
	}
}

// Add queues an update without blocking. Updates are dropped when the
// buffer is full.
func (b *CounterBatcher) Add(update CounterUpdate) {
	select {
	case b.UpdateCh <- update:
	default:
		b.logger.Warn("counter update dropped", "userId", update.UserId, "delta", update.Delta)
	}
}

// Run consumes updates until shutdownCtx is done, then flushes and waits for
// the pending writes.
func (b *CounterBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	// Key: "provider#providerId" -> count
	userCounts := make(map[string]int)
	type providerKeys struct {
		p  string
		id string
	}
	userKeys := make(map[string]providerKeys)

	add := func(update CounterUpdate) {
		if update.UserProvider != "" && update.UserProviderId != "" {
			key := update.UserProvider + "#" + update.UserProviderId
			userCounts[key] += update.Delta
			userKeys[key] = providerKeys{p: update.UserProvider, id: update.UserProviderId}
		}
	}

	flush := func() {
		for key, count := range userCounts {
			if count == 0 {
				continue
			}
			pk := userKeys[key]
			b.inflight.Add(1)
			go func(p string, pid string, c int) {
				defer b.inflight.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := b.drawingStore.IncrementUserStepCount(ctx, p, pid, c); err != nil {
					b.logger.Error("failed to update step count", "provider", p, "providerId", pid, "delta", c, "error", err)
				}
			}(pk.p, pk.id, count)
		}
		userCounts = make(map[string]int)
		userKeys = make(map[string]providerKeys)
	}

	for {
		select {
		case update := <-b.UpdateCh:
			add(update)
			if len(userCounts) >= 100 {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			// Drain what is already buffered
			for len(b.UpdateCh) > 0 {
				add(<-b.UpdateCh)
			}
			flush()
			b.inflight.Wait()
			return
		}
	}
}
