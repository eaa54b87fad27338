package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/store"
)

// AnonymizeUserSteps detaches a deleted user from every step they authored.
// The steps stay in their sessions; cached histories of those sessions are
// dropped so they reload without the user id.
func AnonymizeUserSteps(ctx context.Context, drawingStore store.DrawingStore, drawingCache cache.DrawingCache, userId string, logger *slog.Logger) error {
	sessions, err := drawingStore.GetUserSessions(ctx, userId)
	if err != nil {
		return fmt.Errorf("get user sessions: %w", err)
	}

	count, err := drawingStore.AnonymizeUserSteps(ctx, userId)
	if err != nil {
		return fmt.Errorf("anonymize user steps: %w", err)
	}

	if err := drawingCache.InvalidateSessions(ctx, sessions); err != nil {
		// Cached entries expire on their own
		logger.Warn("failed to invalidate sessions", "userId", userId, "sessions", len(sessions), "error", err)
	}

	logger.Info("anonymized user steps", "userId", userId, "steps", count, "sessions", len(sessions))
	return nil
}
