package cache

import (
	"context"
	"errors"
	"time"

	"github.com/zlnvch/drawcast/models"
)

var ErrLockNotAcquired = errors.New("session lock not acquired")

type StepCacheItem struct {
	StepId string
	Step   int
	Data   []byte
}

type DrawingCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// AcquireSessionLock blocks until the session lock is held or ttl elapses
	// while waiting. The returned release func is safe to call once.
	AcquireSessionLock(ctx context.Context, sessionId string, ttl time.Duration) (release func(), err error)

	AddStep(ctx context.Context, sessionId string, stepId string, step int, stepData []byte) error
	AddStepsBatch(ctx context.Context, sessionId string, steps []StepCacheItem) error
	RemoveStep(ctx context.Context, sessionId string, stepId string) error
	GetSteps(ctx context.Context, sessionId string) ([][]byte, error)

	SetSessionComplete(ctx context.Context, sessionId string) error
	IsSessionComplete(ctx context.Context, sessionId string) (bool, error)
	InvalidateSessions(ctx context.Context, sessionIds []string) error

	// JoinPresence reports true when this is the member's first connection to the session.
	JoinPresence(ctx context.Context, sessionId string, member models.Member) (bool, error)
	// LeavePresence reports true when the member's last connection left the session.
	LeavePresence(ctx context.Context, sessionId string, memberId string) (bool, error)
	GetPresence(ctx context.Context, sessionId string) ([]models.Member, error)
}
