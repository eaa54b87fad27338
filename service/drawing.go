package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/zlnvch/drawcast/broadcast"
	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/store"
	"github.com/zlnvch/drawcast/worker"
)

var (
	ErrNothingToUndo = errors.New("No steps to undo")
	ErrNothingToRedo = errors.New("No steps to redo")

	// errStatusContention means the step picked for undo/redo kept changing
	// under us; only possible when the session lock expired mid-operation.
	errStatusContention = errors.New("step status changed concurrently")
)

const (
	maxStatusAttempts = 3
	publishTimeout    = 5 * time.Second
)

type AppendParams struct {
	// User is nil for anonymous drawing.
	User      *models.User
	SessionId string
	Type      string
	Data      map[string]any
	// SocketId, when set, keeps the broadcast from that websocket connection.
	SocketId string
}

type UndoRedoParams struct {
	User      *models.User
	SessionId string
	SocketId  string
}

// AppendStep stores a new step at the end of the session and broadcasts it
// with its step number merged into the data.
func (s *Service) AppendStep(ctx context.Context, params AppendParams) (models.DrawingStep, error) {
	if err := ValidateSessionId(params.SessionId); err != nil {
		return models.DrawingStep{}, err
	}
	if err := ValidateStepType(params.Type); err != nil {
		return models.DrawingStep{}, err
	}
	if err := ValidateStepData(params.Data); err != nil {
		return models.DrawingStep{}, err
	}

	userId := userIdOf(params.User)

	var step models.DrawingStep
	err := s.withSessionLock(ctx, params.SessionId, func() error {
		var err error
		step, err = s.Store.AppendStep(ctx, params.SessionId, params.Data, userId)
		if err != nil {
			return err
		}
		s.cacheStep(ctx, step)
		return nil
	})
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: %w", err)
	}

	s.Logger.Info("step appended", "sessionId", step.SessionId, "step", step.Step, "type", params.Type, "userId", userId)

	if params.User != nil && s.CounterBatcher != nil {
		s.CounterBatcher.Add(worker.CounterUpdate{
			UserId:         params.User.Id,
			UserProvider:   params.User.Provider,
			UserProviderId: params.User.ProviderId,
			Delta:          1,
		})
	}

	s.publishAsync(models.SessionEvent{
		SessionId: step.SessionId,
		Type:      params.Type,
		Data:      withStep(params.Data, step.Step),
		UserId:    userId,
	}, broadcast.Options{ExcludeSocketId: params.SocketId})

	return step, nil
}

// Undo marks the latest active step of the session as undone and returns
// its step number.
func (s *Service) Undo(ctx context.Context, params UndoRedoParams) (int, error) {
	if err := ValidateSessionId(params.SessionId); err != nil {
		return 0, err
	}

	var target models.DrawingStep
	err := s.withSessionLock(ctx, params.SessionId, func() error {
		var err error
		target, err = s.transition(ctx, params.SessionId, models.StepUndone)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNothingToUndo) {
			return 0, ErrNothingToUndo
		}
		return 0, fmt.Errorf("undo: %w", err)
	}

	userId := userIdOf(params.User)
	s.Logger.Info("step undone", "sessionId", params.SessionId, "step", target.Step, "userId", userId)

	// Undo notifications carry the step number only
	s.publishAsync(models.SessionEvent{
		SessionId: params.SessionId,
		Type:      "undo",
		Data:      map[string]any{"step": target.Step},
		UserId:    userId,
	}, broadcast.Options{ExcludeSocketId: params.SocketId})

	return target.Step, nil
}

// Redo reactivates the earliest undone step of the session and returns its
// step number.
func (s *Service) Redo(ctx context.Context, params UndoRedoParams) (int, error) {
	if err := ValidateSessionId(params.SessionId); err != nil {
		return 0, err
	}

	var target models.DrawingStep
	err := s.withSessionLock(ctx, params.SessionId, func() error {
		var err error
		target, err = s.transition(ctx, params.SessionId, models.StepActive)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNothingToRedo) {
			return 0, ErrNothingToRedo
		}
		return 0, fmt.Errorf("redo: %w", err)
	}

	userId := userIdOf(params.User)
	s.Logger.Info("step redone", "sessionId", params.SessionId, "step", target.Step, "userId", userId)

	s.publishAsync(models.SessionEvent{
		SessionId: params.SessionId,
		Type:      "redo",
		Data:      withStep(target.Content, target.Step),
		UserId:    userId,
	}, broadcast.Options{ExcludeSocketId: params.SocketId})

	return target.Step, nil
}

// transition flips the next undo (to undone) or redo (to active) target of
// the session. The store only applies the flip if the step still has the
// status we read, so a lost race re-reads the target.
func (s *Service) transition(ctx context.Context, sessionId string, to models.StepStatus) (models.DrawingStep, error) {
	find, nothing := s.Store.LatestActiveStep, ErrNothingToUndo
	if to == models.StepActive {
		find, nothing = s.Store.EarliestUndoneStep, ErrNothingToRedo
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		step, err := find(ctx, sessionId)
		if errors.Is(err, store.ErrItemNotFound) {
			return models.DrawingStep{}, nothing
		}
		if err != nil {
			return models.DrawingStep{}, err
		}

		err = s.Store.SetStepStatus(ctx, step, to)
		if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrItemNotFound) {
			s.Logger.Warn("step status changed concurrently, retrying", "sessionId", sessionId, "step", step.Step, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return models.DrawingStep{}, err
		}

		step.Status = to
		if to == models.StepActive {
			s.cacheStep(ctx, step)
		} else {
			s.uncacheStep(ctx, step)
		}
		return step, nil
	}

	return models.DrawingStep{}, errStatusContention
}

// History returns the active steps of the session in step order. A complete
// cached history is served from Redis; otherwise the store is read and the
// cache filled under the session lock.
func (s *Service) History(ctx context.Context, sessionId string) ([]models.DrawingStep, error) {
	if err := ValidateSessionId(sessionId); err != nil {
		return nil, err
	}

	complete, err := s.Cache.IsSessionComplete(ctx, sessionId)
	if err != nil {
		s.Logger.Warn("history cache unavailable", "sessionId", sessionId, "error", err)
	}
	if complete {
		steps, err := s.cachedSteps(ctx, sessionId)
		if err == nil {
			return steps, nil
		}
		s.Logger.Warn("failed to read cached history", "sessionId", sessionId, "error", err)
	}

	release, err := s.Cache.AcquireSessionLock(ctx, sessionId, s.lockTTL())
	if err != nil {
		// Still serve the history, just without filling the cache
		s.Logger.Warn("history served without cache fill", "sessionId", sessionId, "error", err)
		steps, err := s.Store.ListActiveSteps(ctx, sessionId)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		return steps, nil
	}
	defer release()

	steps, err := s.Store.ListActiveSteps(ctx, sessionId)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	s.fillCache(ctx, sessionId, steps)

	return steps, nil
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return defaultLockTTL
	}
	return s.LockTTL
}

func (s *Service) withSessionLock(ctx context.Context, sessionId string, fn func() error) error {
	release, err := s.Cache.AcquireSessionLock(ctx, sessionId, s.lockTTL())
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionId, err)
	}
	defer release()

	return fn()
}

func (s *Service) cacheStep(ctx context.Context, step models.DrawingStep) {
	stepBytes, err := json.Marshal(step)
	if err == nil {
		err = s.Cache.AddStep(ctx, step.SessionId, step.Id, step.Step, stepBytes)
	}
	if err != nil {
		s.invalidateCache(ctx, step.SessionId, err)
	}
}

func (s *Service) uncacheStep(ctx context.Context, step models.DrawingStep) {
	if err := s.Cache.RemoveStep(ctx, step.SessionId, step.Id); err != nil {
		s.invalidateCache(ctx, step.SessionId, err)
	}
}

// invalidateCache drops a session's cached history after a failed cache
// write, so the next read goes to the store.
func (s *Service) invalidateCache(ctx context.Context, sessionId string, cause error) {
	s.Logger.Warn("history cache write failed", "sessionId", sessionId, "error", cause)
	if err := s.Cache.InvalidateSessions(ctx, []string{sessionId}); err != nil {
		s.Logger.Error("failed to invalidate history cache", "sessionId", sessionId, "error", err)
	}
}

func (s *Service) fillCache(ctx context.Context, sessionId string, steps []models.DrawingStep) {
	items := make([]cache.StepCacheItem, 0, len(steps))
	for _, step := range steps {
		stepBytes, err := json.Marshal(step)
		if err != nil {
			s.Logger.Warn("history not cached", "sessionId", sessionId, "error", err)
			return
		}
		items = append(items, cache.StepCacheItem{StepId: step.Id, Step: step.Step, Data: stepBytes})
	}

	if err := s.Cache.AddStepsBatch(ctx, sessionId, items); err != nil {
		s.invalidateCache(ctx, sessionId, err)
		return
	}
	if err := s.Cache.SetSessionComplete(ctx, sessionId); err != nil {
		s.Logger.Warn("failed to mark history cached", "sessionId", sessionId, "error", err)
	}
}

func (s *Service) cachedSteps(ctx context.Context, sessionId string) ([]models.DrawingStep, error) {
	raw, err := s.Cache.GetSteps(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	steps := make([]models.DrawingStep, 0, len(raw))
	for _, data := range raw {
		var step models.DrawingStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("decode cached step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Side effect - the caller gets its result as soon as the store write is done
func (s *Service) publishAsync(event models.SessionEvent, opts broadcast.Options) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.Gateway.Publish(ctx, event, opts); err != nil {
			s.Logger.Error("broadcast failed", "sessionId", event.SessionId, "type", event.Type, "error", err)
		}
	}()
}

// withStep copies data and sets its step field.
func withStep(data map[string]any, step int) map[string]any {
	merged := make(map[string]any, len(data)+1)
	maps.Copy(merged, data)
	merged["step"] = step
	return merged
}

func userIdOf(user *models.User) string {
	if user == nil {
		return ""
	}
	return user.Id
}
