package store

import (
	"context"
	"errors"

	"github.com/zlnvch/drawcast/models"
)

type DrawingStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, provider string, providerId string) (models.User, error)
	DeleteUser(ctx context.Context, provider string, providerId string) error
	IncrementUserStepCount(ctx context.Context, provider string, providerId string, count int) error

	AppendStep(ctx context.Context, sessionId string, content map[string]any, userId string) (models.DrawingStep, error)
	ListActiveSteps(ctx context.Context, sessionId string) ([]models.DrawingStep, error)
	LatestActiveStep(ctx context.Context, sessionId string) (models.DrawingStep, error)
	EarliestUndoneStep(ctx context.Context, sessionId string) (models.DrawingStep, error)
	// SetStepStatus only applies if the stored record still has step.Status.
	SetStepStatus(ctx context.Context, step models.DrawingStep, status models.StepStatus) error

	GetUserSessions(ctx context.Context, userId string) ([]string, error)
	AnonymizeUserSteps(ctx context.Context, userId string) (int, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
