package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/drawcast/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	args := m.Called(ctx, provider, providerId)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) DeleteUser(ctx context.Context, provider string, providerId string) error {
	args := m.Called(ctx, provider, providerId)
	return args.Error(0)
}

func (m *MockStore) IncrementUserStepCount(ctx context.Context, provider string, providerId string, count int) error {
	args := m.Called(ctx, provider, providerId, count)
	return args.Error(0)
}

func (m *MockStore) AppendStep(ctx context.Context, sessionId string, content map[string]any, userId string) (models.DrawingStep, error) {
	args := m.Called(ctx, sessionId, content, userId)
	return args.Get(0).(models.DrawingStep), args.Error(1)
}

func (m *MockStore) ListActiveSteps(ctx context.Context, sessionId string) ([]models.DrawingStep, error) {
	args := m.Called(ctx, sessionId)
	steps, _ := args.Get(0).([]models.DrawingStep)
	return steps, args.Error(1)
}

func (m *MockStore) LatestActiveStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.DrawingStep), args.Error(1)
}

func (m *MockStore) EarliestUndoneStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.DrawingStep), args.Error(1)
}

func (m *MockStore) SetStepStatus(ctx context.Context, step models.DrawingStep, status models.StepStatus) error {
	args := m.Called(ctx, step, status)
	return args.Error(0)
}

func (m *MockStore) GetUserSessions(ctx context.Context, userId string) ([]string, error) {
	args := m.Called(ctx, userId)
	sessions, _ := args.Get(0).([]string)
	return sessions, args.Error(1)
}

func (m *MockStore) AnonymizeUserSteps(ctx context.Context, userId string) (int, error) {
	args := m.Called(ctx, userId)
	return args.Int(0), args.Error(1)
}
