package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/models"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) AcquireSessionLock(ctx context.Context, sessionId string, ttl time.Duration) (func(), error) {
	args := m.Called(ctx, sessionId, ttl)
	release, _ := args.Get(0).(func())
	return release, args.Error(1)
}

func (m *MockCache) AddStep(ctx context.Context, sessionId string, stepId string, step int, stepData []byte) error {
	args := m.Called(ctx, sessionId, stepId, step, stepData)
	return args.Error(0)
}

func (m *MockCache) AddStepsBatch(ctx context.Context, sessionId string, steps []cache.StepCacheItem) error {
	args := m.Called(ctx, sessionId, steps)
	return args.Error(0)
}

func (m *MockCache) RemoveStep(ctx context.Context, sessionId string, stepId string) error {
	args := m.Called(ctx, sessionId, stepId)
	return args.Error(0)
}

func (m *MockCache) GetSteps(ctx context.Context, sessionId string) ([][]byte, error) {
	args := m.Called(ctx, sessionId)
	steps, _ := args.Get(0).([][]byte)
	return steps, args.Error(1)
}

func (m *MockCache) SetSessionComplete(ctx context.Context, sessionId string) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}

func (m *MockCache) IsSessionComplete(ctx context.Context, sessionId string) (bool, error) {
	args := m.Called(ctx, sessionId)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) InvalidateSessions(ctx context.Context, sessionIds []string) error {
	args := m.Called(ctx, sessionIds)
	return args.Error(0)
}

func (m *MockCache) JoinPresence(ctx context.Context, sessionId string, member models.Member) (bool, error) {
	args := m.Called(ctx, sessionId, member)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) LeavePresence(ctx context.Context, sessionId string, memberId string) (bool, error) {
	args := m.Called(ctx, sessionId, memberId)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) GetPresence(ctx context.Context, sessionId string) ([]models.Member, error) {
	args := m.Called(ctx, sessionId)
	members, _ := args.Get(0).([]models.Member)
	return members, args.Error(1)
}
