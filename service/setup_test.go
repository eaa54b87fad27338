package service_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/drawcast/broadcast"
	cachemocks "github.com/zlnvch/drawcast/cache/mocks"
	mqmocks "github.com/zlnvch/drawcast/mq/mocks"
	"github.com/zlnvch/drawcast/service"
	storemocks "github.com/zlnvch/drawcast/store/mocks"
	"github.com/zlnvch/drawcast/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *worker.CounterBatcher) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	// Real batcher, not running; tests read its channel
	counterBatcher := worker.NewCounterBatcher(mockStore, 1000, discardLogger())

	svc, err := service.NewService(
		mockStore,
		mockCache,
		broadcast.NewGateway(mockCache, discardLogger()),
		mockMQ,
		counterBatcher,
		nil,
		[]byte("secret"),
		discardLogger(),
	)
	require.NoError(t, err)

	return svc, mockStore, mockCache, mockMQ, counterBatcher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

// Helper that captures the message of a mocked Publish call
func capturePublish(call *mock.Call) chan []byte {
	messages := make(chan []byte, 1)
	call.Run(func(args mock.Arguments) {
		messages <- args.Get(2).([]byte)
	})
	return messages
}

func expectLock(mockCache *cachemocks.MockCache, sessionId string) *mock.Call {
	return mockCache.On("AcquireSessionLock", mock.Anything, sessionId, mock.Anything).Return(func() {}, nil)
}
