package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/mq"
	"github.com/zlnvch/drawcast/store"
)

type MQConsumer struct {
	jobQueue     mq.MessageQueue
	drawingStore store.DrawingStore
	drawingCache cache.DrawingCache
	logger       *slog.Logger
}

func NewMQConsumer(jobQueue mq.MessageQueue, drawingStore store.DrawingStore, drawingCache cache.DrawingCache, logger *slog.Logger) *MQConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQConsumer{
		jobQueue:     jobQueue,
		drawingStore: drawingStore,
		drawingCache: drawingCache,
		logger:       logger.With("worker", "mq_consumer"),
	}
}

// Allow up to 5 minutes for the throttled anonymization of all the user's steps
const visibilityTimeout = 300

func (mqConsumer *MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.jobQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || shutdownCtx.Err() != nil {
				return
			}
			mqConsumer.logger.Error("receive error", "error", err)
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if msg == nil {
			continue
		}

		mqConsumer.handleMessage(msg)
	}
}

func (mqConsumer *MQConsumer) handleMessage(msg *mq.Message) {
	job, err := mq.DecodeJob(msg.Body)
	if err != nil {
		// Poison message: drop it instead of redelivering forever
		mqConsumer.logger.Warn("dropping undecodable message", "error", err)
		mqConsumer.deleteMessage(msg)
		return
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	if err := mqConsumer.HandleJob(ctx, job); err != nil {
		// Left on the queue, redelivered after the visibility timeout
		mqConsumer.logger.Error("job failed", "type", job.Type, "userId", job.UserId, "error", err)
		return
	}

	mqConsumer.deleteMessage(msg)
}

func (mqConsumer *MQConsumer) HandleJob(ctx context.Context, job mq.Job) error {
	switch job.Type {
	case mq.JobAnonymizeUserSteps:
		if job.UserId == "" {
			return fmt.Errorf("%s: missing userId", job.Type)
		}
		return AnonymizeUserSteps(ctx, mqConsumer.drawingStore, mqConsumer.drawingCache, job.UserId, mqConsumer.logger)
	default:
		mqConsumer.logger.Warn("ignoring unknown job type", "type", job.Type)
		return nil
	}
}

func (mqConsumer *MQConsumer) deleteMessage(msg *mq.Message) {
	if err := mqConsumer.jobQueue.Delete(context.Background(), msg); err != nil {
		mqConsumer.logger.Error("delete message error", "error", err)
	}
}
