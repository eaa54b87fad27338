package mq

import (
	"context"
	"encoding/json"
	"fmt"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}

const JobAnonymizeUserSteps = "anonymize_user_steps"

// Job is the body of every queued message.
type Job struct {
	Type   string `json:"type"`
	UserId string `json:"userId"`
}

func AnonymizeUserStepsJob(userId string) Job {
	return Job{Type: JobAnonymizeUserSteps, UserId: userId}
}

func (job Job) Encode() (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func DecodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.Type == "" {
		return Job{}, fmt.Errorf("decode job: missing type")
	}
	return job, nil
}
