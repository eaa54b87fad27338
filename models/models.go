package models

import (
	"encoding/json"
	"time"
)

type User struct {
	Id         string
	Name       string
	Email      string
	Provider   string
	ProviderId string
	Created    int64
	StepCount  int
}

// Member is the identity a presence channel exposes to its subscribers.
type Member struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) Member() Member {
	return Member{Id: u.Id, Name: u.Name, Email: u.Email}
}

type StepStatus string

const (
	StepActive StepStatus = "active"
	StepUndone StepStatus = "undone"
)

func (s StepStatus) Valid() bool {
	return s == StepActive || s == StepUndone
}

type DrawingStep struct {
	Id        string         `json:"id"`
	SessionId string         `json:"sessionId"`
	Step      int            `json:"step"`
	Content   map[string]any `json:"content"`
	Status    StepStatus     `json:"status"`
	UserId    string         `json:"userId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Superseded marks an undone step that a later append made unreachable
	// for redo. It never goes back to active.
	Superseded bool `json:"-"`
}

// SessionEvent is a step-change notification for the subscribers of one
// drawing session.
type SessionEvent struct {
	SessionId string
	Type      string
	Data      map[string]any
	UserId    string
}

// EventPayload is what subscribers receive for a drawing-event.
type EventPayload struct {
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
	UserId *string        `json:"userId"`
}

const (
	EventDrawing       = "drawing-event"
	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"
)

// Envelope is the message carried on a session's pub/sub channel between
// server instances.
type Envelope struct {
	Event           string          `json:"event"`
	SessionId       string          `json:"sessionId"`
	ExcludeSocketId string          `json:"excludeSocketId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}
