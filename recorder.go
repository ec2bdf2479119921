package rnaqueue

import (
	"context"
	"time"
)

type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventRequeued  EventType = "requeued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventAbandoned EventType = "abandoned"
)

// TaskEvent is one lifecycle transition of a task.
type TaskEvent struct {
	TaskID     string    `json:"taskId" bson:"taskId"`
	UserID     int64     `json:"userId" bson:"userId"`
	Kind       Kind      `json:"kind" bson:"kind"`
	Event      EventType `json:"event" bson:"event"`
	RetryCount int       `json:"retryCount" bson:"retryCount"`
	Message    string    `json:"message,omitempty" bson:"message,omitempty"`
	ResultURL  string    `json:"resultUrl,omitempty" bson:"resultUrl,omitempty"`
	At         time.Time `json:"at" bson:"at"`
}

// Recorder keeps a best-effort audit trail of task transitions.
type Recorder interface {
	Record(ctx context.Context, event TaskEvent) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, TaskEvent) error { return nil }

// NopRecorder discards every event.
var NopRecorder Recorder = nopRecorder{}

func eventFor[P any](t Task[P], typ EventType, message string) TaskEvent {
	return TaskEvent{
		TaskID:     t.ID.String(),
		UserID:     t.UserID,
		Kind:       t.Kind,
		Event:      typ,
		RetryCount: t.RetryCount,
		Message:    message,
		At:         time.Now().UTC(),
	}
}
