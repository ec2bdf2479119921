package rnaqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lovelumine/rnaqueue/internal"
)

type TaskID uuid.UUID

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

func (id TaskID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *TaskID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// Kind names a job family. Each kind owns one queue, one lock domain and one
// processor.
type Kind string

// Queue is the durable queue (and routing key) the kind's tasks travel on.
func (k Kind) Queue() string {
	return string(k) + "Tasks"
}

// Exchange is the delayed-message exchange the kind publishes to.
func (k Kind) Exchange() string {
	return string(k) + "TasksExchange"
}

// Task is the envelope carried by the broker. Only RetryCount changes between
// deliveries, and every re-publish sends a fresh copy.
type Task[P any] struct {
	ID          TaskID    `json:"id"`
	UserID      int64     `json:"userId"`
	Kind        Kind      `json:"kind"`
	Payload     P         `json:"payload"`
	RetryCount  int       `json:"retryCount"`
	SubmittedAt time.Time `json:"submittedAt"`
}

func NewTask[P any](userID int64, kind Kind, payload P) Task[P] {
	return Task[P]{
		ID:          TaskID(uuid.New()),
		UserID:      userID,
		Kind:        kind,
		Payload:     payload,
		RetryCount:  0,
		SubmittedAt: time.Now().UTC(),
	}
}

func (t Task[P]) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTask[P any](data []byte) (Task[P], error) {
	return internal.Decode[Task[P]](data)
}

type RetryStrategy uint

const (
	LinearBackoff RetryStrategy = iota
	ExponentialBackoff
	Custom
)

func ParseRetryStrategy(s string) (RetryStrategy, bool) {
	switch s {
	case "", "linear":
		return LinearBackoff, true
	case "exponential":
		return ExponentialBackoff, true
	case "custom":
		return Custom, true
	}
	return LinearBackoff, false
}

// TaskDefinition binds a kind to its processor and retry policy.
type TaskDefinition[P any] struct {
	Kind          Kind
	Processor     Processor[P]
	MaxRetries    int
	RetryStrategy RetryStrategy
	RetryDelay    time.Duration
	RetryJitter   time.Duration
	// given nth retry, return how much time to wait
	CustomRetryFunction func(int) time.Duration
	LockTTL             time.Duration
	Concurrency         int
	// Timeout bounds one processor run. Zero means no limit.
	Timeout time.Duration
}

const (
	DefaultMaxRetries  = 5
	DefaultRetryDelay  = 5 * time.Second
	DefaultLockTTL     = time.Hour
	DefaultConcurrency = 3
)

func (d TaskDefinition[P]) withDefaults() TaskDefinition[P] {
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.LockTTL <= 0 {
		d.LockTTL = DefaultLockTTL
	}
	if d.Concurrency <= 0 {
		d.Concurrency = DefaultConcurrency
	}
	return d
}
