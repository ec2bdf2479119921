package rnaqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Validator is implemented by payloads that can check themselves before they
// are enqueued.
type Validator interface {
	Validate() error
}

// Producer publishes new tasks of one kind.
type Producer[P any] struct {
	kind     Kind
	broker   Broker
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
}

func NewProducer[P any](kind Kind, deps Deps) *Producer[P] {
	deps = deps.withDefaults()
	return &Producer[P]{
		kind:     kind,
		broker:   deps.Broker,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		logger:   deps.Logger.With("kind", string(kind)),
	}
}

func (p *Producer[P]) Kind() Kind {
	return p.kind
}

// Submit publishes a fresh task with retryCount 0 and tells the user it is
// waiting. Nothing is published when the payload does not validate.
func (p *Producer[P]) Submit(ctx context.Context, userID int64, payload P) (Task[P], error) {
	if userID <= 0 {
		return Task[P]{}, fmt.Errorf("%w: unknown user", ErrAuthentication)
	}
	if v, ok := any(payload).(Validator); ok {
		if err := v.Validate(); err != nil {
			if !errors.Is(err, ErrValidation) {
				err = fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return Task[P]{}, err
		}
	}

	task := NewTask(userID, p.kind, payload)
	body, err := task.Encode()
	if err != nil {
		return Task[P]{}, fmt.Errorf("encode %s task: %w", p.kind, err)
	}
	if err := p.broker.Publish(ctx, p.kind, body, 0); err != nil {
		return Task[P]{}, fmt.Errorf("publish %s task: %w", p.kind, err)
	}

	p.notifier.Notify(ctx, userID, MsgSubmitted)
	if err := p.recorder.Record(ctx, eventFor(task, EventSubmitted, MsgSubmitted)); err != nil {
		p.logger.Debug("history record failed", "event", EventSubmitted, "error", err)
	}
	p.logger.Info("task submitted", "task_id", task.ID.String(), "user_id", userID)
	return task, nil
}
