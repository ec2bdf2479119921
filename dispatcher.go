package rnaqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lovelumine/rnaqueue/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lovelumine/rnaqueue"

// Deps are the collaborators shared by producers and dispatchers.
type Deps struct {
	Broker      Broker
	Coordinator Coordinator
	Notifier    Notifier
	Store       ArtifactStore
	Recorder    Recorder
	Metrics     *Metrics
	Logger      *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = NewHub()
	}
	if d.Recorder == nil {
		d.Recorder = NopRecorder
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Dispatcher consumes one kind's queue. Each delivery either runs under the
// user's lock, is re-published with a delay, or is abandoned once its retry
// budget is spent.
type Dispatcher[P any] struct {
	def         TaskDefinition[P]
	broker      Broker
	coordinator Coordinator
	notifier    Notifier
	store       ArtifactStore
	recorder    Recorder
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	inFlight    uint64
}

func NewDispatcher[P any](def TaskDefinition[P], deps Deps) (*Dispatcher[P], error) {
	if def.Kind == "" {
		return nil, errors.New("task definition needs a kind")
	}
	if def.Processor == nil {
		return nil, fmt.Errorf("%s: task definition needs a processor", def.Kind)
	}
	if deps.Broker == nil || deps.Coordinator == nil {
		return nil, fmt.Errorf("%s: broker and coordinator are required", def.Kind)
	}
	deps = deps.withDefaults()
	return &Dispatcher[P]{
		def:         def.withDefaults(),
		broker:      deps.Broker,
		coordinator: deps.Coordinator,
		notifier:    deps.Notifier,
		store:       deps.Store,
		recorder:    deps.Recorder,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("kind", string(def.Kind)),
		tracer:      otel.Tracer(tracerName),
	}, nil
}

func (d *Dispatcher[P]) Kind() Kind {
	return d.def.Kind
}

// InFlight reports how many tasks this dispatcher is processing right now.
func (d *Dispatcher[P]) InFlight() uint64 {
	return internal.AtomicLoad(&d.inFlight)
}

// Run consumes until ctx is cancelled.
func (d *Dispatcher[P]) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"queue", d.def.Kind.Queue(),
		"concurrency", d.def.Concurrency,
		"max_retries", d.def.MaxRetries,
		"retry_delay", d.def.RetryDelay)
	err := d.broker.Consume(ctx, d.def.Kind, d.def.Concurrency, d.HandleDelivery)
	d.logger.Info("dispatcher stopped")
	return err
}

// HandleDelivery runs the state machine for one delivery.
func (d *Dispatcher[P]) HandleDelivery(ctx context.Context, delivery Delivery) {
	kind := string(d.def.Kind)
	d.metrics.Received.WithLabelValues(kind).Inc()

	task, err := DecodeTask[P](delivery.Body)
	if err != nil {
		d.logger.Error("dropping undecodable task", "error", err, "bytes", len(delivery.Body))
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+kind, trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.Int64("user.id", task.UserID),
		attribute.Int("retry.count", task.RetryCount),
	))
	defer span.End()

	log := d.logger.With("task_id", task.ID.String(), "user_id", task.UserID, "retry_count", task.RetryCount)
	position := d.trackPosition(ctx, task, log)

	lock, ok, err := d.coordinator.TryLock(ctx, d.def.Kind, task.UserID, d.def.LockTTL)
	if err != nil {
		log.Warn("lock store unavailable, treating as contention", "error", err)
		ok = false
	}
	if !ok {
		span.AddEvent("lock denied")
		d.contend(ctx, task, position, log)
		return
	}
	log.Debug("lock acquired")
	span.AddEvent("lock acquired")
	d.process(ctx, task, lock, span, log)
}

// trackPosition appends first deliveries to the advisory position list and
// looks up the current position of retried ones.
func (d *Dispatcher[P]) trackPosition(ctx context.Context, task Task[P], log *slog.Logger) int {
	if task.RetryCount > 0 {
		pos, err := d.coordinator.Position(ctx, d.def.Kind, task.UserID)
		if err != nil {
			log.Debug("queue position lookup failed", "error", err)
		}
		return pos
	}
	pos, err := d.coordinator.Enqueue(ctx, d.def.Kind, task.UserID)
	if err != nil {
		log.Debug("queue position append failed", "error", err)
		return 0
	}
	d.notifier.Notify(ctx, task.UserID, MsgQueued(pos))
	d.record(ctx, eventFor(task, EventQueued, MsgQueued(pos)), log)
	return pos
}

func (d *Dispatcher[P]) contend(ctx context.Context, task Task[P], position int, log *slog.Logger) {
	kind := string(d.def.Kind)
	d.metrics.Contention.WithLabelValues(kind).Inc()

	if task.RetryCount >= d.def.MaxRetries {
		d.abandon(ctx, task, log)
		return
	}

	task.RetryCount++
	delay := d.def.RetryDelayFor(task.RetryCount)
	body, err := task.Encode()
	if err == nil {
		err = d.broker.Publish(ctx, d.def.Kind, body, delay)
	}
	if err != nil {
		log.Error("re-publish failed, dropping task", "error", err)
		d.fail(ctx, task, fmt.Errorf("could not requeue: %w", err), log)
		return
	}

	d.metrics.Retried.WithLabelValues(kind).Inc()
	msg := MsgRequeued(task.RetryCount, d.def.MaxRetries, delay, position)
	d.notifier.Notify(ctx, task.UserID, msg)
	d.record(ctx, eventFor(task, EventRequeued, msg), log)
	log.Info("task requeued", "reason", ErrLockContention, "retry", task.RetryCount, "delay", delay)
}

func (d *Dispatcher[P]) abandon(ctx context.Context, task Task[P], log *slog.Logger) {
	d.metrics.Abandoned.WithLabelValues(string(d.def.Kind)).Inc()
	if err := d.coordinator.Dequeue(ctx, d.def.Kind, task.UserID); err != nil {
		log.Debug("queue position removal failed", "error", err)
	}
	msg := MsgAbandoned(task.RetryCount)
	d.notifier.Notify(ctx, task.UserID, msg)
	d.record(ctx, eventFor(task, EventAbandoned, msg), log)
	log.Warn("task abandoned", "error", ErrRetryExhausted)
}

func (d *Dispatcher[P]) fail(ctx context.Context, task Task[P], cause error, log *slog.Logger) {
	d.metrics.Failed.WithLabelValues(string(d.def.Kind)).Inc()
	if err := d.coordinator.Dequeue(ctx, d.def.Kind, task.UserID); err != nil {
		log.Debug("queue position removal failed", "error", err)
	}
	msg := MsgFailed(cause)
	d.notifier.Notify(ctx, task.UserID, msg)
	d.record(ctx, eventFor(task, EventFailed, msg), log)
}

func (d *Dispatcher[P]) process(ctx context.Context, task Task[P], lock Lock, span trace.Span, log *slog.Logger) {
	kind := string(d.def.Kind)
	started := time.Now()
	internal.AtomicInc(&d.inFlight)
	d.metrics.InFlight.WithLabelValues(kind).Inc()

	// Release and the terminal message have to survive a cancelled ctx.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := lock.Release(releaseCtx); err != nil {
			log.Error("lock release failed", "error", err)
		}
		if err := d.coordinator.Dequeue(releaseCtx, d.def.Kind, task.UserID); err != nil {
			log.Debug("queue position removal failed", "error", err)
		}
		d.metrics.InFlight.WithLabelValues(kind).Dec()
		d.metrics.Duration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
		internal.AtomicDec(&d.inFlight)
	}()

	d.notifier.Notify(ctx, task.UserID, MsgStarted)
	d.record(ctx, eventFor(task, EventStarted, MsgStarted), log)

	url, err := d.execute(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("task failed", "error", err, "elapsed", time.Since(started))
		d.metrics.Failed.WithLabelValues(kind).Inc()
		msg := MsgFailed(err)
		d.notifier.Notify(releaseCtx, task.UserID, msg)
		d.record(releaseCtx, eventFor(task, EventFailed, msg), log)
		return
	}

	d.metrics.Completed.WithLabelValues(kind).Inc()
	msg := MsgCompleted(url)
	d.notifier.Notify(releaseCtx, task.UserID, msg)
	event := eventFor(task, EventCompleted, msg)
	event.ResultURL = url
	d.record(releaseCtx, event, log)
	log.Info("task completed", "result_url", url, "elapsed", time.Since(started))
}

// execute runs the processor and stores its artifact. Panics are turned into
// a ProcessorFailure so the deferred release in process always runs with a
// terminal notification.
func (d *Dispatcher[P]) execute(ctx context.Context, task Task[P]) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("processor panic", "panic", r, "stack", string(debug.Stack()))
			err = &ProcessorFailure{Kind: d.def.Kind, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if d.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.def.Timeout)
		defer cancel()
	}

	progress := &taskProgress{ctx: ctx, notifier: d.notifier, userID: task.UserID}
	artifact, err := d.def.Processor.Execute(ctx, task, progress)
	if err != nil {
		return "", &ProcessorFailure{Kind: d.def.Kind, Cause: err}
	}
	return d.storeArtifact(ctx, task, artifact)
}

func (d *Dispatcher[P]) storeArtifact(ctx context.Context, task Task[P], artifact Artifact) (string, error) {
	if artifact.Data == nil {
		if artifact.URL == "" {
			return "", &ProcessorFailure{Kind: d.def.Kind, Cause: errors.New("processor returned no result")}
		}
		return artifact.URL, nil
	}
	if d.store == nil {
		return "", fmt.Errorf("%w: no artifact store configured", ErrStorage)
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := internal.ObjectName(task.UserID, time.Now(), artifact.Name)
	url, err := d.store.Put(ctx, name, bytes.NewReader(artifact.Data), int64(len(artifact.Data)), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", ErrStorage, name, err)
	}
	return url, nil
}

func (d *Dispatcher[P]) record(ctx context.Context, event TaskEvent, log *slog.Logger) {
	if err := d.recorder.Record(ctx, event); err != nil {
		log.Debug("history record failed", "event", event.Event, "error", err)
	}
}
