package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lovelumine/rnaqueue"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NotBeforeHeader carries the earliest delivery time in unix milliseconds.
const NotBeforeHeader = "Rnaq-Not-Before"

type JetStreamConfig struct {
	URL           string
	SubjectPrefix string
	AckWait       time.Duration
	FetchMaxWait  time.Duration
}

// JetStream keeps one work-queue stream per kind, named after the kind's
// exchange. The queue name is both the subject suffix and the durable
// consumer. Delays are honoured on the consumer side: a message fetched
// before its not-before time is nak'ed with the remaining delay and never
// reaches the handler.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *slog.Logger

	mu      sync.Mutex
	streams map[rnaqueue.Kind]jetstream.Stream
}

func DialJetStream(cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("rnaqueue"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	b, err := NewJetStream(nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func NewJetStream(nc *nats.Conn, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "rnaq.tasks"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = 5 * time.Second
	}
	return &JetStream{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		logger:  logger.With("component", "jetstream-broker"),
		streams: make(map[rnaqueue.Kind]jetstream.Stream),
	}, nil
}

func (b *JetStream) subject(kind rnaqueue.Kind) string {
	return b.cfg.SubjectPrefix + "." + kind.Queue()
}

func (b *JetStream) stream(ctx context.Context, kind rnaqueue.Kind) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[kind]; ok {
		return s, nil
	}
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      kind.Exchange(),
		Subjects:  []string{b.subject(kind)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", kind.Exchange(), err)
	}
	b.streams[kind] = s
	return s, nil
}

func (b *JetStream) Publish(ctx context.Context, kind rnaqueue.Kind, body []byte, delay time.Duration) error {
	if _, err := b.stream(ctx, kind); err != nil {
		return err
	}
	msg := nats.NewMsg(b.subject(kind))
	msg.Data = body
	if delay > 0 {
		msg.Header.Set(rnaqueue.DelayHeader, strconv.FormatInt(delay.Milliseconds(), 10))
		msg.Header.Set(NotBeforeHeader, strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10))
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (b *JetStream) Consume(ctx context.Context, kind rnaqueue.Kind, concurrency int, handler rnaqueue.Handler) error {
	stream, err := b.stream(ctx, kind)
	if err != nil {
		return err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       kind.Queue(),
		FilterSubject: b.subject(kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		// early deliveries are nak'ed, so the count is not a retry budget
		MaxDeliver: -1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", kind.Queue(), err)
	}

	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, consumer, kind, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *JetStream) consumeLoop(ctx context.Context, consumer jetstream.Consumer, kind rnaqueue.Kind, handler rnaqueue.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(b.cfg.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "kind", kind, "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, handler)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			b.logger.Warn("message fetch error", "kind", kind, "error", err)
		}
	}
}

func (b *JetStream) handleMessage(ctx context.Context, msg jetstream.Msg, handler rnaqueue.Handler) {
	headers := msg.Headers()
	if wait := remaining(headers.Get(NotBeforeHeader), time.Now()); wait > 0 {
		if err := msg.NakWithDelay(wait); err != nil {
			b.logger.Warn("failed to delay message", "error", err)
		}
		return
	}

	delivery := rnaqueue.Delivery{Body: msg.Data()}
	if ms, err := strconv.ParseInt(headers.Get(rnaqueue.DelayHeader), 10, 64); err == nil {
		delivery.Delay = time.Duration(ms) * time.Millisecond
	}

	stop := make(chan struct{})
	go b.heartbeat(msg, stop)
	handler(ctx, delivery)
	close(stop)

	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ACK message", "error", err)
	}
}

// heartbeat keeps the ack deadline ahead of long-running handlers.
func (b *JetStream) heartbeat(msg jetstream.Msg, stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.AckWait / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				b.logger.Debug("failed to signal in-progress", "error", err)
			}
		}
	}
}

func (b *JetStream) Close() {
	b.nc.Close()
}

// remaining parses a not-before header and returns how long is left, or 0.
func remaining(notBefore string, now time.Time) time.Duration {
	if notBefore == "" {
		return 0
	}
	ms, err := strconv.ParseInt(notBefore, 10, 64)
	if err != nil {
		return 0
	}
	if d := time.UnixMilli(ms).Sub(now); d > 0 {
		return d
	}
	return 0
}
