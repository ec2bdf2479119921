package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/internal"
)

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, m in ipairs(due) do
	redis.call("ZREM", KEYS[1], m)
	redis.call("LPUSH", KEYS[2], m)
end
return #due
`)

// message wraps a body so equal bodies stay distinct members of the delayed
// set.
type message struct {
	ID      string          `json:"id"`
	DelayMs int64           `json:"delayMs"`
	Body    json.RawMessage `json:"body"`
}

// Broker is a list-based queue with a sorted set for delayed messages. A
// popped message is gone, so delivery is at-most-once.
type Broker struct {
	client       *Client
	logger       *slog.Logger
	pollTimeout  time.Duration
	promoteEvery time.Duration
	promoteBatch int
}

func NewBroker(client *Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client:       client,
		logger:       logger.With("component", "redis-broker"),
		pollTimeout:  time.Second,
		promoteEvery: 250 * time.Millisecond,
		promoteBatch: 100,
	}
}

func (b *Broker) Publish(ctx context.Context, kind rnaqueue.Kind, body []byte, delay time.Duration) error {
	data, err := json.Marshal(message{ID: uuid.NewString(), DelayMs: delay.Milliseconds(), Body: body})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if delay <= 0 {
		return b.client.LPush(ctx, internal.TaskKey(kind.Queue()), data)
	}
	due := time.Now().Add(delay).UnixMilli()
	return b.client.rdb.ZAdd(ctx, internal.DelayedKey(kind.Queue()), goredis.Z{
		Score:  float64(due),
		Member: string(data),
	}).Err()
}

// Promote moves every delayed message of kind that is due at now onto the
// ready list and returns how many moved.
func (b *Broker) Promote(ctx context.Context, kind rnaqueue.Kind, now time.Time) (int, error) {
	keys := []string{internal.DelayedKey(kind.Queue()), internal.TaskKey(kind.Queue())}
	n, err := promoteScript.Run(ctx, b.client.rdb, keys, strconv.FormatInt(now.UnixMilli(), 10), b.promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", kind, err)
	}
	return n, nil
}

// Pending counts ready messages plus delayed ones still waiting.
func (b *Broker) Pending(ctx context.Context, kind rnaqueue.Kind) (int, error) {
	ready, err := b.client.LLen(ctx, internal.TaskKey(kind.Queue()))
	if err != nil {
		return 0, err
	}
	delayed, err := b.client.rdb.ZCard(ctx, internal.DelayedKey(kind.Queue())).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + delayed), nil
}

func (b *Broker) Consume(ctx context.Context, kind rnaqueue.Kind, concurrency int, handler rnaqueue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.promoteLoop(ctx, kind)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			b.consumeLoop(ctx, kind, worker, handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (b *Broker) promoteLoop(ctx context.Context, kind rnaqueue.Kind) {
	ticker := time.NewTicker(b.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := b.Promote(ctx, kind, now); err != nil && ctx.Err() == nil {
				b.logger.Warn("delayed promotion failed", "kind", kind, "error", err)
			}
		}
	}
}

func (b *Broker) consumeLoop(ctx context.Context, kind rnaqueue.Kind, worker int, handler rnaqueue.Handler) {
	key := internal.TaskKey(kind.Queue())
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := b.client.BRPop(ctx, b.pollTimeout, key)
		if IsNil(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("pop failed", "kind", kind, "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollTimeout):
			}
			continue
		}
		msg, err := internal.Decode[message]([]byte(data))
		if err != nil {
			b.logger.Error("dropping malformed message", "kind", kind, "error", err)
			continue
		}
		handler(ctx, rnaqueue.Delivery{Body: msg.Body, Delay: time.Duration(msg.DelayMs) * time.Millisecond})
	}
}
