package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/internal"
)

// ErrLockNotHeld is returned by Release when the lock expired or was taken
// over before it was released.
var ErrLockNotHeld = errors.New("lock no longer held by this owner")

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator implements per-user locks and the advisory position lists.
type Coordinator struct {
	client *Client
}

func NewCoordinator(client *Client) *Coordinator {
	return &Coordinator{client: client}
}

type lock struct {
	client *Client
	key    string
	token  string
}

func (l *lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", l.key, ErrLockNotHeld)
	}
	return nil
}

func (c *Coordinator) TryLock(ctx context.Context, kind rnaqueue.Kind, userID int64, ttl time.Duration) (rnaqueue.Lock, bool, error) {
	key := internal.LockKey(string(kind), userID)
	token := uuid.NewString()
	ok, err := c.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{client: c.client, key: key, token: token}, true, nil
}

// Enqueue appends userID and returns the list length, which is the
// position of the entry just added.
func (c *Coordinator) Enqueue(ctx context.Context, kind rnaqueue.Kind, userID int64) (int, error) {
	key := internal.PositionKey(kind.Queue())
	n, err := c.client.rdb.RPush(ctx, key, strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", key, err)
	}
	return int(n), nil
}

func (c *Coordinator) Position(ctx context.Context, kind rnaqueue.Kind, userID int64) (int, error) {
	key := internal.PositionKey(kind.Queue())
	idx, err := c.client.rdb.LPos(ctx, key, strconv.FormatInt(userID, 10), goredis.LPosArgs{}).Result()
	if IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("position %s: %w", key, err)
	}
	return int(idx) + 1, nil
}

func (c *Coordinator) Dequeue(ctx context.Context, kind rnaqueue.Kind, userID int64) error {
	key := internal.PositionKey(kind.Queue())
	if _, err := c.client.LRem(ctx, key, 1, strconv.FormatInt(userID, 10)); err != nil {
		return fmt.Errorf("remove from %s: %w", key, err)
	}
	return nil
}
