package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lovelumine/rnaqueue"
)

// Notifier publishes progress on Redis pub/sub so every API process can
// forward it to its own WebSocket clients.
type Notifier struct {
	client *Client
	logger *slog.Logger
}

func NewNotifier(client *Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger.With("component", "redis-notifier")}
}

func (n *Notifier) Notify(ctx context.Context, userID int64, message string) {
	if err := n.client.rdb.Publish(ctx, rnaqueue.Topic(userID), message).Err(); err != nil {
		n.logger.Debug("progress publish failed", "user_id", userID, "error", err)
	}
}

func (n *Notifier) Subscribe(ctx context.Context, userID int64) (<-chan string, func(), error) {
	ps := n.client.rdb.Subscribe(ctx, rnaqueue.Topic(userID))
	// wait for the confirmation so nothing published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", rnaqueue.Topic(userID), err)
	}

	out := make(chan string, 64)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}
