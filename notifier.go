package rnaqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Topic is the per-user progress channel the frontend subscribes to.
func Topic(userID int64) string {
	return fmt.Sprintf("/topic/progress/%d", userID)
}

// Notifier publishes best-effort progress strings. Nothing is retried or
// buffered for subscribers that are not connected.
type Notifier interface {
	Notify(ctx context.Context, userID int64, message string)
}

// Subscriber streams a user's progress messages until cancel is called or ctx
// ends.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) (messages <-chan string, cancel func(), err error)
}

const (
	MsgSubmitted = "task submitted, waiting in queue"
	MsgStarted   = "task started"
)

func MsgQueued(position int) string {
	return fmt.Sprintf("task queued, position %d", position)
}

func MsgRequeued(retry, maxRetries int, delay time.Duration, position int) string {
	if position > 0 {
		return fmt.Sprintf("another task is running, retry %d/%d in %s, position %d", retry, maxRetries, delay, position)
	}
	return fmt.Sprintf("another task is running, retry %d/%d in %s", retry, maxRetries, delay)
}

func MsgCompleted(url string) string {
	return "task completed: " + url
}

func MsgFailed(err error) string {
	return fmt.Sprintf("task failed: %v", err)
}

func MsgAbandoned(retries int) string {
	return fmt.Sprintf("task abandoned: too many retries (%d)", retries)
}

// Hub is an in-process Notifier and Subscriber.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[chan string]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan string]struct{}), buffer: 64}
}

func (h *Hub) Notify(_ context.Context, userID int64, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- message:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, userID int64) (<-chan string, func(), error) {
	ch := make(chan string, h.buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan string]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}
