package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lovelumine/rnaqueue"
)

// ErrClosed is returned by Publish once the broker is closed.
var ErrClosed = errors.New("broker closed")

// Memory is an in-process broker. Delayed messages wait on timers, so
// nothing survives a restart.
type Memory struct {
	mu     sync.Mutex
	queues map[rnaqueue.Kind]*memQueue
	timers map[*time.Timer]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[rnaqueue.Kind]*memQueue),
		timers: make(map[*time.Timer]struct{}),
	}
}

type memQueue struct {
	mu    sync.Mutex
	items []rnaqueue.Delivery
	ready chan struct{}
}

func (q *memQueue) push(d rnaqueue.Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(ctx context.Context) (rnaqueue.Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return d, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return rnaqueue.Delivery{}, false
		case <-q.ready:
		}
	}
}

func (m *Memory) queue(kind rnaqueue.Kind) *memQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[kind]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		m.queues[kind] = q
	}
	return q
}

func (m *Memory) Publish(_ context.Context, kind rnaqueue.Kind, body []byte, delay time.Duration) error {
	q := m.queue(kind)
	d := rnaqueue.Delivery{Body: append([]byte(nil), body...), Delay: delay}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if delay <= 0 {
		q.push(d)
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		q.push(d)
	})
	m.timers[t] = struct{}{}
	return nil
}

// Pending counts ready messages plus delayed ones still waiting.
func (m *Memory) Pending(kind rnaqueue.Kind) int {
	q := m.queue(kind)
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	m.mu.Lock()
	n += len(m.timers)
	m.mu.Unlock()
	return n
}

func (m *Memory) Consume(ctx context.Context, kind rnaqueue.Kind, concurrency int, handler rnaqueue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q := m.queue(kind)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, ok := q.pop(ctx)
				if !ok {
					return
				}
				handler(ctx, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Close drops delayed messages that have not fired yet. Later publishes
// fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})
}
