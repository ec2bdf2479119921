package rnaqueue

import (
	"context"
	"time"
)

// DelayHeader carries the requested redelivery delay in milliseconds, the
// same header a delayed-message exchange reads.
const DelayHeader = "x-delay"

// Delivery is one message handed to a consumer.
type Delivery struct {
	Body []byte
	// Delay is the delay that was requested when this copy was published.
	Delay time.Duration
}

// Handler processes a delivery. The broker acknowledges the message once the
// handler returns, whatever the result.
type Handler func(ctx context.Context, d Delivery)

type Broker interface {
	// Publish sends body to the kind's queue. A positive delay holds the
	// message inside the broker until it elapses.
	Publish(ctx context.Context, kind Kind, body []byte, delay time.Duration) error
	// Consume runs concurrency consumers on the kind's queue until ctx is
	// done. It blocks and returns after all in-flight handlers finished.
	Consume(ctx context.Context, kind Kind, concurrency int, handler Handler) error
}
