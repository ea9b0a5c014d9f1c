package fed

import (
	"context"
	"fmt"
	"sync"
)

// A Delivery is the queue-side form of an envelope: what a relay learned from
// one transport group and still has to hand to the other.
type Delivery struct {
	Sender  Rank
	Code    MessageCode
	Payload []Tensor
	TraceID string
}

// A Queue moves deliveries between the two halves of a relay. It is bounded:
// Put blocks while the queue is full, Get blocks while it is empty. Close is
// called by the producing side; Get drains the remaining deliveries before
// reporting the closure.
type Queue struct {
	HookableBase

	name string
	ch   chan Delivery

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a bounded queue. Capacity must be positive.
func NewQueue(name string, capacity int) *Queue {
	NameMustBeValid(name)

	if capacity <= 0 {
		panic(fmt.Sprintf("queue %s: capacity must be positive, got %d",
			name, capacity))
	}

	return &Queue{
		name: name,
		ch:   make(chan Delivery, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Len returns the number of deliveries currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Put appends a delivery, blocking while the queue is full. It fails with
// ErrQueueClosed after Close, or with the context error if the context ends
// first.
func (q *Queue) Put(ctx context.Context, d Delivery) error {
	select {
	case <-q.done:
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueClosed)
	default:
	}

	select {
	case q.ch <- d:
		if q.NumHooks() > 0 {
			q.InvokeHook(HookCtx{Domain: q, Pos: HookPosQueuePut, Item: d})
		}

		return nil
	case <-q.done:
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes the oldest delivery, blocking while the queue is empty. After
// Close it keeps returning queued deliveries until none remain, then fails
// with ErrQueueClosed.
func (q *Queue) Get(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return q.got(d), nil
	default:
	}

	select {
	case d := <-q.ch:
		return q.got(d), nil
	case <-q.done:
		select {
		case d := <-q.ch:
			return q.got(d), nil
		default:
			return Delivery{}, fmt.Errorf("queue %s: %w",
				q.name, ErrQueueClosed)
		}
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *Queue) got(d Delivery) Delivery {
	if q.NumHooks() > 0 {
		q.InvokeHook(HookCtx{Domain: q, Pos: HookPosQueueGet, Item: d})
	}

	return d
}

// Close marks the queue closed. It is idempotent and never discards queued
// deliveries.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
