package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Client for local development and tests. It
// mimics broker semantics closely enough for the worker loop: long-poll
// receive, per-message delay, FIFO within a lane.
type MemoryQueue struct {
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue builds an in-process queue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 256
	}
	return &MemoryQueue{
		ch:     make(chan Message, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues one message. Delayed messages become visible after the delay
// elapses; the send itself returns immediately.
func (q *MemoryQueue) Send(ctx context.Context, body string, delay time.Duration) error {
	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	if delay <= 0 {
		return q.push(ctx, msg)
	}
	timer := time.AfterFunc(delay, func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.push(pushCtx, msg)
	})
	go func() {
		<-q.closed
		timer.Stop()
	}()
	return nil
}

func (q *MemoryQueue) push(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-q.closed:
		return fmt.Errorf("queue: memory queue closed")
	case <-ctx.Done():
		return fmt.Errorf("queue: memory send: %w", ctx.Err())
	}
}

// Receive waits up to waitSeconds for the first message, then drains
// whatever else is immediately available up to maxMessages.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	wait := time.Duration(waitSeconds) * time.Second
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var msgs []Message
	select {
	case msg := <-q.ch:
		msgs = append(msgs, msg)
	case <-timer.C:
		return nil, nil
	case <-q.closed:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(msgs) < maxMessages {
		select {
		case msg := <-q.ch:
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

// Delete is a no-op: receiving already removed the message from the channel.
func (q *MemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

// Close releases receivers and discards pending delayed sends.
func (q *MemoryQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}
