package followup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MemoryQueueMaxAttempts bounds deliveries of one job through Retry.
const MemoryQueueMaxAttempts = 5

// ErrRetriesExhausted is returned by MemoryQueue.Retry once a job has been
// delivered MemoryQueueMaxAttempts times.
var ErrRetriesExhausted = errors.New("followup: job retries exhausted")

// MemoryQueue is an in-process Queue used when USE_MEMORY_QUEUE is set.
// Received messages leave the queue; the worker hands failed ones back
// through Retry.
type MemoryQueue struct {
	ch chan queueMessage
}

// NewMemoryQueue creates a MemoryQueue holding up to buffer pending jobs.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{ch: make(chan queueMessage, buffer)}
}

// Len reports how many jobs are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Send enqueues body or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	return q.send(ctx, queueMessage{ID: uuid.NewString(), Body: body})
}

func (q *MemoryQueue) send(ctx context.Context, msg queueMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the first job (up to waitSeconds when positive) and then
// drains whatever else is immediately available, up to maxMessages.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	var first queueMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case first = <-q.ch:
	}

	out := []queueMessage{first}
	for len(out) < maxMessages {
		select {
		case msg := <-q.ch:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Retry puts msg back after delay. A zero delay requeues before returning.
func (q *MemoryQueue) Retry(ctx context.Context, msg queueMessage, delay time.Duration) error {
	msg.Attempts++
	if msg.Attempts >= MemoryQueueMaxAttempts {
		return ErrRetriesExhausted
	}
	if delay <= 0 {
		return q.send(ctx, msg)
	}
	time.AfterFunc(delay, func() {
		_ = q.send(context.Background(), msg)
	})
	return nil
}

// Delete is a no-op; received jobs are already gone.
func (q *MemoryQueue) Delete(context.Context, string) error {
	return nil
}
