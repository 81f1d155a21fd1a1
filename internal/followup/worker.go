package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/docfollow/pkg/logging"
)

type eventHandler interface {
	HandleEvent(ctx context.Context, conversationID string, ev Event) (*Conversation, error)
}

type extractionRunner interface {
	Run(ctx context.Context, job ExtractionJob) (*Conversation, error)
}

type bookingRunner interface {
	Run(ctx context.Context, job BookingJob) (*Conversation, error)
}

// retrier is implemented by queues that have no broker-side redelivery.
// SQS redelivers on its own once the visibility timeout lapses.
type retrier interface {
	Retry(ctx context.Context, msg queueMessage, delay time.Duration) error
}

// Worker consumes follow-up jobs from the queue.
type Worker struct {
	events     eventHandler
	extraction extractionRunner
	booking    bookingRunner
	queue      Queue
	jobs       JobUpdater
	logger     *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	retryDelay       time.Duration
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
	defaultRetryDelay    = 2 * time.Second
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithRetryDelay sets how long a failed job waits before an in-process queue
// hands it out again.
func WithRetryDelay(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d >= 0 {
			cfg.retryDelay = d
		}
	}
}

// NewWorker builds a queue consumer. jobs may be nil when no job tracking is configured.
func NewWorker(events eventHandler, extraction extractionRunner, booking bookingRunner, queue Queue, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if events == nil || extraction == nil || booking == nil {
		panic("followup: worker requires event, extraction and booking handlers")
	}
	if queue == nil {
		panic("followup: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		retryDelay:       defaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Worker{
		events:     events,
		extraction: extraction,
		booking:    booking,
		queue:      queue,
		jobs:       jobs,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("followup worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("followup worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive followup jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode followup job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	w.logger.Info("worker processing job", "job_id", payload.ID, "kind", payload.Kind, "conversation_id", payload.ConversationID, "attempt", msg.Attempts+1)

	conv, err := w.process(ctx, payload)
	switch {
	case err == nil:
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		w.logger.Debug("followup job processed", "job_id", payload.ID, "kind", payload.Kind)
		if payload.TrackStatus && w.jobs != nil {
			var state State
			if conv != nil {
				state = conv.State
			}
			if storeErr := w.jobs.MarkCompleted(ctx, payload.ID, state); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
	case permanentJobError(err):
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		w.logger.Warn("followup job rejected", "error", err, "job_id", payload.ID, "kind", payload.Kind)
		w.markFailed(ctx, payload, JobStatusRejected, err)
	default:
		// The message stays on the queue; event ids make the rerun idempotent.
		w.logger.Error("followup job failed, leaving for redelivery", "error", err, "job_id", payload.ID, "kind", payload.Kind, "attempt", msg.Attempts+1)
		if r, ok := w.queue.(retrier); ok {
			if retryErr := r.Retry(context.Background(), msg, w.cfg.retryDelay); retryErr != nil {
				w.logger.Error("followup job dropped after retries", "error", retryErr, "job_id", payload.ID, "kind", payload.Kind)
				w.markFailed(ctx, payload, JobStatusFailed, err)
			}
		}
	}
}

// permanentJobError reports whether redelivering the job can never succeed.
func permanentJobError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden)
}

func (w *Worker) markFailed(ctx context.Context, payload queuePayload, status JobStatus, cause error) {
	if !payload.TrackStatus || w.jobs == nil {
		return
	}
	if storeErr := w.jobs.MarkFailed(ctx, payload.ID, status, cause.Error()); storeErr != nil {
		w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
	}
}

func (w *Worker) process(ctx context.Context, payload queuePayload) (*Conversation, error) {
	switch payload.Kind {
	case jobKindEvent:
		if payload.Event == nil {
			return nil, fmt.Errorf("%w: event job without event", ErrInvalidEvent)
		}
		ev, err := DecodeEvent(*payload.Event)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return w.events.HandleEvent(ctx, payload.ConversationID, ev)
	case jobKindExtraction:
		if payload.Extraction == nil {
			return nil, fmt.Errorf("%w: extraction job without body", ErrInvalidEvent)
		}
		return w.extraction.Run(ctx, *payload.Extraction)
	case jobKindBooking:
		if payload.Booking == nil {
			return nil, fmt.Errorf("%w: booking job without body", ErrInvalidEvent)
		}
		return w.booking.Run(ctx, *payload.Booking)
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidEvent, payload.Kind)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete followup job", "error", err)
	}
}
