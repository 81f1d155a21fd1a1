package followup

import (
	"context"
	"fmt"

	"github.com/wolfman30/docfollow/pkg/logging"
)

// Publisher enqueues follow-up jobs for asynchronous processing. It is the
// queue-backed Dispatcher used by the Engine.
type Publisher struct {
	queue  Queue
	jobs   JobRecorder
	logger *logging.Logger
}

var _ Dispatcher = (*Publisher)(nil)

// NewPublisher creates a queue-backed publisher. jobs may be nil when status
// tracking is not needed.
func NewPublisher(queue Queue, jobs JobRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("followup: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		jobs:   jobs,
		logger: logger,
	}
}

// EnqueueEvent publishes an inbound event for the conversation and returns the job id.
func (p *Publisher) EnqueueEvent(ctx context.Context, conversationID string, ev Event, opts ...PublishOption) (string, error) {
	env, err := EncodeEvent(ev)
	if err != nil {
		return "", err
	}
	return p.enqueue(ctx, queuePayload{Kind: jobKindEvent, ConversationID: conversationID, Event: &env}, opts...)
}

// DispatchExtraction publishes an extraction job.
func (p *Publisher) DispatchExtraction(ctx context.Context, job ExtractionJob) error {
	_, err := p.enqueue(ctx, queuePayload{Kind: jobKindExtraction, ConversationID: job.ConversationID, Extraction: &job})
	return err
}

// DispatchBooking publishes a booking attempt.
func (p *Publisher) DispatchBooking(ctx context.Context, job BookingJob) error {
	_, err := p.enqueue(ctx, queuePayload{Kind: jobKindBooking, ConversationID: job.ConversationID, Booking: &job})
	return err
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload, opts ...PublishOption) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&payload)
		}
	}

	payload, body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	if payload.TrackStatus && p.jobs != nil {
		record := &JobRecord{JobID: payload.ID, Kind: payload.Kind, ConversationID: payload.ConversationID}
		if payload.Event != nil {
			record.EventKind = payload.Event.Kind
		}
		if err := p.jobs.PutPending(ctx, record); err != nil {
			return "", err
		}
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("followup: failed to enqueue job: %w", err)
	}

	p.logger.Debug("followup job enqueued", "job_id", payload.ID, "kind", payload.Kind, "conversation_id", payload.ConversationID)
	return payload.ID, nil
}
