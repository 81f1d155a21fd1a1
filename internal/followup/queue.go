package followup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue is the job transport shared by Publisher and Worker. SQSQueue and
// MemoryQueue implement it.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
	// Attempts counts earlier deliveries of this message.
	Attempts int
}

type jobKind string

const (
	jobKindEvent      jobKind = "event"
	jobKindExtraction jobKind = "extraction"
	jobKindBooking    jobKind = "booking"
)

type queuePayload struct {
	ID             string         `json:"id"`
	Kind           jobKind        `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Event          *EventEnvelope `json:"event,omitempty"`
	Extraction     *ExtractionJob `json:"extraction,omitempty"`
	Booking        *BookingJob    `json:"booking,omitempty"`
	TrackStatus    bool           `json:"track_status"`
}

// PublishOption customizes an enqueued job.
type PublishOption func(*queuePayload)

// WithJobTracking persists job status so callers can poll it.
func WithJobTracking() PublishOption {
	return func(p *queuePayload) {
		p.TrackStatus = true
	}
}

// WithJobID pins the job id instead of generating one.
func WithJobID(id string) PublishOption {
	return func(p *queuePayload) {
		if id != "" {
			p.ID = id
		}
	}
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("followup: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
