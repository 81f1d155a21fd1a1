package followup

import (
	"context"
	"time"
)

// Store persists conversations. Update is a compare-and-swap on Version.
type Store interface {
	// Create inserts a new conversation. It returns ErrDuplicateFollowUp or
	// ErrOpenConversationExists when a uniqueness constraint rejects it.
	Create(ctx context.Context, conv *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	// Update writes conv if the stored version still equals expectedVersion and
	// bumps conv.Version on success. A lost race returns ErrStorageConflict.
	Update(ctx context.Context, conv *Conversation, expectedVersion int64) error
	FindOpenByPatient(ctx context.Context, patientID string) (*Conversation, error)
	ListByDoctor(ctx context.Context, doctorID string, states ...State) ([]*Conversation, error)
	// ListByState returns conversations in state last updated before cutoff, oldest first.
	ListByState(ctx context.Context, state State, updatedBefore time.Time, limit int) ([]*Conversation, error)
	// ListPendingDelivery returns conversations holding an outbound entry
	// written before cutoff whose delivery was never recorded, oldest first.
	ListPendingDelivery(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error)
	Delete(ctx context.Context, id string) error
}

// Locker serializes work on a single conversation.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ExtractionJob asks the worker to extract and draft for the pending patient batch.
type ExtractionJob struct {
	ConversationID string `json:"conversation_id"`
	Seq            int    `json:"seq"`
}

// BookingJob asks the worker to submit the stored booking request.
type BookingJob struct {
	ConversationID string         `json:"conversation_id"`
	Attempt        int            `json:"attempt"`
	Request        BookingRequest `json:"request"`
}

// Dispatcher hands asynchronous work to the job queue.
type Dispatcher interface {
	DispatchExtraction(ctx context.Context, job ExtractionJob) error
	DispatchBooking(ctx context.Context, job BookingJob) error
}

// Outbound is one message to the patient.
type Outbound struct {
	ConversationID string
	To             string
	Body           string
	IdempotencyKey string
}

// Receipt is the provider acknowledgement of an outbound message.
type Receipt struct {
	Channel           string
	ProviderMessageID string
}

// Sender delivers outbound messages. Failures are returned as *SendError.
type Sender interface {
	Send(ctx context.Context, msg Outbound) (Receipt, error)
}

// NoticeKind enumerates doctor notifications.
type NoticeKind string

const (
	NoticeDraftReady            NoticeKind = "draft_ready"
	NoticeUndelivered           NoticeKind = "undelivered"
	NoticeAuthorizationRequired NoticeKind = "authorization_required"
	NoticeBookingRejected       NoticeKind = "booking_rejected"
	NoticeBookingConfirmed      NoticeKind = "booking_confirmed"
)

// Notice tells a doctor something needs attention.
type Notice struct {
	Kind           NoticeKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	DoctorID       string     `json:"doctor_id"`
	DoctorEmail    string     `json:"doctor_email,omitempty"`
	PatientName    string     `json:"patient_name,omitempty"`
	Summary        string     `json:"summary"`
	Link           string     `json:"link,omitempty"`
}

// DoctorNotifier delivers notices to doctors.
type DoctorNotifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// ExtractionInput is the pending patient batch handed to the model.
type ExtractionInput struct {
	ConversationID string
	Diagnosis      string
	Messages       []Message
	Attachments    []Attachment
}

// Extractor turns patient content into structured readings. Plain text with
// nothing to extract yields an empty map.
type Extractor interface {
	Extract(ctx context.Context, in ExtractionInput) (map[string]any, error)
}

// DraftInput is everything the drafter sees.
type DraftInput struct {
	ConversationID string
	PatientName    string
	Diagnosis      string
	History        []Message
	Extracted      map[string]any
}

// Drafter proposes a reply for the doctor to review.
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (string, error)
}

// Scheduler books an appointment for a request. Transport failures are
// returned as errors; calendar decisions come back as outcomes.
type Scheduler interface {
	Book(ctx context.Context, req BookingRequest) (BookingOutcome, error)
}
