package followup

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the closed set of inputs the state machine accepts. Every event
// carries an id used for redelivery detection.
type Event interface {
	EventID() string
	Kind() EventKind
	sealed()
}

// EventKind names an event variant on the wire.
type EventKind string

const (
	KindPatientMessage    EventKind = "patient_message"
	KindPatientAttachment EventKind = "patient_attachment"
	KindDoctorReply       EventKind = "doctor_reply"
	KindDoctorClose       EventKind = "doctor_close"
	KindExtractionResult  EventKind = "extraction_result"
	KindSchedulingResult  EventKind = "scheduling_result"
)

// PatientMessage is free text from the patient.
type PatientMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// PatientAttachment is one or more media items from the patient, with an optional caption.
type PatientAttachment struct {
	ID          string       `json:"id"`
	Caption     string       `json:"caption,omitempty"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// DoctorReply releases a message to the patient. Empty Content approves the
// pending draft verbatim. Closing concludes the follow-up and requests a booking.
type DoctorReply struct {
	ID           string  `json:"id"`
	DoctorID     string  `json:"doctor_id"`
	Content      string  `json:"content"`
	Closing      bool    `json:"closing"`
	Availability *Window `json:"availability,omitempty"`
}

// DoctorClose ends the conversation without messaging the patient.
type DoctorClose struct {
	ID       string `json:"id"`
	DoctorID string `json:"doctor_id"`
	Reason   string `json:"reason,omitempty"`
}

// Failure is a serializable AI failure carried inside ExtractionResult.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// ExtractionResult is the outcome of one extraction dispatch together with the
// draft produced from it. Seq ties the result to the dispatch that produced it.
type ExtractionResult struct {
	ID              string         `json:"id"`
	Seq             int            `json:"seq"`
	Data            map[string]any `json:"data,omitempty"`
	ExtractionError *Failure       `json:"extraction_error,omitempty"`
	Draft           string         `json:"draft,omitempty"`
	DraftError      *Failure       `json:"draft_error,omitempty"`
}

// SchedulingResult reports a calendar outcome for the pending booking request.
type SchedulingResult struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Attempt   int            `json:"attempt"`
	Outcome   BookingOutcome `json:"outcome"`
}

func (e PatientMessage) EventID() string    { return e.ID }
func (e PatientAttachment) EventID() string { return e.ID }
func (e DoctorReply) EventID() string       { return e.ID }
func (e DoctorClose) EventID() string       { return e.ID }
func (e ExtractionResult) EventID() string  { return e.ID }
func (e SchedulingResult) EventID() string  { return e.ID }

func (PatientMessage) Kind() EventKind    { return KindPatientMessage }
func (PatientAttachment) Kind() EventKind { return KindPatientAttachment }
func (DoctorReply) Kind() EventKind       { return KindDoctorReply }
func (DoctorClose) Kind() EventKind       { return KindDoctorClose }
func (ExtractionResult) Kind() EventKind  { return KindExtractionResult }
func (SchedulingResult) Kind() EventKind  { return KindSchedulingResult }

func (PatientMessage) sealed()    {}
func (PatientAttachment) sealed() {}
func (DoctorReply) sealed()       {}
func (DoctorClose) sealed()       {}
func (ExtractionResult) sealed()  {}
func (SchedulingResult) sealed()  {}

// ExtractionEventID derives the id of the result for dispatch seq.
func ExtractionEventID(conversationID string, seq int) string {
	return fmt.Sprintf("extraction:%s:%d", conversationID, seq)
}

// SchedulingEventID derives the id of the result for one booking attempt.
func SchedulingEventID(requestID string, attempt int) string {
	return fmt.Sprintf("scheduling:%s:%d", requestID, attempt)
}

// EventEnvelope is the wire form of an Event on the job queue.
type EventEnvelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent wraps ev for transport.
func EncodeEvent(ev Event) (EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("followup: encode %s: %w", ev.Kind(), err)
	}
	return EventEnvelope{Kind: ev.Kind(), Payload: payload}, nil
}

// DecodeEvent restores the concrete event carried by env.
func DecodeEvent(env EventEnvelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Kind {
	case KindPatientMessage:
		var v PatientMessage
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	case KindPatientAttachment:
		var v PatientAttachment
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	case KindDoctorReply:
		var v DoctorReply
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	case KindDoctorClose:
		var v DoctorClose
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	case KindExtractionResult:
		var v ExtractionResult
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	case KindSchedulingResult:
		var v SchedulingResult
		err = json.Unmarshal(env.Payload, &v)
		ev = v
	default:
		return nil, fmt.Errorf("followup: unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("followup: decode %s: %w", env.Kind, err)
	}
	if ev.EventID() == "" {
		return nil, fmt.Errorf("followup: %s event missing id", env.Kind)
	}
	return ev, nil
}

// actingDoctor returns the doctor a doctor command acts as, or "" for other
// events and for commands issued without a doctor identity.
func actingDoctor(ev Event) string {
	switch e := ev.(type) {
	case DoctorReply:
		return e.DoctorID
	case DoctorClose:
		return e.DoctorID
	}
	return ""
}
