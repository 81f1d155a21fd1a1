package followup

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a follow-up conversation.
type State string

const (
	StateAwaitingPatient    State = "AWAITING_PATIENT"
	StateAwaitingExtraction State = "AWAITING_EXTRACTION"
	StateAwaitingDoctor     State = "AWAITING_DOCTOR"
	StateAwaitingScheduling State = "AWAITING_SCHEDULING"
	StateClosed             State = "CLOSED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingPatient, StateAwaitingExtraction, StateAwaitingDoctor, StateAwaitingScheduling, StateClosed:
		return true
	}
	return false
}

// Open reports whether the conversation can still accept events.
func (s State) Open() bool {
	return s.Valid() && s != StateClosed
}

// Author identifies who wrote a history entry.
type Author string

const (
	SenderPatient Author = "patient"
	SenderAgent   Author = "agent"
	SenderDoctor  Author = "doctor"
)

// DeliveryStatus tracks an outbound message after it is committed.
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryUndelivered DeliveryStatus = "undelivered"
)

// Delivery is the outbound receipt (or failure marker) of an agent or doctor message.
type Delivery struct {
	Status            DeliveryStatus `json:"status"`
	Channel           string         `json:"channel,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	At                time.Time      `json:"at,omitempty"`
}

// Message is one history entry. Position in History is authoritative.
type Message struct {
	Sender      Author    `json:"sender"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Delivery    *Delivery `json:"delivery,omitempty"`
}

// Attachment is an opaque reference to patient-supplied media.
type Attachment struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type,omitempty"`
	ProviderURL string `json:"provider_url,omitempty"`
}

// Participants is the contact snapshot taken when the conversation opens.
type Participants struct {
	PatientName  string `json:"patient_name,omitempty"`
	PatientPhone string `json:"patient_phone,omitempty"`
	Diagnosis    string `json:"diagnosis,omitempty"`
	DoctorName   string `json:"doctor_name,omitempty"`
	DoctorEmail  string `json:"doctor_email,omitempty"`
}

// Window is a preferred appointment range supplied by the doctor.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BookingRequest is the stable payload handed to the calendar. ID doubles as
// the idempotency key across retries.
type BookingRequest struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	PatientID      string  `json:"patient_id"`
	PatientName    string  `json:"patient_name,omitempty"`
	PatientPhone   string  `json:"patient_phone,omitempty"`
	DoctorID       string  `json:"doctor_id"`
	DoctorName     string  `json:"doctor_name,omitempty"`
	DoctorEmail    string  `json:"doctor_email,omitempty"`
	Purpose        string  `json:"purpose"`
	Window         *Window `json:"window,omitempty"`
}

// BookingOutcomeKind enumerates calendar responses.
type BookingOutcomeKind string

const (
	BookingConfirmed     BookingOutcomeKind = "confirmed"
	BookingNotAuthorized BookingOutcomeKind = "not_authorized"
	BookingRejected      BookingOutcomeKind = "rejected"
)

// BookingOutcome is the result of one booking attempt.
type BookingOutcome struct {
	Kind    BookingOutcomeKind `json:"kind"`
	EventID string             `json:"event_id,omitempty"`
	Start   time.Time          `json:"start,omitempty"`
	AuthURL string             `json:"auth_url,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	// Message replaces the default patient confirmation when set.
	Message string `json:"message,omitempty"`
}

// BookingMarker is the resumable record of a booking hand-off.
type BookingMarker struct {
	Request     BookingRequest     `json:"request"`
	Attempts    int                `json:"attempts"`
	LastOutcome BookingOutcomeKind `json:"last_outcome,omitempty"`
	AuthURL     string             `json:"auth_url,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Conversation is a single follow-up thread between one patient and one doctor.
type Conversation struct {
	ID           string       `json:"id"`
	PatientID    string       `json:"patient_id"`
	DoctorID     string       `json:"doctor_id"`
	FollowUpDate string       `json:"followup_date"`
	State        State        `json:"state"`
	Participants Participants `json:"participants"`

	History        []Message      `json:"history"`
	RawAttachments []Attachment   `json:"raw_attachments"`
	ExtractedData  map[string]any `json:"extracted_data,omitempty"`
	DraftReply     *string        `json:"draft_reply,omitempty"`
	ExtractionSeq  int            `json:"extraction_seq"`

	BookingRequested bool           `json:"booking_requested"`
	PendingBooking   *BookingMarker `json:"pending_booking,omitempty"`
	BookingEventID   string         `json:"booking_event_id,omitempty"`
	CloseReason      string         `json:"close_reason,omitempty"`

	AppliedEvents []string  `json:"applied_events,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const dateLayout = "2006-01-02"

// FollowUpDay formats t as the calendar date used for uniqueness.
func FollowUpDay(t time.Time) string {
	return t.Format(dateLayout)
}

// Clone returns a deep copy so callers never share slices with stored state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.History = make([]Message, len(c.History))
	for i, m := range c.History {
		cp := m
		if m.Attachments != nil {
			cp.Attachments = append([]string(nil), m.Attachments...)
		}
		if m.Delivery != nil {
			d := *m.Delivery
			cp.Delivery = &d
		}
		out.History[i] = cp
	}
	out.RawAttachments = append([]Attachment(nil), c.RawAttachments...)
	if c.ExtractedData != nil {
		out.ExtractedData = cloneMap(c.ExtractedData)
	}
	if c.DraftReply != nil {
		d := *c.DraftReply
		out.DraftReply = &d
	}
	if c.PendingBooking != nil {
		pb := *c.PendingBooking
		if pb.Request.Window != nil {
			w := *pb.Request.Window
			pb.Request.Window = &w
		}
		out.PendingBooking = &pb
	}
	out.AppliedEvents = append([]string(nil), c.AppliedEvents...)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = cloneMap(typed)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if m, ok := item.(map[string]any); ok {
					items[i] = cloneMap(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// HasApplied reports whether eventID was already folded into the conversation.
func (c *Conversation) HasApplied(eventID string) bool {
	for _, id := range c.AppliedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// PendingPatientBatch returns the patient entries received since the last
// agent or doctor message, plus the attachments they reference.
func (c *Conversation) PendingPatientBatch() ([]Message, []Attachment) {
	start := len(c.History)
	for start > 0 && c.History[start-1].Sender == SenderPatient {
		start--
	}
	msgs := append([]Message(nil), c.History[start:]...)
	refs := make(map[string]struct{})
	for _, m := range msgs {
		for _, ref := range m.Attachments {
			refs[ref] = struct{}{}
		}
	}
	var atts []Attachment
	for _, a := range c.RawAttachments {
		if _, ok := refs[a.Ref]; ok {
			atts = append(atts, a)
		}
	}
	return msgs, atts
}

// Validate checks the structural invariants every committed conversation must hold.
func (c *Conversation) Validate() error {
	if c.ID == "" || c.PatientID == "" || c.DoctorID == "" {
		return fmt.Errorf("followup: conversation requires id, patient and doctor")
	}
	if !c.State.Valid() {
		return fmt.Errorf("followup: unknown state %q", c.State)
	}
	if c.DraftReply != nil && c.State != StateAwaitingDoctor {
		return fmt.Errorf("followup: draft present in state %s", c.State)
	}
	if c.State == StateAwaitingScheduling && c.PendingBooking == nil {
		return fmt.Errorf("followup: awaiting scheduling without booking marker")
	}
	if c.State == StateAwaitingScheduling && !c.BookingRequested {
		return fmt.Errorf("followup: awaiting scheduling without booking request")
	}
	if c.BookingEventID != "" && c.State != StateClosed {
		return fmt.Errorf("followup: booking confirmed but conversation %s", c.State)
	}
	known := make(map[string]struct{}, len(c.RawAttachments))
	for _, a := range c.RawAttachments {
		known[a.Ref] = struct{}{}
	}
	var prev time.Time
	for i, m := range c.History {
		if m.Timestamp.Before(prev) {
			return fmt.Errorf("followup: history entry %d out of order", i)
		}
		prev = m.Timestamp
		if m.Sender == SenderPatient && m.Delivery != nil {
			return fmt.Errorf("followup: patient entry %d carries a delivery record", i)
		}
		for _, ref := range m.Attachments {
			if _, ok := known[ref]; !ok {
				return fmt.Errorf("followup: history entry %d references unknown attachment %s", i, ref)
			}
		}
	}
	return nil
}

// PendingDeliveries returns the indexes of outbound entries written before
// cutoff that still wait for a delivery record.
func (c *Conversation) PendingDeliveries(cutoff time.Time) []int {
	var out []int
	for i, m := range c.History {
		if m.Delivery != nil && m.Delivery.Status == DeliveryPending && m.Timestamp.Before(cutoff) {
			out = append(out, i)
		}
	}
	return out
}
