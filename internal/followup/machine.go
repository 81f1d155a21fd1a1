package followup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	unreadableSubmissionDraft = "We could not read your latest update clearly. Could you resend a clear photo of the report, or type the readings as a message?"
	draftUnavailableDraft     = "Thank you for the update. The doctor will review it and get back to you shortly."
	defaultBookingPurpose     = "Follow-up consultation"
)

// errNoop marks an event that is accepted but changes nothing.
var errNoop = errors.New("followup: no-op")

type effectKind int

const (
	effectDispatchExtraction effectKind = iota
	effectSend
	effectNotify
	effectDispatchBooking
)

type effect struct {
	kind    effectKind
	seq     int
	index   int
	notice  NoticeKind
	summary string
	link    string
	booking *BookingJob
}

// transition applies ev to c in place and returns the side effects to run
// after the result is committed. It never performs I/O.
func transition(c *Conversation, ev Event, now time.Time, newID func() string) ([]effect, error) {
	if c.State == StateClosed {
		return nil, invalid(c.State, ev)
	}
	switch e := ev.(type) {
	case PatientMessage:
		if strings.TrimSpace(e.Text) == "" {
			return nil, fmt.Errorf("%w: empty patient message", ErrInvalidEvent)
		}
		appendEntry(c, Message{Sender: SenderPatient, Content: e.Text}, now)
		return onPatientContent(c), nil
	case PatientAttachment:
		if len(e.Attachments) == 0 {
			return nil, fmt.Errorf("%w: attachment event without media", ErrInvalidEvent)
		}
		refs := make([]string, 0, len(e.Attachments))
		for _, a := range e.Attachments {
			if a.Ref == "" {
				return nil, fmt.Errorf("%w: attachment without reference", ErrInvalidEvent)
			}
			c.RawAttachments = append(c.RawAttachments, a)
			refs = append(refs, a.Ref)
		}
		appendEntry(c, Message{Sender: SenderPatient, Content: e.Caption, Attachments: refs}, now)
		return onPatientContent(c), nil
	case DoctorReply:
		return applyDoctorReply(c, e, now, newID)
	case DoctorClose:
		if e.DoctorID != "" && e.DoctorID != c.DoctorID {
			return nil, ErrForbidden
		}
		c.State = StateClosed
		c.DraftReply = nil
		c.PendingBooking = nil
		c.CloseReason = e.Reason
		if c.CloseReason == "" {
			c.CloseReason = "closed_by_doctor"
		}
		return nil, nil
	case ExtractionResult:
		return applyExtraction(c, e)
	case SchedulingResult:
		return applyScheduling(c, e, now)
	}
	return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, ev)
}

// onPatientContent runs after a patient entry was appended. Patient content
// always lands in history first so no AI call can lose it.
func onPatientContent(c *Conversation) []effect {
	switch c.State {
	case StateAwaitingPatient, StateAwaitingExtraction, StateAwaitingDoctor:
		c.DraftReply = nil
		c.State = StateAwaitingExtraction
		c.ExtractionSeq++
		return []effect{{kind: effectDispatchExtraction, seq: c.ExtractionSeq}}
	default:
		// AWAITING_SCHEDULING keeps the message for the doctor without re-engaging the model.
		return nil
	}
}

func applyDoctorReply(c *Conversation, e DoctorReply, now time.Time, newID func() string) ([]effect, error) {
	if c.State != StateAwaitingDoctor {
		return nil, invalid(c.State, e)
	}
	if e.DoctorID != "" && e.DoctorID != c.DoctorID {
		return nil, ErrForbidden
	}
	content := strings.TrimSpace(e.Content)
	if content == "" && c.DraftReply != nil {
		content = strings.TrimSpace(*c.DraftReply)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: reply has no content and no draft to approve", ErrInvalidEvent)
	}
	if e.Availability != nil && !e.Availability.End.After(e.Availability.Start) {
		return nil, fmt.Errorf("%w: availability window ends before it starts", ErrInvalidEvent)
	}

	idx := appendEntry(c, Message{
		Sender:   SenderDoctor,
		Content:  content,
		Delivery: &Delivery{Status: DeliveryPending},
	}, now)
	c.DraftReply = nil
	effects := []effect{{kind: effectSend, index: idx}}

	if !e.Closing {
		c.State = StateAwaitingPatient
		return effects, nil
	}
	if c.BookingRequested {
		return nil, invalid(c.State, e)
	}

	purpose := defaultBookingPurpose
	if c.Participants.Diagnosis != "" {
		purpose = fmt.Sprintf("%s (%s)", defaultBookingPurpose, c.Participants.Diagnosis)
	}
	req := BookingRequest{
		ID:             newID(),
		ConversationID: c.ID,
		PatientID:      c.PatientID,
		PatientName:    c.Participants.PatientName,
		PatientPhone:   c.Participants.PatientPhone,
		DoctorID:       c.DoctorID,
		DoctorName:     c.Participants.DoctorName,
		DoctorEmail:    c.Participants.DoctorEmail,
		Purpose:        purpose,
		Window:         e.Availability,
	}
	c.BookingRequested = true
	c.PendingBooking = &BookingMarker{Request: req, Attempts: 1, UpdatedAt: now}
	c.State = StateAwaitingScheduling
	effects = append(effects, effect{
		kind:    effectDispatchBooking,
		booking: &BookingJob{ConversationID: c.ID, Attempt: 1, Request: req},
	})
	return effects, nil
}

func applyExtraction(c *Conversation, e ExtractionResult) ([]effect, error) {
	if e.Seq < c.ExtractionSeq {
		return nil, errNoop
	}
	if c.State != StateAwaitingExtraction || e.Seq != c.ExtractionSeq {
		return nil, invalid(c.State, e)
	}

	var draft string
	switch {
	case e.ExtractionError != nil:
		c.ExtractedData = nil
		draft = unreadableSubmissionDraft
	default:
		c.ExtractedData = e.Data
		if c.ExtractedData == nil {
			c.ExtractedData = map[string]any{}
		}
		draft = strings.TrimSpace(e.Draft)
		if e.DraftError != nil || draft == "" {
			draft = draftUnavailableDraft
		}
	}
	c.DraftReply = &draft
	c.State = StateAwaitingDoctor

	summary := "A reply draft is ready for review."
	if e.ExtractionError != nil {
		summary = fmt.Sprintf("The latest submission could not be read (%s). A request for clearer input is drafted.", e.ExtractionError.Kind)
	}
	return []effect{{kind: effectNotify, notice: NoticeDraftReady, summary: summary}}, nil
}

func applyScheduling(c *Conversation, e SchedulingResult, now time.Time) ([]effect, error) {
	if c.State != StateAwaitingScheduling || c.PendingBooking == nil || c.PendingBooking.Request.ID != e.RequestID {
		return nil, invalid(c.State, e)
	}
	marker := c.PendingBooking
	if e.Outcome.Kind != BookingConfirmed && e.Attempt != marker.Attempts {
		return nil, errNoop
	}
	marker.LastOutcome = e.Outcome.Kind
	marker.UpdatedAt = now

	switch e.Outcome.Kind {
	case BookingConfirmed:
		marker.AuthURL = ""
		marker.Reason = ""
		c.BookingEventID = e.Outcome.EventID
		if c.BookingEventID == "" {
			c.BookingEventID = e.RequestID
		}
		idx := appendEntry(c, Message{
			Sender:   SenderAgent,
			Content:  confirmationText(c, e.Outcome),
			Delivery: &Delivery{Status: DeliveryPending},
		}, now)
		c.State = StateClosed
		c.CloseReason = "booked"
		return []effect{
			{kind: effectSend, index: idx},
			{kind: effectNotify, notice: NoticeBookingConfirmed, summary: "The follow-up appointment was booked."},
		}, nil
	case BookingNotAuthorized:
		marker.AuthURL = e.Outcome.AuthURL
		marker.Reason = ""
		return []effect{{
			kind:    effectNotify,
			notice:  NoticeAuthorizationRequired,
			summary: "Calendar access is needed to book the follow-up appointment.",
			link:    e.Outcome.AuthURL,
		}}, nil
	case BookingRejected:
		marker.Reason = e.Outcome.Reason
		marker.AuthURL = ""
		return []effect{{
			kind:    effectNotify,
			notice:  NoticeBookingRejected,
			summary: fmt.Sprintf("The calendar rejected the booking: %s", e.Outcome.Reason),
		}}, nil
	}
	return nil, fmt.Errorf("%w: unknown booking outcome %q", ErrInvalidEvent, e.Outcome.Kind)
}

func confirmationText(c *Conversation, outcome BookingOutcome) string {
	if msg := strings.TrimSpace(outcome.Message); msg != "" {
		return msg
	}
	start := outcome.Start
	doctor := "your doctor"
	if c.Participants.DoctorName != "" {
		doctor = c.Participants.DoctorName
	}
	if start.IsZero() {
		return fmt.Sprintf("Your follow-up appointment with %s is booked. Reply here if you need to change it.", doctor)
	}
	return fmt.Sprintf("Your follow-up appointment with %s is booked for %s. Reply here if you need to change it.",
		doctor, start.Format("Mon Jan 2 at 3:04 PM MST"))
}

// appendEntry appends m with a timestamp that never goes backwards and
// returns its position.
func appendEntry(c *Conversation, m Message, now time.Time) int {
	if n := len(c.History); n > 0 && now.Before(c.History[n-1].Timestamp) {
		now = c.History[n-1].Timestamp
	}
	m.Timestamp = now
	c.History = append(c.History, m)
	return len(c.History) - 1
}
