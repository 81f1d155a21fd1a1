package archive

import (
	"time"

	"github.com/wolfman30/docfollow/internal/followup"
)

const (
	OutcomeBooked = "booked"
	OutcomeClosed = "closed"
)

// NewRecord builds the archive document for a closed conversation. Message
// content is scrubbed and the patient phone is kept only as a hash.
func NewRecord(conv *followup.Conversation, archivedAt time.Time) *ConversationRecord {
	rec := &ConversationRecord{
		Version:        recordVersion,
		ConversationID: conv.ID,
		PatientID:      conv.PatientID,
		DoctorID:       conv.DoctorID,
		PhoneHash:      HashPhone(conv.Participants.PatientPhone),
		Diagnosis:      conv.Participants.Diagnosis,
		FollowUpDate:   conv.FollowUpDate,
		CreatedAt:      conv.CreatedAt,
		ClosedAt:       conv.UpdatedAt,
		ArchivedAt:     archivedAt.UTC(),
		Outcome:        OutcomeClosed,
		CloseReason:    conv.CloseReason,
		BookingEventID: conv.BookingEventID,
		ExtractedData:  conv.ExtractedData,
		MessageCount:   len(conv.History),
		Messages:       make([]Message, 0, len(conv.History)),
	}
	if conv.BookingEventID != "" {
		rec.Outcome = OutcomeBooked
	}
	for _, att := range conv.RawAttachments {
		rec.Attachments = append(rec.Attachments, att.Ref)
	}
	for _, msg := range conv.History {
		m := Message{Sender: string(msg.Sender), Content: msg.Content, Timestamp: msg.Timestamp}
		if msg.Delivery != nil {
			m.Delivery = string(msg.Delivery.Status)
		}
		rec.Messages = append(rec.Messages, m)
	}
	ScrubMessages(rec.Messages)
	return rec
}
