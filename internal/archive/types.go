package archive

import "time"

const recordVersion = "1.0"

// ConversationRecord is the JSON document written to S3 for a closed follow-up.
type ConversationRecord struct {
	Version        string         `json:"version"`
	ConversationID string         `json:"conversation_id"`
	PatientID      string         `json:"patient_id"`
	DoctorID       string         `json:"doctor_id"`
	PhoneHash      string         `json:"phone_hash,omitempty"`
	Diagnosis      string         `json:"diagnosis,omitempty"`
	FollowUpDate   string         `json:"followup_date"`
	CreatedAt      time.Time      `json:"created_at"`
	ClosedAt       time.Time      `json:"closed_at"`
	ArchivedAt     time.Time      `json:"archived_at"`
	Outcome        string         `json:"outcome"`
	CloseReason    string         `json:"close_reason,omitempty"`
	BookingEventID string         `json:"booking_event_id,omitempty"`
	ExtractedData  map[string]any `json:"extracted_data,omitempty"`
	Attachments    []string       `json:"attachments,omitempty"`
	MessageCount   int            `json:"message_count"`
	Messages       []Message      `json:"messages"`
}

// Message is a single conversation turn.
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Delivery  string    `json:"delivery,omitempty"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	ConversationID string `json:"conversation_id"`
	DoctorID       string `json:"doctor_id"`
	S3Key          string `json:"s3_key"`
	Outcome        string `json:"outcome"`
	ArchivedAt     string `json:"archived_at"`
	MessageCount   int    `json:"message_count"`
}
