package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	httpmiddleware "github.com/wolfman30/docfollow/internal/http/middleware"
	"github.com/wolfman30/docfollow/internal/reminders"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// FollowUpEngine is the subset of *followup.Engine the doctor API drives.
type FollowUpEngine interface {
	Get(ctx context.Context, conversationID string) (*followup.Conversation, error)
	ListForDoctor(ctx context.Context, doctorID string, states ...followup.State) ([]*followup.Conversation, error)
	HandleEvent(ctx context.Context, conversationID string, ev followup.Event) (*followup.Conversation, error)
	StartFollowUp(ctx context.Context, req followup.StartRequest) (*followup.Conversation, error)
	ResumeBooking(ctx context.Context, conversationID, doctorID string) (*followup.Conversation, error)
}

// Directory looks up the people a follow-up is opened for.
type Directory interface {
	GetPatient(ctx context.Context, id string) (*directory.Patient, error)
	GetDoctor(ctx context.Context, id string) (*directory.Doctor, error)
}

// FeedHandler streams live notices to a doctor.
type FeedHandler interface {
	Handler(doctorID string) http.Handler
}

// FollowUpHandler serves the doctor-facing follow-up API.
type FollowUpHandler struct {
	engine    FollowUpEngine
	directory Directory
	feed      FeedHandler
	now       func() time.Time
	logger    *logging.Logger
}

func NewFollowUpHandler(engine FollowUpEngine, dir Directory, feed FeedHandler, logger *logging.Logger) *FollowUpHandler {
	if engine == nil || dir == nil {
		panic("handlers: follow-up handler requires engine and directory")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FollowUpHandler{engine: engine, directory: dir, feed: feed, now: time.Now, logger: logger}
}

// Routes mounts the follow-up endpoints; the caller applies authentication.
func (h *FollowUpHandler) Routes(r chi.Router) {
	r.Get("/followups", h.List)
	r.Post("/followups", h.Create)
	r.Route("/followups/{conversationID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/reply", h.Reply)
		r.Post("/close", h.Close)
		r.Post("/booking/resume", h.ResumeBooking)
	})
	if h.feed != nil {
		r.Get("/feed", h.Feed)
	}
}

// ConversationView is the API form of a conversation.
type ConversationView struct {
	ID             string                  `json:"id"`
	PatientID      string                  `json:"patient_id"`
	PatientName    string                  `json:"patient_name,omitempty"`
	Diagnosis      string                  `json:"diagnosis,omitempty"`
	FollowUpDate   string                  `json:"followup_date"`
	State          followup.State          `json:"state"`
	History        []followup.Message      `json:"history,omitempty"`
	Attachments    []followup.Attachment   `json:"attachments,omitempty"`
	ExtractedData  map[string]any          `json:"extracted_data,omitempty"`
	DraftReply     *string                 `json:"draft_reply,omitempty"`
	PendingBooking *followup.BookingMarker `json:"pending_booking,omitempty"`
	BookingEventID string                  `json:"booking_event_id,omitempty"`
	CloseReason    string                  `json:"close_reason,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func viewOf(c *followup.Conversation, full bool) ConversationView {
	v := ConversationView{
		ID:             c.ID,
		PatientID:      c.PatientID,
		PatientName:    c.Participants.PatientName,
		Diagnosis:      c.Participants.Diagnosis,
		FollowUpDate:   c.FollowUpDate,
		State:          c.State,
		DraftReply:     c.DraftReply,
		PendingBooking: c.PendingBooking,
		BookingEventID: c.BookingEventID,
		CloseReason:    c.CloseReason,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if full {
		v.History = c.History
		v.Attachments = c.RawAttachments
		v.ExtractedData = c.ExtractedData
	}
	return v
}

func doctorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := httpmiddleware.DoctorIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return id, ok
}

// eventID uses the client's Idempotency-Key so retried commands apply once.
func eventID(r *http.Request, prefix string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return prefix + ":" + key
	}
	return prefix + ":" + uuid.NewString()
}

// List returns the doctor's follow-ups, optionally filtered by ?state=A,B.
func (h *FollowUpHandler) List(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	var states []followup.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := followup.State(strings.ToUpper(strings.TrimSpace(part)))
			if !s.Valid() {
				writeError(w, http.StatusBadRequest, "unknown state "+part)
				return
			}
			states = append(states, s)
		}
	}
	convs, err := h.engine.ListForDoctor(r.Context(), doctor, states...)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, viewOf(c, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"followups": out, "total": len(out)})
}

func (h *FollowUpHandler) Get(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	conv, err := h.engine.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err == nil && conv.DoctorID != doctor {
		err = followup.ErrForbidden
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conv, true))
}

// CreateRequest opens a follow-up on demand.
type CreateRequest struct {
	PatientID    string `json:"patient_id"`
	FollowUpDate string `json:"followup_date,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (h *FollowUpHandler) Create(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.PatientID) == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	patient, err := h.directory.GetPatient(r.Context(), req.PatientID)
	if err == nil && patient.DoctorID != doctor {
		err = directory.ErrPatientNotFound
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	doc, err := h.directory.GetDoctor(r.Context(), doctor)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	day := req.FollowUpDate
	if day == "" {
		day = followup.FollowUpDay(h.now().In(doc.Location()))
	}
	greeting := strings.TrimSpace(req.Message)
	if greeting == "" {
		greeting = reminders.ReminderMessage(patient.Name, doc.Name, patient.Diagnosis)
	}

	conv, err := h.engine.StartFollowUp(r.Context(), followup.StartRequest{
		PatientID:    patient.ID,
		DoctorID:     doctor,
		FollowUpDate: day,
		Participants: directory.Participants(patient, doc),
		Greeting:     greeting,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	h.logger.Info("follow-up opened on demand", "conversation_id", conv.ID, "doctor_id", doctor, "patient_id", patient.ID)
	writeJSON(w, http.StatusCreated, viewOf(conv, true))
}

// WindowRequest is a doctor-supplied availability range.
type WindowRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReplyRequest sends the doctor's reply. Empty content approves the draft.
type ReplyRequest struct {
	Content      string         `json:"content"`
	Closing      bool           `json:"closing"`
	Availability *WindowRequest `json:"availability,omitempty"`
}

func (h *FollowUpHandler) Reply(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	var req ReplyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ev := followup.DoctorReply{
		ID:       eventID(r, "reply"),
		DoctorID: doctor,
		Content:  req.Content,
		Closing:  req.Closing,
	}
	if req.Availability != nil {
		if !req.Availability.End.After(req.Availability.Start) {
			writeError(w, http.StatusBadRequest, "availability end must be after start")
			return
		}
		ev.Availability = &followup.Window{Start: req.Availability.Start, End: req.Availability.End}
	}
	h.apply(w, r, ev)
}

// CloseRequest ends the conversation without messaging the patient.
type CloseRequest struct {
	Reason string `json:"reason"`
}

func (h *FollowUpHandler) Close(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	h.apply(w, r, followup.DoctorClose{ID: eventID(r, "close"), DoctorID: doctor, Reason: req.Reason})
}

func (h *FollowUpHandler) apply(w http.ResponseWriter, r *http.Request, ev followup.Event) {
	conv, err := h.engine.HandleEvent(r.Context(), chi.URLParam(r, "conversationID"), ev)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conv, true))
}

func (h *FollowUpHandler) ResumeBooking(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	conv, err := h.engine.ResumeBooking(r.Context(), chi.URLParam(r, "conversationID"), doctor)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(conv, false))
}

// Feed upgrades to a websocket carrying the doctor's live notices.
func (h *FollowUpHandler) Feed(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	h.feed.Handler(doctor).ServeHTTP(w, r)
}
