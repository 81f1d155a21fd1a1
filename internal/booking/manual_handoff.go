package booking

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// EmailSender delivers a single HTML email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

// ManualHandoff implements followup.Scheduler for doctors without a connected
// calendar. It emails the doctor a booking summary and tells the patient the
// practice will call to confirm a time.
type ManualHandoff struct {
	email  EmailSender
	logger *logging.Logger
}

func NewManualHandoff(email EmailSender, logger *logging.Logger) *ManualHandoff {
	if email == nil {
		panic("booking: manual handoff requires an email sender")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ManualHandoff{email: email, logger: logger}
}

var _ followup.Scheduler = (*ManualHandoff)(nil)

// Book implements followup.Scheduler. A request without a doctor email is
// rejected since nobody could act on it.
func (m *ManualHandoff) Book(ctx context.Context, req followup.BookingRequest) (followup.BookingOutcome, error) {
	if strings.TrimSpace(req.DoctorEmail) == "" {
		m.logger.Warn("manual handoff: doctor has no email", "doctor_id", req.DoctorID, "request_id", req.ID)
		return followup.BookingOutcome{Kind: followup.BookingRejected, Reason: "no doctor email on file for manual booking"}, nil
	}

	subject := fmt.Sprintf("Book follow-up for %s", valueOrNA(req.PatientName))
	if err := m.email.SendEmail(ctx, req.DoctorEmail, subject, FormatHandoffHTML(req)); err != nil {
		m.logger.Error("manual handoff: email failed", "error", err, "doctor_id", req.DoctorID, "request_id", req.ID)
		return followup.BookingOutcome{}, fmt.Errorf("booking: manual handoff email: %w", err)
	}
	m.logger.Info("manual handoff: doctor notified", "doctor_id", req.DoctorID, "request_id", req.ID)

	return followup.BookingOutcome{
		Kind:    followup.BookingConfirmed,
		EventID: "handoff:" + req.ID,
		Message: HandoffMessage(req.DoctorName),
	}, nil
}

// HandoffMessage is the patient-facing text sent instead of a timed confirmation.
func HandoffMessage(doctorName string) string {
	who := "your doctor's office"
	if doctorName != "" {
		who = "Dr. " + strings.TrimPrefix(doctorName, "Dr. ") + "'s office"
	}
	return fmt.Sprintf("Thanks! I've asked %s to book your follow-up. They'll contact you shortly to confirm a time.", who)
}

// FormatHandoffSummary renders the request as plain text.
func FormatHandoffSummary(req followup.BookingRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s\n", valueOrNA(req.PatientName))
	fmt.Fprintf(&b, "Phone: %s\n", valueOrNA(req.PatientPhone))
	fmt.Fprintf(&b, "Purpose: %s\n", valueOrNA(req.Purpose))
	if w := windowString(req.Window); w != "" {
		fmt.Fprintf(&b, "Availability: %s\n", w)
	}
	fmt.Fprintf(&b, "Conversation: %s\n", req.ConversationID)
	return b.String()
}

// FormatHandoffHTML renders the request for email.
func FormatHandoffHTML(req followup.BookingRequest) string {
	row := func(label, value string) string {
		return fmt.Sprintf(`<tr><td style="padding:6px 12px;font-weight:bold;">%s</td><td style="padding:6px 12px;">%s</td></tr>`, label, html.EscapeString(value))
	}
	var rows strings.Builder
	rows.WriteString(row("Patient", valueOrNA(req.PatientName)))
	rows.WriteString(row("Phone", valueOrNA(req.PatientPhone)))
	rows.WriteString(row("Purpose", valueOrNA(req.Purpose)))
	if w := windowString(req.Window); w != "" {
		rows.WriteString(row("Availability", w))
	}
	rows.WriteString(row("Conversation", req.ConversationID))

	return fmt.Sprintf(`<div style="font-family:sans-serif;max-width:600px;">
<h2 style="color:#333;">Follow-up booking requested</h2>
<table style="border-collapse:collapse;width:100%%;">
%s
</table>
<p style="color:#666;font-size:12px;">The patient has been told your office will call to confirm a time.</p>
</div>`, rows.String())
}

func windowString(w *followup.Window) string {
	if w == nil || w.Start.IsZero() {
		return ""
	}
	const layout = "Mon Jan 2 15:04 MST"
	if w.End.IsZero() {
		return "from " + w.Start.Format(layout)
	}
	return w.Start.Format(layout) + " to " + w.End.Format(layout)
}

// ErrNoScheduler is returned by Router when neither scheduler is configured.
var ErrNoScheduler = errors.New("booking: no scheduler configured")

// Router sends a doctor's requests to Google Calendar once they have
// connected it and to manual handoff otherwise.
type Router struct {
	calendar *GoogleCalendarScheduler
	tokens   TokenStore
	manual   *ManualHandoff
	// PreferCalendar routes unconnected doctors to the calendar so they get an
	// authorization link instead of a manual handoff.
	PreferCalendar bool
}

func NewRouter(calendar *GoogleCalendarScheduler, tokens TokenStore, manual *ManualHandoff) *Router {
	return &Router{calendar: calendar, tokens: tokens, manual: manual}
}

var _ followup.Scheduler = (*Router)(nil)

func (r *Router) Book(ctx context.Context, req followup.BookingRequest) (followup.BookingOutcome, error) {
	switch {
	case r.calendar == nil && r.manual == nil:
		return followup.BookingOutcome{}, ErrNoScheduler
	case r.calendar == nil:
		return r.manual.Book(ctx, req)
	case r.manual == nil || r.PreferCalendar:
		return r.calendar.Book(ctx, req)
	}
	if _, err := r.tokens.Get(ctx, req.DoctorID); err != nil {
		if errors.Is(err, ErrNoToken) {
			return r.manual.Book(ctx, req)
		}
		return followup.BookingOutcome{}, err
	}
	return r.calendar.Book(ctx, req)
}
