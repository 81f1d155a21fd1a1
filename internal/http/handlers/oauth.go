package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/wolfman30/docfollow/internal/booking"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// CalendarAuthorizer completes a doctor's Google Calendar consent.
type CalendarAuthorizer interface {
	CompleteAuthorization(ctx context.Context, state, code string) (string, error)
}

// AuthURLSource builds the consent link for a doctor.
type AuthURLSource interface {
	AuthURL(doctorID string) (string, error)
}

// BookingResumer re-submits bookings parked on authorization.
type BookingResumer interface {
	ResumeBookingsForDoctor(ctx context.Context, doctorID string) (int, error)
}

// CalendarHandler serves the OAuth callback and the connect link.
type CalendarHandler struct {
	authorizer CalendarAuthorizer
	urls       AuthURLSource
	resumer    BookingResumer
	logger     *logging.Logger
}

func NewCalendarHandler(authorizer CalendarAuthorizer, urls AuthURLSource, resumer BookingResumer, logger *logging.Logger) *CalendarHandler {
	if authorizer == nil || urls == nil || resumer == nil {
		panic("handlers: calendar handler requires authorizer, url source and resumer")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CalendarHandler{authorizer: authorizer, urls: urls, resumer: resumer, logger: logger}
}

// Callback handles GET /oauth/google/callback. Google redirects the doctor's
// browser here, so responses are small HTML pages.
func (h *CalendarHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		h.logger.Warn("calendar consent declined", "reason", reason)
		writePage(w, http.StatusBadRequest, "Calendar not connected", "Google reported: "+reason+". You can try again from the link in your email.")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writePage(w, http.StatusBadRequest, "Calendar not connected", "The authorization response was incomplete.")
		return
	}

	doctorID, err := h.authorizer.CompleteAuthorization(r.Context(), state, code)
	if errors.Is(err, booking.ErrInvalidState) {
		writePage(w, http.StatusBadRequest, "Link expired", "This authorization link is invalid or has expired. Please use a fresh link.")
		return
	}
	if err != nil {
		h.logger.Error("calendar authorization failed", "error", err)
		writePage(w, http.StatusBadGateway, "Calendar not connected", "We could not complete the connection with Google. Please try again.")
		return
	}

	resumed, err := h.resumer.ResumeBookingsForDoctor(r.Context(), doctorID)
	if err != nil {
		h.logger.Error("resume parked bookings failed", "doctor_id", doctorID, "error", err)
	}
	h.logger.Info("calendar connected", "doctor_id", doctorID, "resumed", resumed)
	writePage(w, http.StatusOK, "Calendar connected", fmt.Sprintf("DocFollow can now book follow-ups in your calendar. %d pending booking(s) resumed.", resumed))
}

// ConnectURL returns the consent link for the authenticated doctor.
func (h *CalendarHandler) ConnectURL(w http.ResponseWriter, r *http.Request) {
	doctor, ok := doctorID(w, r)
	if !ok {
		return
	}
	url, err := h.urls.AuthURL(doctor)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": url})
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body style=\"font-family:sans-serif;max-width:560px;margin:48px auto;\"><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(body))
}
